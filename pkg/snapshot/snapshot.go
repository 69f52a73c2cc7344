// Package snapshot defines the cell-level data model shared by the reader,
// the baseline store and the comparison engine.
package snapshot

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
)

// 📄 Cell holds one cell's content. A cell appears in a sheet only if it has
// a formula or a value. Cached carries the evaluated result of a formula
// cell when the reader could recover one.
type Cell struct {
	Formula string `json:"formula,omitempty"`
	Value   string `json:"value,omitempty"`
	Cached  string `json:"cached,omitempty"`
}

// HasFormula reports whether the cell carries formula text.
func (c Cell) HasFormula() bool {
	return c.Formula != ""
}

// IsZero reports whether the cell carries no data at all.
func (c Cell) IsZero() bool {
	return c.Formula == "" && c.Value == "" && c.Cached == ""
}

// Equal compares formula and value. Cached results are advisory and never
// make two cells differ on their own.
func (c Cell) Equal(other Cell) bool {
	return c.Formula == other.Formula && c.Value == other.Value
}

// 📄 Sheet maps a cell address (e.g. "B12") to its content.
type Sheet map[string]Cell

// Equal reports whether two sheets have identical cell data.
func (s Sheet) Equal(other Sheet) bool {
	if len(s) != len(other) {
		return false
	}
	for addr, cell := range s {
		o, ok := other[addr]
		if !ok || !cell.Equal(o) {
			return false
		}
	}
	return true
}

// 📚 Snapshot is a full reading of one file at one moment. A sheet is present
// only if it has at least one cell with data. Snapshots are built fresh for
// every comparison and never mutated afterwards.
type Snapshot struct {
	Sheets map[string]Sheet `json:"sheets"`
}

// New returns an empty snapshot.
func New() *Snapshot {
	return &Snapshot{Sheets: map[string]Sheet{}}
}

// IsEmpty reports whether the snapshot contains no sheets.
func (s *Snapshot) IsEmpty() bool {
	return s == nil || len(s.Sheets) == 0
}

// SheetNames returns the sheet names in sorted order.
func (s *Snapshot) SheetNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Sheets))
	for name := range s.Sheets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Equal reports whether two snapshots hold identical cell data.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s.IsEmpty() && other.IsEmpty() {
		return true
	}
	if s.IsEmpty() != other.IsEmpty() {
		return false
	}
	if len(s.Sheets) != len(other.Sheets) {
		return false
	}
	for name, sheet := range s.Sheets {
		o, ok := other.Sheets[name]
		if !ok || !sheet.Equal(o) {
			return false
		}
	}
	return true
}

// 🔍 Fingerprint returns a stable hash of the snapshot's cell data. Sheets
// and addresses are serialized in sorted order so identical content always
// hashes the same.
func (s *Snapshot) Fingerprint() string {
	if s.IsEmpty() {
		return ""
	}

	type entry struct {
		Sheet string `json:"sheet"`
		Addr  string `json:"addr"`
		Cell  Cell   `json:"cell"`
	}

	var entries []entry
	for _, name := range s.SheetNames() {
		sheet := s.Sheets[name]
		addrs := make([]string, 0, len(sheet))
		for addr := range sheet {
			addrs = append(addrs, addr)
		}
		sort.Strings(addrs)
		for _, addr := range addrs {
			entries = append(entries, entry{Sheet: name, Addr: addr, Cell: sheet[addr]})
		}
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return ""
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// 🔑 KeyForPath derives the stable baseline key for a file path. The key is
// built from the canonical form of the path so the same file always maps to
// the same baseline regardless of how the caller spelled the path.
func KeyForPath(path string) string {
	canonical := path
	if abs, err := filepath.Abs(path); err == nil {
		canonical = abs
	}
	canonical = filepath.ToSlash(filepath.Clean(canonical))
	canonical = strings.ToLower(canonical)

	sum := md5.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
