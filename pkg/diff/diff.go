// Copyright 2025 walteh LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package diff compares two snapshots cell by cell and classifies every
// difference into exactly one change kind.
package diff

import (
	"sort"

	"github.com/xuri/excelize/v2"

	"github.com/walteh/cellwatch/pkg/config"
	"github.com/walteh/cellwatch/pkg/snapshot"
	"github.com/walteh/cellwatch/pkg/xlsx"
)

// 🎯 Kind is the classification of one cell difference. The numeric order is
// the classification priority: a difference is assigned the first kind whose
// rule matches.
type Kind int

const (
	// KindAdded: the cell exists only in the new snapshot.
	KindAdded Kind = iota

	// KindDeleted: the cell exists only in the old snapshot.
	KindDeleted

	// KindFormula: the formula text itself changed.
	KindFormula

	// KindDirectValue: a non-formula cell's value changed. Someone typed.
	KindDirectValue

	// KindExternalRef: same formula referencing another workbook, different
	// result. The other workbook moved.
	KindExternalRef

	// KindIndirect: same local formula, different result. A precedent cell
	// changed somewhere else.
	KindIndirect
)

func (k Kind) String() string {
	switch k {
	case KindAdded:
		return "added"
	case KindDeleted:
		return "deleted"
	case KindFormula:
		return "formula_change"
	case KindDirectValue:
		return "direct_value"
	case KindExternalRef:
		return "external_ref_update"
	case KindIndirect:
		return "indirect_change"
	default:
		return "unknown"
	}
}

// 📄 Change is one classified cell difference. Tracked reports whether the
// change's category is enabled for the permanent log; the console display
// shows every change regardless.
type Change struct {
	Sheet   string        `json:"sheet"`
	Addr    string        `json:"addr"`
	Kind    Kind          `json:"kind"`
	Tracked bool          `json:"tracked"`
	Old     snapshot.Cell `json:"old"`
	New     snapshot.Cell `json:"new"`
}

// 🏭 Classifier compares snapshots under the configured tracking toggles.
type Classifier struct {
	opts *config.TrackArgs
}

// NewClassifier creates a classifier. A nil opts tracks everything except
// indirect changes, matching the config defaults.
func NewClassifier(opts *config.TrackArgs) *Classifier {
	if opts == nil {
		opts = &config.TrackArgs{}
	}
	return &Classifier{opts: opts}
}

// 🔍 Compare returns every tracked difference between old and new, sorted by
// sheet then cell position. Identical snapshots (including both empty)
// produce no changes.
func (c *Classifier) Compare(old, new *snapshot.Snapshot) []Change {
	var changes []Change
	lookups := 0

	for _, name := range unionSheetNames(old, new) {
		var oldSheet, newSheet snapshot.Sheet
		if old != nil {
			oldSheet = old.Sheets[name]
		}
		if new != nil {
			newSheet = new.Sheets[name]
		}
		changes = append(changes, c.compareSheet(name, oldSheet, newSheet, &lookups)...)
	}

	sortChanges(changes)
	return changes
}

func (c *Classifier) compareSheet(name string, oldSheet, newSheet snapshot.Sheet, lookups *int) []Change {
	var changes []Change

	for addr, newCell := range newSheet {
		oldCell, existed := oldSheet[addr]
		if !existed {
			changes = append(changes, Change{Sheet: name, Addr: addr, Kind: KindAdded, Tracked: true, New: newCell})
			continue
		}
		if oldCell.Equal(newCell) {
			continue
		}
		if ch, keep := c.classify(name, addr, oldCell, newCell, lookups); keep {
			changes = append(changes, ch)
		}
	}

	for addr, oldCell := range oldSheet {
		if _, stillThere := newSheet[addr]; !stillThere {
			changes = append(changes, Change{Sheet: name, Addr: addr, Kind: KindDeleted, Tracked: true, Old: oldCell})
		}
	}

	return changes
}

// classify assigns a kind to a modified cell. The rules are checked in
// priority order and exactly one fires. The category toggles only decide
// Tracked; every real difference is returned. The one case dropped outright
// is an unchanged formula whose stored result proves the visible difference
// is rendering noise.
func (c *Classifier) classify(sheet, addr string, oldCell, newCell snapshot.Cell, lookups *int) (Change, bool) {
	ch := Change{Sheet: sheet, Addr: addr, Old: oldCell, New: newCell}

	switch {
	case oldCell.Formula != newCell.Formula:
		ch.Kind = KindFormula
		ch.Tracked = c.opts.TrackFormulaChanges()

	case !newCell.HasFormula():
		ch.Kind = KindDirectValue
		ch.Tracked = c.opts.TrackDirectValueChanges()

	default:
		// Same formula, different value. When both readings carry a stored
		// formula result, an identical stored result means nothing really
		// changed, external reference or not.
		if c.verifyWithCached(oldCell, newCell, lookups) {
			return ch, false
		}
		if xlsx.HasExternalReference(newCell.Formula) {
			ch.Kind = KindExternalRef
			ch.Tracked = c.opts.TrackExternalRefUpdates()
		} else {
			ch.Kind = KindIndirect
			ch.Tracked = !c.opts.IgnoreIndirectChanges()
		}
	}

	return ch, true
}

// verifyWithCached reports whether the stored formula results prove the two
// readings identical. Lookups are capped per comparison so a sheet full of
// formulas cannot stall the comparison.
func (c *Classifier) verifyWithCached(oldCell, newCell snapshot.Cell, lookups *int) bool {
	limit := c.opts.CachedLookupLimit
	if limit <= 0 || *lookups >= limit {
		return false
	}
	*lookups++
	return oldCell.Cached != "" && oldCell.Cached == newCell.Cached
}

func unionSheetNames(old, new *snapshot.Snapshot) []string {
	seen := map[string]bool{}
	if old != nil {
		for name := range old.Sheets {
			seen[name] = true
		}
	}
	if new != nil {
		for name := range new.Sheets {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sortChanges orders by sheet, then row, then column, so output reads the
// way a person scans a sheet. Unparseable addresses sort last by string.
func sortChanges(changes []Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].Sheet != changes[j].Sheet {
			return changes[i].Sheet < changes[j].Sheet
		}
		ci, ri, erri := excelize.CellNameToCoordinates(changes[i].Addr)
		cj, rj, errj := excelize.CellNameToCoordinates(changes[j].Addr)
		if erri != nil || errj != nil {
			return changes[i].Addr < changes[j].Addr
		}
		if ri != rj {
			return ri < rj
		}
		return ci < cj
	})
}
