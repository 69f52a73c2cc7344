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

// Package baseline persists the reference snapshot each file is compared
// against. One gzip-compressed JSON file per baseline key, replaced
// atomically so a crash mid-save never corrupts an existing baseline.
package baseline

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cellwatch/pkg/snapshot"
)

// 📚 Baseline is the stored reference state of one watched file.
type Baseline struct {
	// Key is the stable identity derived from the source path.
	Key string `json:"key"`

	// SourcePath is the path the baseline was captured from, kept for
	// humans reading the store.
	SourcePath string `json:"source_path"`

	// Snapshot holds the cell data.
	Snapshot *snapshot.Snapshot `json:"snapshot"`

	// Fingerprint is the content hash of Snapshot at save time.
	Fingerprint string `json:"fingerprint"`

	// LastAuthor is the user recorded in the file when it was captured.
	LastAuthor string `json:"last_author,omitempty"`

	// SourceMtime and SourceSize record the source file's stat at capture
	// time, used for the quick no-change skip.
	SourceMtime time.Time `json:"source_mtime"`
	SourceSize  int64     `json:"source_size"`

	// SavedAt is when this baseline was written.
	SavedAt time.Time `json:"saved_at"`
}

// 🏪 Store reads and writes baselines under a single folder.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a store rooted at dir. The folder is created on first
// save, not here.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the on-disk location for a baseline key.
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, key+".json.gz")
}

// Exists reports whether a baseline is stored for key.
func (s *Store) Exists(key string) bool {
	_, err := os.Stat(s.Path(key))
	return err == nil
}

// 📖 Load reads the baseline for key. A missing baseline is (nil, nil), not
// an error: absence is an ordinary state for newly watched files.
func (s *Store) Load(ctx context.Context, key string) (*Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Errorf("opening baseline file: %w", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, errors.Errorf("decompressing baseline: %w", err)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, errors.Errorf("reading baseline: %w", err)
	}

	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, errors.Errorf("decoding baseline: %w", err)
	}

	zerolog.Ctx(ctx).Debug().
		Str("key", key).
		Str("source", b.SourcePath).
		Time("saved_at", b.SavedAt).
		Msg("baseline loaded")

	return &b, nil
}

// 💾 Save writes the baseline atomically: full write to a temp file in the
// same folder, then rename over the old baseline.
func (s *Store) Save(ctx context.Context, b *Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.Key == "" {
		return errors.Errorf("baseline has no key")
	}
	if b.SavedAt.IsZero() {
		b.SavedAt = time.Now()
	}
	if b.Fingerprint == "" && b.Snapshot != nil {
		b.Fingerprint = b.Snapshot.Fingerprint()
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return errors.Errorf("creating baseline folder: %w", err)
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return errors.Errorf("encoding baseline: %w", err)
	}

	target := s.Path(b.Key)
	tmp := target + ".tmp"

	file, err := os.Create(tmp)
	if err != nil {
		return errors.Errorf("creating temp baseline file: %w", err)
	}

	gz := gzip.NewWriter(file)
	_, werr := gz.Write(data)
	if cerr := gz.Close(); werr == nil {
		werr = cerr
	}
	if cerr := file.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmp)
		return errors.Errorf("writing baseline: %w", werr)
	}

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return errors.Errorf("replacing baseline: %w", err)
	}

	zerolog.Ctx(ctx).Debug().
		Str("key", b.Key).
		Str("source", b.SourcePath).
		Msg("baseline saved")

	return nil
}

// Delete removes the stored baseline for key. Deleting a missing baseline
// is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.Path(key))
	if err != nil && !os.IsNotExist(err) {
		return errors.Errorf("removing baseline: %w", err)
	}
	zerolog.Ctx(ctx).Debug().Str("key", key).Msg("baseline deleted")
	return nil
}

// Keys lists every stored baseline key.
func (s *Store) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Errorf("listing baseline folder: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json.gz") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json.gz"))
	}
	return keys, nil
}
