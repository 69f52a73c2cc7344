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

// Package changelog appends classified changes to a permanent, compressed
// CSV log, one file per day. Repeated identical changes inside the dedup
// window are written once.
package changelog

import (
	"compress/gzip"
	"context"
	"crypto/md5"
	"encoding/csv"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cellwatch/pkg/compare"
	"github.com/walteh/cellwatch/pkg/diff"
)

var csvHeader = []string{
	"timestamp", "file", "sheet", "cell", "kind",
	"old_formula", "old_value", "new_formula", "new_value", "author",
}

// 📒 Logger writes the permanent change log. Safe for concurrent use.
type Logger struct {
	dir    string
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time

	// now is swapped in tests to exercise the dedup window.
	now func() time.Time
}

// New creates a logger writing daily files under dir, suppressing repeats
// of the same change within window.
func New(dir string, window time.Duration) *Logger {
	return &Logger{
		dir:    dir,
		window: window,
		seen:   map[string]time.Time{},
		now:    time.Now,
	}
}

// filePath returns the log file for a moment in time: one file per day so
// the log never needs rotation machinery.
func (l *Logger) filePath(t time.Time) string {
	return filepath.Join(l.dir, "changes_"+t.Format("2006-01-02")+".csv.gz")
}

// 📝 Append writes every tracked change of a result not suppressed by the
// dedup window. Untracked changes are console-only and never reach the
// permanent log. Returns how many rows were written.
func (l *Logger) Append(ctx context.Context, res *compare.Result) (int, error) {
	if res == nil || !res.Changed {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	var rows [][]string
	untracked := 0
	for _, ch := range res.Changes {
		if !ch.Tracked {
			untracked++
			continue
		}
		sig := signature(res.Path, ch)
		if last, ok := l.seen[sig]; ok && now.Sub(last) < l.window {
			continue
		}
		l.seen[sig] = now
		rows = append(rows, row(now, res.Path, res.Author, ch))
	}
	if len(rows) == 0 {
		zerolog.Ctx(ctx).Debug().
			Str("path", res.Path).
			Int("untracked", untracked).
			Msg("no loggable changes")
		return 0, nil
	}

	if err := l.write(now, rows); err != nil {
		return 0, err
	}

	zerolog.Ctx(ctx).Debug().
		Str("path", res.Path).
		Int("rows", len(rows)).
		Int("suppressed", len(res.Changes)-untracked-len(rows)).
		Int("untracked", untracked).
		Msg("change log appended")

	return len(rows), nil
}

// write appends rows as a fresh gzip member. Concatenated gzip members form
// a valid gzip stream, so appending never rewrites existing data.
func (l *Logger) write(now time.Time, rows [][]string) error {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return errors.Errorf("creating log folder: %w", err)
	}

	path := l.filePath(now)
	info, statErr := os.Stat(path)
	fresh := statErr != nil || info.Size() == 0

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Errorf("opening change log: %w", err)
	}
	defer file.Close()

	gz := gzip.NewWriter(file)
	w := csv.NewWriter(gz)

	if fresh {
		if err := w.Write(csvHeader); err != nil {
			return errors.Errorf("writing log header: %w", err)
		}
	}
	for _, r := range rows {
		if err := w.Write(r); err != nil {
			return errors.Errorf("writing log row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Errorf("flushing log rows: %w", err)
	}
	if err := gz.Close(); err != nil {
		return errors.Errorf("closing gzip member: %w", err)
	}
	return nil
}

// prune drops signatures older than the window so the dedup map stays
// bounded by recent activity.
func (l *Logger) prune(now time.Time) {
	for sig, t := range l.seen {
		if now.Sub(t) >= l.window {
			delete(l.seen, sig)
		}
	}
}

// signature identifies one concrete change for deduplication. The author is
// deliberately excluded: the same edit reported twice is a repeat no matter
// who the file says saved it.
func signature(path string, ch diff.Change) string {
	parts := strings.Join([]string{
		path, ch.Sheet, ch.Addr, ch.Kind.String(),
		ch.Old.Formula, ch.Old.Value, ch.New.Formula, ch.New.Value,
	}, "|")
	sum := md5.Sum([]byte(parts))
	return hex.EncodeToString(sum[:])
}

func row(now time.Time, path, author string, ch diff.Change) []string {
	return []string{
		now.Format(time.RFC3339),
		path,
		ch.Sheet,
		ch.Addr,
		ch.Kind.String(),
		ch.Old.Formula,
		ch.Old.Value,
		ch.New.Formula,
		ch.New.Value,
		author,
	}
}
