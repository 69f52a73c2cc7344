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

// Package compare runs one end-to-end comparison of a file against its
// stored baseline: acquire a local copy, read it, classify differences,
// and advance the baseline when content really changed.
package compare

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/singleflight"

	"github.com/walteh/cellwatch/pkg/baseline"
	"github.com/walteh/cellwatch/pkg/config"
	"github.com/walteh/cellwatch/pkg/diff"
	"github.com/walteh/cellwatch/pkg/mirror"
	"github.com/walteh/cellwatch/pkg/snapshot"
	"github.com/walteh/cellwatch/pkg/xlsx"
)

// retryPause is how long to wait before the single re-read after a failed
// snapshot read. Most failures are a save still in flight.
const retryPause = 1 * time.Second

// 📄 Result is the outcome of one comparison run.
type Result struct {
	// Path is the source path that was compared.
	Path string

	// Key is the baseline key for Path.
	Key string

	// Changed reports whether any content difference was found.
	Changed bool

	// Changes holds the classified differences when Changed is set.
	Changes []diff.Change

	// Seeded is set when no baseline existed and one was captured instead
	// of comparing.
	Seeded bool

	// Skipped is set when the quick stat check proved the file untouched
	// and no read was performed.
	Skipped bool

	// ReadFailed is set when the file could not be read even after the
	// retry. The baseline is untouched so the next run compares against
	// the same reference.
	ReadFailed bool

	// Author is the last-saved-by user from the new reading, best effort.
	Author string

	// PreviousAuthor is the author recorded in the baseline being compared
	// against, for "was edited by X, previously Y" reporting.
	PreviousAuthor string

	// Whitelisted is set when Author matches the whitelist; callers skip
	// the permanent log for these but still display them.
	Whitelisted bool

	// Refs maps external reference numbers to workbook paths for the new
	// reading, best effort.
	Refs map[int]string

	// Elapsed is the wall time of the whole run.
	Elapsed time.Duration
}

// 📖 Reader is the workbook reading surface the engine needs. *xlsx.Reader
// is the production implementation.
type Reader interface {
	ReadSnapshot(ctx context.Context, path string) (*snapshot.Snapshot, error)
	LastAuthor(ctx context.Context, path string) (string, error)
	ExternalRefs(ctx context.Context, path string) (map[int]string, error)
}

var _ Reader = (*xlsx.Reader)(nil)

// 🏭 Engine wires acquisition, reading, classification and baseline
// persistence into a single operation.
type Engine struct {
	cfg     *config.Config
	reader  Reader
	fetcher *mirror.Fetcher
	store   *baseline.Store
	differ  *diff.ResultCache

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	seeds singleflight.Group
}

// New creates an engine over the given collaborators.
func New(cfg *config.Config, reader Reader, fetcher *mirror.Fetcher, store *baseline.Store, differ *diff.ResultCache) *Engine {
	return &Engine{
		cfg:     cfg,
		reader:  reader,
		fetcher: fetcher,
		store:   store,
		differ:  differ,
		locks:   map[string]*sync.Mutex{},
	}
}

// keyLock returns the mutex serializing runs for one baseline key. Two
// events for the same file must never interleave a read with a baseline
// save.
func (e *Engine) keyLock(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[key] = lock
	}
	return lock
}

// Options tunes one comparison run.
type Options struct {
	// Polling marks runs triggered by the follow-up poller rather than a
	// file system event. Poll runs skip the permanent log.
	Polling bool

	// Force bypasses the quick stat skip, for manual checks.
	Force bool
}

// 🔍 Run compares path against its baseline and returns what it found. Runs
// for the same file serialize; runs for different files proceed in
// parallel.
func (e *Engine) Run(ctx context.Context, path string, opts Options) (res *Result, err error) {
	key := snapshot.KeyForPath(path)
	lock := e.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	logger := zerolog.Ctx(ctx).With().Str("path", path).Str("key", key).Logger()
	ctx = logger.WithContext(ctx)

	res = &Result{Path: path, Key: key}
	defer func() { res.Elapsed = time.Since(start) }()

	// Workbook parsers can panic on truncated or half-saved files. A panic
	// is treated like an unreadable file: the baseline stays and the next
	// run compares against the same reference.
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("comparison panicked, keeping baseline")
			res.Changed = false
			res.Changes = nil
			res.ReadFailed = true
			err = nil
		}
	}()

	base, err := e.store.Load(ctx, key)
	if err != nil {
		return nil, errors.Errorf("loading baseline: %w", err)
	}
	if base == nil {
		if err := e.Seed(ctx, path); err != nil {
			return nil, errors.Errorf("seeding baseline: %w", err)
		}
		res.Seeded = true
		return res, nil
	}

	if e.cfg.QuickSkip() && !opts.Force && e.statUnchanged(path, base) {
		logger.Debug().Msg("stat matches baseline, skipping read")
		res.Skipped = true
		return res, nil
	}

	current, err := e.readWithRetry(ctx, path)
	if err != nil {
		logger.Warn().Err(err).Msg("file unreadable after retry, keeping baseline")
		res.ReadFailed = true
		return res, nil
	}

	res.Changes = e.differ.Compare(base.Snapshot, current.snap)
	if len(res.Changes) == 0 {
		// Includes the recovery case: a file that failed to read earlier
		// and now reads back identical to the baseline is simply unchanged.
		logger.Debug().Dur("elapsed", time.Since(start)).Msg("no content changes")
		return res, nil
	}

	res.Changed = true
	res.Author = current.author
	res.PreviousAuthor = base.LastAuthor
	res.Refs = current.refs
	res.Whitelisted = e.isWhitelisted(current.author)

	if e.cfg.AutoUpdate() {
		if err := e.saveBaseline(ctx, key, path, current); err != nil {
			logger.Warn().Err(err).Msg("baseline update failed, next run will re-report")
		}
	}

	logger.Info().
		Int("changes", len(res.Changes)).
		Str("author", res.Author).
		Bool("polling", opts.Polling).
		Dur("elapsed", res.Elapsed).
		Msg("changes detected")

	return res, nil
}

// 🌱 Seed captures the current content of path as its baseline without
// comparing. Concurrent seeds for the same file collapse into one.
func (e *Engine) Seed(ctx context.Context, path string) error {
	key := snapshot.KeyForPath(path)
	_, err, _ := e.seeds.Do(key, func() (_ interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("reading workbook: panic: %v", r)
			}
		}()
		if e.store.Exists(key) {
			return nil, nil
		}
		current, err := e.readWithRetry(ctx, path)
		if err != nil {
			return nil, err
		}
		if err := e.saveBaseline(ctx, key, path, current); err != nil {
			return nil, err
		}
		zerolog.Ctx(ctx).Info().Str("path", path).Str("key", key).Msg("baseline captured")
		return nil, nil
	})
	return err
}

// reading is everything one snapshot read produced.
type reading struct {
	snap   *snapshot.Snapshot
	author string
	refs   map[int]string
	mtime  time.Time
	size   int64
}

// readWithRetry acquires a local copy and reads it, retrying the whole
// acquisition once after a short pause. The second attempt gets a fresh
// copy in case the first caught a save mid-write.
func (e *Engine) readWithRetry(ctx context.Context, path string) (*reading, error) {
	first, err := e.readOnce(ctx, path)
	if err == nil {
		return first, nil
	}

	zerolog.Ctx(ctx).Debug().Err(err).Msg("read failed, retrying once")
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(retryPause):
	}
	return e.readOnce(ctx, path)
}

func (e *Engine) readOnce(ctx context.Context, path string) (*reading, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FileTimeout())
	defer cancel()

	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Errorf("stating source: %w", err)
	}

	fetched, err := e.fetcher.Fetch(ctx, path)
	if err != nil {
		return nil, errors.Errorf("acquiring local copy: %w", err)
	}

	snap, err := e.reader.ReadSnapshot(ctx, fetched.LocalPath)
	if err != nil {
		return nil, errors.Errorf("reading snapshot: %w", err)
	}

	r := &reading{snap: snap, mtime: info.ModTime(), size: info.Size()}

	// Author and external refs inform reporting only; their failure never
	// fails the read.
	if author, err := e.reader.LastAuthor(ctx, fetched.LocalPath); err == nil {
		r.author = author
	}
	if refs, err := e.reader.ExternalRefs(ctx, fetched.LocalPath); err == nil && len(refs) > 0 {
		r.refs = refs
	}

	return r, nil
}

// statUnchanged reports whether the source's size and mtime match the
// baseline's record, with the configured mtime tolerance for file systems
// that round timestamps.
func (e *Engine) statUnchanged(path string, base *baseline.Baseline) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if info.Size() != base.SourceSize {
		return false
	}
	delta := info.ModTime().Sub(base.SourceMtime)
	if delta < 0 {
		delta = -delta
	}
	return delta <= e.cfg.MtimeTolerance()
}

func (e *Engine) saveBaseline(ctx context.Context, key, path string, r *reading) error {
	return e.store.Save(ctx, &baseline.Baseline{
		Key:         key,
		SourcePath:  path,
		Snapshot:    r.snap,
		LastAuthor:  r.author,
		SourceMtime: r.mtime,
		SourceSize:  r.size,
	})
}

func (e *Engine) isWhitelisted(author string) bool {
	if author == "" || e.cfg.Track == nil {
		return false
	}
	for _, user := range e.cfg.Track.WhitelistUsers {
		if user == author {
			return true
		}
	}
	return false
}
