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

// Package watch turns raw file system notifications into comparison runs:
// a recursive fsnotify watcher with debouncing, an event router applying
// the baseline policies, and a per-file follow-up poller.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cellwatch/pkg/config"
)

// 🔔 Op is the kind of file system event after mapping from fsnotify.
type Op int

const (
	OpCreate Op = iota
	OpWrite
	OpRemove
	OpRename
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// 📄 Event is one debounced file event for a supported spreadsheet file.
type Event struct {
	Path string
	Op   Op
	Time time.Time
}

type pendingEvent struct {
	event *Event
	timer *time.Timer
}

// 👀 Watcher watches the configured folders recursively and emits one
// debounced event per file per burst of raw notifications.
type Watcher struct {
	cfg     *config.Config
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	pending  map[string]*pendingEvent
	eventCh  chan *Event
	stopOnce sync.Once
	stopped  bool
}

// NewWatcher validates the watch folders and prepares a watcher. Folders
// that do not exist are an error here rather than a silent no-op later.
func NewWatcher(cfg *config.Config) (*Watcher, error) {
	for _, folder := range cfg.WatchFolders {
		info, err := os.Stat(folder)
		if err != nil {
			return nil, errors.Errorf("watch folder %s: %w", folder, err)
		}
		if !info.IsDir() {
			return nil, errors.Errorf("watch folder %s is not a directory", folder)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Errorf("creating fsnotify watcher: %w", err)
	}

	return &Watcher{
		cfg:     cfg,
		watcher: fsw,
		pending: map[string]*pendingEvent{},
	}, nil
}

// ▶️ Start registers every folder recursively and begins emitting events.
// The returned channel closes when ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) (<-chan *Event, error) {
	w.eventCh = make(chan *Event, 64)

	for _, folder := range w.cfg.WatchFolders {
		if err := w.addRecursive(ctx, folder); err != nil {
			close(w.eventCh)
			return nil, errors.Errorf("watching %s: %w", folder, err)
		}
	}

	go w.loop(ctx)
	return w.eventCh, nil
}

// addRecursive registers folder and every non-excluded subfolder.
func (w *Watcher) addRecursive(ctx context.Context, root string) error {
	logger := zerolog.Ctx(ctx)
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A subfolder that cannot be listed is skipped, not fatal.
			logger.Warn().Str("path", path).Err(err).Msg("skipping unreadable folder")
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.isExcluded(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return errors.Errorf("adding %s: %w", path, err)
		}
		logger.Debug().Str("path", path).Msg("folder watched")
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	logger := zerolog.Ctx(ctx)
	defer w.cleanup()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if w.isExcluded(event.Name) {
		return
	}

	// New folders join the watch so files created inside them are seen.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addRecursive(ctx, event.Name)
			return
		}
	}

	if !w.cfg.IsSupportedFile(event.Name) {
		return
	}

	w.schedule(event.Name, mapOp(event.Op))
}

func mapOp(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate
	case op.Has(fsnotify.Remove):
		return OpRemove
	case op.Has(fsnotify.Rename):
		return OpRename
	default:
		return OpWrite
	}
}

// schedule arms or re-arms the debounce timer for path. A burst of raw
// notifications for one save collapses into the last event of the burst.
func (w *Watcher) schedule(path string, op Op) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}

	event := &Event{Path: path, Op: op, Time: time.Now()}

	if existing, ok := w.pending[path]; ok {
		existing.timer.Stop()
		existing.event = event
		existing.timer = w.armTimer(path, event)
		return
	}
	w.pending[path] = &pendingEvent{event: event, timer: w.armTimer(path, event)}
}

func (w *Watcher) armTimer(path string, event *Event) *time.Timer {
	return time.AfterFunc(w.cfg.Debounce(), func() {
		w.emit(path, event)
	})
}

func (w *Watcher) emit(path string, event *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	delete(w.pending, path)

	select {
	case w.eventCh <- event:
	default:
		// Consumer is saturated; the poller will catch anything dropped.
	}
}

func (w *Watcher) isExcluded(path string) bool {
	return w.cfg.IsExcluded(path)
}

// ⏹️ Stop cancels pending timers and closes the underlying watcher. Safe to
// call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		for _, p := range w.pending {
			p.timer.Stop()
		}
		w.pending = map[string]*pendingEvent{}
		w.mu.Unlock()

		w.watcher.Close()
	})
}

func (w *Watcher) cleanup() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.stopped {
		w.stopped = true
		for _, p := range w.pending {
			p.timer.Stop()
		}
		w.pending = map[string]*pendingEvent{}
	}
	close(w.eventCh)
}
