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

package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/walteh/cellwatch/pkg/config"
)

func testCtx(t *testing.T) context.Context {
	return zerolog.New(zerolog.NewTestWriter(t)).WithContext(context.Background())
}

func watcherConfig(t *testing.T, mutate func(*config.Config)) *config.Config {
	cfg := &config.Config{
		WatchFolders:    []string{t.TempDir()},
		DebounceSeconds: 0.05,
	}
	require.NoError(t, cfg.Validate())
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

// waitForEvent reads one event or fails the test after a generous timeout.
func waitForEvent(t *testing.T, events <-chan *Event) *Event {
	t.Helper()
	select {
	case event, ok := <-events:
		require.True(t, ok, "event channel closed early")
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestWatcherSeesNewFile(t *testing.T) {
	ctx, cancel := context.WithCancel(testCtx(t))
	defer cancel()

	cfg := watcherConfig(t, nil)
	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	defer w.Stop()

	events, err := w.Start(ctx)
	require.NoError(t, err)

	path := filepath.Join(cfg.WatchFolders[0], "book.xlsx")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0644))

	event := waitForEvent(t, events)
	assert.Equal(t, path, event.Path)
}

func TestWatcherDebouncesBursts(t *testing.T) {
	ctx, cancel := context.WithCancel(testCtx(t))
	defer cancel()

	cfg := watcherConfig(t, nil)
	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	defer w.Stop()

	events, err := w.Start(ctx)
	require.NoError(t, err)

	// A save is many raw notifications in quick succession.
	path := filepath.Join(cfg.WatchFolders[0], "book.xlsx")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("data"), 0644))
		time.Sleep(5 * time.Millisecond)
	}

	waitForEvent(t, events)

	// After the burst settles there must be no trailing duplicates.
	select {
	case event := <-events:
		t.Fatalf("unexpected extra event: %+v", event)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherFiltersUnsupportedFiles(t *testing.T) {
	ctx, cancel := context.WithCancel(testCtx(t))
	defer cancel()

	cfg := watcherConfig(t, nil)
	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	defer w.Stop()

	events, err := w.Start(ctx)
	require.NoError(t, err)

	dir := cfg.WatchFolders[0]
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "~$book.xlsx"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "book.xlsm"), []byte("x"), 0644))

	event := waitForEvent(t, events)
	assert.Equal(t, filepath.Join(dir, "book.xlsm"), event.Path,
		"only the supported file should come through")
}

func TestWatcherSeesNewSubfolder(t *testing.T) {
	ctx, cancel := context.WithCancel(testCtx(t))
	defer cancel()

	cfg := watcherConfig(t, nil)
	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	defer w.Stop()

	events, err := w.Start(ctx)
	require.NoError(t, err)

	sub := filepath.Join(cfg.WatchFolders[0], "2026", "march")
	require.NoError(t, os.MkdirAll(sub, 0755))
	// Give the watcher a moment to register the new folders.
	time.Sleep(200 * time.Millisecond)

	path := filepath.Join(sub, "book.xlsx")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0644))

	event := waitForEvent(t, events)
	assert.Equal(t, path, event.Path)
}

func TestWatcherMissingFolder(t *testing.T) {
	cfg := watcherConfig(t, func(c *config.Config) {
		c.WatchFolders = []string{filepath.Join(c.WatchFolders[0], "does-not-exist")}
	})
	_, err := NewWatcher(cfg)
	require.Error(t, err, "a missing watch folder fails fast")
}

func TestWatcherShutdownLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(testCtx(t))
	cfg := watcherConfig(t, nil)

	w, err := NewWatcher(cfg)
	require.NoError(t, err)

	events, err := w.Start(ctx)
	require.NoError(t, err)

	path := filepath.Join(cfg.WatchFolders[0], "book.xlsx")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0644))
	waitForEvent(t, events)

	w.Stop()
	cancel()

	// The event channel closes once the loop drains.
	for range events {
	}
}
