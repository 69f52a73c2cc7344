package watch

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/walteh/cellwatch/pkg/baseline"
	"github.com/walteh/cellwatch/pkg/compare"
	"github.com/walteh/cellwatch/pkg/config"
	"github.com/walteh/cellwatch/pkg/diff"
	"github.com/walteh/cellwatch/pkg/display"
	"github.com/walteh/cellwatch/pkg/mirror"
	"github.com/walteh/cellwatch/pkg/xlsx"
)

func boolPtr(b bool) *bool { return &b }

func newTestPoller(t *testing.T) (*Poller, *compare.Engine, *config.Config) {
	t.Helper()

	cfg := &config.Config{
		WatchFolders:    []string{t.TempDir()},
		BaselineFolder:  filepath.Join(t.TempDir(), "baselines"),
		QuickSkipByStat: boolPtr(false),
		Mirror: &config.MirrorArgs{
			Folder:       filepath.Join(t.TempDir(), "mirror"),
			MaxRetries:   2,
			RetrySeconds: 0.01,
		},
		Polling: &config.PollingArgs{
			DenseSeconds:  0.05,
			SparseSeconds: 0.05,
		},
	}
	require.NoError(t, cfg.Validate())

	differ, err := diff.NewResultCache(diff.NewClassifier(cfg.Track))
	require.NoError(t, err)
	t.Cleanup(differ.Close)

	store := baseline.NewStore(cfg.BaselineFolder)
	engine := compare.New(cfg, xlsx.New(), mirror.New(cfg.Mirror, nil), store, differ)
	poller := NewPoller(cfg, engine, display.NewReporter(0))
	return poller, engine, cfg
}

func writeWorkbook(t *testing.T, path string, value interface{}) {
	t.Helper()
	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", value))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())
}

func TestPollerStopsWhenStable(t *testing.T) {
	ctx := testCtx(t)
	poller, engine, _ := newTestPoller(t)
	defer poller.Stop()

	path := filepath.Join(t.TempDir(), "book.xlsx")
	writeWorkbook(t, path, "v1")
	require.NoError(t, engine.Seed(ctx, path))

	poller.Bump(ctx, path)
	require.Equal(t, 1, poller.Active(), "one timer armed")

	// The file does not change, so the first poll finds it stable and
	// polling stops on its own.
	assert.Eventually(t, func() bool { return poller.Active() == 0 },
		5*time.Second, 20*time.Millisecond, "stable file should stop polling")
}

func TestPollerKeepsPollingWhileChanging(t *testing.T) {
	ctx := testCtx(t)
	poller, engine, _ := newTestPoller(t)
	defer poller.Stop()

	path := filepath.Join(t.TempDir(), "book.xlsx")
	writeWorkbook(t, path, "v1")
	require.NoError(t, engine.Seed(ctx, path))

	writeWorkbook(t, path, "v2")
	poller.Bump(ctx, path)

	// The first poll sees v2, reports, and re-arms.
	assert.Eventually(t, func() bool { return poller.Active() >= 1 },
		5*time.Second, 20*time.Millisecond, "a changed file keeps its timer")
}

func TestPollerOneTimerPerFile(t *testing.T) {
	ctx := testCtx(t)
	poller, engine, _ := newTestPoller(t)
	defer poller.Stop()

	path := filepath.Join(t.TempDir(), "book.xlsx")
	writeWorkbook(t, path, "v1")
	require.NoError(t, engine.Seed(ctx, path))

	poller.Bump(ctx, path)
	poller.Bump(ctx, path)
	poller.Bump(ctx, path)
	assert.Equal(t, 1, poller.Active(), "repeated bumps replace the timer, never stack")
	assert.True(t, poller.IsActive(path))
	assert.False(t, poller.IsActive(filepath.Join(t.TempDir(), "other.xlsx")))
}

func TestPollerStopCancelsTimers(t *testing.T) {
	ctx := testCtx(t)
	poller, engine, _ := newTestPoller(t)

	var paths []string
	for _, name := range []string{"a.xlsx", "b.xlsx"} {
		path := filepath.Join(t.TempDir(), name)
		writeWorkbook(t, path, "v1")
		require.NoError(t, engine.Seed(ctx, path))
		paths = append(paths, path)
	}

	for _, path := range paths {
		poller.Bump(ctx, path)
	}
	require.Equal(t, 2, poller.Active())

	poller.Stop()
	assert.Equal(t, 0, poller.Active())

	// Bumps after Stop are ignored.
	poller.Bump(ctx, paths[0])
	assert.Equal(t, 0, poller.Active())
}

func TestPollerGoneFileStopsQuietly(t *testing.T) {
	ctx := testCtx(t)
	poller, _, _ := newTestPoller(t)
	defer poller.Stop()

	poller.Bump(ctx, filepath.Join(t.TempDir(), "never-existed.xlsx"))
	assert.Eventually(t, func() bool { return poller.Active() == 0 },
		5*time.Second, 20*time.Millisecond, "a vanished file should not poll forever")
}
