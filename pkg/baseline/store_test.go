package baseline

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walteh/cellwatch/pkg/snapshot"
)

func testCtx(t *testing.T) context.Context {
	return zerolog.New(zerolog.NewTestWriter(t)).WithContext(context.Background())
}

func sampleBaseline(key string) *Baseline {
	snap := snapshot.New()
	snap.Sheets["Sheet1"] = snapshot.Sheet{
		"A1": {Value: "hello"},
		"B2": {Formula: "=A1", Value: "hello"},
	}
	return &Baseline{
		Key:         key,
		SourcePath:  "/data/book.xlsx",
		Snapshot:    snap,
		LastAuthor:  "alex",
		SourceMtime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		SourceSize:  4096,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := testCtx(t)
	store := NewStore(t.TempDir())

	key := snapshot.KeyForPath("/data/book.xlsx")
	require.NoError(t, store.Save(ctx, sampleBaseline(key)))

	loaded, err := store.Load(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, key, loaded.Key)
	assert.Equal(t, "/data/book.xlsx", loaded.SourcePath)
	assert.Equal(t, "alex", loaded.LastAuthor)
	assert.Equal(t, int64(4096), loaded.SourceSize)
	assert.True(t, loaded.SourceMtime.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	assert.True(t, loaded.Snapshot.Equal(sampleBaseline(key).Snapshot), "cell data should survive the round trip")
	assert.NotEmpty(t, loaded.Fingerprint, "fingerprint should be filled on save")
	assert.False(t, loaded.SavedAt.IsZero(), "saved timestamp should be filled on save")
}

func TestStoreMissing(t *testing.T) {
	ctx := testCtx(t)
	store := NewStore(t.TempDir())

	loaded, err := store.Load(ctx, "no-such-key")
	require.NoError(t, err, "a missing baseline is not an error")
	assert.Nil(t, loaded)
	assert.False(t, store.Exists("no-such-key"))
}

func TestStoreOverwrite(t *testing.T) {
	ctx := testCtx(t)
	store := NewStore(t.TempDir())
	key := snapshot.KeyForPath("/data/book.xlsx")

	require.NoError(t, store.Save(ctx, sampleBaseline(key)))

	updated := sampleBaseline(key)
	updated.Snapshot.Sheets["Sheet1"]["A1"] = snapshot.Cell{Value: "changed"}
	updated.Fingerprint = ""
	require.NoError(t, store.Save(ctx, updated))

	loaded, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "changed", loaded.Snapshot.Sheets["Sheet1"]["A1"].Value)
	assert.Equal(t, updated.Snapshot.Fingerprint(), loaded.Fingerprint, "fingerprint should track the new content")
}

func TestStoreDelete(t *testing.T) {
	ctx := testCtx(t)
	store := NewStore(t.TempDir())
	key := snapshot.KeyForPath("/data/book.xlsx")

	require.NoError(t, store.Save(ctx, sampleBaseline(key)))
	require.True(t, store.Exists(key))

	require.NoError(t, store.Delete(ctx, key))
	assert.False(t, store.Exists(key))

	require.NoError(t, store.Delete(ctx, key), "deleting a missing baseline is fine")
}

func TestStoreKeys(t *testing.T) {
	ctx := testCtx(t)
	dir := t.TempDir()
	store := NewStore(dir)

	keys, err := store.Keys()
	require.NoError(t, err, "listing an empty store works")
	assert.Empty(t, keys)

	for _, path := range []string{"/data/a.xlsx", "/data/b.xlsx"} {
		require.NoError(t, store.Save(ctx, sampleBaseline(snapshot.KeyForPath(path))))
	}
	// Stray files in the folder are not baselines.
	require.NoError(t, os.WriteFile(dir+"/notes.txt", []byte("x"), 0644))

	keys, err = store.Keys()
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestSaveRequiresKey(t *testing.T) {
	store := NewStore(t.TempDir())
	b := sampleBaseline("")
	err := store.Save(testCtx(t), b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no key")
}
