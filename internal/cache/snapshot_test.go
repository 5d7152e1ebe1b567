package cache

import (
	"context"
	"testing"
	"time"

	"github.com/newthinker/quotegate/internal/storage/archive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotter_SaveRestore(t *testing.T) {
	ctx := context.Background()
	storage, err := archive.NewLocalFS(t.TempDir())
	require.NoError(t, err)

	clock := newFakeClock()
	src := New(10, WithClock(clock.Now))
	src.Set("quote:AAPL", quote("AAPL", 190.5), 15*time.Minute, WithSource("yahoo"))
	src.Set("quote:KO", quote("KO", 60.1), time.Hour)

	path, err := NewSnapshotter(src, storage, 3, nil).Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cache/snapshot-20240301T140000Z.json", path)

	// restart an hour later: AAPL is now stale but still served
	clock.Advance(time.Hour)
	dst := New(10, WithClock(clock.Now))
	n, err := NewSnapshotter(dst, storage, 3, nil).Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	e, f := dst.GetAllowingStale("quote:AAPL")
	assert.Equal(t, Stale, f)
	assert.Equal(t, "yahoo", e.Source)
	assert.Equal(t, 190.5, *e.Payload.Price)
}

func TestSnapshotter_RestoreWithoutSnapshot(t *testing.T) {
	storage, err := archive.NewLocalFS(t.TempDir())
	require.NoError(t, err)

	n, err := NewSnapshotter(New(10), storage, 3, nil).Restore(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSnapshotter_PrunesToKeep(t *testing.T) {
	ctx := context.Background()
	storage, err := archive.NewLocalFS(t.TempDir())
	require.NoError(t, err)

	clock := newFakeClock()
	store := New(10, WithClock(clock.Now))
	snap := NewSnapshotter(store, storage, 2, nil)

	var last string
	for i := 0; i < 4; i++ {
		store.Set("quote:AAPL", quote("AAPL", float64(i)), time.Minute)
		last, err = snap.Save(ctx)
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	paths, err := storage.List(ctx, "cache/")
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, last, paths[1])

	restored := New(10, WithClock(clock.Now))
	_, err = NewSnapshotter(restored, storage, 2, nil).Restore(ctx)
	require.NoError(t, err)
	e, _ := restored.GetAllowingStale("quote:AAPL")
	assert.Equal(t, 3.0, *e.Payload.Price, "newest snapshot wins")
}
