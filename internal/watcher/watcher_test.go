package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TechnicallyBob202/FrameTagger/internal/catalog"
	"github.com/TechnicallyBob202/FrameTagger/internal/scanner"
)

type recordingScanner struct {
	mu    sync.Mutex
	calls map[int64]int
}

func (r *recordingScanner) ScanFolder(_ context.Context, f catalog.Folder) (scanner.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[f.ID]++
	return scanner.Result{}, nil
}

func (r *recordingScanner) count(id int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func TestWatcher_DebouncedScan(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	rec := &recordingScanner{calls: map[int64]int{}}

	w, err := New(rec, 100*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Add(catalog.Folder{ID: 1, Path: dir}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	for _, name := range []string{"a.jpg", "b.jpg", "c.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.Eventually(t, func() bool { return rec.count(1) == 1 }, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.jpg"), []byte("x"), 0o644))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, rec.count(1))

	sub := filepath.Join(dir, "2024")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.Eventually(t, func() bool { return rec.count(1) == 2 }, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "d.jpg"), []byte("x"), 0o644))
	require.Eventually(t, func() bool { return rec.count(1) == 3 }, 3*time.Second, 20*time.Millisecond)

	w.Remove(1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "e.jpg"), []byte("x"), 0o644))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 3, rec.count(1))
}

func TestWatcher_TimersDoNotBlockAfterRun(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	w, err := New(&recordingScanner{calls: map[int64]int{}}, time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Add(catalog.Folder{ID: 1, Path: dir}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, w.Run(ctx), context.Canceled)

	for i := 0; i < cap(w.fire); i++ {
		w.fire <- 1
	}
	fired := make(chan struct{})
	go func() {
		w.signal(1)
		close(fired)
	}()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("signal blocked on a full queue after Run returned")
	}

	w.markDirty(filepath.Join(dir, "a.jpg"))
	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Empty(t, w.timers)
}
