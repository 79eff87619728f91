package jobs

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TechnicallyBob202/FrameTagger/internal/apperr"
)

func newJob(id string, files ...string) *Job {
	j := &Job{ID: id, FolderID: 3, TotalFiles: len(files), CreatedAt: time.Now().UTC()}
	for n, f := range files {
		j.Results = append(j.Results, FileResult{Index: n, Filename: f, OriginalName: f, Status: FilePending})
	}
	return j
}

func setStatus(s FileStatus) func(*FileResult) error {
	return func(r *FileResult) error {
		r.Status = s
		return nil
	}
}

func TestRefresh_DerivesStatus(t *testing.T) {
	cases := []struct {
		statuses []FileStatus
		want     Status
	}{
		{[]FileStatus{FilePending, FileSuccess}, StatusPending},
		{[]FileStatus{FileProcessing, FileDuplicate}, StatusPending},
		{[]FileStatus{FileDuplicate, FileNeedsPositioning}, StatusDuplicate},
		{[]FileStatus{FileNeedsPositioning, FileSuccess}, StatusNeedsPositioning},
		{[]FileStatus{FileSuccess, FileSkipped, FileFailed}, StatusComplete},
		{nil, StatusComplete},
	}
	for _, tc := range cases {
		j := &Job{}
		for _, s := range tc.statuses {
			j.Results = append(j.Results, FileResult{Status: s})
		}
		j.Refresh()
		assert.Equal(t, tc.want, j.Status, "%v", tc.statuses)
	}
}

// exerciseStore runs the Store contract against any implementation.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newJob("job-1", "b.jpg", "a.jpg")))

	j, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.Status)
	require.Len(t, j.Results, 2)
	assert.Equal(t, "b.jpg", j.Results[0].Filename)
	assert.Equal(t, int64(3), j.FolderID)

	r, err := s.UpdateFile(ctx, "job-1", "a.jpg", setStatus(FileNeedsPositioning))
	require.NoError(t, err)
	assert.Equal(t, FileNeedsPositioning, r.Status)
	assert.False(t, r.UpdatedAt.IsZero())

	boom := errors.New("boom")
	_, err = s.UpdateFile(ctx, "job-1", "b.jpg", func(*FileResult) error { return boom })
	assert.ErrorIs(t, err, boom)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateFile(ctx, "job-1", "b.jpg", func(r *FileResult) error {
				r.Size++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	j, err = s.Get(ctx, "job-1")
	require.NoError(t, err)
	b, _ := j.File("b.jpg")
	assert.Equal(t, int64(8), b.Size)
	assert.Equal(t, StatusPending, j.Status)

	_, err = s.UpdateFile(ctx, "job-1", "missing.jpg", setStatus(FileSuccess))
	assert.True(t, apperr.IsNotFound(err))
	_, err = s.UpdateFile(ctx, "nope", "a.jpg", setStatus(FileSuccess))
	assert.True(t, apperr.IsNotFound(err))

	require.NoError(t, s.Delete(ctx, "job-1"))
	_, err = s.Get(ctx, "job-1")
	assert.True(t, apperr.IsNotFound(err))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(time.Hour))
}

func TestMemoryStore_Expires(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	clock := time.Now()
	s.now = func() time.Time { return clock }
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newJob("old", "x.jpg")))

	clock = clock.Add(2 * time.Minute)
	_, err := s.Get(ctx, "old")
	assert.True(t, apperr.IsNotFound(err))
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("FRAMETAGGER_TEST_REDIS")
	if addr == "" {
		t.Skip("FRAMETAGGER_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	defer rdb.Close()
	require.NoError(t, rdb.Ping(context.Background()).Err())
	defer rdb.Del(context.Background(), jobKey("job-1"))

	exerciseStore(t, NewRedisStore(rdb, time.Minute))
}

func TestLocalQueue(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskUploadAnalyze, func(_ context.Context, task *asynq.Task) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(task.Payload()))
		return nil
	})
	mux.HandleFunc(TaskUploadFinalize, func(context.Context, *asynq.Task) error {
		return errors.New("logged, not returned")
	})

	q := NewLocalQueue(mux, false, nil)
	for _, p := range []string{"a", "b"} {
		info, err := q.Enqueue(asynq.NewTask(TaskUploadAnalyze, []byte(p)))
		require.NoError(t, err)
		assert.Equal(t, TaskUploadAnalyze, info.Type)
		assert.NotEmpty(t, info.ID)
	}
	_, err := q.Enqueue(asynq.NewTask(TaskUploadFinalize, nil))
	require.NoError(t, err)
	require.NoError(t, q.Close())

	assert.ElementsMatch(t, []string{"a", "b"}, seen)

	sq := NewLocalQueue(mux, true, nil)
	_, err = sq.Enqueue(asynq.NewTask(TaskUploadAnalyze, []byte("c")))
	require.NoError(t, err)
	assert.Len(t, seen, 3)
}
