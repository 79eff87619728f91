package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/TechnicallyBob202/FrameTagger/internal/frame"
	"github.com/TechnicallyBob202/FrameTagger/internal/logging"
)

const (
	TaskUploadAnalyze  = "ff:upload_analyze"
	TaskUploadFinalize = "ff:upload_finalize"
	TaskStagingCleanup = "ff:staging_cleanup"
)

type AnalyzePayload struct {
	JobID string `json:"job_id"`
}

// FinalizePayload carries the crop box chosen by the user; nil means the
// automatic centered crop.
type FinalizePayload struct {
	JobID    string      `json:"job_id"`
	Filename string      `json:"filename"`
	Crop     *frame.Crop `json:"crop,omitempty"`
}

// Enqueuer abstracts task enqueue operations. *asynq.Client satisfies it.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

var _ Enqueuer = (*asynq.Client)(nil)
var _ Enqueuer = (*LocalQueue)(nil)

// LocalQueue runs tasks in-process through the same handler the asynq
// worker uses. Options are ignored.
type LocalQueue struct {
	handler asynq.Handler
	inline  bool
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocalQueue dispatches each task on its own goroutine, or on the
// caller's goroutine when inline is set.
func NewLocalQueue(handler asynq.Handler, inline bool, log *slog.Logger) *LocalQueue {
	if log == nil {
		log = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalQueue{handler: handler, inline: inline, log: log, ctx: ctx, cancel: cancel}
}

func (q *LocalQueue) Enqueue(task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	info := &asynq.TaskInfo{
		ID:            uuid.NewString(),
		Queue:         "local",
		Type:          task.Type(),
		Payload:       task.Payload(),
		State:         asynq.TaskStatePending,
		NextProcessAt: time.Now(),
	}
	if q.inline {
		q.run(task, info.ID)
		return info, nil
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.run(task, info.ID)
	}()
	return info, nil
}

func (q *LocalQueue) run(task *asynq.Task, id string) {
	start := time.Now()
	if err := q.handler.ProcessTask(q.ctx, task); err != nil {
		q.log.Error("local task failed", "task_id", id, "type", task.Type(), "error", err)
		return
	}
	q.log.Debug("local task done", "task_id", id, "type", task.Type(), "duration_ms", time.Since(start).Milliseconds())
}

// Wait blocks until every dispatched task has returned.
func (q *LocalQueue) Wait() {
	q.wg.Wait()
}

func (q *LocalQueue) Close() error {
	q.wg.Wait()
	q.cancel()
	return nil
}
