package client

import (
	"context"
	"errors"
	"time"

	"github.com/TechnicallyBob202/FrameTagger/internal/jobs"
)

var ErrPollExhausted = errors.New("client: upload still unsettled after max poll attempts")

const (
	DefaultPollInterval    = 300 * time.Millisecond
	DefaultPollMaxAttempts = 400
)

type PollOptions struct {
	Interval    time.Duration
	MaxAttempts int
	// Until stops polling when it returns true. Nil means Settled.
	Until func(*jobs.Job) bool
}

// Settled reports whether the server has nothing left to do without user
// input: every file is finished or waiting on a decision.
func Settled(job *jobs.Job) bool {
	return job.Status != jobs.StatusPending
}

// Complete reports whether every file reached a final state.
func Complete(job *jobs.Job) bool {
	return job.Status == jobs.StatusComplete
}

// PollUpload fetches the job status at a fixed interval until opts.Until
// holds, the context ends or the attempts run out. The last snapshot is
// returned alongside ErrPollExhausted.
func (c *Client) PollUpload(ctx context.Context, jobID string, opts PollOptions) (*jobs.Job, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultPollMaxAttempts
	}
	if opts.Until == nil {
		opts.Until = Settled
	}

	t := time.NewTicker(opts.Interval)
	defer t.Stop()
	var last *jobs.Job
	for attempt := 1; ; attempt++ {
		job, err := c.UploadStatus(ctx, jobID)
		if err != nil {
			return last, err
		}
		last = job
		if opts.Until(job) {
			return job, nil
		}
		if attempt >= opts.MaxAttempts {
			return last, ErrPollExhausted
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-t.C:
		}
	}
}
