package upload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"

	"github.com/TechnicallyBob202/FrameTagger/internal/jobs"
)

func (p *Pipeline) processCleanupTask(ctx context.Context, _ *asynq.Task) error {
	_, err := p.CleanStaging(ctx, time.Now())
	return err
}

// CleanStaging removes job staging directories not touched for longer than
// the job TTL. By then the job state has expired and nothing can finish them.
func (p *Pipeline) CleanStaging(ctx context.Context, now time.Time) (int, error) {
	entries, err := os.ReadDir(p.opts.StagingDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := now.Add(-p.opts.JobTTL)
	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(p.opts.StagingDir, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			p.log.Warn("staging cleanup failed", "dir", dir, "err", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		p.log.Info("staging cleaned", "removed", removed)
	}
	return removed, nil
}

// RunCleanupLoop enqueues a staging cleanup every interval until ctx ends.
// It stands in for the asynq scheduler when running without Redis.
func (p *Pipeline) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.enqueue(jobs.TaskStagingCleanup, struct{}{}); err != nil {
				p.log.Warn("enqueue staging cleanup", "err", err)
			}
		}
	}
}
