package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/TechnicallyBob202/FrameTagger/internal/catalog"
	"github.com/TechnicallyBob202/FrameTagger/internal/config"
	"github.com/TechnicallyBob202/FrameTagger/internal/frame"
	"github.com/TechnicallyBob202/FrameTagger/internal/jobs"
	"github.com/TechnicallyBob202/FrameTagger/internal/scanner"
	"github.com/TechnicallyBob202/FrameTagger/internal/upload"
)

// appState wires the long-lived components together. Redis-backed fields are
// nil when REDIS_ADDR is empty and the in-process queue runs instead.
type appState struct {
	cfg       config.Config
	log       *slog.Logger
	store     *catalog.Store
	scanner   *scanner.Scanner
	previews  *frame.PreviewCache
	uploads   *upload.Pipeline
	tasks     *asynq.ServeMux
	redis     *redis.Client
	asynqCli  *asynq.Client
	inspector *asynq.Inspector
	local     *jobs.LocalQueue
}

func newAppState(cfg config.Config, log *slog.Logger) (*appState, error) {
	for _, dir := range []string{cfg.StagingDir, cfg.ThumbCacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	store, err := catalog.Open(cfg.DBPath, log)
	if err != nil {
		return nil, err
	}
	st := &appState{
		cfg:      cfg,
		log:      log,
		store:    store,
		previews: frame.NewPreviewCache(cfg.ThumbCacheDir),
		scanner: scanner.New(store, scanner.Options{
			Checksums:   cfg.ScanChecksums,
			Concurrency: cfg.ScanConcurrency,
			Root:        cfg.BrowseRoot,
		}, log),
		tasks: asynq.NewServeMux(),
	}

	var js jobs.Store
	if cfg.UseRedis() {
		st.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := st.redis.Ping(context.Background()).Err(); err != nil {
			st.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		js = jobs.NewRedisStore(st.redis, cfg.JobTTL)
	} else {
		js = jobs.NewMemoryStore(cfg.JobTTL)
	}

	st.uploads = upload.New(store, js, upload.Options{
		StagingDir:    cfg.StagingDir,
		FrameReadyDir: cfg.FrameReadyDir,
		Queue:         cfg.QueueName,
		JobTTL:        cfg.JobTTL,
	}, log)
	st.uploads.Register(st.tasks)

	if cfg.UseRedis() {
		opt := st.redisOpt()
		st.asynqCli = asynq.NewClient(opt)
		st.inspector = asynq.NewInspector(opt)
		st.uploads.SetQueue(st.asynqCli)
	} else {
		st.local = jobs.NewLocalQueue(st.tasks, false, log)
		st.uploads.SetQueue(st.local)
	}
	return st, nil
}

func (st *appState) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: st.cfg.RedisAddr, Password: st.cfg.RedisPassword, DB: st.cfg.RedisDB}
}

// cleanupInterval turns an "@every <duration>" schedule into a ticker
// interval for the in-process cleanup loop.
func (st *appState) cleanupInterval() time.Duration {
	sched := strings.TrimSpace(st.cfg.CleanupSchedule)
	if rest, ok := strings.CutPrefix(sched, "@every "); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(rest)); err == nil && d > 0 {
			return d
		}
	}
	return time.Hour
}

func (st *appState) Close() {
	if st.local != nil {
		_ = st.local.Close()
	}
	if st.asynqCli != nil {
		_ = st.asynqCli.Close()
	}
	if st.inspector != nil {
		_ = st.inspector.Close()
	}
	if st.redis != nil {
		_ = st.redis.Close()
	}
	if err := st.store.Close(); err != nil {
		st.log.Warn("closing catalog", "error", err)
	}
}
