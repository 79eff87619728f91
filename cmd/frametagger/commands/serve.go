package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/TechnicallyBob202/FrameTagger/internal/api"
	"github.com/TechnicallyBob202/FrameTagger/internal/jobs"
	"github.com/TechnicallyBob202/FrameTagger/internal/logging"
	"github.com/TechnicallyBob202/FrameTagger/internal/watcher"
)

var serveMode string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and/or the upload worker",
	Long: `Run FrameTagger.

Modes:
  all     - API and worker in one process (default)
  api     - API only; with Redis, tasks are left to separate workers
  worker  - asynq worker and cleanup scheduler only (requires REDIS_ADDR)

Without REDIS_ADDR upload tasks run on in-process goroutines.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveMode, "mode", "all", "run mode: all|api|worker")
}

func runServe(ctx context.Context) error {
	switch serveMode {
	case "all", "api", "worker":
	default:
		return fmt.Errorf("unknown run mode %q", serveMode)
	}
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if serveMode == "worker" && !cfg.UseRedis() {
		return errors.New("worker mode needs REDIS_ADDR")
	}
	st, err := newAppState(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	g, ctx := errgroup.WithContext(ctx)
	if serveMode != "api" && cfg.UseRedis() {
		g.Go(func() error { return st.runWorker(ctx) })
		g.Go(func() error { return st.runScheduler(ctx) })
	}
	if !cfg.UseRedis() {
		g.Go(func() error {
			st.uploads.RunCleanupLoop(ctx, st.cleanupInterval())
			return nil
		})
	}
	if serveMode != "worker" {
		var fw api.FolderWatcher
		if cfg.WatchFolders {
			w, err := st.startWatcher(ctx, g)
			if err != nil {
				return err
			}
			fw = w
		}
		if cfg.ScanOnStart {
			go st.startupScan(ctx)
		}
		g.Go(func() error { return st.runAPI(ctx, fw) })
	}
	return g.Wait()
}

func (st *appState) startupScan(ctx context.Context) {
	res, err := st.scanner.RescanAll(ctx)
	if err != nil {
		st.log.Warn("startup scan failed", "error", err)
		return
	}
	st.log.Info("startup scan finished", "added", res.Added, "skipped", res.Skipped)
}

func (st *appState) startWatcher(ctx context.Context, g *errgroup.Group) (*watcher.Watcher, error) {
	w, err := watcher.New(st.scanner, st.cfg.WatchDebounce, st.log)
	if err != nil {
		return nil, err
	}
	folders, err := st.store.ListFolders(ctx)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	for _, f := range folders {
		if err := w.Add(f); err != nil {
			st.log.Warn("could not watch folder", "folder_id", f.ID, "path", f.Path, "error", err)
		}
	}
	g.Go(func() error {
		defer w.Close()
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	st.log.Info("folder watcher started", "folders", len(folders), "debounce", st.cfg.WatchDebounce.String())
	return w, nil
}

func (st *appState) runAPI(ctx context.Context, fw api.FolderWatcher) error {
	deps := api.Deps{
		Store:    st.store,
		Scanner:  st.scanner,
		Uploads:  st.uploads,
		Previews: st.previews,
		Watcher:  fw,
	}
	if st.inspector != nil {
		deps.Queue = st.inspector
	}
	s := api.New(deps, api.Options{
		QueueName:      st.cfg.QueueName,
		StaticDir:      st.cfg.StaticDir,
		MaxUploadBytes: st.cfg.MaxUploadBytes(),
	}, st.log)

	srv := &http.Server{Addr: st.cfg.APIAddr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	st.log.Info("api listening", "addr", st.cfg.APIAddr, "redis", st.cfg.UseRedis())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

func (st *appState) runWorker(ctx context.Context) error {
	srv := asynq.NewServer(st.redisOpt(), asynq.Config{
		Concurrency: st.cfg.Concurrency,
		Queues:      map[string]int{st.cfg.QueueName: 1},
		Logger:      logging.Asynq{L: st.log},
	})
	st.log.Info("upload worker started", "queue", st.cfg.QueueName, "concurrency", st.cfg.Concurrency)
	if err := srv.Start(st.tasks); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	<-ctx.Done()
	srv.Shutdown()
	return nil
}

func (st *appState) runScheduler(ctx context.Context) error {
	sched := asynq.NewScheduler(st.redisOpt(), &asynq.SchedulerOpts{Logger: logging.Asynq{L: st.log}})
	task := asynq.NewTask(jobs.TaskStagingCleanup, nil)
	if _, err := sched.Register(st.cfg.CleanupSchedule, task, asynq.Queue(st.cfg.QueueName), asynq.MaxRetry(0)); err != nil {
		return fmt.Errorf("schedule staging cleanup %q: %w", st.cfg.CleanupSchedule, err)
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	<-ctx.Done()
	sched.Shutdown()
	return nil
}
