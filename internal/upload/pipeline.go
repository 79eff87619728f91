// Package upload stages uploaded files, checks them against the catalog and
// turns them into FrameReady images, one job at a time.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/TechnicallyBob202/FrameTagger/internal/apperr"
	"github.com/TechnicallyBob202/FrameTagger/internal/catalog"
	"github.com/TechnicallyBob202/FrameTagger/internal/frame"
	"github.com/TechnicallyBob202/FrameTagger/internal/jobs"
	"github.com/TechnicallyBob202/FrameTagger/internal/logging"
)

var rename = os.Rename

// Catalog is the part of the catalog store the pipeline needs.
type Catalog interface {
	GetFolder(ctx context.Context, id int64) (catalog.Folder, error)
	GetImage(ctx context.Context, id int64) (catalog.Image, error)
	FindImageByChecksum(ctx context.Context, checksum string) (catalog.Image, error)
	InsertImage(ctx context.Context, img *catalog.Image) (bool, error)
	ReplaceImage(ctx context.Context, oldID int64, img *catalog.Image, place func() error) (catalog.Image, error)
	RemoveImage(ctx context.Context, id int64) error
}

type Options struct {
	StagingDir    string
	FrameReadyDir string
	Queue         string
	JobTTL        time.Duration
}

type DuplicateAction string

const (
	ActionSkip      DuplicateAction = "skip"
	ActionOverwrite DuplicateAction = "overwrite"
	ActionKeepBoth  DuplicateAction = "keep-both"
)

func ParseDuplicateAction(raw string) (DuplicateAction, error) {
	switch a := DuplicateAction(strings.ToLower(strings.TrimSpace(raw))); a {
	case ActionSkip, ActionOverwrite, ActionKeepBoth:
		return a, nil
	case "keep_both", "keepboth":
		return ActionKeepBoth, nil
	}
	return "", apperr.Invalid("action", "must be skip, overwrite or keep-both")
}

// File is one uploaded file as received from the client.
type File struct {
	Name string
	Body io.Reader
}

type Pipeline struct {
	store Catalog
	jobs  jobs.Store
	queue jobs.Enqueuer
	opts  Options
	log   *slog.Logger
}

func New(store Catalog, js jobs.Store, opts Options, log *slog.Logger) *Pipeline {
	if log == nil {
		log = logging.Discard()
	}
	if opts.FrameReadyDir == "" {
		opts.FrameReadyDir = "FrameReady"
	}
	if opts.JobTTL <= 0 {
		opts.JobTTL = 24 * time.Hour
	}
	return &Pipeline{store: store, jobs: js, opts: opts, log: log}
}

// SetQueue wires the task queue. It is separate from New because an
// in-process queue needs the pipeline's own handlers.
func (p *Pipeline) SetQueue(q jobs.Enqueuer) {
	p.queue = q
}

// Register installs the pipeline's task handlers on mux.
func (p *Pipeline) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(jobs.TaskUploadAnalyze, p.processAnalyzeTask)
	mux.HandleFunc(jobs.TaskUploadFinalize, p.processFinalizeTask)
	mux.HandleFunc(jobs.TaskStagingCleanup, p.processCleanupTask)
}

func (p *Pipeline) jobDir(jobID string) string {
	return filepath.Join(p.opts.StagingDir, jobID)
}

func (p *Pipeline) stagedPath(jobID, filename string) string {
	return filepath.Join(p.jobDir(jobID), filename)
}

// Start stages files under a new job and queues their analysis. Files that
// are not images are recorded as failed straight away.
func (p *Pipeline) Start(ctx context.Context, folderID int64, files []File) (*jobs.Job, error) {
	if len(files) == 0 {
		return nil, apperr.Invalid("files", "no files uploaded")
	}
	if _, err := p.store.GetFolder(ctx, folderID); err != nil {
		return nil, err
	}
	if p.queue == nil {
		return nil, errors.New("upload queue is not configured")
	}

	job := &jobs.Job{ID: uuid.NewString(), FolderID: folderID, TotalFiles: len(files), CreatedAt: time.Now().UTC()}
	dir := p.jobDir(job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload.Start: %w", err)
	}

	for n, f := range files {
		res := jobs.FileResult{Index: n, OriginalName: cleanName(f.Name), Status: jobs.FilePending, UpdatedAt: job.CreatedAt}
		if err := p.stage(dir, f, &res); err != nil {
			res.Status = jobs.FileFailed
			res.Error = err.Error()
			if res.Filename == "" {
				res.Filename = fmt.Sprintf("%03d-%s", n, res.OriginalName)
			}
		}
		job.Results = append(job.Results, res)
	}
	job.Refresh()

	if err := p.jobs.Create(ctx, job); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	if err := p.enqueue(jobs.TaskUploadAnalyze, jobs.AnalyzePayload{JobID: job.ID}); err != nil {
		return nil, err
	}
	p.log.Info("upload started", "job_id", job.ID, "folder_id", folderID, "files", len(files))
	return job, nil
}

func cleanName(name string) string {
	name = filepath.Base(filepath.FromSlash(strings.ReplaceAll(name, `\`, "/")))
	name = strings.TrimLeft(strings.TrimSpace(name), ".")
	if name == "" || name == string(filepath.Separator) {
		return "upload"
	}
	return name
}

func (p *Pipeline) stage(dir string, f File, res *jobs.FileResult) error {
	if !frame.IsImageFile(res.OriginalName) {
		return apperr.Invalid("file", res.OriginalName+" is not a supported image type")
	}
	dest, err := frame.NextAvailablePath(filepath.Join(dir, res.OriginalName))
	if err != nil {
		return err
	}
	res.Filename = filepath.Base(dest)
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, f.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dest)
		return err
	}
	res.Size = n
	return nil
}

func (p *Pipeline) enqueue(taskType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.MaxRetry(0), asynq.Timeout(15 * time.Minute)}
	if p.opts.Queue != "" {
		opts = append(opts, asynq.Queue(p.opts.Queue))
	}
	if _, err := p.queue.Enqueue(asynq.NewTask(taskType, b), opts...); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}

// Status returns the current job snapshot.
func (p *Pipeline) Status(ctx context.Context, jobID string) (*jobs.Job, error) {
	return p.jobs.Get(ctx, jobID)
}

func expect(r *jobs.FileResult, want jobs.FileStatus) error {
	if r.Status != want {
		return apperr.Invalid("status", fmt.Sprintf("%s is %s, not %s", r.Filename, r.Status, want))
	}
	return nil
}

// ResolveDuplicate applies the user's decision for a file that matched an
// existing image.
func (p *Pipeline) ResolveDuplicate(ctx context.Context, jobID, filename string, action DuplicateAction) (jobs.FileResult, error) {
	switch action {
	case ActionSkip:
		r, err := p.jobs.UpdateFile(ctx, jobID, filename, func(r *jobs.FileResult) error {
			if err := expect(r, jobs.FileDuplicate); err != nil {
				return err
			}
			r.Status = jobs.FileSkipped
			return nil
		})
		if err != nil {
			return r, err
		}
		p.discardStaged(ctx, jobID, filename)
		return r, nil

	case ActionOverwrite, ActionKeepBoth:
		var replaceID int64
		r, err := p.jobs.UpdateFile(ctx, jobID, filename, func(r *jobs.FileResult) error {
			if err := expect(r, jobs.FileDuplicate); err != nil {
				return err
			}
			r.ReplaceImageID = 0
			if action == ActionOverwrite && r.DuplicateOf != nil {
				r.ReplaceImageID = r.DuplicateOf.ImageID
			}
			replaceID = r.ReplaceImageID
			r.Status = jobs.FilePending
			return nil
		})
		if err != nil {
			return r, err
		}
		p.log.Info("duplicate resolved", "job_id", jobID, "file", filename, "action", string(action), "replace_image_id", replaceID)
		return p.checkAspect(ctx, jobID, r, true)
	}
	return jobs.FileResult{}, apperr.Invalid("action", string(action))
}

// Position finalizes a file with the user's crop box.
func (p *Pipeline) Position(ctx context.Context, jobID, filename string, crop frame.Crop) (jobs.FileResult, error) {
	if err := crop.Validate(); err != nil {
		return jobs.FileResult{}, err
	}
	return p.startFinalize(ctx, jobID, filename, &crop)
}

// SkipPosition finalizes a file with the automatic centered crop.
func (p *Pipeline) SkipPosition(ctx context.Context, jobID, filename string) (jobs.FileResult, error) {
	return p.startFinalize(ctx, jobID, filename, nil)
}

func (p *Pipeline) startFinalize(ctx context.Context, jobID, filename string, crop *frame.Crop) (jobs.FileResult, error) {
	r, err := p.jobs.UpdateFile(ctx, jobID, filename, func(r *jobs.FileResult) error {
		if err := expect(r, jobs.FileNeedsPositioning); err != nil {
			return err
		}
		r.Status = jobs.FileProcessing
		return nil
	})
	if err != nil {
		return r, err
	}
	if err := p.enqueue(jobs.TaskUploadFinalize, jobs.FinalizePayload{JobID: jobID, Filename: filename, Crop: crop}); err != nil {
		return p.fail(ctx, jobID, filename, err), err
	}
	return r, nil
}

// checkAspect moves a pending file on: close-to-16:9 images are finalized
// with the automatic crop, anything else waits for a crop box. With async
// set the finalize step is queued instead of run inline.
func (p *Pipeline) checkAspect(ctx context.Context, jobID string, r jobs.FileResult, async bool) (jobs.FileResult, error) {
	path := p.stagedPath(jobID, r.Filename)
	info, err := frame.Analyze(path)
	if err != nil {
		return p.fail(ctx, jobID, r.Filename, err), nil
	}
	thumb := r.Thumbnail
	if !info.IsClose && thumb == "" {
		if thumb, err = frame.ThumbnailDataURL(path, frame.ThumbnailSize); err != nil {
			p.log.Warn("thumbnail failed", "job_id", jobID, "file", r.Filename, "err", err)
		}
	}

	next := jobs.FileNeedsPositioning
	if info.IsClose {
		next = jobs.FileProcessing
	}
	r, err = p.jobs.UpdateFile(ctx, jobID, r.Filename, func(fr *jobs.FileResult) error {
		if err := expect(fr, jobs.FilePending); err != nil {
			return err
		}
		fr.Aspect = &info
		fr.Thumbnail = thumb
		fr.Status = next
		return nil
	})
	if err != nil || next != jobs.FileProcessing {
		return r, err
	}
	if async {
		if err := p.enqueue(jobs.TaskUploadFinalize, jobs.FinalizePayload{JobID: jobID, Filename: r.Filename}); err != nil {
			return p.fail(ctx, jobID, r.Filename, err), err
		}
		return r, nil
	}
	return p.finalize(ctx, jobID, r.Filename, nil)
}

func (p *Pipeline) fail(ctx context.Context, jobID, filename string, cause error) jobs.FileResult {
	p.log.Error("upload file failed", "job_id", jobID, "file", filename, "error", cause)
	r, err := p.jobs.UpdateFile(ctx, jobID, filename, func(r *jobs.FileResult) error {
		r.Status = jobs.FileFailed
		r.Error = cause.Error()
		return nil
	})
	if err != nil {
		p.log.Error("could not record upload failure", "job_id", jobID, "file", filename, "error", err)
	}
	p.discardStaged(ctx, jobID, filename)
	return r
}

// discardStaged removes a staged file and, once every file of the job is
// settled, the job's staging directory.
func (p *Pipeline) discardStaged(ctx context.Context, jobID, filename string) {
	if err := os.Remove(p.stagedPath(jobID, filename)); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.log.Warn("remove staged file", "job_id", jobID, "file", filename, "err", err)
	}
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return
	}
	for _, r := range job.Results {
		if !r.Status.Terminal() {
			return
		}
	}
	_ = os.RemoveAll(p.jobDir(jobID))
}
