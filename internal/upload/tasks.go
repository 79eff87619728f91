package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/TechnicallyBob202/FrameTagger/internal/apperr"
	"github.com/TechnicallyBob202/FrameTagger/internal/catalog"
	"github.com/TechnicallyBob202/FrameTagger/internal/frame"
	"github.com/TechnicallyBob202/FrameTagger/internal/jobs"
)

func (p *Pipeline) processAnalyzeTask(ctx context.Context, t *asynq.Task) error {
	var payload jobs.AnalyzePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid analyze payload: %w", asynq.SkipRetry)
	}
	job, err := p.jobs.Get(ctx, payload.JobID)
	if err != nil {
		if apperr.IsNotFound(err) {
			p.log.Warn("analyze for expired job", "job_id", payload.JobID)
			return nil
		}
		return err
	}
	for _, r := range job.Results {
		if r.Status != jobs.FilePending {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		p.analyzeFile(ctx, job.ID, r)
	}
	return nil
}

// analyzeFile checks one staged file against the catalog by checksum, then
// by aspect ratio.
func (p *Pipeline) analyzeFile(ctx context.Context, jobID string, r jobs.FileResult) {
	path := p.stagedPath(jobID, r.Filename)
	sum, err := frame.FileMD5(path)
	if err != nil {
		p.fail(ctx, jobID, r.Filename, err)
		return
	}

	dup, err := p.store.FindImageByChecksum(ctx, sum)
	switch {
	case err == nil:
		thumb, terr := frame.ThumbnailDataURL(path, frame.ThumbnailSize)
		if terr != nil {
			p.fail(ctx, jobID, r.Filename, terr)
			return
		}
		_, err = p.jobs.UpdateFile(ctx, jobID, r.Filename, func(fr *jobs.FileResult) error {
			fr.Checksum = sum
			fr.Thumbnail = thumb
			fr.DuplicateOf = &jobs.DuplicateInfo{ImageID: dup.ID, Filename: dup.Filename, Path: dup.Path}
			fr.Status = jobs.FileDuplicate
			return nil
		})
		if err != nil {
			p.log.Error("record duplicate", "job_id", jobID, "file", r.Filename, "error", err)
		}
		p.log.Info("upload duplicate detected", "job_id", jobID, "file", r.Filename, "image_id", dup.ID)
		return
	case !apperr.IsNotFound(err):
		p.fail(ctx, jobID, r.Filename, err)
		return
	}

	r, err = p.jobs.UpdateFile(ctx, jobID, r.Filename, func(fr *jobs.FileResult) error {
		fr.Checksum = sum
		return nil
	})
	if err != nil {
		p.log.Error("record checksum", "job_id", jobID, "file", r.Filename, "error", err)
		return
	}
	if _, err := p.checkAspect(ctx, jobID, r, false); err != nil {
		p.log.Error("aspect check", "job_id", jobID, "file", r.Filename, "error", err)
	}
}

func (p *Pipeline) processFinalizeTask(ctx context.Context, t *asynq.Task) error {
	var payload jobs.FinalizePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid finalize payload: %w", asynq.SkipRetry)
	}
	if _, err := p.finalize(ctx, payload.JobID, payload.Filename, payload.Crop); err != nil {
		if apperr.IsNotFound(err) {
			p.log.Warn("finalize for expired job", "job_id", payload.JobID, "file", payload.Filename)
			return nil
		}
		return err
	}
	return nil
}

// finalize renders a processing file into the folder's FrameReady directory
// and catalogs it. On any failure the output file is removed and the file is
// marked failed.
func (p *Pipeline) finalize(ctx context.Context, jobID, filename string, crop *frame.Crop) (jobs.FileResult, error) {
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return jobs.FileResult{}, err
	}
	r, ok := job.File(filename)
	if !ok {
		return jobs.FileResult{}, apperr.NotFound("upload file", filename)
	}
	if r.Status != jobs.FileProcessing {
		p.log.Warn("finalize skipped", "job_id", jobID, "file", filename, "status", string(r.Status))
		return r, nil
	}

	img, err := p.render(ctx, job, r, crop)
	if err != nil {
		return p.fail(ctx, jobID, filename, err), nil
	}

	r, err = p.jobs.UpdateFile(ctx, jobID, filename, func(fr *jobs.FileResult) error {
		fr.Status = jobs.FileSuccess
		fr.ImageID = img.ID
		fr.OutputPath = img.Path
		fr.Error = ""
		return nil
	})
	if err != nil {
		return r, err
	}
	p.discardStaged(ctx, jobID, filename)
	p.log.Info("upload finalized", "job_id", jobID, "file", filename, "image_id", img.ID, "output", img.Path)
	return r, nil
}

func (p *Pipeline) render(ctx context.Context, job *jobs.Job, r jobs.FileResult, crop *frame.Crop) (catalog.Image, error) {
	folder, err := p.store.GetFolder(ctx, job.FolderID)
	if err != nil {
		return catalog.Image{}, err
	}
	src := p.stagedPath(job.ID, r.Filename)
	outDir := filepath.Join(folder.Path, p.opts.FrameReadyDir)
	dest := filepath.Join(outDir, frame.OutputName(r.OriginalName))

	var old catalog.Image
	if r.ReplaceImageID != 0 {
		old, err = p.store.GetImage(ctx, r.ReplaceImageID)
		if err != nil && !apperr.IsNotFound(err) {
			return catalog.Image{}, err
		}
	}
	sameSlot := old.ID != 0 && old.Path == dest
	if !sameSlot {
		if dest, err = frame.NextAvailablePath(dest); err != nil {
			return catalog.Image{}, err
		}
	}

	// Render next to the destination under a fixed-length name; it only takes
	// the final name once the catalog row is in place.
	tmp := filepath.Join(outDir, ".pending-"+uuid.NewString()+".jpg")
	if err := frame.Export(src, tmp, crop); err != nil {
		_ = os.Remove(tmp)
		return catalog.Image{}, err
	}
	st, err := os.Stat(tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return catalog.Image{}, err
	}

	now := time.Now().UTC()
	img := catalog.Image{
		FolderID:   folder.ID,
		Path:       dest,
		Filename:   filepath.Base(dest),
		Size:       st.Size(),
		Width:      frame.TargetWidth,
		Height:     frame.TargetHeight,
		Checksum:   r.Checksum,
		ModifiedAt: &now,
		DateAdded:  now,
	}
	if info, err := frame.Probe(src); err == nil {
		img.TakenAt = info.TakenAt
	}

	if old.ID != 0 {
		if err := p.replace(ctx, old, &img, tmp, sameSlot); err != nil {
			_ = os.Remove(tmp)
			return catalog.Image{}, err
		}
		return img, nil
	}

	inserted, err := p.store.InsertImage(ctx, &img)
	if err == nil && !inserted {
		err = apperr.Duplicate("image", dest)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return catalog.Image{}, err
	}
	if err := rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		if rerr := p.store.RemoveImage(ctx, img.ID); rerr != nil {
			p.log.Error("drop row of unplaced output", "image_id", img.ID, "err", rerr)
		}
		return catalog.Image{}, fmt.Errorf("move output into place: %w", err)
	}
	return img, nil
}

// replace moves the rendered output into place while the row swap is still
// uncommitted. The old file is only removed once both sides succeeded; on any
// failure the old row, its tags and its file are left as they were.
func (p *Pipeline) replace(ctx context.Context, old catalog.Image, img *catalog.Image, tmp string, sameSlot bool) error {
	var aside string
	placed := false
	place := func() error {
		if placed {
			return nil
		}
		if sameSlot {
			aside = filepath.Join(filepath.Dir(img.Path), ".replaced-"+uuid.NewString()+".jpg")
			if err := rename(img.Path, aside); err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("set aside %s: %w", img.Path, err)
				}
				aside = ""
			}
		}
		if err := rename(tmp, img.Path); err != nil {
			p.putBack(aside, img.Path)
			return fmt.Errorf("move output into place: %w", err)
		}
		placed = true
		return nil
	}

	if _, err := p.store.ReplaceImage(ctx, old.ID, img, place); err != nil {
		if placed {
			_ = os.Remove(img.Path)
			p.putBack(aside, img.Path)
		}
		return err
	}

	gone := old.Path
	if sameSlot {
		gone = aside
	}
	if gone != "" {
		if err := os.Remove(gone); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.log.Warn("remove overwritten image", "path", old.Path, "err", err)
		}
	}
	return nil
}

func (p *Pipeline) putBack(aside, path string) {
	if aside == "" {
		return
	}
	if err := rename(aside, path); err != nil {
		p.log.Error("restore overwritten image", "path", path, "err", err)
	}
}
