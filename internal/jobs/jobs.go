// Package jobs holds upload job state and the task queue that drives it.
package jobs

import (
	"sort"
	"time"

	"github.com/TechnicallyBob202/FrameTagger/internal/frame"
)

type FileStatus string

const (
	FilePending          FileStatus = "pending"
	FileDuplicate        FileStatus = "duplicate_detected"
	FileNeedsPositioning FileStatus = "needs_positioning"
	FileProcessing       FileStatus = "processing"
	FileSuccess          FileStatus = "success"
	FileSkipped          FileStatus = "skipped"
	FileFailed           FileStatus = "failed"
)

func (s FileStatus) Terminal() bool {
	return s == FileSuccess || s == FileSkipped || s == FileFailed
}

type Status string

const (
	StatusPending          Status = "pending"
	StatusDuplicate        Status = "duplicate_detected"
	StatusNeedsPositioning Status = "needs_positioning"
	StatusComplete         Status = "complete"
)

type DuplicateInfo struct {
	ImageID  int64  `json:"image_id"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

type FileResult struct {
	Index          int               `json:"index"`
	Filename       string            `json:"filename"`
	OriginalName   string            `json:"original_name"`
	Status         FileStatus        `json:"status"`
	Size           int64             `json:"size"`
	Checksum       string            `json:"checksum,omitempty"`
	Thumbnail      string            `json:"thumbnail,omitempty"`
	Aspect         *frame.AspectInfo `json:"aspect_info,omitempty"`
	DuplicateOf    *DuplicateInfo    `json:"duplicate_of,omitempty"`
	ReplaceImageID int64             `json:"replace_image_id,omitempty"`
	ImageID        int64             `json:"image_id,omitempty"`
	OutputPath     string            `json:"output_path,omitempty"`
	Error          string            `json:"error,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Job is a snapshot of one upload batch. Status is derived from Results.
type Job struct {
	ID         string       `json:"job_id"`
	FolderID   int64        `json:"folder_id"`
	TotalFiles int          `json:"total_files"`
	Status     Status       `json:"status"`
	Results    []FileResult `json:"results"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// meta is the part of a job that never changes after creation.
type meta struct {
	ID         string    `json:"job_id"`
	FolderID   int64     `json:"folder_id"`
	TotalFiles int       `json:"total_files"`
	CreatedAt  time.Time `json:"created_at"`
}

func (j *Job) meta() meta {
	return meta{ID: j.ID, FolderID: j.FolderID, TotalFiles: j.TotalFiles, CreatedAt: j.CreatedAt}
}

func assemble(m meta, results []FileResult) *Job {
	sort.Slice(results, func(a, b int) bool { return results[a].Index < results[b].Index })
	j := &Job{ID: m.ID, FolderID: m.FolderID, TotalFiles: m.TotalFiles, CreatedAt: m.CreatedAt, Results: results}
	j.Refresh()
	return j
}

// Refresh recomputes Status and UpdatedAt from the file results. Work in
// flight wins over user decisions, and duplicates are asked about before
// crops.
func (j *Job) Refresh() {
	var pending, dup, pos bool
	j.UpdatedAt = j.CreatedAt
	for _, r := range j.Results {
		switch r.Status {
		case FilePending, FileProcessing:
			pending = true
		case FileDuplicate:
			dup = true
		case FileNeedsPositioning:
			pos = true
		}
		if r.UpdatedAt.After(j.UpdatedAt) {
			j.UpdatedAt = r.UpdatedAt
		}
	}
	switch {
	case pending:
		j.Status = StatusPending
	case dup:
		j.Status = StatusDuplicate
	case pos:
		j.Status = StatusNeedsPositioning
	default:
		j.Status = StatusComplete
	}
}

func (j *Job) File(filename string) (FileResult, bool) {
	for _, r := range j.Results {
		if r.Filename == filename {
			return r, true
		}
	}
	return FileResult{}, false
}
