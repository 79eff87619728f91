// Package api serves the catalog, folder and upload endpoints over HTTP.
package api

import (
	"log/slog"
	"net/http"

	"github.com/hibiken/asynq"

	"github.com/TechnicallyBob202/FrameTagger/internal/catalog"
	"github.com/TechnicallyBob202/FrameTagger/internal/frame"
	"github.com/TechnicallyBob202/FrameTagger/internal/logging"
	"github.com/TechnicallyBob202/FrameTagger/internal/scanner"
	"github.com/TechnicallyBob202/FrameTagger/internal/upload"
)

// FolderWatcher is told about folders registered or removed through the API.
type FolderWatcher interface {
	Add(folder catalog.Folder) error
	Remove(folderID int64)
}

// QueueInspector reports task queue depth when tasks go through Redis.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

var _ QueueInspector = (*asynq.Inspector)(nil)

type Deps struct {
	Store    *catalog.Store
	Scanner  *scanner.Scanner
	Uploads  *upload.Pipeline
	Previews *frame.PreviewCache
	// Watcher and Queue may be nil.
	Watcher FolderWatcher
	Queue   QueueInspector
}

type Options struct {
	QueueName      string
	StaticDir      string
	MaxUploadBytes int64
}

type Server struct {
	store    *catalog.Store
	scan     *scanner.Scanner
	uploads  *upload.Pipeline
	previews *frame.PreviewCache
	watcher  FolderWatcher
	queue    QueueInspector
	opts     Options
	log      *slog.Logger
}

func New(d Deps, opts Options, log *slog.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 512 << 20
	}
	return &Server{
		store:    d.Store,
		scan:     d.Scanner,
		uploads:  d.Uploads,
		previews: d.Previews,
		watcher:  d.Watcher,
		queue:    d.Queue,
		opts:     opts,
		log:      log,
	}
}

// Handler returns the routed handler wrapped in CORS and request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	health := func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "healthy"})
	}
	mux.HandleFunc("GET /healthz", health)
	mux.HandleFunc("GET /health", health)

	mux.HandleFunc("GET /api/stats", s.handleStats)

	mux.HandleFunc("GET /api/images", s.handleImagesList)
	mux.HandleFunc("GET /api/images/{id}", s.handleImageGet)
	mux.HandleFunc("DELETE /api/images/{id}/remove", s.handleImageRemove)
	mux.HandleFunc("DELETE /api/images/{id}/delete", s.handleImageDelete)
	mux.HandleFunc("POST /api/images/{id}/tag", s.handleImageTag)
	mux.HandleFunc("DELETE /api/images/{id}/tag", s.handleImageUntag)
	mux.HandleFunc("GET /api/images/{id}/thumbnail", s.handleImagePreview(frame.SizeThumbnail))
	mux.HandleFunc("GET /api/images/{id}/preview", s.handleImagePreview(frame.SizePreview))
	mux.HandleFunc("GET /api/images/{id}/file", s.handleImageFile(false))
	mux.HandleFunc("GET /api/images/{id}/download", s.handleImageFile(true))
	mux.HandleFunc("POST /api/images/download-zip", s.handleDownloadZip)
	mux.HandleFunc("POST /api/batch/tag", s.handleBatchTag)
	mux.HandleFunc("DELETE /api/batch/untag", s.handleBatchUntag)

	mux.HandleFunc("GET /api/tags", s.handleTagsList)
	mux.HandleFunc("POST /api/tags", s.handleTagCreate)
	mux.HandleFunc("PUT /api/tags/{id}", s.handleTagUpdate)
	mux.HandleFunc("DELETE /api/tags/{id}", s.handleTagDelete)

	mux.HandleFunc("GET /api/folders", s.handleFoldersList)
	mux.HandleFunc("POST /api/folders/add", s.handleFolderAdd)
	mux.HandleFunc("DELETE /api/folders/{id}", s.handleFolderDelete)
	mux.HandleFunc("GET /api/folders/browse", s.handleFoldersBrowse)
	mux.HandleFunc("POST /api/folders/{id}/rescan", s.handleFolderRescan)
	mux.HandleFunc("POST /api/rescan", s.handleRescan)

	mux.HandleFunc("POST /api/images/upload/start", s.handleUploadStart)
	mux.HandleFunc("GET /api/images/upload/{job_id}/status", s.handleUploadStatus)
	mux.HandleFunc("POST /api/images/upload/{job_id}/duplicate-action", s.handleUploadDuplicateAction)
	mux.HandleFunc("POST /api/images/upload/{job_id}/position", s.handleUploadPosition)
	mux.HandleFunc("POST /api/images/upload/{job_id}/position-skip", s.handleUploadPositionSkip)

	if s.opts.StaticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.opts.StaticDir)))
	}

	return s.loggingMiddleware(corsMiddleware(mux))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := map[string]any{
		"folders":  st.Folders,
		"images":   st.Images,
		"tags":     st.Tags,
		"untagged": st.Untagged,
	}
	if s.queue != nil {
		if q, err := s.queue.GetQueueInfo(s.opts.QueueName); err == nil {
			out["queue_depth"] = q.Pending + q.Active + q.Scheduled + q.Retry
		} else {
			s.log.Debug("queue info unavailable", "queue", s.opts.QueueName, "err", err)
		}
	}
	writeJSON(w, http.StatusOK, out)
}
