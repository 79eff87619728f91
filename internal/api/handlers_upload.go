package api

import (
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/TechnicallyBob202/FrameTagger/internal/apperr"
	"github.com/TechnicallyBob202/FrameTagger/internal/frame"
	"github.com/TechnicallyBob202/FrameTagger/internal/upload"
)

const multipartMemory = 32 << 20

func (s *Server) handleUploadStart(w http.ResponseWriter, r *http.Request) {
	folderID, err := parseID("folder_id", r.URL.Query().Get("folder_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if !errors.As(err, &tooLarge) {
			err = apperr.Invalid("files", err.Error())
		}
		s.writeError(w, r, err)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	files := make([]upload.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		defer func(f multipart.File) { _ = f.Close() }(f)
		files = append(files, upload.File{Name: fh.Filename, Body: f})
	}

	job, err := s.uploads.Start(r.Context(), folderID, files)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "total_files": job.TotalFiles, "status": job.Status})
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.uploads.Status(r.Context(), r.PathValue("job_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type fileActionBody struct {
	Filename string      `json:"filename"`
	Action   string      `json:"action"`
	Crop     *frame.Crop `json:"crop"`
}

func readFileAction(r *http.Request) (fileActionBody, error) {
	var body fileActionBody
	if err := decodeJSON(r, &body); err != nil {
		return body, err
	}
	if body.Filename == "" {
		return body, apperr.Invalid("filename", "is required")
	}
	return body, nil
}

func (s *Server) handleUploadDuplicateAction(w http.ResponseWriter, r *http.Request) {
	body, err := readFileAction(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	action, err := upload.ParseDuplicateAction(body.Action)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.uploads.ResolveDuplicate(r.Context(), r.PathValue("job_id"), body.Filename, action)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUploadPosition(w http.ResponseWriter, r *http.Request) {
	body, err := readFileAction(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Crop == nil {
		badRequest(w, "crop is required")
		return
	}
	res, err := s.uploads.Position(r.Context(), r.PathValue("job_id"), body.Filename, *body.Crop)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUploadPositionSkip(w http.ResponseWriter, r *http.Request) {
	body, err := readFileAction(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.uploads.SkipPosition(r.Context(), r.PathValue("job_id"), body.Filename)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
