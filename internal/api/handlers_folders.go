package api

import (
	"net/http"
	"strings"

	"github.com/TechnicallyBob202/FrameTagger/internal/catalog"
)

func (s *Server) handleFoldersList(w http.ResponseWriter, r *http.Request) {
	folders, err := s.store.ListFolders(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if folders == nil {
		folders = []catalog.Folder{}
	}
	writeJSON(w, http.StatusOK, folders)
}

// handleFolderAdd registers a directory and scans it before responding.
func (s *Server) handleFolderAdd(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("path")
	if strings.TrimSpace(raw) == "" && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Path string `json:"path"`
		}
		if err := decodeJSON(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
		raw = body.Path
	}
	path, err := s.scan.CheckAllowed(raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	folder, err := s.store.AddFolder(ctx, path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.scan.ScanFolder(ctx, folder)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.watcher != nil {
		if err := s.watcher.Add(folder); err != nil {
			s.log.Warn("could not watch folder", "folder_id", folder.ID, "path", folder.Path, "err", err)
		}
	}
	folder.ImageCount = res.Added
	s.log.Info("folder added", "folder_id", folder.ID, "path", folder.Path, "added", res.Added)
	writeJSON(w, http.StatusCreated, map[string]any{"folder": folder, "added": res.Added, "skipped": res.Skipped})
}

func (s *Server) handleFolderDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	deleteFiles := parseBoolParam(r.URL.Query().Get("delete_files"))
	n, err := s.store.DeleteFolder(r.Context(), id, deleteFiles)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.watcher != nil {
		s.watcher.Remove(id)
	}
	s.log.Info("folder deleted", "folder_id", id, "images", n, "delete_files", deleteFiles)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted_images": n, "files_deleted": deleteFiles})
}

func (s *Server) handleFoldersBrowse(w http.ResponseWriter, r *http.Request) {
	listing, err := s.scan.Browse(r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleFolderRescan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	folder, err := s.store.GetFolder(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.scan.ScanFolder(ctx, folder)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	res, err := s.scan.RescanAll(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
