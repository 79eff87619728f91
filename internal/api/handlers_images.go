package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/TechnicallyBob202/FrameTagger/internal/apperr"
	"github.com/TechnicallyBob202/FrameTagger/internal/catalog"
	"github.com/TechnicallyBob202/FrameTagger/internal/frame"
)

const (
	defaultPerPage = 50
	maxPerPage     = 500
)

type imagesPage struct {
	Images         []catalog.Image `json:"images"`
	TotalImages    int             `json:"total_images"`
	LibraryFolders int             `json:"library_folders"`
	Page           int             `json:"page"`
	PerPage        int             `json:"per_page"`
	TotalPages     int             `json:"total_pages"`
}

func parseImageQuery(r *http.Request) (catalog.ImageQuery, int, int, error) {
	q := r.URL.Query()
	var out catalog.ImageQuery

	tagIDs, err := parseIDList("tag_ids", q.Get("tag_ids"))
	if err != nil {
		return out, 0, 0, err
	}
	out.TagIDs = tagIDs
	if raw := strings.TrimSpace(q.Get("folder_id")); raw != "" {
		if out.FolderID, err = parseID("folder_id", raw); err != nil {
			return out, 0, 0, err
		}
	}
	out.Untagged = parseBoolParam(q.Get("untagged"))
	out.Search = strings.TrimSpace(q.Get("q"))

	switch sort := catalog.SortField(strings.ToLower(strings.TrimSpace(q.Get("sort")))); sort {
	case "", "date_added":
		out.Sort = catalog.SortDate
	case catalog.SortDate, catalog.SortName, catalog.SortSize, catalog.SortTaken:
		out.Sort = sort
	default:
		return out, 0, 0, apperr.Invalid("sort", "must be date, name, size or taken")
	}
	switch strings.ToLower(strings.TrimSpace(q.Get("order"))) {
	case "asc":
		out.Desc = false
	case "desc":
		out.Desc = true
	case "":
		out.Desc = out.Sort != catalog.SortName
	default:
		return out, 0, 0, apperr.Invalid("order", "must be asc or desc")
	}

	page := parsePositiveInt(q.Get("page"), 1)
	perPage := min(parsePositiveInt(q.Get("per_page"), defaultPerPage), maxPerPage)
	out.Limit = perPage
	out.Offset = (page - 1) * perPage
	return out, page, perPage, nil
}

func (s *Server) handleImagesList(w http.ResponseWriter, r *http.Request) {
	query, page, perPage, err := parseImageQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	images, total, err := s.store.ListImages(ctx, query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	folders, err := s.store.CountFolders(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if images == nil {
		images = []catalog.Image{}
	}
	writeJSON(w, http.StatusOK, imagesPage{
		Images:         images,
		TotalImages:    total,
		LibraryFolders: folders,
		Page:           page,
		PerPage:        perPage,
		TotalPages:     totalPages(total, perPage),
	})
}

func (s *Server) imageFromPath(w http.ResponseWriter, r *http.Request) (catalog.Image, bool) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return catalog.Image{}, false
	}
	img, err := s.store.GetImage(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return catalog.Image{}, false
	}
	return img, true
}

func (s *Server) handleImageGet(w http.ResponseWriter, r *http.Request) {
	img, ok := s.imageFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, img)
}

func (s *Server) handleImageRemove(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.RemoveImage(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("image removed from catalog", "image_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "image_id": id})
}

func (s *Server) handleImageDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.DeleteImage(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("image deleted", "image_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "image_id": id})
}

func (s *Server) imageAndTag(r *http.Request) (int64, int64, error) {
	imageID, err := pathID(r, "id")
	if err != nil {
		return 0, 0, err
	}
	tagID, err := parseID("tag_id", r.URL.Query().Get("tag_id"))
	if err != nil {
		return 0, 0, err
	}
	return imageID, tagID, nil
}

func (s *Server) handleImageTag(w http.ResponseWriter, r *http.Request) {
	imageID, tagID, err := s.imageAndTag(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	added, err := s.store.TagImage(r.Context(), imageID, tagID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "changed": added})
}

func (s *Server) handleImageUntag(w http.ResponseWriter, r *http.Request) {
	imageID, tagID, err := s.imageAndTag(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	removed, err := s.store.UntagImage(r.Context(), imageID, tagID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "changed": removed})
}

func (s *Server) handleImagePreview(size frame.PreviewSize) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		img, ok := s.imageFromPath(w, r)
		if !ok {
			return
		}
		path, err := s.previews.Get(img.ID, img.Path, size)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				err = apperr.NotFound("image file", img.Path)
			}
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Cache-Control", "private, max-age=86400")
		w.Header().Set("Content-Type", "image/jpeg")
		http.ServeFile(w, r, path)
	}
}

func (s *Server) handleImageFile(attachment bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		img, ok := s.imageFromPath(w, r)
		if !ok {
			return
		}
		f, err := os.Open(img.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				err = apperr.NotFound("image file", img.Path)
			}
			s.writeError(w, r, err)
			return
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if attachment {
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", img.Filename))
		}
		http.ServeContent(w, r, img.Filename, st.ModTime(), f)
	}
}

// readImageIDs accepts either a bare JSON array or {"image_ids": [...]}.
func readImageIDs(r *http.Request) ([]int64, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	var ids []int64
	switch {
	case len(raw) == 0:
		return nil, apperr.Invalid("image_ids", "request body is required")
	case raw[0] == '[':
		err = json.Unmarshal(raw, &ids)
	default:
		var body struct {
			ImageIDs []int64 `json:"image_ids"`
		}
		err = json.Unmarshal(raw, &body)
		ids = body.ImageIDs
	}
	if err != nil {
		return nil, apperr.Invalid("image_ids", err.Error())
	}
	if len(ids) == 0 {
		return nil, apperr.Invalid("image_ids", "at least one image id is required")
	}
	return ids, nil
}

// zipName makes archive entry names unique by appending " (n)".
func zipName(seen map[string]int, name string) string {
	key := strings.ToLower(name)
	n := seen[key]
	seen[key] = n + 1
	if n == 0 {
		return name
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), n, ext)
}

func (s *Server) handleDownloadZip(w http.ResponseWriter, r *http.Request) {
	ids, err := readImageIDs(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	images, err := s.store.ImagesByIDs(r.Context(), ids)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(images) == 0 {
		s.writeError(w, r, apperr.NotFound("images", ids))
		return
	}

	name := fmt.Sprintf("frametagger-%s.zip", time.Now().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)

	zw := zip.NewWriter(w)
	seen := make(map[string]int, len(images))
	written := 0
	for _, img := range images {
		if err := r.Context().Err(); err != nil {
			break
		}
		if err := addZipEntry(zw, zipName(seen, img.Filename), img.Path); err != nil {
			s.log.Warn("zip entry skipped", "image_id", img.ID, "path", img.Path, "err", err)
			continue
		}
		written++
	}
	if err := zw.Close(); err != nil {
		s.log.Warn("zip stream closed with error", "err", err)
	}
	s.log.Info("zip download served", "requested", len(ids), "written", written)
}

func addZipEntry(zw *zip.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	hdr := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: st.ModTime()}
	hdr.SetMode(0o644)
	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, f)
	return err
}

type batchBody struct {
	ImageIDs []int64 `json:"image_ids"`
	TagID    int64   `json:"tag_id"`
}

func (s *Server) handleBatchTag(w http.ResponseWriter, r *http.Request) {
	s.handleBatch(w, r, s.store.BatchTag)
}

func (s *Server) handleBatchUntag(w http.ResponseWriter, r *http.Request) {
	s.handleBatch(w, r, s.store.BatchUntag)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, apply func(context.Context, []int64, int64) (int, error)) {
	var body batchBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.TagID <= 0 {
		badRequest(w, "tag_id is required")
		return
	}
	n, err := apply(r.Context(), body.ImageIDs, body.TagID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "updated": n})
}
