package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/TechnicallyBob202/FrameTagger/internal/apperr"
	"github.com/TechnicallyBob202/FrameTagger/internal/catalog"
)

func (s *Server) handleTagsList(w http.ResponseWriter, r *http.Request) {
	tags, err := s.store.ListTags(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if parseBoolParam(r.URL.Query().Get("tree")) {
		tree := catalog.BuildTagTree(tags)
		if tree == nil {
			tree = []*catalog.TagNode{}
		}
		writeJSON(w, http.StatusOK, tree)
		return
	}
	if tags == nil {
		tags = []catalog.Tag{}
	}
	writeJSON(w, http.StatusOK, tags)
}

// tagInput reads a tag from a JSON body, falling back to query parameters.
func tagInput(r *http.Request) (catalog.TagInput, error) {
	var in catalog.TagInput
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := decodeJSON(r, &in); err != nil {
			return in, err
		}
		return in, nil
	}
	q := r.URL.Query()
	in.Name = q.Get("name")
	in.Color = q.Get("color")
	if raw := strings.TrimSpace(q.Get("parent_id")); raw != "" {
		id, err := parseID("parent_id", raw)
		if err != nil {
			return in, err
		}
		in.ParentID = &id
	}
	return in, nil
}

func (s *Server) handleTagCreate(w http.ResponseWriter, r *http.Request) {
	in, err := tagInput(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tag, err := s.store.CreateTag(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("tag created", "tag_id", tag.ID, "name", tag.Name)
	writeJSON(w, http.StatusCreated, tag)
}

// decodeTagPatch tells an explicit "parent_id": null (move to root) apart from
// a missing key (keep the parent).
func decodeTagPatch(r *http.Request) (catalog.TagPatch, error) {
	var raw map[string]json.RawMessage
	if err := decodeJSON(r, &raw); err != nil {
		return catalog.TagPatch{}, err
	}
	var patch catalog.TagPatch
	if v, ok := raw["name"]; ok {
		var name string
		if err := json.Unmarshal(v, &name); err != nil {
			return patch, apperr.Invalid("name", "must be a string")
		}
		patch.Name = &name
	}
	if v, ok := raw["color"]; ok {
		var color string
		if err := json.Unmarshal(v, &color); err != nil {
			return patch, apperr.Invalid("color", "must be a string")
		}
		patch.Color = &color
	}
	if v, ok := raw["parent_id"]; ok {
		var parent *int64
		if err := json.Unmarshal(v, &parent); err != nil {
			return patch, apperr.Invalid("parent_id", "must be an integer or null")
		}
		patch.SetParent = true
		patch.ParentID = parent
	}
	return patch, nil
}

func (s *Server) handleTagUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	patch, err := decodeTagPatch(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tag, err := s.store.UpdateTag(r.Context(), id, patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tag)
}

func (s *Server) handleTagDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	policy := catalog.ChildPolicy(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("children"))))
	if err := s.store.DeleteTag(r.Context(), id, policy); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tag_id": id})
}
