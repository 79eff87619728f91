package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/TechnicallyBob202/FrameTagger/internal/apperr"
)

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func errorStatus(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case apperr.IsNotFound(err):
		return http.StatusNotFound
	case apperr.IsDuplicate(err):
		return http.StatusConflict
	case apperr.IsValidation(err):
		return http.StatusBadRequest
	case apperr.IsPathTraversal(err):
		return http.StatusForbidden
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status >= 500 {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		if !apperr.IsPartialCascade(err) {
			msg = "internal server error"
		}
	}
	writeJSON(w, status, errorBody{Error: msg, Detail: err.Error()})
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: message, Detail: message})
}

// decodeJSON reads a JSON body into dst. An empty body is a validation error.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Invalid("body", "request body is required")
		}
		return apperr.Invalid("body", err.Error())
	}
	return nil
}

func parsePositiveInt(raw string, fallback int) int {
	val := strings.TrimSpace(raw)
	if val == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(val, "%d", &n); err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseBoolParam(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func totalPages(totalItems, perPage int) int {
	if totalItems <= 0 {
		return 0
	}
	return (totalItems + perPage - 1) / perPage
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		v := strings.TrimSpace(part)
		if v != "" {
			items = append(items, v)
		}
	}
	return items
}

func parseID(field, raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Invalid(field, fmt.Sprintf("%q is not a valid id", raw))
	}
	return id, nil
}

func pathID(r *http.Request, name string) (int64, error) {
	return parseID(name, r.PathValue(name))
}

func parseIDList(field, raw string) ([]int64, error) {
	parts := splitCSV(raw)
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := parseID(field, p)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
