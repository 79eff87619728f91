// Package client is a typed HTTP client for the FrameTagger API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/TechnicallyBob202/FrameTagger/internal/catalog"
	"github.com/TechnicallyBob202/FrameTagger/internal/frame"
	"github.com/TechnicallyBob202/FrameTagger/internal/jobs"
	"github.com/TechnicallyBob202/FrameTagger/internal/scanner"
)

// APIError is a non-2xx response decoded from the {error, detail} envelope.
type APIError struct {
	StatusCode int
	Message    string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" && e.Detail != e.Message {
		return fmt.Sprintf("api status %d: %s (%s)", e.StatusCode, e.Message, e.Detail)
	}
	return fmt.Sprintf("api status %d: %s", e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

type Client struct {
	base string
	http *http.Client
}

func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var env struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(raw, &env) == nil && (env.Error != "" || env.Detail != "") {
		apiErr.Message, apiErr.Detail = env.Error, env.Detail
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// UploadFile is one file to send with StartUpload.
type UploadFile struct {
	Name string
	Body io.Reader
}

type StartResult struct {
	JobID      string      `json:"job_id"`
	TotalFiles int         `json:"total_files"`
	Status     jobs.Status `json:"status"`
}

// StartUpload streams files as multipart form data to the upload endpoint.
func (c *Client) StartUpload(ctx context.Context, folderID int64, files []UploadFile) (StartResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		for _, f := range files {
			part, err := mw.CreateFormFile("files", f.Name)
			if err != nil {
				_ = pw.CloseWithError(err)
				return
			}
			if _, err := io.Copy(part, f.Body); err != nil {
				_ = pw.CloseWithError(err)
				return
			}
		}
		_ = pw.CloseWithError(mw.Close())
	}()

	u := fmt.Sprintf("%s/api/images/upload/start?folder_id=%d", c.base, folderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, pr)
	if err != nil {
		_ = pr.Close()
		return StartResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out StartResult
	err = c.send(req, &out)
	_ = pr.Close()
	return out, err
}

func uploadPath(jobID, action string) string {
	return "/api/images/upload/" + url.PathEscape(jobID) + "/" + action
}

func (c *Client) UploadStatus(ctx context.Context, jobID string) (*jobs.Job, error) {
	var job jobs.Job
	if err := c.do(ctx, http.MethodGet, uploadPath(jobID, "status"), nil, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) ResolveDuplicate(ctx context.Context, jobID, filename, action string) (jobs.FileResult, error) {
	var out jobs.FileResult
	body := map[string]string{"filename": filename, "action": action}
	err := c.do(ctx, http.MethodPost, uploadPath(jobID, "duplicate-action"), nil, body, &out)
	return out, err
}

func (c *Client) Position(ctx context.Context, jobID, filename string, crop frame.Crop) (jobs.FileResult, error) {
	var out jobs.FileResult
	body := map[string]any{"filename": filename, "crop": crop}
	err := c.do(ctx, http.MethodPost, uploadPath(jobID, "position"), nil, body, &out)
	return out, err
}

func (c *Client) SkipPosition(ctx context.Context, jobID, filename string) (jobs.FileResult, error) {
	var out jobs.FileResult
	body := map[string]string{"filename": filename}
	err := c.do(ctx, http.MethodPost, uploadPath(jobID, "position-skip"), nil, body, &out)
	return out, err
}

func (c *Client) Rescan(ctx context.Context) (scanner.Result, error) {
	var out scanner.Result
	err := c.do(ctx, http.MethodPost, "/api/rescan", nil, nil, &out)
	return out, err
}

// ImageFilter mirrors the query parameters of the image list endpoint.
type ImageFilter struct {
	TagIDs   []int64
	FolderID int64
	Untagged bool
	Search   string
	Sort     string
	Order    string
	Page     int
	PerPage  int
}

func (f ImageFilter) values() url.Values {
	q := url.Values{}
	if len(f.TagIDs) > 0 {
		ids := make([]string, len(f.TagIDs))
		for n, id := range f.TagIDs {
			ids[n] = strconv.FormatInt(id, 10)
		}
		q.Set("tag_ids", strings.Join(ids, ","))
	}
	if f.FolderID > 0 {
		q.Set("folder_id", strconv.FormatInt(f.FolderID, 10))
	}
	if f.Untagged {
		q.Set("untagged", "1")
	}
	if f.Search != "" {
		q.Set("q", f.Search)
	}
	if f.Sort != "" {
		q.Set("sort", f.Sort)
	}
	if f.Order != "" {
		q.Set("order", f.Order)
	}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.PerPage > 0 {
		q.Set("per_page", strconv.Itoa(f.PerPage))
	}
	return q
}

type ImagePage struct {
	Images         []catalog.Image `json:"images"`
	TotalImages    int             `json:"total_images"`
	LibraryFolders int             `json:"library_folders"`
	Page           int             `json:"page"`
	PerPage        int             `json:"per_page"`
	TotalPages     int             `json:"total_pages"`
}

func (c *Client) ListImages(ctx context.Context, f ImageFilter) (ImagePage, error) {
	var out ImagePage
	err := c.do(ctx, http.MethodGet, "/api/images", f.values(), nil, &out)
	return out, err
}

func (c *Client) ListTags(ctx context.Context) ([]catalog.Tag, error) {
	var out []catalog.Tag
	err := c.do(ctx, http.MethodGet, "/api/tags", nil, nil, &out)
	return out, err
}

func (c *Client) CreateTag(ctx context.Context, in catalog.TagInput) (catalog.Tag, error) {
	var out catalog.Tag
	err := c.do(ctx, http.MethodPost, "/api/tags", nil, in, &out)
	return out, err
}

// TagImage attaches a tag. Tagging twice is not an error.
func (c *Client) TagImage(ctx context.Context, imageID, tagID int64) error {
	q := url.Values{"tag_id": {strconv.FormatInt(tagID, 10)}}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/images/%d/tag", imageID), q, nil, nil)
}
