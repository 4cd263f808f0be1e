// Package api is the HTTP client for the session, drive, and job backends.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	basePath        = "/api"
	maxResponseBody = 8 << 20
	traceHeader     = "X-Trace-ID"
)

// StatusError is returned for non-2xx responses and for bodies reporting success=false.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
	TraceID string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: http %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.Path, e.Code, e.Message)
}

func statusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// IsNotFound reports whether err is an HTTP 404 from the backend.
func IsNotFound(err error) bool { return statusCode(err) == http.StatusNotFound }

// IsUnauthorized reports whether the session is no longer valid.
func IsUnauthorized(err error) bool { return statusCode(err) == http.StatusUnauthorized }

// IsTimeout reports whether the request ran out of time.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Client talks to the web application backend.
type Client struct {
	baseURL string
	http    *http.Client
	cookie  string
	logger  *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSessionCookie sends the given Cookie header value on every request.
func WithSessionCookie(cookie string) Option {
	return func(c *Client) { c.cookie = cookie }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient builds a client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoginURL is where a browser starts the OAuth login flow.
func (c *Client) LoginURL() string {
	return c.baseURL + basePath + "/auth/google"
}

func (c *Client) AuthStatus(ctx context.Context) (AuthStatus, error) {
	var out AuthStatus
	if err := c.do(ctx, http.MethodGet, "/auth/status", nil, nil, &out); err != nil {
		return AuthStatus{}, err
	}
	return out, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, nil, nil)
}

// ListFiles lists drive files, optionally restricted to audio or pdf within a folder.
func (c *Client) ListFiles(ctx context.Context, q FileQuery) ([]File, error) {
	params := url.Values{}
	if q.FileType != "" {
		params.Set("fileType", q.FileType)
	}
	if q.RecordingsFolder != "" {
		params.Set("recordingsFolderName", q.RecordingsFolder)
		params.Set("recordingsFilter", "enabled")
	}
	if q.PDFFolder != "" {
		params.Set("pdfFolderName", q.PDFFolder)
		params.Set("pdfFilter", "enabled")
	}
	var out filesResponse
	if err := c.do(ctx, http.MethodGet, "/drive/files", params, nil, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// Process submits a recording and returns the backend job id.
func (c *Client) Process(ctx context.Context, req ProcessRequest) (string, error) {
	var out processResponse
	if err := c.do(ctx, http.MethodPost, "/process", nil, req, &out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", fmt.Errorf("process: response missing job_id")
	}
	return out.JobID, nil
}

func (c *Client) JobStatus(ctx context.Context, id string) (JobStatus, error) {
	var out jobResponse
	if err := c.do(ctx, http.MethodGet, "/job/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return JobStatus{}, err
	}
	if out.Job == nil {
		return JobStatus{}, fmt.Errorf("job %s: response missing job", id)
	}
	st := *out.Job
	if st.ID == "" {
		st.ID = id
	}
	return st, nil
}

// BatchStatus fetches several jobs at once. Ids unknown to the backend are absent from the map.
func (c *Client) BatchStatus(ctx context.Context, ids []string) (map[string]JobStatus, error) {
	var out batchResponse
	body := struct {
		JobIDs []string `json:"job_ids"`
	}{JobIDs: ids}
	if err := c.do(ctx, http.MethodPost, "/jobs/status/batch", nil, body, &out); err != nil {
		return nil, err
	}
	if out.Jobs == nil {
		out.Jobs = map[string]JobStatus{}
	}
	return out.Jobs, nil
}

func (c *Client) CancelJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/job/"+url.PathEscape(id)+"/cancel", nil, nil, nil)
}

// ListJobs returns backend jobs matching filter, keyed by id.
func (c *Client) ListJobs(ctx context.Context, filter Filter) (map[string]JobStatus, error) {
	if !filter.Valid() {
		return nil, fmt.Errorf("list jobs: invalid filter %q", filter)
	}
	var out listResponse
	if err := c.do(ctx, http.MethodGet, "/jobs", url.Values{"filter": {string(filter)}}, nil, &out); err != nil {
		return nil, err
	}
	if out.ActiveJobs == nil {
		out.ActiveJobs = map[string]JobStatus{}
	}
	return out.ActiveJobs, nil
}

// Health returns the number of jobs the backend reports as active.
func (c *Client) Health(ctx context.Context) (int, error) {
	var out struct {
		Status     string `json:"status"`
		ActiveJobs int    `json:"active_jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out); err != nil {
		return 0, err
	}
	if out.Status != "healthy" {
		return out.ActiveJobs, fmt.Errorf("health: backend status %q", out.Status)
	}
	return out.ActiveJobs, nil
}

type failureReporter interface {
	failure() (string, bool)
}

func (e envelope) failure() (string, bool) {
	if e.Success == nil || *e.Success {
		return "", false
	}
	if e.Error != "" {
		return e.Error, true
	}
	return e.Message, true
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	fullPath := basePath + path
	target := c.baseURL + fullPath
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request %s %s: %w", method, fullPath, err)
	}
	traceID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set(traceHeader, traceID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, fullPath, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read %s response: %w", fullPath, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env envelope
		_ = json.Unmarshal(data, &env)
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		c.logger.Debug("backend request failed", "method", method, "path", fullPath, "status", resp.StatusCode, "trace_id", traceID)
		return &StatusError{Method: method, Path: fullPath, Code: resp.StatusCode, Message: msg, TraceID: traceID}
	}

	if out == nil {
		var env envelope
		if len(bytes.TrimSpace(data)) > 0 && json.Unmarshal(data, &env) == nil {
			if msg, failed := env.failure(); failed {
				return &StatusError{Method: method, Path: fullPath, Code: resp.StatusCode, Message: msg, TraceID: traceID}
			}
		}
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", fullPath, err)
	}
	if fr, ok := out.(failureReporter); ok {
		if msg, failed := fr.failure(); failed {
			return &StatusError{Method: method, Path: fullPath, Code: resp.StatusCode, Message: msg, TraceID: traceID}
		}
	}
	return nil
}
