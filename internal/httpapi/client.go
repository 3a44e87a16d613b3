package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dusk-indust/reelgate/internal/job"
)

// Client calls a running reelgate server.
type Client struct {
	base string
	http *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the HTTP client timeout. Streams are not subject to it.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient replaces the underlying *http.Client entirely.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for the server at baseURL. A bare host:port is
// treated as http://host:port.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx reply from the server.
type APIError struct {
	Op      string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("httpapi: %s: HTTP %d: %s", e.Op, e.Status, e.Message)
}

// CreateJob creates and starts a job.
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodPost, "/jobs", req, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// GetJob returns the current state of a job.
func (c *Client) GetJob(ctx context.Context, id string) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// ListJobs lists jobs, optionally filtered by status.
func (c *Client) ListJobs(ctx context.Context, status job.Status, limit int) ([]job.Job, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var jobs []job.Job
	if err := c.do(ctx, http.MethodGet, withQuery("/jobs", q), nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Events returns the newest limit events of a job, all of them when limit
// is zero.
func (c *Client) Events(ctx context.Context, id string, limit int) ([]job.Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var evs []job.Event
	if err := c.do(ctx, http.MethodGet, withQuery("/jobs/"+url.PathEscape(id)+"/events", q), nil, &evs); err != nil {
		return nil, err
	}
	return evs, nil
}

// Advance resumes a paused job.
func (c *Client) Advance(ctx context.Context, id string) (*job.Job, error) {
	return c.post(ctx, "/jobs/"+url.PathEscape(id)+"/advance", nil)
}

// Cancel cancels a job.
func (c *Client) Cancel(ctx context.Context, id string) (*job.Job, error) {
	return c.post(ctx, "/jobs/"+url.PathEscape(id)+"/cancel", nil)
}

// Approve approves the gate at stage.
func (c *Client) Approve(ctx context.Context, id string, stage job.Stage, req DecisionRequest) (*job.Job, error) {
	return c.post(ctx, gatePath(id, stage, "approve"), req)
}

// Reject rejects the gate at stage.
func (c *Client) Reject(ctx context.Context, id string, stage job.Stage, req DecisionRequest) (*job.Job, error) {
	return c.post(ctx, gatePath(id, stage, "reject"), req)
}

// Sweep runs one gate timeout sweep and returns the number of gates
// auto-approved.
func (c *Client) Sweep(ctx context.Context) (int, error) {
	var resp SweepResponse
	if err := c.do(ctx, http.MethodPost, "/gates/sweep", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Approved, nil
}

// Stream opens the live event feed of a job. The channel closes when the
// job finishes, the server goes away, or ctx is done.
func (c *Client) Stream(ctx context.Context, id string) (<-chan StreamEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/jobs/"+url.PathEscape(id)+"/events/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("httpapi: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	hc := *c.http
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpapi: stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readAPIError("stream", resp)
	}
	return ReadEvents(ctx, resp.Body), nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodPost, path, body, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// do sends a JSON request and decodes a JSON reply into result.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	op := method + " " + path
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("httpapi: marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("httpapi: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("httpapi: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(op, resp)
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("httpapi: decode %s: %w", op, err)
	}
	return nil
}

func readAPIError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	msg := strings.TrimSpace(string(raw))
	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	return &APIError{Op: op, Status: resp.StatusCode, Message: msg}
}

func gatePath(id string, stage job.Stage, action string) string {
	return "/jobs/" + url.PathEscape(id) + "/gates/" + stage.String() + "/" + action
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
