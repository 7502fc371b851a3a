package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrAPIUnavailable reports that no API address is configured.
var ErrAPIUnavailable = errors.New("daemon API unavailable")

// Error is a non-2xx reply from the daemon.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("daemon returned status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 reply.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsUnavailable reports whether err means the daemon could not be reached.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}
	var opErr *net.OpError
	return errors.Is(err, ErrAPIUnavailable) || errors.As(err, &opErr)
}

// Client calls the daemon HTTP API.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// NewClient builds a client for the daemon listening on bind (host:port or a
// full URL). token is sent as a bearer token when non-empty.
func NewClient(bind, token string) (*Client, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, ErrAPIUnavailable
	}
	if !strings.Contains(bind, "://") {
		bind = "http://" + bind
	}
	base, err := url.Parse(bind)
	if err != nil {
		return nil, fmt.Errorf("parse api address: %w", err)
	}
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""
	return &Client{
		base:  base,
		token: strings.TrimSpace(token),
		http:  &http.Client{Timeout: 3 * time.Minute},
	}, nil
}

// Status returns daemon and scheduler status.
func (c *Client) Status(ctx context.Context) (DaemonStatus, error) {
	var out DaemonStatus
	err := c.do(ctx, http.MethodGet, "/api/status", nil, nil, &out)
	return out, err
}

// ListJobs returns jobs in insertion order, optionally filtered by status.
func (c *Client) ListJobs(ctx context.Context, status string) ([]JobView, error) {
	values := url.Values{}
	if strings.TrimSpace(status) != "" {
		values.Set("status", strings.TrimSpace(status))
	}
	var out JobListResponse
	if err := c.do(ctx, http.MethodGet, "/api/jobs", values, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// GetJob returns one job.
func (c *Client) GetJob(ctx context.Context, id string) (JobView, error) {
	var out JobResponse
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, nil, &out)
	return out.Job, err
}

// AddJob enqueues a job for the given source.
func (c *Client) AddJob(ctx context.Context, req AddJobRequest) (JobView, error) {
	var out JobResponse
	err := c.do(ctx, http.MethodPost, "/api/jobs", nil, req, &out)
	return out.Job, err
}

// CancelJob cancels a non-terminal job.
func (c *Client) CancelJob(ctx context.Context, id string) (ActionResponse, error) {
	var out ActionResponse
	err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/cancel", nil, nil, &out)
	return out, err
}

// RetryJob re-enqueues a failed or cancelled job.
func (c *Client) RetryJob(ctx context.Context, id string) (ActionResponse, error) {
	var out ActionResponse
	err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/retry", nil, nil, &out)
	return out, err
}

// TriggerCheck asks the scheduler to poll the catalog now.
func (c *Client) TriggerCheck(ctx context.Context) (ActionResponse, error) {
	var out ActionResponse
	err := c.do(ctx, http.MethodPost, "/api/check", nil, nil, &out)
	return out, err
}

// Pause suspends dispatch for minutes. Zero selects the daemon default.
func (c *Client) Pause(ctx context.Context, minutes int) (PauseResponse, error) {
	values := url.Values{}
	if minutes > 0 {
		values.Set("minutes", strconv.Itoa(minutes))
	}
	var out PauseResponse
	err := c.do(ctx, http.MethodPost, "/api/pause", values, nil, &out)
	return out, err
}

// Resume lifts a pause.
func (c *Client) Resume(ctx context.Context) (ActionResponse, error) {
	var out ActionResponse
	err := c.do(ctx, http.MethodPost, "/api/resume", nil, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c == nil {
		return ErrAPIUnavailable
	}
	endpoint := c.base.ResolveReference(&url.URL{Path: path, RawQuery: query.Encode()})

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var payload ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(raw, &payload) != nil || payload.Error == "" {
			payload.Error = strings.TrimSpace(string(raw))
		}
		return &Error{StatusCode: resp.StatusCode, Message: payload.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
