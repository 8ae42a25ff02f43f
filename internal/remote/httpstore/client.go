// Package httpstore talks to the collector service over its REST API.
package httpstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/thebtf/solvetrace/internal/remote"
	"github.com/thebtf/solvetrace/pkg/models"
)

// DefaultTimeout bounds one request when the caller's context has no deadline.
const DefaultTimeout = 10 * time.Second

// StatusError is returned for unexpected HTTP status codes.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client is a remote.Store backed by the collector API.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a Client for the collector at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type appendRequest struct {
	Events []models.Event `json:"events"`
}

type appendResponse struct {
	Appended int `json:"appended"`
}

type summaryRequest struct {
	Summary models.Summary `json:"summary"`
	EndTime *time.Time     `json:"endTime,omitempty"`
}

// CreateSession posts header. It reports whether the session was new.
func (c *Client) CreateSession(ctx context.Context, header models.SessionHeader) (bool, error) {
	code, err := c.do(ctx, http.MethodPost, "/api/sessions", header, nil, http.StatusCreated, http.StatusOK)
	if err != nil {
		return false, err
	}
	return code == http.StatusCreated, nil
}

// AppendEvents posts events and returns how many were new to the collector.
func (c *Client) AppendEvents(ctx context.Context, sessionID string, events []models.Event) (int, error) {
	var resp appendResponse
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/events"
	if _, err := c.do(ctx, http.MethodPost, path, appendRequest{Events: events}, &resp, http.StatusOK); err != nil {
		return 0, err
	}
	return resp.Appended, nil
}

// FinalizeSummary puts the summary and end time.
func (c *Client) FinalizeSummary(ctx context.Context, sessionID string, summary models.Summary, endTime *time.Time) error {
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/summary"
	_, err := c.do(ctx, http.MethodPut, path, summaryRequest{Summary: summary, EndTime: endTime}, nil, http.StatusNoContent, http.StatusOK)
	return err
}

// GetSession fetches a stored session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*remote.SessionDocument, error) {
	var doc remote.SessionDocument
	path := "/api/sessions/" + url.PathEscape(sessionID)
	if _, err := c.do(ctx, http.MethodGet, path, nil, &doc, http.StatusOK); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Ping checks the collector health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/api/health", nil, nil, http.StatusOK)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, accept ...int) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound && path != "/api/health" {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, fmt.Errorf("%s %s: %w", method, path, remote.ErrSessionNotFound)
	}
	if !accepted(resp.StatusCode, accept) {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func accepted(code int, accept []int) bool {
	for _, c := range accept {
		if code == c {
			return true
		}
	}
	return false
}
