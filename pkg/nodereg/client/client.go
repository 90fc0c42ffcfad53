// Package client is a Go client for the nodereg HTTP API.
package client

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

	"evalgo.org/nodereg/models"
)

// Client calls a nodereg server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid baseURL: %w", err)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Error is a non-2xx answer from the server.
type Error struct {
	StatusCode int
	Message    string `json:"message"`
	Details    string `json:"details"`
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("nodereg: %d %s: %s", e.StatusCode, e.Message, e.Details)
	}
	return fmt.Sprintf("nodereg: %d %s", e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status of err, or 0 when err is not an *Error.
func StatusCode(err error) int {
	if e, ok := err.(*Error); ok {
		return e.StatusCode
	}
	return 0
}

// Query selects a page of nodes.
type Query struct {
	Limit  int
	Offset int
}

// NodeList is a page of nodes.
type NodeList struct {
	Count  int                    `json:"count"`
	Total  int                    `json:"total"`
	Limit  int                    `json:"limit"`
	Offset int                    `json:"offset"`
	Nodes  []models.NodeAdminView `json:"nodes"`
}

// Ping reports a node's liveness. The ping secret in req authenticates it.
func (c *Client) Ping(ctx context.Context, uuid string, req *models.PingRequest) (*models.NodeAdminView, error) {
	var out models.NodeAdminView
	if err := c.do(ctx, http.MethodPost, "/api/v1/nodes/"+url.PathEscape(uuid)+"/ping", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateNode provisions a node record. The ping secret is in Info.
func (c *Client) CreateNode(ctx context.Context, spec models.NodeSpec) (*models.NodeAdminView, error) {
	var out models.NodeAdminView
	if err := c.do(ctx, http.MethodPost, "/api/v1/nodes", spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetNode fetches one node. Fields the caller may not see are zero.
func (c *Client) GetNode(ctx context.Context, uuid string) (*models.NodeAdminView, error) {
	var out models.NodeAdminView
	if err := c.do(ctx, http.MethodGet, "/api/v1/nodes/"+url.PathEscape(uuid), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListNodes fetches a page of nodes.
func (c *Client) ListNodes(ctx context.Context, q Query) (*NodeList, error) {
	params := url.Values{}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	path := "/api/v1/nodes"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var out NodeList
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSlurmState reports the scheduler state of a node.
func (c *Client) UpdateSlurmState(ctx context.Context, uuid, state string) (*models.NodeAdminView, error) {
	var out models.NodeAdminView
	body := map[string]string{"slurm_state": state}
	if err := c.do(ctx, http.MethodPut, "/api/v1/nodes/"+url.PathEscape(uuid)+"/slurm-state", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
