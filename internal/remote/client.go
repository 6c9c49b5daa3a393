// Package remote talks to the managed relational data service over its
// PostgREST-style HTTP interface.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4 << 10
)

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Client performs writes against the remote data service.
type Client struct {
	baseURL    string
	apiKey     string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the service at baseURL. apiKey is the
// project's anon key; token is the user's access token and falls back to
// apiKey when empty.
func NewClient(baseURL, apiKey, token string) *Client {
	return NewClientWithHTTP(baseURL, apiKey, token, &http.Client{Timeout: defaultTimeout})
}

// NewClientWithHTTP is NewClient with a caller-supplied HTTP client.
func NewClientWithHTTP(baseURL, apiKey, token string, hc *http.Client) *Client {
	if token == "" {
		token = apiKey
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		token:      token,
		httpClient: hc,
	}
}

// Create inserts payload into resource and returns the service's representation.
func (c *Client) Create(ctx context.Context, resource string, payload json.RawMessage, idemKey string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, c.resourceURL(resource, ""), payload, idemKey)
}

// UpdateByID patches the row of resource whose id equals id.
func (c *Client) UpdateByID(ctx context.Context, resource, id string, payload json.RawMessage, idemKey string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPatch, c.resourceURL(resource, id), payload, idemKey)
}

// DeleteByID deletes the row of resource whose id equals id.
func (c *Client) DeleteByID(ctx context.Context, resource, id, idemKey string) error {
	_, err := c.do(ctx, http.MethodDelete, c.resourceURL(resource, id), nil, idemKey)
	return err
}

func (c *Client) resourceURL(resource, id string) string {
	u := c.baseURL + "/rest/v1/" + url.PathEscape(resource)
	if id != "" {
		u += "?id=" + url.QueryEscape("eq."+id)
	}
	return u
}

func (c *Client) do(ctx context.Context, method, target string, payload json.RawMessage, idemKey string) (json.RawMessage, error) {
	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req, idemKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing %s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, nil
	}
	return json.RawMessage(out), nil
}

func (c *Client) setHeaders(req *http.Request, idemKey string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Prefer", "return=representation")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
}
