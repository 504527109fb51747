// Package client talks to a grapher control plane and receives its
// snapshot stream.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nicktill/grapher/pkg/controller"
	"github.com/nicktill/grapher/pkg/httpx"
	"github.com/nicktill/grapher/pkg/wire"
)

const apiPrefix = "/v1/grapher"

// APIError is a non-2xx response from the control plane.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// Client is an HTTP client for one control plane.
type Client struct {
	baseURL string
	client  *http.Client

	// Inventory cache, revalidated with If-None-Match.
	mu      sync.Mutex
	etag    string
	catalog wire.Catalog
}

// New creates a client for baseURL, e.g. "http://10.27.67.2:5800".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Inventory fetches the catalog. An unchanged catalog is served from the
// local cache after a 304 revalidation.
func (c *Client) Inventory(ctx context.Context) (wire.Catalog, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiPrefix+"/inventory", nil)
	if err != nil {
		return wire.Catalog{}, fmt.Errorf("failed to create request: %w", err)
	}

	c.mu.Lock()
	if c.etag != "" {
		req.Header.Set("If-None-Match", c.etag)
	}
	c.mu.Unlock()

	resp, err := c.client.Do(req)
	if err != nil {
		return wire.Catalog{}, fmt.Errorf("failed to fetch inventory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.catalog, nil
	}
	if resp.StatusCode != http.StatusOK {
		return wire.Catalog{}, readError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return wire.Catalog{}, fmt.Errorf("failed to read inventory: %w", err)
	}
	catalog, err := wire.DecodeInventory(body)
	if err != nil {
		return wire.Catalog{}, err
	}

	c.mu.Lock()
	c.etag = resp.Header.Get("ETag")
	c.catalog = catalog
	c.mu.Unlock()
	return catalog, nil
}

// Subscribe replaces the server's stream with req and returns one label
// per snapshot value.
func (c *Client) Subscribe(ctx context.Context, req wire.SubscribeRequest) ([]wire.AckEntry, error) {
	body := wire.AppendSubscribeRequest(nil, req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiPrefix+"/subscription", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read acknowledgement: %w", err)
	}
	return wire.DecodeAck(raw)
}

// Unsubscribe stops the server's stream.
func (c *Client) Unsubscribe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+apiPrefix+"/subscription", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readError(resp)
	}
	return nil
}

// Status fetches the control plane status. A degraded stream is reported
// through the returned status, not as an error.
func (c *Client) Status(ctx context.Context) (controller.StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiPrefix+"/status", nil)
	if err != nil {
		return controller.StatusResponse{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return controller.StatusResponse{}, fmt.Errorf("failed to fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return controller.StatusResponse{}, readError(resp)
	}

	var status controller.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return controller.StatusResponse{}, fmt.Errorf("failed to decode status: %w", err)
	}
	return status, nil
}

// readError converts an error response into an *APIError.
func readError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var body httpx.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		apiErr.Message = body.Message
	}
	return apiErr
}
