// Package catalogclient talks to a remote plat-cropwater catalog API. A
// Client satisfies the explorer's Catalog, ReferenceSource and PolygonSource
// so sessions can be hosted in front of another server's catalog.
package catalogclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/joeblew999/plat-cropwater/internal/explorer"
)

// DefaultTimeout bounds a single request when the caller's context has no
// deadline.
const DefaultTimeout = 30 * time.Second

// Error is a non-2xx answer from the catalog, decoded from its RFC 9457
// problem body when one is present.
type Error struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("catalog: %d %s: %s", e.Status, e.Title, e.Detail)
	}
	return fmt.Sprintf("catalog: %d %s", e.Status, e.Title)
}

// Client is a catalog API client.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(cl *Client) { cl.log = log }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ResolveLayer resolves q against the remote catalog.
func (c *Client) ResolveLayer(ctx context.Context, q explorer.Query) ([]explorer.LayerRecord, error) {
	var records []explorer.LayerRecord
	if err := c.getJSON(ctx, "/api/v1/resolve?"+q.Key(), &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Availability fetches the ids that have at least one enabled layer.
func (c *Client) Availability(ctx context.Context) (explorer.Availability, error) {
	var avail explorer.Availability
	if err := c.getJSON(ctx, "/api/v1/reference", &avail); err != nil {
		return nil, err
	}
	return avail, nil
}

// Countries fetches the country boundaries.
func (c *Client) Countries(ctx context.Context) (*geojson.FeatureCollection, error) {
	data, err := c.get(ctx, "/api/v1/countries")
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode countries: %w", err)
	}
	return fc, nil
}

// Health reports whether the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	var body struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, "/health", &body); err != nil {
		return err
	}
	if body.Status != "ok" {
		return fmt.Errorf("catalog: unhealthy status %q", body.Status)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	data, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	c.log.Debug("catalog request",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Title == "" {
			apiErr.Title = http.StatusText(resp.StatusCode)
		}
		apiErr.Status = resp.StatusCode
		return nil, apiErr
	}
	return data, nil
}
