// Package peer fetches entities owned by other inventory services over HTTP.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/erp/inventory-services/internal/domain/shared"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// DefaultTimeout bounds every request to a peer.
const DefaultTimeout = 5 * time.Second

// maxBodyBytes caps how much of a peer response is read.
const maxBodyBytes = 8 << 20

// ErrUnexpectedStatus is returned for any peer response other than 200 or 404.
var ErrUnexpectedStatus = errors.New("unexpected peer response status")

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client talks to one peer service.
type Client struct {
	name    string
	baseURL string
	timeout time.Duration
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a client for the peer reachable at baseURL.
func NewClient(name, baseURL string, opts ...Option) *Client {
	c := &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{
			Timeout:   c.timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	c.logger = c.logger.With(zap.String("peer", name))
	return c
}

// Name returns the peer service name.
func (c *Client) Name() string {
	return c.name
}

// BaseURL returns the peer base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// FetchEntity loads {base}/{type}s/{id}. A 404 is reported as (nil, nil).
func (c *Client) FetchEntity(ctx context.Context, entityType string, id int64) (shared.Document, error) {
	url := c.baseURL + "/" + entityType + "s/" + strconv.FormatInt(id, 10)

	var doc shared.Document
	found, err := c.getJSON(ctx, url, &doc)
	if err != nil || !found {
		return nil, err
	}
	return doc, nil
}

// FetchAll loads {base}/{type}s?limit=0 and returns the documents under
// the "{type}s" key of the response. limit=0 lifts the peer's default page
// size.
func (c *Client) FetchAll(ctx context.Context, entityType string) ([]shared.Document, error) {
	collection := entityType + "s"
	url := c.baseURL + "/" + collection + "?limit=0"

	var body map[string]json.RawMessage
	found, err := c.getJSON(ctx, url, &body)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s returned 404", ErrUnexpectedStatus, url)
	}

	raw, ok := body[collection]
	if !ok {
		return []shared.Document{}, nil
	}
	var docs []shared.Document
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("decode %s from %s: %w", collection, c.name, err)
	}
	return docs, nil
}

func (c *Client) getJSON(ctx context.Context, url string, dst any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("build request to %s: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("Peer request failed", zap.String("url", url), zap.Error(err))
		return false, fmt.Errorf("request %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Peer response",
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return false, nil
	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return false, fmt.Errorf("%w: %s returned %d", ErrUnexpectedStatus, url, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(dst); err != nil {
		return false, fmt.Errorf("decode response from %s: %w", c.name, err)
	}
	return true, nil
}
