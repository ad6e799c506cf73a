// Package httpclient provides the shared HTTP client used for direct
// fetches of data endpoints, robots files and configured sources.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/scrapeerr"
)

const (
	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 30 * time.Second

	// DefaultMaxIdleConns is the default maximum number of idle connections
	DefaultMaxIdleConns = 100

	// DefaultMaxIdleConnsPerHost is the default maximum number of idle connections per host
	DefaultMaxIdleConnsPerHost = 10

	// DefaultIdleConnTimeout is the default idle connection timeout
	DefaultIdleConnTimeout = 90 * time.Second

	// DefaultTLSHandshakeTimeout is the default TLS handshake timeout
	DefaultTLSHandshakeTimeout = 10 * time.Second

	// DefaultMaxBodyBytes caps how much of a response body is read.
	DefaultMaxBodyBytes = 32 << 20

	// DefaultUserAgent identifies the fetcher.
	DefaultUserAgent = "Mozilla/5.0 (compatible; datafetch/1.0)"
)

// Config configures the shared client.
type Config struct {
	Timeout      time.Duration `env:"HTTP_TIMEOUT"    yaml:"timeout"`
	UserAgent    string        `env:"HTTP_USER_AGENT" yaml:"user_agent"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = DefaultMaxIdleConns
	}
}

// NewHTTPClient creates an *http.Client with pooled transport settings.
func NewHTTPClient(cfg Config) *http.Client {
	cfg.SetDefaults()
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: DefaultMaxIdleConnsPerHost,
		IdleConnTimeout:     DefaultIdleConnTimeout,
		TLSHandshakeTimeout: DefaultTLSHandshakeTimeout,
	}
	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}

// Client performs GET requests and classifies failures.
type Client struct {
	http      *http.Client
	userAgent string
	maxBody   int64
}

// New creates a Client. A nil hc uses NewHTTPClient(cfg).
func New(cfg Config, hc *http.Client) *Client {
	cfg.SetDefaults()
	if hc == nil {
		hc = NewHTTPClient(cfg)
	}
	return &Client{http: hc, userAgent: cfg.UserAgent, maxBody: cfg.MaxBodyBytes}
}

// HTTP exposes the underlying client for collaborators that need one.
func (c *Client) HTTP() *http.Client {
	return c.http
}

// Fetch GETs url and returns the exchange. Non-2xx responses return the
// exchange together with a classified *scrapeerr.Error.
func (c *Client) Fetch(ctx context.Context, url string, headers map[string]string) (domain.Exchange, error) {
	ex := domain.Exchange{URL: url, Method: http.MethodGet}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return ex, scrapeerr.Permanent(scrapeerr.KindUnknown, "build request", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json, text/csv, application/xml, text/html;q=0.9, */*;q=0.8")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ex, scrapeerr.Wrap("fetch", fmt.Errorf("get %s: %w", url, err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return ex, scrapeerr.New(scrapeerr.KindNetwork, "read body", err)
	}

	ex.Status = resp.StatusCode
	ex.ContentType = resp.Header.Get("Content-Type")
	ex.ContentLength = resp.ContentLength
	ex.Body = body

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return ex, scrapeerr.FromStatus(resp.StatusCode, url, body)
	}
	return ex, nil
}
