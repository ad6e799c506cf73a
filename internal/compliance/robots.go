// Package compliance computes a source's crawl-permission status from the
// host's robots.txt, with per-host caching.
package compliance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
)

const (
	defaultCacheTTL  = 24 * time.Hour
	robotsTxtPath    = "/robots.txt"
	maxRobotsBytes   = 512 * 1024
	statusServerLow  = 500
	statusSuccessLow = 200
	statusSuccessEnd = 300
)

// Checker fetches and caches robots.txt rules per host. It is safe for
// concurrent use.
type Checker struct {
	httpClient *http.Client
	userAgent  string
	cacheTTL   time.Duration
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]*hostRules
}

type hostRules struct {
	data      *robotstxt.RobotsData
	status    domain.ComplianceStatus
	fetchedAt time.Time
}

// NewChecker creates a Checker. A zero cacheTTL means 24h.
func NewChecker(httpClient *http.Client, userAgent string, cacheTTL time.Duration) *Checker {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cacheTTL == 0 {
		cacheTTL = defaultCacheTTL
	}
	return &Checker{
		httpClient: httpClient,
		userAgent:  userAgent,
		cacheTTL:   cacheTTL,
		now:        time.Now,
		cache:      make(map[string]*hostRules),
	}
}

// Status returns ALLOWED or DISALLOWED for rawURL's path under the host's
// robots.txt. A missing robots.txt allows everything; unreachable hosts and
// server errors yield UNKNOWN.
func (c *Checker) Status(ctx context.Context, rawURL string) (domain.ComplianceStatus, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return domain.ComplianceUnknown, fmt.Errorf("robots: parse url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	if host == "" {
		return domain.ComplianceUnknown, fmt.Errorf("robots: empty host in url %q", rawURL)
	}

	rules := c.cached(host)
	if rules == nil {
		rules = c.fetch(ctx, host, parsed.Scheme)
	}
	if rules.data == nil {
		return rules.status, nil
	}

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	if rules.data.TestAgent(path, c.userAgent) {
		return domain.ComplianceAllowed, nil
	}
	return domain.ComplianceDisallowed, nil
}

// CrawlDelay returns the crawl-delay declared for the user agent on host, or
// zero when none is cached.
func (c *Checker) CrawlDelay(host string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rules, ok := c.cache[strings.ToLower(host)]
	if !ok || rules.data == nil {
		return 0
	}
	group := rules.data.FindGroup(c.userAgent)
	if group == nil {
		return 0
	}
	return group.CrawlDelay
}

func (c *Checker) cached(host string) *hostRules {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rules, ok := c.cache[host]
	if !ok || c.now().Sub(rules.fetchedAt) > c.cacheTTL {
		return nil
	}
	return rules
}

func (c *Checker) fetch(ctx context.Context, host, scheme string) *hostRules {
	if scheme == "" {
		scheme = "https"
	}
	rules := &hostRules{status: domain.ComplianceUnknown, fetchedAt: c.now()}

	body, status, err := c.get(ctx, scheme+"://"+host+robotsTxtPath)
	switch {
	case err != nil, status >= statusServerLow:
		// Unknown results are not cached so the next run tries again.
		return rules
	case status < statusSuccessLow || status >= statusSuccessEnd:
		rules.status = domain.ComplianceAllowed
	default:
		data, parseErr := robotstxt.FromBytes(body)
		if parseErr != nil {
			return rules
		}
		rules.data = data
	}

	c.mu.Lock()
	c.cache[host] = rules
	c.mu.Unlock()
	return rules
}

func (c *Checker) get(ctx context.Context, robotsURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, http.NoBody)
	if err != nil {
		return nil, 0, fmt.Errorf("robots: create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("robots: fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("robots: read body: %w", err)
	}
	return body, resp.StatusCode, nil
}
