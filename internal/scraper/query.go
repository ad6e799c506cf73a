package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jonesrussell/north-cloud/datafetch/internal/cache"
	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/extract"
	"github.com/jonesrussell/north-cloud/datafetch/internal/logger"
	"github.com/jonesrussell/north-cloud/datafetch/internal/ratelimit"
	"github.com/jonesrussell/north-cloud/datafetch/internal/scrapeerr"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxPolls     = 30
	defaultResultPath   = "result.rows"
	defaultAPIKeyHeader = "X-Api-Key"
	maxQueryBody        = 64 << 20

	stateCompleted = "completed"
	stateFailed    = "failed"
	stateCancelled = "cancelled"
)

var (
	errNoQueryID     = errors.New("async query source has no query_id")
	errNoExecutionID = errors.New("execute response has no execution_id")
	errPollTimeout   = errors.New("query did not complete in time")
)

// QueryParams configure an async query source.
type QueryParams struct {
	QueryID      string         `mapstructure:"query_id"`
	BaseURL      string         `mapstructure:"base_url"`
	Parameters   map[string]any `mapstructure:"parameters"`
	PollInterval time.Duration  `mapstructure:"poll_interval"`
	MaxPolls     int            `mapstructure:"max_polls"`
	APIKeyEnv    string         `mapstructure:"api_key_env"`
	APIKeyHeader string         `mapstructure:"api_key_header"`
}

func (p *QueryParams) setDefaults(src domain.SourceDescriptor) {
	if p.BaseURL == "" {
		p.BaseURL = src.URL
	}
	p.BaseURL = strings.TrimRight(p.BaseURL, "/")
	if p.PollInterval <= 0 {
		p.PollInterval = defaultPollInterval
	}
	if p.MaxPolls <= 0 {
		p.MaxPolls = defaultMaxPolls
	}
	if p.APIKeyHeader == "" {
		p.APIKeyHeader = defaultAPIKeyHeader
	}
}

// Query runs execute, poll and fetch against an asynchronous query API.
// Execution ids are cached per query and parameter set so repeated runs
// reuse a finished execution until the entry expires.
type Query struct {
	client *http.Client
	store  cache.Store
	ttl    time.Duration
	clock  ratelimit.Clock
	getenv func(string) string
	log    logger.Logger
}

// QueryOption configures a Query adapter.
type QueryOption func(*Query)

// WithQueryClock sets the clock used between polls.
func WithQueryClock(c ratelimit.Clock) QueryOption {
	return func(q *Query) { q.clock = c }
}

// WithCacheTTL overrides cache.DefaultTTL.
func WithCacheTTL(ttl time.Duration) QueryOption {
	return func(q *Query) {
		if ttl > 0 {
			q.ttl = ttl
		}
	}
}

// WithGetenv replaces os.Getenv for API key lookup.
func WithGetenv(fn func(string) string) QueryOption {
	return func(q *Query) { q.getenv = fn }
}

// NewQuery creates the adapter. A nil store uses an in-memory cache.
func NewQuery(client *http.Client, store cache.Store, log logger.Logger, opts ...QueryOption) *Query {
	if client == nil {
		client = http.DefaultClient
	}
	if store == nil {
		store = cache.NewMemory()
	}
	if log == nil {
		log = logger.NewNop()
	}
	q := &Query{
		client: client,
		store:  store,
		ttl:    cache.DefaultTTL,
		clock:  ratelimit.SystemClock(),
		getenv: os.Getenv,
		log:    log,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Factory returns a Factory sharing q across sources.
func (q *Query) Factory() Factory {
	return func(domain.SourceDescriptor) (Scraper, error) { return q, nil }
}

func (q *Query) Name() string { return domain.TypeAsyncQuery }

// Retrieve executes the query, or reuses a cached execution, waits for it
// to complete and fetches the results.
func (q *Query) Retrieve(ctx context.Context, req Request) (Payload, error) {
	var params QueryParams
	if err := decodeParams(req.Source.Params, &params); err != nil {
		return Payload{}, scrapeerr.Permanent(scrapeerr.KindValidation, "decode params", err)
	}
	params.setDefaults(req.Source)
	if params.QueryID == "" {
		return Payload{}, scrapeerr.Permanent(scrapeerr.KindValidation, "retrieve", errNoQueryID)
	}
	if params.BaseURL == "" {
		return Payload{}, scrapeerr.Permanent(scrapeerr.KindValidation, "retrieve", errNoLocator)
	}

	headers := q.headers(req.Source.Headers, params)
	key := cache.Key(params.QueryID, params.Parameters)

	execID, err := q.store.Get(ctx, key)
	switch {
	case err == nil:
		q.log.Debug("Reusing cached execution", logger.String("query_id", params.QueryID), logger.String("execution_id", execID))
	case errors.Is(err, cache.ErrMiss):
		execID = ""
	default:
		q.log.Warn("Execution cache unavailable", logger.Error(err))
		execID = ""
	}

	if execID == "" {
		execID, err = q.execute(ctx, params, headers)
		if err != nil {
			return Payload{}, err
		}
		if err := q.store.Set(ctx, key, execID, q.ttl); err != nil {
			q.log.Warn("Failed to cache execution id", logger.Error(err))
		}
	}

	if err := q.poll(ctx, params, execID, headers); err != nil {
		if !errors.Is(err, errPollTimeout) {
			q.evict(ctx, key)
		}
		return Payload{}, err
	}

	ex, err := q.fetch(ctx, params, execID, headers)
	if err != nil {
		q.evict(ctx, key)
		return Payload{Page: domain.PageLoad{URL: ex.URL, Status: ex.Status}}, err
	}
	return Payload{Page: domain.PageLoad{URL: ex.URL, Status: ex.Status, Exchanges: []domain.Exchange{ex}}}, nil
}

// Parse projects the fetched rows.
func (q *Query) Parse(_ context.Context, req Request, p Payload) Parsed {
	path := req.Source.DataPath
	if path == "" {
		path = defaultResultPath
	}
	t, err := extract.JSON(p.Body(), extract.JSONOptions{DataPath: path, FieldMap: req.Source.FieldMap})
	if err != nil {
		return Parsed{Outcome: domain.Failed(domain.StrategyAPI, scrapeerr.New(scrapeerr.KindParsing, "parse query results", err))}
	}
	return Parsed{Outcome: domain.Succeeded(domain.StrategyAPI, t, p.Page.URL)}
}

func (q *Query) headers(base map[string]string, params QueryParams) map[string]string {
	out := make(map[string]string, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	if params.APIKeyEnv != "" {
		if key := q.getenv(params.APIKeyEnv); key != "" {
			out[params.APIKeyHeader] = key
		}
	}
	return out
}

func (q *Query) execute(ctx context.Context, params QueryParams, headers map[string]string) (string, error) {
	payload := map[string]any{}
	if len(params.Parameters) > 0 {
		payload["query_parameters"] = params.Parameters
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", scrapeerr.Permanent(scrapeerr.KindValidation, "encode parameters", err)
	}

	target := fmt.Sprintf("%s/query/%s/execute", params.BaseURL, url.PathEscape(params.QueryID))
	ex, err := q.do(ctx, http.MethodPost, target, body, headers)
	if err != nil {
		return "", err
	}

	var resp struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := json.Unmarshal(ex.Body, &resp); err != nil {
		return "", scrapeerr.New(scrapeerr.KindParsing, "decode execute response", err)
	}
	if resp.ExecutionID == "" {
		return "", scrapeerr.New(scrapeerr.KindParsing, "execute", errNoExecutionID)
	}
	q.log.Info("Query executed",
		logger.String("query_id", params.QueryID),
		logger.String("execution_id", resp.ExecutionID),
	)
	return resp.ExecutionID, nil
}

func (q *Query) poll(ctx context.Context, params QueryParams, execID string, headers map[string]string) error {
	target := fmt.Sprintf("%s/query/%s/status?execution_id=%s",
		params.BaseURL, url.PathEscape(params.QueryID), url.QueryEscape(execID))

	for attempt := 1; attempt <= params.MaxPolls; attempt++ {
		ex, err := q.do(ctx, http.MethodGet, target, nil, headers)
		if err != nil {
			if scrapeerr.Classify(err) != scrapeerr.KindNetwork || attempt == params.MaxPolls {
				return err
			}
			q.log.Warn("Status poll failed", logger.Int("attempt", attempt), logger.Error(err))
		} else {
			var resp struct {
				State string `json:"state"`
				Error any    `json:"error"`
			}
			if err := json.Unmarshal(ex.Body, &resp); err != nil {
				return scrapeerr.New(scrapeerr.KindParsing, "decode status response", err)
			}
			switch state := normalizeState(resp.State); state {
			case stateCompleted:
				return nil
			case stateFailed, stateCancelled:
				return scrapeerr.New(scrapeerr.KindUnknown, "query execution",
					fmt.Errorf("execution %s %s: %v", execID, state, resp.Error))
			default:
				q.log.Debug("Query pending", logger.String("state", state), logger.Int("attempt", attempt))
			}
		}

		if attempt < params.MaxPolls {
			if err := q.clock.Sleep(ctx, params.PollInterval); err != nil {
				return scrapeerr.New(scrapeerr.KindCancelled, "poll", err)
			}
		}
	}
	return scrapeerr.New(scrapeerr.KindNetwork, "poll", errPollTimeout)
}

func (q *Query) fetch(ctx context.Context, params QueryParams, execID string, headers map[string]string) (domain.Exchange, error) {
	target := fmt.Sprintf("%s/query/%s/results?execution_id=%s",
		params.BaseURL, url.PathEscape(params.QueryID), url.QueryEscape(execID))
	return q.do(ctx, http.MethodGet, target, nil, headers)
}

func (q *Query) evict(ctx context.Context, key string) {
	if err := q.store.Delete(ctx, key); err != nil {
		q.log.Warn("Failed to evict execution id", logger.Error(err))
	}
}

func (q *Query) do(ctx context.Context, method, target string, body []byte, headers map[string]string) (domain.Exchange, error) {
	ex := domain.Exchange{URL: target, Method: method}

	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return ex, scrapeerr.Permanent(scrapeerr.KindUnknown, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		se := scrapeerr.Wrap(method+" query api", err)
		se.URL = target
		return ex, se
	}
	defer resp.Body.Close()

	ex.Status = resp.StatusCode
	ex.ContentType = resp.Header.Get("Content-Type")
	ex.Body, err = io.ReadAll(io.LimitReader(resp.Body, maxQueryBody))
	if err != nil {
		se := scrapeerr.Wrap("read query response", err)
		se.URL = target
		return ex, se
	}
	ex.ContentLength = int64(len(ex.Body))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return ex, scrapeerr.FromStatus(resp.StatusCode, target, ex.Body)
	}
	return ex, nil
}

func normalizeState(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimPrefix(s, "query_state_")
}
