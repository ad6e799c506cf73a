package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/logger"
	"github.com/jonesrussell/north-cloud/datafetch/internal/scrapeerr"
)

const statusClientErrorLow = 400

// Static loads a page with a plain HTTP request. It runs no scripts, so the
// only exchange captured is the page itself.
type Static struct {
	cfg Config
	log logger.Logger
}

// NewStatic creates a static loader.
func NewStatic(cfg Config, log logger.Logger) *Static {
	cfg.SetDefaults()
	if log == nil {
		log = logger.NewNop()
	}
	return &Static{cfg: cfg, log: log}
}

// Load fetches url. Wait hints are ignored.
func (s *Static) Load(ctx context.Context, url string, _ domain.WaitHints) (domain.PageLoad, error) {
	c := colly.NewCollector(
		colly.StdlibContext(ctx),
		colly.UserAgent(s.cfg.UserAgent),
		colly.MaxBodySize(s.cfg.MaxBodyBytes),
		colly.ParseHTTPErrorResponse(),
		colly.IgnoreRobotsTxt(),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(s.cfg.Timeout)

	var (
		mu      sync.Mutex
		ex      domain.Exchange
		got     bool
		loadErr error
	)
	record := func(r *colly.Response) {
		mu.Lock()
		defer mu.Unlock()
		if got {
			return
		}
		got = true
		ex = domain.Exchange{
			URL:           r.Request.URL.String(),
			Method:        r.Request.Method,
			Status:        r.StatusCode,
			ContentType:   r.Headers.Get("Content-Type"),
			ContentLength: int64(len(r.Body)),
			ResourceType:  "document",
			Body:          r.Body,
		}
	}
	c.OnResponse(record)
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			record(r)
			return
		}
		mu.Lock()
		loadErr = err
		mu.Unlock()
	})

	start := time.Now()
	if err := c.Visit(url); err != nil && loadErr == nil {
		loadErr = err
	}

	if !got {
		if ctx.Err() != nil {
			return domain.PageLoad{URL: url}, scrapeerr.New(scrapeerr.KindCancelled, "static load", ctx.Err())
		}
		if loadErr == nil {
			loadErr = fmt.Errorf("no response from %s", url)
		}
		se := scrapeerr.Wrap("static load", loadErr)
		se.URL = url
		return domain.PageLoad{URL: url}, se
	}

	s.log.Debug("Page fetched",
		logger.String("url", url),
		logger.Int("status", ex.Status),
		logger.Duration("elapsed", time.Since(start)),
	)
	page := domain.PageLoad{URL: url, Status: ex.Status, Markup: string(ex.Body), Exchanges: []domain.Exchange{ex}}
	if ex.Status >= statusClientErrorLow {
		return page, scrapeerr.FromStatus(ex.Status, url, ex.Body)
	}
	return page, nil
}
