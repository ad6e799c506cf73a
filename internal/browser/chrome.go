package browser

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/jonesrussell/north-cloud/datafetch/internal/discovery"
	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/logger"
	"github.com/jonesrussell/north-cloud/datafetch/internal/scrapeerr"
)

// maxCapturedBodies bounds how many response bodies one load reads back.
const maxCapturedBodies = 50

// Chrome loads pages in headless Chrome and captures the network exchanges
// the page makes. One browser process is shared by all loads until Close.
type Chrome struct {
	cfg Config
	log logger.Logger

	mu          sync.Mutex
	allocCtx    context.Context
	cancelAlloc context.CancelFunc
}

// NewChrome creates a Chrome loader. The browser starts on first use.
func NewChrome(cfg Config, log logger.Logger) *Chrome {
	cfg.SetDefaults()
	if log == nil {
		log = logger.NewNop()
	}
	return &Chrome{cfg: cfg, log: log}
}

func (c *Chrome) allocator() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.allocCtx == nil {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", c.cfg.Headless),
			chromedp.UserAgent(c.cfg.UserAgent),
		)
		if c.cfg.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(c.cfg.ExecPath))
		}
		c.allocCtx, c.cancelAlloc = chromedp.NewExecAllocator(context.Background(), opts...)
	}
	return c.allocCtx
}

// Close stops the browser process.
func (c *Chrome) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelAlloc != nil {
		c.cancelAlloc()
		c.allocCtx, c.cancelAlloc = nil, nil
	}
}

// capture collects exchanges from network events. Listener callbacks must
// not block, so bodies are read after the page settles.
type capture struct {
	mu        sync.Mutex
	order     []network.RequestID
	exchanges map[network.RequestID]*domain.Exchange
	methods   map[network.RequestID]string
	finished  map[network.RequestID]bool
	document  int
}

func newCapture() *capture {
	return &capture{
		exchanges: make(map[network.RequestID]*domain.Exchange),
		methods:   make(map[network.RequestID]string),
		finished:  make(map[network.RequestID]bool),
	}
}

func (cp *capture) listen(ev any) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Request != nil {
			cp.methods[e.RequestID] = e.Request.Method
		}
	case *network.EventResponseReceived:
		if e.Response == nil {
			return
		}
		ct := headerValue(e.Response.Headers, "content-type")
		if ct == "" {
			ct = e.Response.MimeType
		}
		ex := &domain.Exchange{
			URL:           e.Response.URL,
			Method:        cp.methods[e.RequestID],
			Status:        int(e.Response.Status),
			ContentType:   ct,
			ContentLength: int64(e.Response.EncodedDataLength),
			ResourceType:  strings.ToLower(string(e.Type)),
		}
		if _, seen := cp.exchanges[e.RequestID]; !seen {
			cp.order = append(cp.order, e.RequestID)
		}
		cp.exchanges[e.RequestID] = ex
		if e.Type == network.ResourceTypeDocument && cp.document == 0 {
			cp.document = ex.Status
		}
	case *network.EventLoadingFinished:
		cp.finished[e.RequestID] = true
	}
}

// bodyTargets returns finished exchanges whose bodies are worth reading.
func (cp *capture) bodyTargets() []network.RequestID {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	var ids []network.RequestID
	for _, id := range cp.order {
		ex := cp.exchanges[id]
		if !cp.finished[id] || ex.ResourceType == "document" {
			continue
		}
		if discovery.FormatOf(ex.ContentType) == discovery.FormatNone && !ex.ContentTypeHas("text/plain") {
			continue
		}
		ids = append(ids, id)
		if len(ids) == maxCapturedBodies {
			break
		}
	}
	return ids
}

func (cp *capture) setBody(id network.RequestID, body []byte) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if ex, ok := cp.exchanges[id]; ok {
		ex.Body = body
	}
}

func (cp *capture) result() ([]domain.Exchange, int) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	out := make([]domain.Exchange, 0, len(cp.order))
	for _, id := range cp.order {
		out = append(out, *cp.exchanges[id])
	}
	return out, cp.document
}

// Load navigates to url, waits per hints and returns the rendered markup with
// every captured exchange. Bodies are read for JSON, CSV, XML and plain text
// responses.
func (c *Chrome) Load(ctx context.Context, url string, hints domain.WaitHints) (domain.PageLoad, error) {
	tabCtx, cancelTab := chromedp.NewContext(c.allocator())
	defer cancelTab()

	// Tie the tab to the caller's deadline.
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, c.cfg.Timeout)
	defer cancelTimeout()

	cp := newCapture()
	chromedp.ListenTarget(tabCtx, cp.listen)

	start := time.Now()
	if err := chromedp.Run(tabCtx, network.Enable(), chromedp.Navigate(url)); err != nil {
		if ctx.Err() != nil {
			return domain.PageLoad{URL: url}, scrapeerr.New(scrapeerr.KindCancelled, "browser load", ctx.Err())
		}
		return domain.PageLoad{URL: url}, launchError(url, err)
	}

	c.waitFor(tabCtx, url, hints)

	var markup string
	if err := chromedp.Run(tabCtx, chromedp.OuterHTML("html", &markup, chromedp.ByQuery)); err != nil {
		return domain.PageLoad{URL: url}, launchError(url, err)
	}

	c.readBodies(tabCtx, cp)

	exchanges, status := cp.result()
	c.log.Debug("Page loaded",
		logger.String("url", url),
		logger.Int("status", status),
		logger.Int("exchanges", len(exchanges)),
		logger.Duration("elapsed", time.Since(start)),
	)
	page := domain.PageLoad{URL: url, Status: status, Markup: markup, Exchanges: exchanges}
	if status >= statusClientErrorLow {
		return page, scrapeerr.FromStatus(status, url, []byte(markup))
	}
	return page, nil
}

func (c *Chrome) waitFor(ctx context.Context, url string, hints domain.WaitHints) {
	if hints.Selector != "" {
		timeout := hints.Timeout
		if timeout <= 0 {
			timeout = c.cfg.WaitTimeout
		}
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		err := chromedp.Run(waitCtx, chromedp.WaitVisible(hints.Selector, chromedp.ByQuery))
		cancel()
		if err != nil {
			c.log.Warn("Wait selector not found",
				logger.String("url", url),
				logger.String("selector", hints.Selector),
				logger.Error(err),
			)
		}
	}
	if hints.Settle > 0 {
		if err := chromedp.Run(ctx, chromedp.Sleep(hints.Settle)); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Debug("Settle interrupted", logger.Error(err))
		}
	}
}

func (c *Chrome) readBodies(ctx context.Context, cp *capture) {
	for _, id := range cp.bodyTargets() {
		var body []byte
		err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			b, err := network.GetResponseBody(id).Do(ctx)
			body = b
			return err
		}))
		if err != nil {
			// Some responses are evicted before they can be read.
			continue
		}
		if len(body) > c.cfg.MaxBodyBytes {
			body = body[:c.cfg.MaxBodyBytes]
		}
		cp.setBody(id, body)
	}
}

func headerValue(h network.Headers, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
