// Package browser loads pages for the retrieval phase: a headless Chrome
// loader that captures network traffic, and a static loader for pages that
// need no script execution.
package browser

import (
	"context"
	"strings"
	"time"

	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/scrapeerr"
)

// Engines.
const (
	EngineChrome = "chrome"
	EngineStatic = "static"
)

// Defaults.
const (
	DefaultTimeout       = 30 * time.Second
	DefaultWaitTimeout   = 5 * time.Second
	DefaultSettle        = 5 * time.Second
	FinancialSettle      = 10 * time.Second
	DefaultMaxBodyBytes  = 16 * 1024 * 1024
	defaultWaitSelector  = "table"
	DefaultBrowserAgent  = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
	launchFailureSnippet = 512
)

// Loader loads a page and the exchanges it triggered.
type Loader interface {
	Load(ctx context.Context, url string, hints domain.WaitHints) (domain.PageLoad, error)
}

// Config configures both loaders.
type Config struct {
	Engine       string        `env:"BROWSER_ENGINE"   yaml:"engine"`
	Headless     bool          `env:"BROWSER_HEADLESS" yaml:"headless"`
	ExecPath     string        `env:"CHROME_PATH"      yaml:"exec_path"`
	UserAgent    string        `env:"BROWSER_UA"       yaml:"user_agent"`
	Timeout      time.Duration `env:"BROWSER_TIMEOUT"  yaml:"timeout"`
	WaitTimeout  time.Duration `yaml:"wait_timeout"`
	MaxBodyBytes int           `yaml:"max_body_bytes"`
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.Engine == "" {
		c.Engine = EngineChrome
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultBrowserAgent
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
}

var financialURLWords = []string{"quote", "market", "stock", "equity", "finance", "ticker", "symbol"}

// HintsFor derives wait hints for url. Financial quote pages load data late,
// so they wait for a table and settle longer. An explicit selector wins.
func HintsFor(url, selector string) domain.WaitHints {
	lower := strings.ToLower(url)
	h := domain.WaitHints{Selector: selector, Timeout: DefaultWaitTimeout, Settle: DefaultSettle}
	for _, w := range financialURLWords {
		if strings.Contains(lower, w) {
			h.Settle = FinancialSettle
			if h.Selector == "" {
				h.Selector = defaultWaitSelector
			}
			break
		}
	}
	return h
}

var (
	missingRuntimeMarkers = []string{
		"executable file not found", "no such file or directory", "cannot open shared object",
		"shared libraries", "libnss3", "libnspr4", "exec format error",
	}
	missingRuntimeSuggestions = []string{
		"install Chrome or Chromium, or set CHROME_PATH",
		"use the static browser engine for pages without scripts",
	}
)

// launchError classifies a browser failure as a retrieval error. A missing
// runtime is permanent; anything else follows the usual classification.
func launchError(url string, err error) error {
	msg := strings.ToLower(err.Error())
	if len(msg) > launchFailureSnippet {
		msg = msg[:launchFailureSnippet]
	}
	for _, m := range missingRuntimeMarkers {
		if strings.Contains(msg, m) {
			se := scrapeerr.Permanent(scrapeerr.KindNetwork, "browser launch", err)
			se.URL = url
			se.Suggestions = missingRuntimeSuggestions
			return se
		}
	}
	se := scrapeerr.Wrap("browser load", err)
	se.URL = url
	return se
}
