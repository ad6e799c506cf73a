// Package discovery ranks captured network exchanges by how likely they are
// to carry the tabular data a page displays.
package discovery

import (
	"net/url"
	"path"
	"slices"
	"sort"
	"strings"

	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/logger"
)

const (
	minStatusOK = 200
	maxStatusOK = 299
)

var (
	// blockedURLParts mark analytics, assets and consent traffic.
	blockedURLParts = []string{
		"analytics", "tracking", "pixel", "beacon",
		"facebook", "google-analytics", "clarity",
		"fonts", "icons",
		"cookie", "consent", "recaptcha",
	}
	// blockedExtensions are script and styling assets, matched on the path.
	blockedExtensions    = []string{".js", ".mjs", ".css", ".map", ".woff", ".woff2"}
	blockedResourceTypes = []string{"font", "stylesheet", "image", "media"}
	dataContentTypes     = []string{"json", "csv", "xml", "text/plain", "html"}
	dataURLPatterns      = []string{"/api/", "/data", "/chart"}
)

// Weights are the additive confidence contributions. They are configuration,
// not a contract; DefaultWeights is a reasonable starting point.
type Weights struct {
	JSONType            float64 `mapstructure:"json_type"            yaml:"json_type"`
	CSVType             float64 `mapstructure:"csv_type"             yaml:"csv_type"`
	XMLType             float64 `mapstructure:"xml_type"             yaml:"xml_type"`
	URLPattern          float64 `mapstructure:"url_pattern"          yaml:"url_pattern"`
	ArrayStructure      float64 `mapstructure:"array_structure"      yaml:"array_structure"`
	TimeSeriesStructure float64 `mapstructure:"timeseries_structure" yaml:"timeseries_structure"`
	ObjectStructure     float64 `mapstructure:"object_structure"     yaml:"object_structure"`
}

// DefaultWeights returns the stock weighting.
func DefaultWeights() Weights {
	return Weights{
		JSONType:            0.4,
		CSVType:             0.35,
		XMLType:             0.3,
		URLPattern:          0.2,
		ArrayStructure:      0.3,
		TimeSeriesStructure: 0.35,
		ObjectStructure:     0.15,
	}
}

// Analyzer turns captured exchanges into ranked candidate endpoints.
type Analyzer struct {
	weights Weights
	log     logger.Logger
}

// NewAnalyzer creates an analyzer. A zero Weights value selects DefaultWeights.
func NewAnalyzer(w Weights, log logger.Logger) *Analyzer {
	if w == (Weights{}) {
		w = DefaultWeights()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Analyzer{weights: w, log: log}
}

// Weights returns the weights in use.
func (a *Analyzer) Weights() Weights {
	return a.weights
}

// Analyze filters out non-data traffic, scores what remains and returns the
// candidates ordered by confidence, highest first. Equal scores rank the
// shorter locator path first. No network calls are made.
func (a *Analyzer) Analyze(exchanges []domain.Exchange) []domain.CandidateEndpoint {
	candidates := make([]domain.CandidateEndpoint, 0, len(exchanges))
	for _, ex := range exchanges {
		if !IsDataExchange(ex) {
			continue
		}
		c := a.score(ex)
		if c.Confidence <= 0 {
			continue
		}
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ci.Confidence != cj.Confidence {
			return ci.Confidence > cj.Confidence
		}
		li, lj := pathLen(ci.URL), pathLen(cj.URL)
		if li != lj {
			return li < lj
		}
		return ci.URL < cj.URL
	})

	a.log.Debug("Analyzed network exchanges",
		logger.Int("captured", len(exchanges)),
		logger.Int("candidates", len(candidates)),
	)
	return candidates
}

func (a *Analyzer) score(ex domain.Exchange) domain.CandidateEndpoint {
	c := domain.CandidateEndpoint{
		URL:         ex.URL,
		ContentType: ex.ContentType,
		Body:        ex.Body,
	}

	var conf float64
	switch FormatOf(ex.ContentType) {
	case FormatJSON:
		conf += a.weights.JSONType
	case FormatCSV:
		conf += a.weights.CSVType
	case FormatXML:
		conf += a.weights.XMLType
	}
	if MatchesDataPattern(ex.URL) {
		conf += a.weights.URLPattern
	}

	if ex.HasBody() {
		c.Structure, c.Fields = Sniff(ex.Body, ex.ContentType)
		switch c.Structure {
		case domain.StructureArray:
			conf += a.weights.ArrayStructure
		case domain.StructureTimeSeries:
			conf += a.weights.TimeSeriesStructure
		case domain.StructureObject:
			conf += a.weights.ObjectStructure
		}
	}

	c.Confidence = clamp(conf)
	return c
}

// IsDataExchange reports whether an exchange could carry data: a 2xx
// response with a data-like content type, not an asset or tracker.
func IsDataExchange(ex domain.Exchange) bool {
	if ex.Status < minStatusOK || ex.Status > maxStatusOK {
		return false
	}
	rt := strings.ToLower(ex.ResourceType)
	for _, b := range blockedResourceTypes {
		if rt == b {
			return false
		}
	}
	lower := strings.ToLower(ex.URL)
	for _, b := range blockedURLParts {
		if strings.Contains(lower, b) {
			return false
		}
	}
	if slices.Contains(blockedExtensions, urlExt(lower)) {
		return false
	}
	return ex.ContentTypeHas(dataContentTypes...)
}

// MatchesDataPattern reports whether the locator looks like a data endpoint.
func MatchesDataPattern(locator string) bool {
	lower := strings.ToLower(locator)
	for _, p := range dataURLPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func urlExt(locator string) string {
	if u, err := url.Parse(locator); err == nil {
		return path.Ext(u.Path)
	}
	return path.Ext(locator)
}

func pathLen(locator string) int {
	u, err := url.Parse(locator)
	if err != nil {
		return len(locator)
	}
	return len(u.Path)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
