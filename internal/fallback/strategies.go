package fallback

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/jonesrussell/north-cloud/datafetch/internal/classifier"
	"github.com/jonesrussell/north-cloud/datafetch/internal/discovery"
	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/extract"
	"github.com/jonesrussell/north-cloud/datafetch/internal/table"
)

const (
	// DirectFetchConfidence is the minimum confidence at which a candidate
	// without a captured body is fetched directly.
	DirectFetchConfidence = 0.5
	// untypedJSONConfidence admits candidates with no content type.
	untypedJSONConfidence = 0.3
)

var (
	errNoMarkup     = errors.New("no rendered markup")
	errNoCandidates = errors.New("no matching candidate endpoints")
)

// APIStrategy extracts from JSON candidate endpoints in ranked order.
type APIStrategy struct {
	Fetcher Fetcher
	// Advisor suggests a data path when none is configured. Optional.
	// Column naming is left to the caller.
	Advisor classifier.Classifier
}

func (*APIStrategy) Name() domain.Strategy { return domain.StrategyAPI }

func (s *APIStrategy) Extract(ctx context.Context, in Input) domain.ExtractionOutcome {
	var errs []error
	for _, c := range in.Candidates {
		if !IsJSONCandidate(c) {
			continue
		}
		body, err := candidateBody(ctx, fetcherFor(s.Fetcher, in), c, in.Headers, DirectFetchConfidence)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if body == nil {
			continue
		}

		t, err := s.extract(ctx, in, c.URL, body)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.URL, err))
			continue
		}
		return domain.Succeeded(domain.StrategyAPI, t, c.URL)
	}
	return domain.Failed(domain.StrategyAPI, joinOr(errs, errNoCandidates))
}

func (s *APIStrategy) extract(ctx context.Context, in Input, locator string, body []byte) (*table.Table, error) {
	opts := extract.JSONOptions{DataPath: in.DataPath, FieldMap: in.FieldMap}
	if opts.DataPath == "" && s.Advisor != nil {
		res, err := s.Advisor.Classify(ctx, classifier.Request{
			Kind:    classifier.PayloadJSON,
			Payload: body,
			Context: locator,
		})
		if err == nil && res.DataPath != "" {
			advised := opts
			advised.DataPath = res.DataPath
			if t, aErr := extract.JSON(body, advised); aErr == nil {
				return t, nil
			}
		}
	}
	return extract.JSON(body, opts)
}

// IsJSONCandidate reports whether the API strategy should try c. CSV and XML
// typed candidates are left to their own strategies.
func IsJSONCandidate(c domain.CandidateEndpoint) bool {
	switch discovery.FormatOf(c.ContentType) {
	case discovery.FormatJSON:
		return true
	case discovery.FormatCSV, discovery.FormatXML:
		return false
	}
	if hasExtension(c.URL, ".csv", ".xml", ".rss") {
		return false
	}
	if c.Structure != domain.StructureNone {
		return true
	}
	if discovery.MatchesDataPattern(c.URL) {
		return true
	}
	return c.Confidence > untypedJSONConfidence && c.ContentType == ""
}

// ScriptStrategy extracts object literals embedded in page scripts.
type ScriptStrategy struct{}

func (ScriptStrategy) Name() domain.Strategy { return domain.StrategyScript }

func (ScriptStrategy) Extract(_ context.Context, in Input) domain.ExtractionOutcome {
	if strings.TrimSpace(in.Markup) == "" {
		return domain.Failed(domain.StrategyScript, errNoMarkup)
	}
	t, name, err := extract.ScriptData(in.Markup, extract.JSONOptions{FieldMap: in.FieldMap})
	if err != nil {
		return domain.Failed(domain.StrategyScript, err)
	}
	return domain.Succeeded(domain.StrategyScript, t, name)
}

// TableStrategy extracts the best HTML table, or a div grid.
type TableStrategy struct{}

func (TableStrategy) Name() domain.Strategy { return domain.StrategyTable }

func (TableStrategy) Extract(_ context.Context, in Input) domain.ExtractionOutcome {
	if strings.TrimSpace(in.Markup) == "" {
		return domain.Failed(domain.StrategyTable, errNoMarkup)
	}
	t, err := extract.BestTable(in.Markup)
	if err != nil {
		return domain.Failed(domain.StrategyTable, err)
	}
	if len(in.FieldMap) > 0 {
		t.Rename(in.FieldMap)
	}
	return domain.Succeeded(domain.StrategyTable, t, in.URL)
}

// CSVStrategy extracts from CSV candidate endpoints.
type CSVStrategy struct {
	Fetcher Fetcher
}

func (*CSVStrategy) Name() domain.Strategy { return domain.StrategyCSV }

func (s *CSVStrategy) Extract(ctx context.Context, in Input) domain.ExtractionOutcome {
	return fromCandidates(ctx, fetcherFor(s.Fetcher, in), in, domain.StrategyCSV, isCSVCandidate,
		func(body []byte) (*table.Table, error) {
			return extract.CSV(body, extract.CSVOptions{})
		})
}

// XMLStrategy extracts from XML candidate endpoints.
type XMLStrategy struct {
	Fetcher Fetcher
}

func (*XMLStrategy) Name() domain.Strategy { return domain.StrategyXML }

func (s *XMLStrategy) Extract(ctx context.Context, in Input) domain.ExtractionOutcome {
	return fromCandidates(ctx, fetcherFor(s.Fetcher, in), in, domain.StrategyXML, isXMLCandidate,
		func(body []byte) (*table.Table, error) {
			return extract.XML(body, extract.XMLOptions{})
		})
}

func isCSVCandidate(c domain.CandidateEndpoint) bool {
	return discovery.FormatOf(c.ContentType) == discovery.FormatCSV || hasExtension(c.URL, ".csv")
}

func isXMLCandidate(c domain.CandidateEndpoint) bool {
	return discovery.FormatOf(c.ContentType) == discovery.FormatXML || hasExtension(c.URL, ".xml", ".rss")
}

func fromCandidates(
	ctx context.Context,
	fetcher Fetcher,
	in Input,
	strategy domain.Strategy,
	match func(domain.CandidateEndpoint) bool,
	parse func([]byte) (*table.Table, error),
) domain.ExtractionOutcome {
	var errs []error
	for _, c := range in.Candidates {
		if !match(c) {
			continue
		}
		// Typed endpoints are always worth one direct fetch.
		body, err := candidateBody(ctx, fetcher, c, in.Headers, 0)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if body == nil {
			continue
		}
		t, err := parse(body)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.URL, err))
			continue
		}
		if len(in.FieldMap) > 0 {
			t.Rename(in.FieldMap)
		}
		return domain.Succeeded(strategy, t, c.URL)
	}
	return domain.Failed(strategy, joinOr(errs, errNoCandidates))
}

func fetcherFor(own Fetcher, in Input) Fetcher {
	if in.Fetcher != nil {
		return in.Fetcher
	}
	return own
}

// candidateBody returns the captured body, or fetches it once when the
// candidate's confidence reaches minConfidence. A nil body with a nil error
// means the candidate is skipped.
func candidateBody(
	ctx context.Context,
	fetcher Fetcher,
	c domain.CandidateEndpoint,
	headers map[string]string,
	minConfidence float64,
) ([]byte, error) {
	if len(c.Body) > 0 {
		return c.Body, nil
	}
	if fetcher == nil || c.Confidence < minConfidence {
		return nil, nil
	}
	ex, err := fetcher.Fetch(ctx, c.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("direct fetch %s: %w", c.URL, err)
	}
	if !ex.HasBody() {
		return nil, nil
	}
	return ex.Body, nil
}

func hasExtension(locator string, exts ...string) bool {
	p := locator
	if u, err := url.Parse(locator); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

func joinOr(errs []error, fallback error) error {
	if len(errs) == 0 {
		return fallback
	}
	return errors.Join(errs...)
}
