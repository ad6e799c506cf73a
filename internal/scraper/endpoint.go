package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"unicode/utf8"

	"github.com/mitchellh/mapstructure"

	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/extract"
	"github.com/jonesrussell/north-cloud/datafetch/internal/fallback"
	"github.com/jonesrussell/north-cloud/datafetch/internal/scrapeerr"
	"github.com/jonesrussell/north-cloud/datafetch/internal/table"
)

var errNoLocator = errors.New("source has no locator")

// EndpointParams are the optional params of a configured endpoint source.
type EndpointParams struct {
	Query     map[string]string `mapstructure:"query"`
	Delimiter string            `mapstructure:"delimiter"`
	SkipRows  int               `mapstructure:"skip_rows"`
	XPath     string            `mapstructure:"xpath"`
	Tag       string            `mapstructure:"tag"`
}

// Endpoint fetches a configured JSON, CSV or XML locator directly.
type Endpoint struct {
	kind    string
	fetcher fallback.Fetcher
}

// NewEndpoint creates an adapter for kind, one of domain.TypeAPIJSON,
// domain.TypeCSV or domain.TypeXML.
func NewEndpoint(kind string, fetcher fallback.Fetcher) (*Endpoint, error) {
	switch kind {
	case domain.TypeAPIJSON, domain.TypeCSV, domain.TypeXML:
	default:
		return nil, fmt.Errorf("unsupported endpoint type %q", kind)
	}
	return &Endpoint{kind: kind, fetcher: fetcher}, nil
}

// EndpointFactory returns a Factory for kind.
func EndpointFactory(kind string, fetcher fallback.Fetcher) Factory {
	return func(domain.SourceDescriptor) (Scraper, error) {
		return NewEndpoint(kind, fetcher)
	}
}

func (e *Endpoint) Name() string { return e.kind }

// Retrieve fetches the configured locator with its query params and headers.
func (e *Endpoint) Retrieve(ctx context.Context, req Request) (Payload, error) {
	var params EndpointParams
	if err := decodeParams(req.Source.Params, &params); err != nil {
		return Payload{}, scrapeerr.Permanent(scrapeerr.KindValidation, "decode params", err)
	}
	if req.Source.URL == "" {
		return Payload{}, scrapeerr.Permanent(scrapeerr.KindValidation, "retrieve", errNoLocator)
	}
	target, err := withQuery(req.Source.URL, params.Query)
	if err != nil {
		return Payload{}, scrapeerr.Permanent(scrapeerr.KindValidation, "build locator", err)
	}

	ex, err := e.fetcher.Fetch(ctx, target, req.Source.Headers)
	page := domain.PageLoad{URL: target, Status: ex.Status, Exchanges: []domain.Exchange{ex}}
	return Payload{Page: page}, err
}

// Parse runs the extractor matching the endpoint type.
func (e *Endpoint) Parse(_ context.Context, req Request, p Payload) Parsed {
	var params EndpointParams
	if err := decodeParams(req.Source.Params, &params); err != nil {
		return Parsed{Outcome: domain.Failed(e.strategy(), scrapeerr.Permanent(scrapeerr.KindValidation, "decode params", err))}
	}

	body := p.Body()
	var (
		t   *table.Table
		err error
	)
	switch e.kind {
	case domain.TypeAPIJSON:
		t, err = extract.JSON(body, extract.JSONOptions{DataPath: req.Source.DataPath, FieldMap: req.Source.FieldMap})
	case domain.TypeCSV:
		t, err = extract.CSV(body, extract.CSVOptions{Delimiter: firstRune(params.Delimiter), SkipRows: params.SkipRows})
		if err == nil && len(req.Source.FieldMap) > 0 {
			t.Rename(req.Source.FieldMap)
		}
	case domain.TypeXML:
		t, err = extract.XML(body, extract.XMLOptions{XPath: params.XPath, Tag: params.Tag})
		if err == nil && len(req.Source.FieldMap) > 0 {
			t.Rename(req.Source.FieldMap)
		}
	}
	if err != nil {
		return Parsed{Outcome: domain.Failed(e.strategy(), scrapeerr.New(scrapeerr.KindParsing, "parse "+e.kind, err))}
	}
	return Parsed{Outcome: domain.Succeeded(e.strategy(), t, p.Page.URL)}
}

func (e *Endpoint) strategy() domain.Strategy {
	switch e.kind {
	case domain.TypeCSV:
		return domain.StrategyCSV
	case domain.TypeXML:
		return domain.StrategyXML
	default:
		return domain.StrategyAPI
	}
}

// decodeParams decodes a source params map into out. Durations may be given
// as strings and numbers may be given for string fields.
func decodeParams(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

func withQuery(raw string, query map[string]string) (string, error) {
	if len(query) == 0 {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func firstRune(s string) rune {
	if s == `\t` {
		return '\t'
	}
	r, _ := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return 0
	}
	return r
}
