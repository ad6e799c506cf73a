// Package pipeline chooses which sources to try for a request, runs them in
// order until one produces data, validates the winner and hands it to the
// exporter.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/export"
	"github.com/jonesrussell/north-cloud/datafetch/internal/logger"
	"github.com/jonesrussell/north-cloud/datafetch/internal/metrics"
	"github.com/jonesrussell/north-cloud/datafetch/internal/scrapeerr"
	"github.com/jonesrussell/north-cloud/datafetch/internal/scraper"
	"github.com/jonesrussell/north-cloud/datafetch/internal/sources"
	"github.com/jonesrussell/north-cloud/datafetch/internal/table"
	"github.com/jonesrussell/north-cloud/datafetch/internal/validate"
)

var (
	// ErrNoTarget is returned when a request names neither a URL nor a source.
	ErrNoTarget = errors.New("request needs a url or a source name")
	// ErrExportNotConfigured is reported when export is requested without an exporter.
	ErrExportNotConfigured = errors.New("export requested but no exporter is configured")
)

// Request is one pipeline invocation.
type Request struct {
	// URL is an explicit target. When Source is also set, URL replaces the
	// configured locator of that source.
	URL    string `json:"url,omitempty"`
	Source string `json:"source,omitempty"`
	// Fallbacks are tried in order after the primary. When empty, the
	// primary source's configured fallbacks are used.
	Fallbacks          []string `json:"fallbacks,omitempty"`
	OverrideCompliance bool     `json:"override_compliance,omitempty"`
	Strict             bool     `json:"strict,omitempty"`
	Export             bool     `json:"export,omitempty"`
}

// Attempt is the provenance record of one source.
type Attempt struct {
	Source     string                  `json:"source"`
	Adapter    string                  `json:"adapter,omitempty"`
	Success    bool                    `json:"success"`
	Strategy   domain.Strategy         `json:"strategy,omitempty"`
	Phase      scraper.Phase           `json:"phase,omitempty"`
	Kind       scrapeerr.Kind          `json:"error_kind,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Retrievals int                     `json:"retrievals"`
	Strategies []string                `json:"strategies_failed,omitempty"`
	Compliance domain.ComplianceStatus `json:"compliance,omitempty"`
	Rows       int                     `json:"rows"`
	Elapsed    time.Duration           `json:"elapsed_ns"`
}

// Outcome is the final artifact of a run. Export is driven entirely from it.
type Outcome struct {
	RunID         string            `json:"run_id"`
	Success       bool              `json:"success"`
	Table         *table.Table      `json:"table,omitempty"`
	SourceUsed    string            `json:"source_used,omitempty"`
	Strategy      domain.Strategy   `json:"strategy,omitempty"`
	Endpoint      string            `json:"endpoint,omitempty"`
	SourcesTried  []string          `json:"sources_tried"`
	SourcesFailed map[string]string `json:"sources_failed"`
	Attempts      []Attempt         `json:"attempts"`
	Validation    *validate.Report  `json:"validation,omitempty"`
	ArtifactRef   string            `json:"artifact_ref,omitempty"`
	ExportError   string            `json:"export_error,omitempty"`
	Elapsed       time.Duration     `json:"elapsed_ns"`
}

// Orchestrator runs requests. It is safe for concurrent use; each run is
// sequential internally.
type Orchestrator struct {
	resolver sources.Resolver
	registry *scraper.Registry
	runner   *scraper.Runner
	exporter export.Exporter
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() string
	log      logger.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithExporter sets the export collaborator.
func WithExporter(e export.Exporter) Option {
	return func(o *Orchestrator) { o.exporter = e }
}

// WithMetrics records run metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRunIDs overrides run id generation.
func WithRunIDs(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// New creates an orchestrator. resolver may be nil when only explicit URLs
// are used.
func New(resolver sources.Resolver, registry *scraper.Registry, runner *scraper.Runner, log logger.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = logger.NewNop()
	}
	o := &Orchestrator{
		resolver: resolver,
		registry: registry,
		runner:   runner,
		now:      time.Now,
		newID:    uuid.NewString,
		log:      log,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run tries the primary source then each fallback until one yields a
// non-empty table. Every attempt is recorded even after success. The error
// is non-nil only for an unusable request; source failures are reported in
// the outcome.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Outcome, error) {
	if req.URL == "" && req.Source == "" {
		return Outcome{}, ErrNoTarget
	}

	start := o.now()
	out := Outcome{
		RunID:         o.newID(),
		SourcesTried:  []string{},
		SourcesFailed: map[string]string{},
		Attempts:      []Attempt{},
	}
	log := o.log.With(logger.String("run_id", out.RunID))

	var winner scraper.Result
	for _, t := range o.plan(req) {
		if err := ctx.Err(); err != nil {
			log.Warn("Run cancelled before trying source", logger.String("source", t.name))
			break
		}
		if slices.Contains(out.SourcesTried, t.identity()) {
			continue
		}

		desc, err := o.describe(t, req)
		identity := t.identity()
		if err == nil {
			identity = desc.Identity
		}
		out.SourcesTried = append(out.SourcesTried, identity)
		if err != nil {
			o.recordFailure(&out, log, Attempt{Source: identity, Kind: scrapeerr.Classify(err), Error: err.Error()})
			continue
		}

		s, err := o.registry.Resolve(desc)
		if err != nil {
			o.recordFailure(&out, log, Attempt{Source: identity, Kind: scrapeerr.Classify(err), Error: err.Error()})
			continue
		}

		res := o.runner.Run(ctx, s, scraper.Request{
			Source:             desc,
			OverrideCompliance: req.OverrideCompliance,
			Strict:             req.Strict,
		})
		attempt := attemptOf(identity, s.Name(), res)
		if res.Succeeded() {
			out.Attempts = append(out.Attempts, attempt)
			o.metrics.RecordSourceAttempt(identity, true, "")
			winner = res
			break
		}
		o.recordFailure(&out, log, attempt)
	}

	if winner.Succeeded() {
		o.succeed(ctx, &out, winner, req, log)
	}

	out.Elapsed = o.now().Sub(start)
	o.metrics.RecordRun(out.Success, out.Elapsed)
	if out.Success {
		log.Info("Pipeline succeeded",
			logger.String("source_used", out.SourceUsed),
			logger.String("strategy", string(out.Strategy)),
			logger.Int("rows", out.Table.Len()),
			logger.Strings("sources_tried", out.SourcesTried),
			logger.Float64("quality_score", out.Validation.QualityScore()),
			logger.Duration("elapsed", out.Elapsed),
		)
	} else {
		log.Warn("Pipeline failed",
			logger.Strings("sources_tried", out.SourcesTried),
			logger.Int("failures", len(out.SourcesFailed)),
			logger.Duration("elapsed", out.Elapsed),
		)
	}
	return out, nil
}

func (o *Orchestrator) succeed(ctx context.Context, out *Outcome, res scraper.Result, req Request, log logger.Logger) {
	report := res.Report
	out.Success = true
	out.Table = res.Outcome.Table
	out.SourceUsed = res.Source
	out.Strategy = res.Outcome.Strategy
	out.Endpoint = res.Outcome.Endpoint
	out.Validation = &report
	o.metrics.SetQuality(res.Source, report.QualityScore())

	if !report.IsValid() {
		log.Warn("Validation reported errors",
			logger.String("source", res.Source),
			logger.Int("errors", len(report.Errors())),
		)
	}

	if !req.Export {
		return
	}
	if o.exporter == nil {
		out.ExportError = ErrExportNotConfigured.Error()
		return
	}
	ref, err := o.exporter.Export(ctx, out.Table, o.metadata(out))
	o.metrics.RecordExport(err == nil)
	if err != nil {
		// Export failures never un-succeed a run.
		out.ExportError = err.Error()
		log.Error("Export failed", logger.Error(err))
		return
	}
	out.ArtifactRef = ref
}

func (o *Orchestrator) metadata(out *Outcome) export.Metadata {
	return export.Metadata{
		RunID:         out.RunID,
		Source:        out.SourceUsed,
		Strategy:      string(out.Strategy),
		RowsExtracted: out.Table.Len(),
		Columns:       out.Table.Columns,
		QualityScore:  out.Validation.QualityScore(),
		IsValid:       out.Validation.IsValid(),
		Warnings:      messages(out.Validation.Warnings()),
		Errors:        messages(out.Validation.Errors()),
		SourcesTried:  out.SourcesTried,
		ExtractedAt:   o.now(),
	}
}

func (o *Orchestrator) recordFailure(out *Outcome, log logger.Logger, a Attempt) {
	out.Attempts = append(out.Attempts, a)
	out.SourcesFailed[a.Source] = a.Error
	o.metrics.RecordSourceAttempt(a.Source, false, string(a.Kind))
	log.Warn("Source failed",
		logger.String("source", a.Source),
		logger.String("kind", string(a.Kind)),
		logger.String("error", a.Error),
	)
}

// target is one entry of the ordered source list.
type target struct {
	name string
	url  string
}

func (t target) identity() string {
	if t.name != "" {
		return t.name
	}
	return hostOf(t.url)
}

// plan returns the primary target followed by the fallbacks in order.
func (o *Orchestrator) plan(req Request) []target {
	primary := target{name: req.Source, url: req.URL}
	out := []target{primary}

	fallbacks := req.Fallbacks
	if len(fallbacks) == 0 && req.Source != "" && o.resolver != nil {
		if desc, err := o.resolver.Resolve(req.Source); err == nil {
			fallbacks = desc.Fallbacks
		}
	}
	for _, name := range fallbacks {
		name = strings.TrimSpace(name)
		if name != "" {
			out = append(out, target{name: name})
		}
	}
	return out
}

// describe resolves a target to a descriptor. The request URL applies only
// to the primary target.
func (o *Orchestrator) describe(t target, req Request) (domain.SourceDescriptor, error) {
	if t.name == "" {
		return urlDescriptor(t.url)
	}
	if o.resolver == nil {
		return domain.SourceDescriptor{}, fmt.Errorf("resolve %s: %w", t.name, sources.ErrNotFound)
	}
	desc, err := o.resolver.Resolve(t.name)
	if err != nil {
		return domain.SourceDescriptor{}, err
	}
	if t.url != "" {
		desc.URL = t.url
	}
	return desc, nil
}

func urlDescriptor(raw string) (domain.SourceDescriptor, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return domain.SourceDescriptor{}, scrapeerr.Permanent(scrapeerr.KindValidation, "parse target",
			fmt.Errorf("invalid target url %q", raw))
	}
	return domain.SourceDescriptor{
		Identity:   u.Host,
		Name:       raw,
		Type:       domain.TypeUniversal,
		URL:        raw,
		Compliance: domain.ComplianceUnknown,
	}, nil
}

func attemptOf(identity, adapter string, res scraper.Result) Attempt {
	a := Attempt{
		Source:     identity,
		Adapter:    adapter,
		Success:    res.Succeeded(),
		Strategy:   res.Outcome.Strategy,
		Phase:      res.Phase,
		Retrievals: res.Attempts,
		Compliance: res.Compliance,
		Rows:       res.Outcome.Table.Len(),
		Elapsed:    res.Elapsed,
	}
	for _, s := range res.Strategies {
		a.Strategies = append(a.Strategies, fmt.Sprintf("%s: %v", s.Strategy, s.Err))
	}
	if !a.Success {
		err := res.Err
		if err == nil {
			err = res.Outcome.Err
		}
		if err == nil {
			err = domain.ErrEmptyTable
		}
		a.Error = err.Error()
		if !errors.Is(err, domain.ErrEmptyTable) {
			a.Kind = scrapeerr.Classify(err)
		}
	}
	return a
}

func messages(fs []validate.Finding) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Message
	}
	return out
}

func hostOf(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return raw
}
