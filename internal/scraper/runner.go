package scraper

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jonesrussell/north-cloud/datafetch/internal/classifier"
	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/extract"
	"github.com/jonesrussell/north-cloud/datafetch/internal/logger"
	"github.com/jonesrussell/north-cloud/datafetch/internal/metrics"
	"github.com/jonesrussell/north-cloud/datafetch/internal/ratelimit"
	"github.com/jonesrussell/north-cloud/datafetch/internal/retry"
	"github.com/jonesrussell/north-cloud/datafetch/internal/scrapeerr"
	"github.com/jonesrussell/north-cloud/datafetch/internal/table"
	"github.com/jonesrussell/north-cloud/datafetch/internal/validate"
)

// DefaultCallTimeout bounds a single Retrieve call.
const DefaultCallTimeout = 60 * time.Second

// ComplianceProvider resolves the crawl status of a locator.
type ComplianceProvider interface {
	Status(ctx context.Context, url string) (domain.ComplianceStatus, error)
}

// Result is the record of one Runner.Run.
type Result struct {
	Source string
	// Phase is PhaseDone or PhaseFailed.
	Phase   Phase
	Outcome domain.ExtractionOutcome
	// Attempts counts Retrieve calls, retries included.
	Attempts int
	// Strategies are the failed extraction strategies tried before Outcome.
	Strategies  []domain.ExtractionOutcome
	Compliance  domain.ComplianceStatus
	Report      validate.Report
	Validated   bool
	Transitions []Transition
	Elapsed     time.Duration
	Err         error
}

// Succeeded reports whether the run produced a non-empty table.
func (r Result) Succeeded() bool {
	return r.Phase == PhaseDone && r.Outcome.Success
}

// Runner drives a Scraper through Idle, Retrieving, Parsing, Validating and
// Done, failing out of any phase. It is safe for concurrent use.
type Runner struct {
	limiter    *ratelimit.Limiter
	validator  *validate.Validator
	profiles   *validate.ProfileSet
	normalizer extract.Normalizer
	compliance ComplianceProvider
	classifier classifier.Classifier
	refresh    func(ctx context.Context) error
	metrics    *metrics.Metrics
	timeout    time.Duration
	now        func() time.Time
	log        logger.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithCompliance consults p when a source's status is UNKNOWN.
func WithCompliance(p ComplianceProvider) RunnerOption {
	return func(r *Runner) { r.compliance = p }
}

// WithClassifier renames the columns of parsed tables to canonical names
// when the source configures no field mapping.
func WithClassifier(c classifier.Classifier) RunnerOption {
	return func(r *Runner) { r.classifier = c }
}

// WithRefresh sets the credential refresh used before the auth retry.
func WithRefresh(fn func(ctx context.Context) error) RunnerOption {
	return func(r *Runner) { r.refresh = fn }
}

// WithMetrics records waits, retries and strategies.
func WithMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithCallTimeout overrides DefaultCallTimeout.
func WithCallTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRunnerClock sets the clock used for transition timestamps.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a Runner. A nil profiles uses validate.DefaultProfileSet.
func NewRunner(
	limiter *ratelimit.Limiter,
	validator *validate.Validator,
	profiles *validate.ProfileSet,
	log logger.Logger,
	opts ...RunnerOption,
) *Runner {
	if log == nil {
		log = logger.NewNop()
	}
	if profiles == nil {
		profiles = validate.DefaultProfileSet()
	}
	r := &Runner{
		limiter:   limiter,
		validator: validator,
		profiles:  profiles,
		timeout:   DefaultCallTimeout,
		now:       time.Now,
		log:       log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes s for req. Failures are reported in Result, never panicked
// or dropped; Result.Err is nil only when the run reached PhaseDone.
func (r *Runner) Run(ctx context.Context, s Scraper, req Request) Result {
	start := r.now()
	identity := req.Source.Identity
	log := r.log.With(logger.String("source", identity), logger.String("adapter", s.Name()))
	m := newMachine(r.now, log)

	res := Result{Source: identity}
	finish := func(err error) Result {
		if err != nil {
			if tErr := m.to(PhaseFailed, err.Error()); tErr != nil {
				err = errors.Join(err, tErr)
			}
			res.Err = err
			if res.Outcome.Err == nil {
				res.Outcome.Err = err
			}
			res.Outcome.Success = false
		}
		res.Phase = m.phase
		res.Transitions = m.history()
		res.Elapsed = r.now().Sub(start)
		return res
	}

	if err := m.advance(); err != nil {
		return finish(err)
	}
	status, err := r.gate(ctx, req, log)
	res.Compliance = status
	if err != nil {
		return finish(err)
	}

	payload, attempts, err := r.retrieve(ctx, s, req, log)
	res.Attempts = attempts
	if err != nil {
		return finish(err)
	}

	if err := m.advance(); err != nil {
		return finish(err)
	}
	parsed := s.Parse(ctx, req, payload)
	res.Strategies = parsed.Attempts
	res.Outcome = parsed.Outcome
	if !parsed.Outcome.Success {
		err := parsed.Outcome.Err
		if err == nil {
			err = errors.New("parse produced no table")
		}
		return finish(scrapeerr.Wrap("parse", err))
	}

	tbl := parsed.Outcome.Table
	if tbl == nil {
		tbl = table.New(nil)
	}
	tbl = r.normalizer.Table(r.remap(ctx, req, tbl, log))
	res.Outcome.Table = tbl

	if err := m.advance(); err != nil {
		return finish(err)
	}
	profile := r.profiles.Resolve(identity, req.Source.Profile)
	res.Report = r.validator.Validate(tbl, profile, req.Strict)
	res.Validated = true

	if tbl.IsEmpty() {
		res.Outcome.Success = false
		res.Outcome.Err = domain.ErrEmptyTable
	}
	if err := m.advance(); err != nil {
		return finish(err)
	}

	log.Debug("Scraper finished",
		logger.Int("rows", tbl.Len()),
		logger.Int("attempts", res.Attempts),
		logger.Float64("quality_score", res.Report.QualityScore()),
	)
	return finish(nil)
}

// remap returns tbl with the classifier's column names applied.
// Classification is advisory: on failure the columns stay as extracted.
func (r *Runner) remap(ctx context.Context, req Request, tbl *table.Table, log logger.Logger) *table.Table {
	if r.classifier == nil || len(req.Source.FieldMap) > 0 || tbl.IsEmpty() {
		return tbl
	}
	out := tbl.Clone()
	applied, err := classifier.Remap(ctx, r.classifier, out, req.Source.URL)
	if err != nil {
		log.Debug("Column classification failed", logger.Error(err))
		return tbl
	}
	if len(applied) > 0 {
		log.Debug("Columns renamed by classifier", logger.Int("columns", len(applied)))
	}
	return out
}

// gate checks the compliance status before any request is made.
func (r *Runner) gate(ctx context.Context, req Request, log logger.Logger) (domain.ComplianceStatus, error) {
	status := req.Source.Compliance
	if status == "" {
		status = domain.ComplianceUnknown
	}
	if status == domain.ComplianceUnknown && r.compliance != nil && req.Source.URL != "" {
		resolved, err := r.compliance.Status(ctx, req.Source.URL)
		if err != nil {
			log.Debug("Compliance lookup failed", logger.Error(err))
		} else {
			status = resolved
		}
	}

	switch status {
	case domain.ComplianceDisallowed:
		if !req.OverrideCompliance {
			se := scrapeerr.Permanent(scrapeerr.KindUnknown, "compliance", scrapeerr.ErrComplianceBlocked)
			se.URL = req.Source.URL
			se.Suggestions = []string{"pass the compliance override flag if retrieval is permitted"}
			return status, se
		}
		log.Warn("Retrieving disallowed source under override", logger.String("url", req.Source.URL))
	case domain.ComplianceUnknown:
		log.Warn("Compliance status unknown", logger.String("url", req.Source.URL))
	case domain.ComplianceAllowed:
	}
	return status, nil
}

// retrieve runs Retrieve behind the rate limiter and retry policy. The call
// runs as a Future so a cancelled ctx returns immediately.
func (r *Runner) retrieve(ctx context.Context, s Scraper, req Request, log logger.Logger) (Payload, int, error) {
	identity := req.Source.Identity

	policy := retry.FromLimit(r.limiter.ConfigFor(identity))
	policy.Clock = r.limiter.Clock()
	policy.Refresh = r.refresh
	policy.OnRetry = func(attempt int, kind scrapeerr.Kind, delay time.Duration, err error) {
		r.metrics.RecordRetry(identity, string(kind))
		log.Warn("Retrying retrieval",
			logger.Int("attempt", attempt),
			logger.String("kind", string(kind)),
			logger.Duration("delay", delay),
			logger.Error(err),
		)
	}

	var attempts atomic.Int32
	fut := Go(ctx, func(ctx context.Context) (Payload, error) {
		var payload Payload
		err := retry.Do(ctx, policy, func(ctx context.Context) error {
			attempts.Add(1)
			waited, err := r.limiter.Wait(ctx, identity)
			if err != nil {
				return scrapeerr.New(scrapeerr.KindCancelled, "rate limit wait", err)
			}
			r.metrics.RecordWait(identity, waited)
			if waited > 0 {
				log.Debug("Rate limit wait", logger.Duration("waited", waited))
			}

			callCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			p, err := s.Retrieve(callCtx, req)
			if err != nil {
				if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
					se := scrapeerr.New(scrapeerr.KindNetwork, "retrieve timeout", err)
					se.URL = req.Source.URL
					return se
				}
				return err
			}
			payload = p
			return nil
		})
		return payload, err
	})

	payload, err := fut.Await(ctx)
	return payload, int(attempts.Load()), err
}
