// Package scraper runs one source through retrieve, parse and validate.
//
// A Scraper does the source-specific work; Runner drives it through the
// phase machine, applying compliance, rate limiting, retries and validation
// the same way for every adapter.
package scraper

//go:generate mockgen -destination=mocks/mock_scraper.go -package=mocks . Scraper

import (
	"context"
	"fmt"

	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
)

// Request is one scraper invocation.
type Request struct {
	Source domain.SourceDescriptor
	// OverrideCompliance lets a DISALLOWED source be retrieved anyway.
	OverrideCompliance bool
	// Strict promotes validation warnings to errors.
	Strict bool
}

// Payload is what retrieval produced.
type Payload struct {
	Page       domain.PageLoad
	Candidates []domain.CandidateEndpoint
}

// Body returns the body of the first captured exchange, if any.
func (p Payload) Body() []byte {
	if len(p.Page.Exchanges) == 0 {
		return nil
	}
	return p.Page.Exchanges[0].Body
}

// Parsed is the result of the parse phase. Attempts lists failed strategies
// tried before Outcome.
type Parsed struct {
	Outcome  domain.ExtractionOutcome
	Attempts []domain.ExtractionOutcome
}

// Scraper is a source adapter.
type Scraper interface {
	// Name identifies the adapter in logs and provenance.
	Name() string
	// Retrieve performs the network or browser call. It may be retried.
	Retrieve(ctx context.Context, req Request) (Payload, error)
	// Parse turns the payload into a table. An empty but well-formed payload
	// is a successful outcome with an empty table.
	Parse(ctx context.Context, req Request, p Payload) Parsed
}

// Factory builds the scraper for one source.
type Factory func(src domain.SourceDescriptor) (Scraper, error)

// Phase is a state of the scraper machine.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRetrieving Phase = "retrieving"
	PhaseParsing    Phase = "parsing"
	PhaseValidating Phase = "validating"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

var nextPhase = map[Phase]Phase{
	PhaseIdle:       PhaseRetrieving,
	PhaseRetrieving: PhaseParsing,
	PhaseParsing:    PhaseValidating,
	PhaseValidating: PhaseDone,
}

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// CanTransition reports whether from -> to is a legal move. Phases advance
// one at a time; any non-terminal phase may fail.
func CanTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseFailed {
		return from != PhaseIdle
	}
	return nextPhase[from] == to
}

// InvalidTransitionError reports an illegal phase change.
type InvalidTransitionError struct {
	From, To Phase
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid scraper transition %s -> %s", e.From, e.To)
}
