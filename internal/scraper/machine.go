package scraper

import (
	"time"

	"github.com/jonesrussell/north-cloud/datafetch/internal/logger"
)

// Transition is one recorded phase change.
type Transition struct {
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

type machine struct {
	phase       Phase
	transitions []Transition
	now         func() time.Time
	log         logger.Logger
}

func newMachine(now func() time.Time, log logger.Logger) *machine {
	return &machine{phase: PhaseIdle, now: now, log: log}
}

func (m *machine) to(next Phase, reason string) error {
	if !CanTransition(m.phase, next) {
		return &InvalidTransitionError{From: m.phase, To: next}
	}
	m.transitions = append(m.transitions, Transition{From: m.phase, To: next, At: m.now(), Reason: reason})
	m.log.Debug("Scraper transition",
		logger.String("from", string(m.phase)),
		logger.String("to", string(next)),
	)
	m.phase = next
	return nil
}

// advance moves to the next phase in order.
func (m *machine) advance() error {
	return m.to(nextPhase[m.phase], "")
}

func (m *machine) history() []Transition {
	out := make([]Transition, len(m.transitions))
	copy(out, m.transitions)
	return out
}
