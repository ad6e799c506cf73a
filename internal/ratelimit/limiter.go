package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Clock abstracts time so waits can be tested without sleeping.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Limiter owns one Window per source identity and is safe for concurrent use.
type Limiter struct {
	mu        sync.Mutex
	defaults  Config
	overrides map[string]Config
	windows   map[string]*Window
	clock     Clock
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects a clock.
func WithClock(c Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// NewLimiter creates a limiter applying defaults to identities without an
// explicit configuration.
func NewLimiter(defaults Config, opts ...Option) *Limiter {
	l := &Limiter{
		defaults:  defaults,
		overrides: make(map[string]Config),
		windows:   make(map[string]*Window),
		clock:     SystemClock(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Configure sets the policy for identity. An existing window is replaced.
func (l *Limiter) Configure(identity string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[identity] = cfg
	delete(l.windows, identity)
}

// ConfigFor returns the effective policy for identity.
func (l *Limiter) ConfigFor(identity string) Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cfg, ok := l.overrides[identity]; ok {
		return cfg
	}
	return l.defaults
}

func (l *Limiter) window(identity string) *Window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[identity]
	if !ok {
		cfg, found := l.overrides[identity]
		if !found {
			cfg = l.defaults
		}
		w = NewWindow(cfg)
		l.windows[identity] = w
	}
	return w
}

// Reserve books a slot for identity and returns the required delay.
func (l *Limiter) Reserve(identity string) time.Duration {
	return l.window(identity).Reserve(l.clock.Now())
}

// Wait books a slot for identity and blocks until it is due. It returns the
// time spent waiting. A cancelled wait gives its slot back.
func (l *Limiter) Wait(ctx context.Context, identity string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := l.clock.Now()
	res := l.window(identity).ReserveSlot(now)
	delay := res.Delay(now)
	if delay <= 0 {
		return 0, nil
	}
	if err := l.clock.Sleep(ctx, delay); err != nil {
		res.Cancel(l.clock.Now())
		return delay, err
	}
	return delay, nil
}

// Clock returns the limiter's clock.
func (l *Limiter) Clock() Clock {
	return l.clock
}

// Backoff computes exponential delays after provider rate-limit responses.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

// Delay returns the wait before retry number attempt (1-based):
// Base * Multiplier^(attempt-1), capped at Max when Max is set.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := time.Duration(float64(b.Base) * math.Pow(mult, float64(attempt-1)))
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}
