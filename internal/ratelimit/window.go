// Package ratelimit throttles requests per source identity with a sliding
// window and a minimum inter-request gap, and computes rate-limit backoff.
package ratelimit

import (
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
)

// Default throttling parameters.
const (
	DefaultWindow       = 60 * time.Second
	DefaultMaxRequests  = 120
	DefaultMinInterval  = 500 * time.Millisecond
	DefaultSafetyBuffer = 100 * time.Millisecond
	DefaultBackoffBase  = 60 * time.Second
	DefaultMaxRetries   = 3
)

// Config is the resolved throttling policy for one identity.
type Config struct {
	Window       time.Duration
	MaxRequests  int
	MinInterval  time.Duration
	SafetyBuffer time.Duration
	BackoffBase  time.Duration
	MaxRetries   int
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		Window:       DefaultWindow,
		MaxRequests:  DefaultMaxRequests,
		MinInterval:  DefaultMinInterval,
		SafetyBuffer: DefaultSafetyBuffer,
		BackoffBase:  DefaultBackoffBase,
		MaxRetries:   DefaultMaxRetries,
	}
}

// Merge overlays the non-zero provider parameters on c.
func (c Config) Merge(p domain.RateLimitParams) Config {
	if p.Window > 0 {
		c.Window = p.Window
	}
	if p.MaxRequests > 0 {
		c.MaxRequests = p.MaxRequests
	}
	if p.MinInterval > 0 {
		c.MinInterval = p.MinInterval
	}
	if p.SafetyBuffer > 0 {
		c.SafetyBuffer = p.SafetyBuffer
	}
	if p.BackoffBase > 0 {
		c.BackoffBase = p.BackoffBase
	}
	if p.MaxRetries > 0 {
		c.MaxRetries = p.MaxRetries
	}
	return c
}

// Window is the sliding request window of one source identity.
//
// Reservations are handed out in FIFO order: each call receives a slot no
// earlier than the previous one, so concurrent callers never share a slot.
type Window struct {
	mu       sync.Mutex
	cfg      Config
	slots    []time.Time
	lastSlot time.Time
	gap      *rate.Limiter
}

// NewWindow creates a window for cfg.
func NewWindow(cfg Config) *Window {
	w := &Window{cfg: cfg}
	if cfg.MinInterval > 0 {
		w.gap = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return w
}

// Config returns the window's policy.
func (w *Window) Config() Config {
	return w.cfg
}

// Reservation is a booked slot. Cancel returns it to the window when the
// request is abandoned before it was issued.
type Reservation struct {
	w    *Window
	slot time.Time
	gap  *rate.Reservation
}

// Delay returns how long the holder must wait from now.
func (r *Reservation) Delay(now time.Time) time.Duration {
	return r.slot.Sub(now)
}

// Cancel releases the slot so it no longer counts against the window or
// pushes back later callers.
func (r *Reservation) Cancel(now time.Time) {
	r.w.release(r, now)
}

// Reserve books the next request slot and returns how long the caller must
// wait from now before issuing it.
func (w *Window) Reserve(now time.Time) time.Duration {
	return w.ReserveSlot(now).Delay(now)
}

// ReserveSlot books the next request slot.
func (w *Window) ReserveSlot(now time.Time) *Reservation {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(now)

	slot := now
	if slot.Before(w.lastSlot) {
		slot = w.lastSlot
	}

	if limit := w.cfg.MaxRequests; limit > 0 && w.inWindow(slot) >= limit {
		// The request that must leave the horizon before slot is free.
		oldest := w.slots[len(w.slots)-limit]
		free := oldest.Add(w.cfg.Window + w.cfg.SafetyBuffer)
		if free.After(slot) {
			slot = free
		}
	}

	res := &Reservation{w: w}
	if w.gap != nil {
		res.gap = w.gap.ReserveN(slot, 1)
		slot = slot.Add(res.gap.DelayFrom(slot))
	}

	w.slots = append(w.slots, slot)
	w.lastSlot = slot
	res.slot = slot
	return res
}

func (w *Window) release(r *Reservation, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := len(w.slots) - 1; i >= 0; i-- {
		if w.slots[i].Equal(r.slot) {
			w.slots = slices.Delete(w.slots, i, i+1)
			break
		}
	}
	if r.slot.Equal(w.lastSlot) {
		w.lastSlot = time.Time{}
		if n := len(w.slots); n > 0 {
			w.lastSlot = w.slots[n-1]
		}
	}
	if r.gap != nil {
		r.gap.CancelAt(now)
	}
}

// Len returns the number of requests currently inside the horizon at now.
func (w *Window) Len(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(now)
	return w.inWindow(now)
}

func (w *Window) inWindow(at time.Time) int {
	cutoff := at.Add(-w.cfg.Window)
	n := 0
	for i := len(w.slots) - 1; i >= 0; i-- {
		if !w.slots[i].After(cutoff) {
			break
		}
		n++
	}
	return n
}

func (w *Window) evict(now time.Time) {
	cutoff := now.Add(-w.cfg.Window)
	i := 0
	for i < len(w.slots) && !w.slots[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.slots = append(w.slots[:0], w.slots[i:]...)
	}
}
