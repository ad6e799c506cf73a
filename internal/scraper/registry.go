package scraper

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
)

// ErrDuplicateType is returned when a source type is registered twice.
var ErrDuplicateType = errors.New("source type already registered")

// Registry maps source types to adapter factories. Types with no factory
// resolve to the generic factory.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	generic   Factory
}

// NewRegistry creates a registry falling back to generic.
func NewRegistry(generic Factory) *Registry {
	return &Registry{factories: make(map[string]Factory), generic: generic}
}

// Register adds the factory for typ.
func (r *Registry) Register(typ string, f Factory) error {
	if typ == "" || typ == domain.TypeUniversal {
		return fmt.Errorf("register %q: reserved for the generic adapter", typ)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[typ]; ok {
		return fmt.Errorf("register %q: %w", typ, ErrDuplicateType)
	}
	r.factories[typ] = f
	return nil
}

// Resolve builds the scraper for src.
func (r *Registry) Resolve(src domain.SourceDescriptor) (Scraper, error) {
	f := r.factoryFor(src.Type)
	if f == nil {
		return nil, fmt.Errorf("no adapter for source type %q", src.Type)
	}
	s, err := f(src)
	if err != nil {
		return nil, fmt.Errorf("build %s adapter for %s: %w", src.Type, src.Identity, err)
	}
	return s, nil
}

func (r *Registry) factoryFor(typ string) Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.factories[typ]; ok {
		return f
	}
	return r.generic
}

// Types lists the registered types in order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
