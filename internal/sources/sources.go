// Package sources resolves configured source names to descriptors. Sources
// are declared in a YAML file.
package sources

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
)

// ErrNotFound is returned when a name has no configured source.
var ErrNotFound = errors.New("source not found")

// Resolver is the configuration collaborator used by the pipeline.
type Resolver interface {
	Resolve(name string) (domain.SourceDescriptor, error)
}

// Entry is one source as written in the sources file.
type Entry struct {
	ID         string                 `yaml:"id"`
	Name       string                 `yaml:"name"`
	Type       string                 `yaml:"type"`
	URL        string                 `yaml:"url"`
	DataPath   string                 `yaml:"data_path"`
	FieldMap   map[string]string      `yaml:"field_map"`
	Headers    map[string]string      `yaml:"headers"`
	Compliance string                 `yaml:"compliance"`
	Profile    string                 `yaml:"profile"`
	WaitFor    string                 `yaml:"wait_for"`
	RateLimit  domain.RateLimitParams `yaml:"rate_limit"`
	Params     map[string]any         `yaml:"params"`
	Fallbacks  []string               `yaml:"fallbacks"`
}

type document struct {
	Sources []Entry `yaml:"sources"`
}

// EntryError reports an invalid entry.
type EntryError struct {
	Index int
	ID    string
	Msg   string
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("source %d (%s): %s", e.Index, e.ID, e.Msg)
}

// Catalog is an immutable set of configured sources.
type Catalog struct {
	byID map[string]domain.SourceDescriptor
}

// Load reads a sources file. A missing file yields an empty catalog.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Catalog{byID: map[string]domain.SourceDescriptor{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sources file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a sources document.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse sources: %w", err)
	}

	c := &Catalog{byID: make(map[string]domain.SourceDescriptor, len(doc.Sources))}
	var errs []error
	for i, e := range doc.Sources {
		if msg := validateEntry(e); msg != "" {
			errs = append(errs, &EntryError{Index: i, ID: e.ID, Msg: msg})
			continue
		}
		if _, dup := c.byID[e.ID]; dup {
			errs = append(errs, &EntryError{Index: i, ID: e.ID, Msg: "duplicate id"})
			continue
		}
		c.byID[e.ID] = e.descriptor()
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// validateEntry returns an error message or "".
func validateEntry(e Entry) string {
	if strings.TrimSpace(e.ID) == "" {
		return "id is required"
	}
	if e.Type != domain.TypeAsyncQuery && strings.TrimSpace(e.URL) == "" {
		return "url is required"
	}
	if e.URL != "" {
		u, err := url.Parse(e.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return "url must start with http:// or https://"
		}
	}
	switch domain.ComplianceStatus(strings.ToUpper(e.Compliance)) {
	case "", domain.ComplianceAllowed, domain.ComplianceDisallowed, domain.ComplianceUnknown:
	default:
		return "compliance must be one of ALLOWED, DISALLOWED, UNKNOWN"
	}
	for _, f := range e.Fallbacks {
		if f == e.ID {
			return "a source cannot fall back to itself"
		}
	}
	return ""
}

func (e Entry) descriptor() domain.SourceDescriptor {
	status := domain.ComplianceStatus(strings.ToUpper(e.Compliance))
	if status == "" {
		status = domain.ComplianceUnknown
	}
	name := e.Name
	if name == "" {
		name = e.ID
	}
	typ := e.Type
	if typ == "" {
		typ = domain.TypeUniversal
	}
	return domain.SourceDescriptor{
		Identity:   e.ID,
		Name:       name,
		Type:       typ,
		URL:        e.URL,
		DataPath:   e.DataPath,
		FieldMap:   e.FieldMap,
		Headers:    e.Headers,
		Compliance: status,
		RateLimit:  e.RateLimit,
		Profile:    e.Profile,
		WaitFor:    e.WaitFor,
		Params:     e.Params,
		Fallbacks:  e.Fallbacks,
	}
}

// Resolve returns the descriptor for name, or ErrNotFound.
func (c *Catalog) Resolve(name string) (domain.SourceDescriptor, error) {
	d, ok := c.byID[name]
	if !ok {
		return domain.SourceDescriptor{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return d.Clone(), nil
}

// List returns every source ordered by identity.
func (c *Catalog) List() []domain.SourceDescriptor {
	out := make([]domain.SourceDescriptor, 0, len(c.byID))
	for _, d := range c.byID {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Len returns the number of sources.
func (c *Catalog) Len() int {
	return len(c.byID)
}
