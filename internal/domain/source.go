// Package domain contains the value types shared by discovery, extraction,
// scraping and orchestration.
package domain

import (
	"maps"
	"slices"
	"time"
)

// ComplianceStatus is the precomputed crawl-permission status of a source.
type ComplianceStatus string

const (
	ComplianceAllowed    ComplianceStatus = "ALLOWED"
	ComplianceDisallowed ComplianceStatus = "DISALLOWED"
	ComplianceUnknown    ComplianceStatus = "UNKNOWN"
)

// Source types.
const (
	// TypeUniversal marks a source with no dedicated adapter.
	TypeUniversal  = "universal"
	TypeAPIJSON    = "api_json"
	TypeCSV        = "csv"
	TypeXML        = "xml"
	TypeAsyncQuery = "async_query"
)

// RateLimitParams are provider-specific throttling settings. Zero values fall
// back to the limiter defaults.
type RateLimitParams struct {
	Window       time.Duration `mapstructure:"window"        yaml:"window"`
	MaxRequests  int           `mapstructure:"max_requests"  yaml:"max_requests"`
	MinInterval  time.Duration `mapstructure:"min_interval"  yaml:"min_interval"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"  yaml:"backoff_base"`
	MaxRetries   int           `mapstructure:"max_retries"   yaml:"max_retries"`
	SafetyBuffer time.Duration `mapstructure:"safety_buffer" yaml:"safety_buffer"`
}

// SourceDescriptor identifies one data source for a run. It is resolved once
// and treated as immutable afterwards.
type SourceDescriptor struct {
	// Identity is the stable key for rate limiting, profiles and provenance.
	Identity   string
	Name       string
	Type       string
	URL        string
	DataPath   string
	FieldMap   map[string]string
	Headers    map[string]string
	Compliance ComplianceStatus
	RateLimit  RateLimitParams
	Profile    string
	WaitFor    string
	Params     map[string]any
	// Fallbacks are source names tried after this one when the caller
	// supplies none.
	Fallbacks []string
}

// IsGeneric reports whether the source should go through the fallback engine.
func (s SourceDescriptor) IsGeneric() bool {
	return s.Type == "" || s.Type == TypeUniversal
}

// Clone returns a copy that shares no maps or slices with s.
func (s SourceDescriptor) Clone() SourceDescriptor {
	s.FieldMap = maps.Clone(s.FieldMap)
	s.Headers = maps.Clone(s.Headers)
	s.Params = maps.Clone(s.Params)
	s.Fallbacks = slices.Clone(s.Fallbacks)
	return s
}
