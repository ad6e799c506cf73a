package validate

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
)

// Check codes.
const (
	CheckEmptyTable       = "empty_table"
	CheckRowCount         = "row_count"
	CheckMissingDate      = "missing_date_column"
	CheckDuplicates       = "duplicates"
	CheckDuplicateDates   = "duplicate_dates"
	CheckNullRatio        = "null_ratio"
	CheckDateParse        = "date_parse"
	CheckFutureDates      = "future_dates"
	CheckOldDates         = "old_dates"
	CheckDateGaps         = "date_gaps"
	CheckNegativeValues   = "negative_values"
	CheckOutliers         = "outliers_iqr"
	CheckAnomalies        = "anomalies_zscore"
	CheckPriceJumps       = "price_jumps"
	CheckMixedCurrency    = "mixed_currency"
	CheckZeroVolume       = "zero_volume"
	CheckPercentageBounds = "percentage_bounds"
	CheckOHLCErrors       = "ohlc_errors"
	CheckOHLCRange        = "ohlc_range"
	CheckNegativeVolume   = "negative_volume"
)

// Finding is one error or warning.
type Finding struct {
	Check   string `json:"check"`
	Column  string `json:"column,omitempty"`
	Message string `json:"message"`
	Count   int    `json:"count,omitempty"`
}

func (f Finding) String() string {
	return f.Message
}

// Report is an immutable validation result. IsValid is true exactly when
// there are no errors.
type Report struct {
	profile  string
	errors   []Finding
	warnings []Finding
	stats    map[string]any
	score    float64
}

// IsValid reports whether the table passed.
func (r Report) IsValid() bool { return len(r.errors) == 0 }

// Profile is the name of the profile the table was checked against.
func (r Report) Profile() string { return r.profile }

// Errors returns a copy of the error findings.
func (r Report) Errors() []Finding { return append([]Finding(nil), r.errors...) }

// Warnings returns a copy of the warning findings.
func (r Report) Warnings() []Finding { return append([]Finding(nil), r.warnings...) }

// Stats returns a copy of the top-level statistics.
func (r Report) Stats() map[string]any { return maps.Clone(r.stats) }

// Stat returns one statistic.
func (r Report) Stat(key string) (any, bool) {
	v, ok := r.stats[key]
	return v, ok
}

// QualityScore is in [0, 100].
func (r Report) QualityScore() float64 { return r.score }

// Has reports whether any error or warning carries the check code.
func (r Report) Has(check string) bool {
	return r.count(r.errors, check)+r.count(r.warnings, check) > 0
}

// ErrorCount returns how many errors carry the check code.
func (r Report) ErrorCount(check string) int {
	return r.count(r.errors, check)
}

func (Report) count(findings []Finding, check string) int {
	n := 0
	for _, f := range findings {
		if f.Check == check {
			n++
		}
	}
	return n
}

type reportJSON struct {
	Profile      string         `json:"profile"`
	IsValid      bool           `json:"is_valid"`
	Errors       []Finding      `json:"errors"`
	Warnings     []Finding      `json:"warnings"`
	Stats        map[string]any `json:"stats"`
	QualityScore float64        `json:"quality_score"`
}

// MarshalJSON renders the report for export and the API.
func (r Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(reportJSON{
		Profile:      r.profile,
		IsValid:      r.IsValid(),
		Errors:       nonNil(r.errors),
		Warnings:     nonNil(r.warnings),
		Stats:        r.stats,
		QualityScore: r.score,
	})
}

func nonNil(f []Finding) []Finding {
	if f == nil {
		return []Finding{}
	}
	return f
}

// Builder accumulates findings. In strict mode every warning is recorded as
// an error.
type Builder struct {
	profile   string
	strict    bool
	errors    []Finding
	warnings  []Finding
	stats     map[string]any
	penalties float64
	zero      bool
}

// NewBuilder starts a report.
func NewBuilder(profile string, strict bool) *Builder {
	return &Builder{profile: profile, strict: strict, stats: make(map[string]any)}
}

// Error records an error finding.
func (b *Builder) Error(check, column string, count int, format string, args ...any) *Builder {
	b.errors = append(b.errors, Finding{Check: check, Column: column, Count: count, Message: fmt.Sprintf(format, args...)})
	return b
}

// Warn records a warning, or an error in strict mode.
func (b *Builder) Warn(check, column string, count int, format string, args ...any) *Builder {
	if b.strict {
		return b.Error(check, column, count, format, args...)
	}
	b.warnings = append(b.warnings, Finding{Check: check, Column: column, Count: count, Message: fmt.Sprintf(format, args...)})
	return b
}

// Stat sets a statistic.
func (b *Builder) Stat(key string, v any) *Builder {
	b.stats[key] = v
	return b
}

// Penalize subtracts extra points from the quality score.
func (b *Builder) Penalize(points float64) *Builder {
	if points > 0 {
		b.penalties += points
	}
	return b
}

// ZeroScore forces the quality score to zero.
func (b *Builder) ZeroScore() *Builder {
	b.zero = true
	return b
}

// Build freezes the report. The quality score starts at 100 and loses 10 per
// error, 2 per warning and any recorded penalties, clamped to [0, 100].
func (b *Builder) Build() Report {
	score := 0.0
	if !b.zero {
		score = 100 - 10*float64(len(b.errors)) - 2*float64(len(b.warnings)) - b.penalties
		score = math.Max(0, math.Min(100, score))
		score = math.Round(score*10) / 10
	}
	return Report{
		profile:  b.profile,
		errors:   append([]Finding(nil), b.errors...),
		warnings: append([]Finding(nil), b.warnings...),
		stats:    maps.Clone(b.stats),
		score:    score,
	}
}
