// Package export hands a finished table to persistent storage. The pipeline
// calls an Exporter only after validation has run.
package export

import (
	"context"
	"errors"
	"time"

	"github.com/jonesrussell/north-cloud/datafetch/internal/table"
)

// ErrNothingToExport is returned for a nil or empty table.
var ErrNothingToExport = errors.New("nothing to export")

// Metadata describes the run that produced a table.
type Metadata struct {
	RunID         string    `json:"run_id"`
	Source        string    `json:"source"`
	Strategy      string    `json:"strategy,omitempty"`
	RowsExtracted int       `json:"rows_extracted"`
	Columns       []string  `json:"columns"`
	QualityScore  float64   `json:"quality_score"`
	IsValid       bool      `json:"is_valid"`
	Warnings      []string  `json:"warnings"`
	Errors        []string  `json:"errors"`
	SourcesTried  []string  `json:"sources_tried"`
	ExtractedAt   time.Time `json:"extracted_at"`
}

// Exporter persists a table and returns a reference to the artifact.
type Exporter interface {
	Export(ctx context.Context, t *table.Table, meta Metadata) (string, error)
}
