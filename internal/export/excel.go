package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/jonesrussell/north-cloud/datafetch/internal/logger"
	"github.com/jonesrussell/north-cloud/datafetch/internal/table"
)

const (
	dataSheet     = "Data"
	metadataSheet = "Metadata"
	defaultSheet  = "Sheet1"
	dirPerm       = 0o755
	fileStamp     = "20060102_150405"
	defaultPrefix = "datafetch"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Excel writes one workbook per export: the table on a Data sheet and the run
// metadata as key/value rows on a Metadata sheet.
type Excel struct {
	dir string
	now func() time.Time
	log logger.Logger
}

// ExcelOption configures an Excel exporter.
type ExcelOption func(*Excel)

// WithClock overrides the time used in file names.
func WithClock(now func() time.Time) ExcelOption {
	return func(e *Excel) { e.now = now }
}

// NewExcel creates an exporter writing into dir.
func NewExcel(dir string, log logger.Logger, opts ...ExcelOption) *Excel {
	if log == nil {
		log = logger.NewNop()
	}
	e := &Excel{dir: dir, now: time.Now, log: log}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export writes the workbook and returns its path.
func (e *Excel) Export(ctx context.Context, t *table.Table, meta Metadata) (string, error) {
	if t.IsEmpty() {
		return "", ErrNothingToExport
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(e.dir, dirPerm); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			e.log.Warn("Failed to close workbook", logger.Error(err))
		}
	}()

	if err := f.SetSheetName(defaultSheet, dataSheet); err != nil {
		return "", fmt.Errorf("rename sheet: %w", err)
	}
	if err := writeData(f, t); err != nil {
		return "", err
	}
	if _, err := f.NewSheet(metadataSheet); err != nil {
		return "", fmt.Errorf("create metadata sheet: %w", err)
	}
	if err := writeMetadata(f, meta); err != nil {
		return "", err
	}

	path := filepath.Join(e.dir, e.fileName(meta.Source))
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("save workbook: %w", err)
	}

	e.log.Info("Table exported",
		logger.String("path", path),
		logger.Int("rows", t.Len()),
		logger.String("source", meta.Source),
	)
	return path, nil
}

func (e *Excel) fileName(source string) string {
	name := strings.Trim(unsafeName.ReplaceAllString(source, "_"), "_")
	if name == "" {
		name = defaultPrefix
	}
	return fmt.Sprintf("%s_%s.xlsx", name, e.now().UTC().Format(fileStamp))
}

func writeData(f *excelize.File, t *table.Table) error {
	header := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		header[i] = c
	}
	if err := setRow(f, dataSheet, 1, header); err != nil {
		return err
	}
	for r, row := range t.Rows {
		if err := setRow(f, dataSheet, r+2, row); err != nil {
			return err
		}
	}
	return nil
}

func writeMetadata(f *excelize.File, meta Metadata) error {
	rows := [][]any{
		{"run_id", meta.RunID},
		{"source", meta.Source},
		{"strategy", meta.Strategy},
		{"rows_extracted", meta.RowsExtracted},
		{"columns", strings.Join(meta.Columns, ", ")},
		{"quality_score", meta.QualityScore},
		{"is_valid", meta.IsValid},
		{"validation_warnings", strings.Join(meta.Warnings, "; ")},
		{"validation_errors", strings.Join(meta.Errors, "; ")},
		{"sources_tried", strings.Join(meta.SourcesTried, ", ")},
		{"extracted_at", meta.ExtractedAt.UTC().Format(time.RFC3339)},
	}
	for i, row := range rows {
		if err := setRow(f, metadataSheet, i+1, row); err != nil {
			return err
		}
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("cell name: %w", err)
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}
