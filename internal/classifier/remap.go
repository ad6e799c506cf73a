package classifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jonesrussell/north-cloud/datafetch/internal/table"
)

// remapSampleRows bounds the rows sent along with the column names.
const remapSampleRows = 5

// Remap asks c for canonical names of the columns of t and renames them in
// place. It returns the mapping actually applied. Entries that name an
// unknown column, target an existing column or repeat a target are dropped.
func Remap(ctx context.Context, c Classifier, t *table.Table, source string) (map[string]string, error) {
	if c == nil || t.IsEmpty() {
		return nil, nil
	}

	sample := table.Table{Columns: t.Columns, Rows: t.Rows[:min(len(t.Rows), remapSampleRows)]}
	payload, err := json.Marshal(sample)
	if err != nil {
		return nil, fmt.Errorf("encode table sample: %w", err)
	}
	res, err := c.Classify(ctx, Request{Kind: PayloadTable, Payload: payload, Context: source})
	if err != nil {
		return nil, err
	}

	applied := make(map[string]string)
	taken := make(map[string]bool)
	for _, from := range t.Columns {
		to, ok := res.FieldMap[from]
		if !ok || to == "" || to == from || taken[to] || t.ColumnIndex(to) >= 0 {
			continue
		}
		applied[from] = to
		taken[to] = true
	}
	t.Rename(applied)
	return applied, nil
}
