// Package table holds the in-memory normalized table every extractor produces.
//
// Cells are nil (null), string, float64 or bool. Rows always have exactly
// len(Columns) cells.
package table

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Table is a rectangular set of named columns.
type Table struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`

	// Currencies holds, per column, the currency symbols seen in text cells
	// before they were normalized into numbers.
	Currencies map[string][]string `json:"currencies,omitempty"`
}

var dateColumnWords = []string{"date", "time", "timestamp", "period", "day"}

// New returns an empty table with the given columns.
func New(columns []string) *Table {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Table{Columns: cols}
}

// AppendRow adds a row, padding with nulls or truncating to the column count.
func (t *Table) AppendRow(row []any) {
	out := make([]any, len(t.Columns))
	copy(out, row)
	t.Rows = append(t.Rows, out)
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Width returns the number of columns.
func (t *Table) Width() int {
	if t == nil {
		return 0
	}
	return len(t.Columns)
}

// IsEmpty reports whether the table has no rows or no columns.
func (t *Table) IsEmpty() bool {
	return t.Len() == 0 || t.Width() == 0
}

// ColumnIndex returns the index of name, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Column returns a copy of the values in column i.
func (t *Table) Column(i int) []any {
	out := make([]any, len(t.Rows))
	for r, row := range t.Rows {
		out[r] = row[i]
	}
	return out
}

// Clone returns a deep copy of the row slices.
func (t *Table) Clone() *Table {
	c := New(t.Columns)
	if t.Currencies != nil {
		c.Currencies = make(map[string][]string, len(t.Currencies))
		for k, v := range t.Currencies {
			c.Currencies[k] = append([]string(nil), v...)
		}
	}
	c.Rows = make([][]any, len(t.Rows))
	for i, row := range t.Rows {
		r := make([]any, len(row))
		copy(r, row)
		c.Rows[i] = r
	}
	return c
}

// Rename renames columns according to mapping. Unknown keys are ignored.
func (t *Table) Rename(mapping map[string]string) {
	for i, c := range t.Columns {
		if to, ok := mapping[c]; ok && to != "" {
			t.Columns[i] = to
			if marks, ok := t.Currencies[c]; ok {
				delete(t.Currencies, c)
				t.Currencies[to] = marks
			}
		}
	}
}

// DateColumn returns the index of the time axis: a column named "date", else
// the first column whose name mentions a date or time word. It returns -1
// when there is none.
func DateColumn(columns []string) int {
	for i, c := range columns {
		if strings.EqualFold(c, "date") {
			return i
		}
	}
	for i, c := range columns {
		lower := strings.ToLower(c)
		for _, w := range dateColumnWords {
			if strings.Contains(lower, w) {
				return i
			}
		}
	}
	return -1
}

// FromRecords builds a table from flat records. Keys listed in order come
// first; any other keys follow in sorted order.
func FromRecords(records []map[string]any, order []string) *Table {
	var cols []string
	seen := make(map[string]bool)
	add := func(k string) {
		if !seen[k] {
			seen[k] = true
			cols = append(cols, k)
		}
	}
	present := make(map[string]bool)
	for _, rec := range records {
		for k := range rec {
			present[k] = true
		}
	}
	for _, k := range order {
		if present[k] {
			add(k)
		}
	}
	for _, rec := range records {
		for _, k := range sortedKeys(rec) {
			add(k)
		}
	}

	t := New(cols)
	for _, rec := range records {
		row := make([]any, len(cols))
		for j, c := range cols {
			row[j] = Cell(rec[c])
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// Cell coerces an arbitrary decoded value into a table cell.
func Cell(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case float64:
		if math.IsNaN(x) {
			return nil
		}
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case uint64:
		return float64(x)
	case bool:
		return x
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case interface{ String() string }:
		return x.String()
	default:
		return stringify(v)
	}
}

// IsNull reports whether a cell is null or blank.
func IsNull(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		s := strings.TrimSpace(x)
		return s == "" || strings.EqualFold(s, "nan") || strings.EqualFold(s, "null")
	case float64:
		return math.IsNaN(x)
	}
	return false
}

// AsFloat returns the numeric value of a cell when it has one.
func AsFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) {
			return 0, false
		}
		return x, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// AsString renders a cell as text. Null renders as "".
func AsString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return stringify(v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringify(v any) string {
	switch v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}
