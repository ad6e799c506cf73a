package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jonesrussell/north-cloud/datafetch/internal/table"
)

// JSONOptions steer the JSON extractor. Both fields are optional.
type JSONOptions struct {
	// DataPath is a dotted path to the tabular node, e.g. "data.items" or
	// "result[0].rows".
	DataPath string
	// FieldMap renames columns after extraction (source -> target).
	FieldMap map[string]string
}

const (
	maxSearchDepth  = 8
	minSeriesKeys   = 3
	epochSecondsMin = 1e9
	flattenSep      = "."
)

var (
	dateKey      = regexp.MustCompile(`^\d{4}-\d{2}(-\d{2})?([T ].*)?$`)
	epochKey     = regexp.MustCompile(`^\d{10}(\d{3})?$`)
	timeishWords = []string{"date", "time", "timestamp", "period", "day"}
)

// JSON decodes data and projects its tabular part.
func JSON(data []byte, opts JSONOptions) (*table.Table, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return FromValue(v, opts)
}

// FromValue projects an already decoded JSON-like value.
func FromValue(v any, opts JSONOptions) (*table.Table, error) {
	node := v
	if opts.DataPath != "" {
		n, err := Walk(v, opts.DataPath)
		if err != nil {
			return nil, err
		}
		node = n
	} else if best, _ := locate(v, 0); best != nil {
		node = best
	}

	t := project(node)
	if t == nil || t.IsEmpty() {
		return nil, ErrNoTable
	}
	if len(opts.FieldMap) > 0 {
		t.Rename(opts.FieldMap)
	}
	return t, nil
}

// Walk follows a dotted path with optional numeric indexes.
func Walk(v any, path string) (any, error) {
	normalized := strings.NewReplacer("[", ".", "]", "").Replace(path)
	cur := v
	for _, seg := range strings.Split(normalized, ".") {
		if seg == "" {
			continue
		}
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, fmt.Errorf("data path %q: key %q not found", path, seg)
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("data path %q: bad index %q", path, seg)
			}
			cur = node[i]
		default:
			return nil, fmt.Errorf("data path %q: cannot descend into %T at %q", path, cur, seg)
		}
	}
	return cur, nil
}

// locate returns the most table-like node under v and its score.
func locate(v any, depth int) (any, int) {
	var best any
	bestScore := 0
	if s := tabularScore(v); s > bestScore {
		best, bestScore = v, s
	}
	if depth >= maxSearchDepth {
		return best, bestScore
	}

	switch node := v.(type) {
	case map[string]any:
		for _, k := range sortedMapKeys(node) {
			if n, s := locate(node[k], depth+1); s > bestScore {
				best, bestScore = n, s
			}
		}
	case []any:
		// Nested arrays are only searched through their first element.
		if len(node) > 0 && tabularScore(v) == 0 {
			if n, s := locate(node[0], depth+1); s > bestScore {
				best, bestScore = n, s
			}
		}
	}
	return best, bestScore
}

// tabularScore is rows x columns for nodes project can turn into a table.
func tabularScore(v any) int {
	switch node := v.(type) {
	case []any:
		if len(node) == 0 {
			return 0
		}
		switch first := node[0].(type) {
		case map[string]any:
			return len(node) * max(1, len(flatten(first)))
		case []any:
			return len(node) * max(1, len(first))
		default:
			if len(node) > 1 {
				return len(node)
			}
		}
	case map[string]any:
		if isTimeSeriesMap(node) {
			return len(node) * seriesWidth(node)
		}
		if cols, rows := parallelArrays(node); len(cols) >= 2 {
			return rows * len(cols)
		}
	}
	return 0
}

func project(v any) *table.Table {
	switch node := v.(type) {
	case []any:
		return projectArray(node)
	case map[string]any:
		if isTimeSeriesMap(node) {
			return projectSeries(node)
		}
		if cols, _ := parallelArrays(node); len(cols) >= 2 {
			return projectParallel(node, cols)
		}
		// A flat object is a one-row snapshot.
		flat := flatten(node)
		return table.FromRecords([]map[string]any{flat}, preferredOrder(flat))
	}
	return nil
}

func projectArray(arr []any) *table.Table {
	if len(arr) == 0 {
		return nil
	}
	switch arr[0].(type) {
	case map[string]any:
		records := make([]map[string]any, 0, len(arr))
		for _, item := range arr {
			if m, ok := item.(map[string]any); ok {
				records = append(records, flatten(m))
			}
		}
		return table.FromRecords(records, preferredOrder(records[0]))
	case []any:
		return projectRows(arr)
	default:
		t := table.New([]string{"value"})
		for _, item := range arr {
			t.AppendRow([]any{table.Cell(item)})
		}
		return t
	}
}

// projectRows handles arrays of arrays, using a leading all-string row as the
// header and naming [timestamp, value] pairs.
func projectRows(arr []any) *table.Table {
	width := 0
	for _, item := range arr {
		if row, ok := item.([]any); ok && len(row) > width {
			width = len(row)
		}
	}
	if width == 0 {
		return nil
	}

	body := arr
	var columns []string
	if first, ok := arr[0].([]any); ok && len(arr) > 1 && allStrings(first) && !allStringsAny(arr[1]) {
		names := make([]string, width)
		for i, h := range first {
			names[i] = CleanColumnName(fmt.Sprint(h))
		}
		columns = uniqueColumns(names)
		body = arr[1:]
	} else if width == 2 && leadingEpoch(arr) {
		columns = []string{"timestamp", "value"}
	} else {
		columns = genericColumns(width)
	}

	t := table.New(columns)
	for _, item := range body {
		row, ok := item.([]any)
		if !ok {
			continue
		}
		cells := make([]any, len(row))
		for i, c := range row {
			cells[i] = table.Cell(c)
		}
		t.AppendRow(cells)
	}
	return t
}

func projectSeries(m map[string]any) *table.Table {
	keys := sortedMapKeys(m)
	records := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		rec := map[string]any{"date": k}
		switch val := m[k].(type) {
		case map[string]any:
			for fk, fv := range flatten(val) {
				rec[fk] = fv
			}
		default:
			rec["value"] = val
		}
		records = append(records, rec)
	}
	return table.FromRecords(records, []string{"date", "value"})
}

func projectParallel(m map[string]any, cols []string) *table.Table {
	rows := 0
	for _, c := range cols {
		rows = max(rows, len(m[c].([]any)))
	}
	t := table.New(cols)
	for r := range rows {
		row := make([]any, len(cols))
		for i, c := range cols {
			if arr := m[c].([]any); r < len(arr) {
				row[i] = table.Cell(arr[r])
			}
		}
		t.AppendRow(row)
	}
	return t
}

// parallelArrays returns keys whose values are scalar arrays of one shared
// length (at least 2), ordered time-ish first.
func parallelArrays(m map[string]any) ([]string, int) {
	byLen := make(map[int][]string)
	for _, k := range sortedMapKeys(m) {
		arr, ok := m[k].([]any)
		if !ok || len(arr) < 2 {
			continue
		}
		if _, nested := arr[0].(map[string]any); nested {
			continue
		}
		byLen[len(arr)] = append(byLen[len(arr)], k)
	}
	var cols []string
	rows := 0
	for n, keys := range byLen {
		if len(keys) > len(cols) || (len(keys) == len(cols) && n > rows) {
			cols, rows = keys, n
		}
	}
	sort.SliceStable(cols, func(i, j int) bool {
		return isTimeish(cols[i]) && !isTimeish(cols[j])
	})
	return cols, rows
}

func isTimeSeriesMap(m map[string]any) bool {
	if len(m) < minSeriesKeys {
		return false
	}
	for k, v := range m {
		if !dateKey.MatchString(k) && !epochKey.MatchString(k) {
			return false
		}
		if _, isArr := v.([]any); isArr {
			return false
		}
	}
	return true
}

func seriesWidth(m map[string]any) int {
	for _, v := range m {
		if inner, ok := v.(map[string]any); ok {
			return 1 + len(flatten(inner))
		}
		return 2
	}
	return 0
}

// flatten joins nested object keys with "."; arrays are kept as JSON text.
func flatten(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	var walk func(prefix string, v map[string]any)
	walk = func(prefix string, v map[string]any) {
		for k, val := range v {
			key := k
			if prefix != "" {
				key = prefix + flattenSep + k
			}
			if nested, ok := val.(map[string]any); ok && len(nested) > 0 {
				walk(key, nested)
				continue
			}
			out[key] = val
		}
	}
	walk("", m)
	return out
}

// preferredOrder puts time-ish keys first.
func preferredOrder(rec map[string]any) []string {
	var order []string
	for _, k := range sortedMapKeys(rec) {
		if isTimeish(k) {
			order = append(order, k)
		}
	}
	return order
}

func isTimeish(name string) bool {
	lower := strings.ToLower(name)
	for _, w := range timeishWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func leadingEpoch(arr []any) bool {
	row, ok := arr[0].([]any)
	if !ok || len(row) == 0 {
		return false
	}
	f, ok := table.AsFloat(table.Cell(row[0]))
	return ok && f >= epochSecondsMin
}

func allStrings(row []any) bool {
	for _, c := range row {
		if _, ok := c.(string); !ok {
			return false
		}
	}
	return len(row) > 0
}

func allStringsAny(v any) bool {
	row, ok := v.([]any)
	return ok && allStrings(row)
}

func sortedMapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
