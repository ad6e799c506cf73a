package discovery

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
)

// Format is the payload family implied by a content type.
type Format string

const (
	FormatNone Format = ""
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXML  Format = "xml"
)

const (
	maxSniffBytes  = 4 << 20
	minSeriesKeys  = 3
	minCSVLines    = 2
	maxFieldsNamed = 50
)

var seriesKey = regexp.MustCompile(`^(\d{4}-\d{2}(-\d{2})?([T ].*)?|\d{10}(\d{3})?)$`)

// FormatOf maps a content type to a payload format.
func FormatOf(contentType string) Format {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		return FormatJSON
	case strings.Contains(ct, "csv"):
		return FormatCSV
	case strings.Contains(ct, "xml"), strings.Contains(ct, "rss"), strings.Contains(ct, "atom"):
		return FormatXML
	default:
		return FormatNone
	}
}

// Sniff infers the structure of a captured body and the field names it
// exposes. Bodies that are neither JSON nor delimited text sniff as none.
func Sniff(body []byte, contentType string) (domain.Structure, []string) {
	if len(body) > maxSniffBytes {
		body = body[:maxSniffBytes]
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return domain.StructureNone, nil
	}

	if trimmed[0] == '{' || trimmed[0] == '[' {
		if s, fields, ok := sniffJSON(trimmed); ok {
			return s, fields
		}
	}
	if FormatOf(contentType) == FormatCSV {
		return sniffCSV(trimmed)
	}
	return domain.StructureNone, nil
}

func sniffJSON(body []byte) (domain.Structure, []string, bool) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return domain.StructureNone, nil, false
	}
	s, fields := structureOf(v, 0)
	return s, fields, true
}

// structureOf looks through up to two levels of wrapping objects for an
// array or time series before settling on a flat object.
func structureOf(v any, depth int) (domain.Structure, []string) {
	switch node := v.(type) {
	case []any:
		if len(node) == 0 {
			return domain.StructureNone, nil
		}
		if m, ok := node[0].(map[string]any); ok {
			return domain.StructureArray, keys(m)
		}
		return domain.StructureArray, nil
	case map[string]any:
		if isSeries(node) {
			return domain.StructureTimeSeries, []string{"date"}
		}
		if depth < 2 {
			for _, k := range keys(node) {
				s, fields := structureOf(node[k], depth+1)
				if s == domain.StructureArray || s == domain.StructureTimeSeries {
					return s, fields
				}
			}
		}
		return domain.StructureObject, keys(node)
	}
	return domain.StructureNone, nil
}

func isSeries(m map[string]any) bool {
	if len(m) < minSeriesKeys {
		return false
	}
	for k := range m {
		if !seriesKey.MatchString(k) {
			return false
		}
	}
	return true
}

func sniffCSV(body []byte) (domain.Structure, []string) {
	lines := strings.Split(strings.ReplaceAll(string(body), "\r\n", "\n"), "\n")
	if len(lines) < minCSVLines {
		return domain.StructureNone, nil
	}
	header := lines[0]
	delim := ","
	for _, d := range []string{";", "\t", "|"} {
		if strings.Count(header, d) > strings.Count(header, delim) {
			delim = d
		}
	}
	fields := strings.Split(header, delim)
	for i, f := range fields {
		fields[i] = strings.Trim(strings.TrimSpace(f), `"`)
	}
	return domain.StructureArray, fields
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	if len(out) > maxFieldsNamed {
		out = out[:maxFieldsNamed]
	}
	return out
}
