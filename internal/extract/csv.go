package extract

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/jonesrussell/north-cloud/datafetch/internal/table"
)

// CSVOptions override auto-detection. Zero values mean "detect".
type CSVOptions struct {
	Delimiter rune
	// Header forces header presence when non-nil.
	Header   *bool
	SkipRows int
}

var candidateDelimiters = []rune{',', ';', '\t', '|'}

const (
	delimiterSampleLines = 10
	headerSampleLines    = 3
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSV parses delimited text into a table of string cells.
func CSV(data []byte, opts CSVOptions) (*table.Table, error) {
	content := string(bytes.TrimPrefix(data, utf8BOM))
	content = strings.ReplaceAll(content, "\r\n", "\n")
	if opts.SkipRows > 0 {
		lines := strings.Split(content, "\n")
		if opts.SkipRows >= len(lines) {
			return nil, ErrNoTable
		}
		content = strings.Join(lines[opts.SkipRows:], "\n")
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrNoTable
	}

	delim := opts.Delimiter
	if delim == 0 {
		delim = DetectDelimiter(content)
	}
	hasHeader := DetectHeader(content, delim)
	if opts.Header != nil {
		hasHeader = *opts.Header
	}

	records, err := readRecords(content, delim)
	if err != nil {
		records = manualRecords(content, delim)
	}
	if len(records) == 0 {
		return nil, ErrNoTable
	}

	var columns []string
	body := records
	if hasHeader {
		names := make([]string, len(records[0]))
		for i, h := range records[0] {
			names[i] = CleanColumnName(h)
		}
		columns = uniqueColumns(names)
		body = records[1:]
	} else {
		columns = genericColumns(len(records[0]))
	}

	t := table.New(columns)
	for _, rec := range body {
		if blankRecord(rec) {
			continue
		}
		row := make([]any, len(rec))
		for i, v := range rec {
			v = strings.TrimSpace(v)
			if v == "" {
				row[i] = nil
				continue
			}
			row[i] = v
		}
		t.AppendRow(row)
	}
	return t, nil
}

// DetectDelimiter picks the candidate delimiter occurring most often in the
// first lines. Ties keep the earlier candidate; comma is the fallback.
func DetectDelimiter(content string) rune {
	lines := strings.SplitN(content, "\n", delimiterSampleLines+1)
	if len(lines) > delimiterSampleLines {
		lines = lines[:delimiterSampleLines]
	}

	best, bestCount := ',', 0
	for _, d := range candidateDelimiters {
		count := 0
		for _, line := range lines {
			count += strings.Count(line, string(d))
		}
		if count > bestCount {
			best, bestCount = d, count
		}
	}
	return best
}

// DetectHeader reports whether the first record is less numeric than the
// second. Records of different width never count as a header.
func DetectHeader(content string, delim rune) bool {
	lines := strings.SplitN(content, "\n", headerSampleLines+1)
	if len(lines) > headerSampleLines {
		lines = lines[:headerSampleLines]
	}
	records, err := readRecords(strings.Join(lines, "\n"), delim)
	if err != nil {
		records = manualRecords(strings.Join(lines, "\n"), delim)
	}
	if len(records) < 2 {
		return false
	}
	first, second := records[0], records[1]
	if len(first) != len(second) {
		return false
	}
	return numericCount(first) < numericCount(second)
}

func numericCount(fields []string) int {
	n := 0
	for _, f := range fields {
		if looksNumeric(f) {
			n++
		}
	}
	return n
}

func looksNumeric(s string) bool {
	v := strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"`))
	v = strings.NewReplacer(",", "", "$", "", "%", "").Replace(v)
	if v == "" {
		return false
	}
	_, err := strconv.ParseFloat(v, 64)
	return err == nil
}

func readRecords(content string, delim rune) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(content))
	r.Comma = delim
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return records, nil
}

// manualRecords splits lines on the delimiter without quote handling.
func manualRecords(content string, delim rune) [][]string {
	var out [][]string
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, string(delim))
		for i, f := range fields {
			fields[i] = strings.Trim(strings.TrimSpace(f), `"`)
		}
		out = append(out, fields)
	}
	return out
}

func blankRecord(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
