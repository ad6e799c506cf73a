// Package extract converts raw payloads of a known format into normalized
// tables. Extractors are pure: they never touch the network.
package extract

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoTable is returned when a payload is well-formed but holds nothing
// tabular.
var ErrNoTable = errors.New("no tabular data found")

var (
	nonWord    = regexp.MustCompile(`[^\w]+`)
	underscore = regexp.MustCompile(`_+`)
)

// CleanColumnName lower-cases a header, turns separators into underscores and
// drops everything that is not a word character.
func CleanColumnName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "_")
	s = nonWord.ReplaceAllString(s, "_")
	s = underscore.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// uniqueColumns fills blanks with col_i and suffixes repeats with _2, _3, ...
func uniqueColumns(names []string) []string {
	out := make([]string, len(names))
	seen := make(map[string]int)
	for i, n := range names {
		if n == "" {
			n = "col_" + strconv.Itoa(i)
		}
		seen[n]++
		if c := seen[n]; c > 1 {
			n = n + "_" + strconv.Itoa(c)
		}
		out[i] = n
	}
	return out
}

// genericColumns returns col_0..col_{n-1}.
func genericColumns(n int) []string {
	cols := make([]string, n)
	for i := range cols {
		cols[i] = "col_" + strconv.Itoa(i)
	}
	return cols
}
