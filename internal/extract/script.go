package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/titanous/json5"

	"github.com/jonesrussell/north-cloud/datafetch/internal/table"
)

const maxLiteralBytes = 8 << 20

var (
	// Assignments of conventional global state holders.
	globalAssign = regexp.MustCompile(`(?:window|self|globalThis)\.([A-Za-z_$][\w$]*)\s*=\s*[\[{]`)
	dunderAssign = regexp.MustCompile(`\b(__[A-Z0-9_]+__)\s*=\s*[\[{]`)
	declAssign   = regexp.MustCompile(`\b(?:var|let|const)\s+([A-Za-z_$][\w$]*)\s*=\s*[\[{]`)
)

// ScriptPayload is one object literal found in page scripts.
type ScriptPayload struct {
	Name  string
	Value any
}

// ScriptPayloads finds JSON blocks and object literals assigned in inline
// scripts.
func ScriptPayloads(markup string) ([]ScriptPayload, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var out []ScriptPayload
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if _, external := s.Attr("src"); external {
			return
		}
		body := strings.TrimSpace(s.Text())
		if body == "" {
			return
		}

		typ := strings.ToLower(s.AttrOr("type", ""))
		id := s.AttrOr("id", "")
		if strings.Contains(typ, "json") || id == "__NEXT_DATA__" {
			var v any
			if json5.Unmarshal([]byte(body), &v) == nil {
				name := id
				if name == "" {
					name = typ
				}
				out = append(out, ScriptPayload{Name: name, Value: v})
			}
			return
		}
		out = append(out, assignments(body)...)
	})
	return out, nil
}

// ScriptData parses every payload and returns the richest table. Multi-row
// tables always beat single-row snapshots.
func ScriptData(markup string, opts JSONOptions) (*table.Table, string, error) {
	payloads, err := ScriptPayloads(markup)
	if err != nil {
		return nil, "", err
	}

	var (
		best     *table.Table
		bestName string
	)
	for _, p := range payloads {
		t, tErr := FromValue(p.Value, opts)
		if tErr != nil || t.IsEmpty() {
			continue
		}
		if richer(t, best) {
			best, bestName = t, p.Name
		}
	}
	if best == nil {
		return nil, "", ErrNoTable
	}
	return best, bestName, nil
}

func richer(a, b *table.Table) bool {
	if b == nil {
		return true
	}
	aMulti, bMulti := a.Len() > 1, b.Len() > 1
	if aMulti != bMulti {
		return aMulti
	}
	return a.Len()*a.Width() > b.Len()*b.Width()
}

func assignments(js string) []ScriptPayload {
	var out []ScriptPayload
	seen := make(map[int]bool)
	for _, re := range []*regexp.Regexp{globalAssign, dunderAssign, declAssign} {
		for _, m := range re.FindAllStringSubmatchIndex(js, -1) {
			// The literal starts at the last byte of the match.
			start := m[1] - 1
			if seen[start] {
				continue
			}
			seen[start] = true

			literal, ok := balancedLiteral(js, start)
			if !ok {
				continue
			}
			var v any
			if err := json5.Unmarshal([]byte(literal), &v); err != nil {
				continue
			}
			out = append(out, ScriptPayload{Name: js[m[2]:m[3]], Value: v})
		}
	}
	return out
}

// balancedLiteral returns the bracketed literal opening at start, skipping
// brackets inside string literals.
func balancedLiteral(s string, start int) (string, bool) {
	depth := 0
	var quote byte
	end := min(len(s), start+maxLiteralBytes)
	for i := start; i < end; i++ {
		c := s[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
