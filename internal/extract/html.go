package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jonesrussell/north-cloud/datafetch/internal/table"
)

const (
	maxColspan        = 50
	divGridContainers = 5
	minGridCells      = 2
	scoreMultiplier   = 2
)

var (
	gridContainerClass = regexp.MustCompile(`(?i)table|data|quote|market|price|stock|instrument`)
	gridRowClass       = regexp.MustCompile(`(?i)row|item|entry`)
	gridCellClass      = regexp.MustCompile(`(?i)cell|col|value`)
	dateColumnName     = regexp.MustCompile(`(?i)date|time|day|period|year|month`)
	dateCell           = regexp.MustCompile(`^(\d{4}[-/]\d{1,2}[-/]\d{1,2}|\d{1,2}[-/]\d{1,2}[-/]\d{2,4}|[A-Za-z]{3,9}\.? \d{1,2},? \d{4})`)
	financialColumns   = []string{"open", "high", "low", "close", "volume"}
	gridHeaderWords    = []string{"date", "price", "value", "name"}
	whitespace         = regexp.MustCompile(`\s+`)
)

// ScoredTable is one parsed HTML table and its ranking score.
type ScoredTable struct {
	Table *table.Table
	Score int
}

// Tables parses every <table> in markup. Tables without data rows are skipped.
func Tables(markup string) ([]ScoredTable, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return tablesIn(doc), nil
}

// BestTable returns the highest-scoring table, falling back to div grids when
// the markup has no usable <table>.
func BestTable(markup string) (*table.Table, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var best *ScoredTable
	scored := tablesIn(doc)
	for i := range scored {
		if best == nil || scored[i].Score > best.Score {
			best = &scored[i]
		}
	}
	if best != nil {
		return best.Table, nil
	}

	if t := divGrid(doc); t != nil && !t.IsEmpty() {
		return t, nil
	}
	return nil, ErrNoTable
}

func tablesIn(doc *goquery.Document) []ScoredTable {
	var out []ScoredTable
	doc.Find("table").Each(func(_ int, tbl *goquery.Selection) {
		t := parseTable(tbl)
		if t == nil || t.Len() == 0 {
			return
		}
		out = append(out, ScoredTable{Table: t, Score: ScoreTable(t)})
	})
	return out
}

// ScoreTable ranks a table by rows x columns, doubled for a date-like column
// and doubled again for financial column names.
func ScoreTable(t *table.Table) int {
	score := t.Len() * t.Width()
	if hasDateColumn(t) {
		score *= scoreMultiplier
	}
	joined := strings.ToLower(strings.Join(t.Columns, " "))
	for _, f := range financialColumns {
		if strings.Contains(joined, f) {
			score *= scoreMultiplier
			break
		}
	}
	return score
}

func hasDateColumn(t *table.Table) bool {
	for i, c := range t.Columns {
		if dateColumnName.MatchString(c) {
			return true
		}
		if s, ok := t.Rows[0][i].(string); ok && dateCell.MatchString(strings.TrimSpace(s)) {
			return true
		}
	}
	return false
}

func parseTable(tbl *goquery.Selection) *table.Table {
	own := tbl.Find("tr").FilterFunction(func(_ int, tr *goquery.Selection) bool {
		return tr.Closest("table").IsSelection(tbl)
	})
	if own.Length() == 0 {
		return nil
	}

	var headerRows, bodyRows [][]string
	inBody := false
	own.Each(func(_ int, tr *goquery.Selection) {
		cells := rowCells(tr)
		if len(cells) == 0 {
			return
		}
		isHead := tr.Parent().Is("thead")
		allTH := tr.Children().Length() == tr.Children().Filter("th").Length()
		if !inBody && (isHead || allTH) {
			headerRows = append(headerRows, cells)
			return
		}
		inBody = true
		bodyRows = append(bodyRows, cells)
	})

	if len(headerRows) == 0 && len(bodyRows) > 1 && numericCount(bodyRows[0]) < numericCount(bodyRows[1]) {
		headerRows, bodyRows = bodyRows[:1], bodyRows[1:]
	}

	width := 0
	for _, r := range append(headerRows, bodyRows...) {
		width = max(width, len(r))
	}
	if width == 0 {
		return nil
	}

	var columns []string
	if len(headerRows) > 0 {
		columns = uniqueColumns(collapseHeaders(headerRows, width))
	} else {
		columns = genericColumns(width)
	}

	t := table.New(columns)
	for _, r := range bodyRows {
		if blankRecord(r) {
			continue
		}
		row := make([]any, len(r))
		for i, v := range r {
			row[i] = nullable(v)
		}
		t.AppendRow(row)
	}
	return t
}

// rowCells returns cell texts with colspan expanded.
func rowCells(tr *goquery.Selection) []string {
	var cells []string
	tr.Children().Filter("td, th").Each(func(_ int, cell *goquery.Selection) {
		text := cleanText(cell.Text())
		span := 1
		if v, ok := cell.Attr("colspan"); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 1 {
				span = min(n, maxColspan)
			}
		}
		for range span {
			cells = append(cells, text)
		}
	})
	return cells
}

// collapseHeaders joins the distinct non-empty labels stacked above each column.
func collapseHeaders(rows [][]string, width int) []string {
	names := make([]string, width)
	for col := range width {
		var parts []string
		for _, r := range rows {
			if col >= len(r) || r[col] == "" {
				continue
			}
			if len(parts) > 0 && parts[len(parts)-1] == r[col] {
				continue
			}
			parts = append(parts, r[col])
		}
		names[col] = strings.Join(parts, " ")
	}
	return names
}

// divGrid synthesizes rows from div/list layouts styled as tables.
func divGrid(doc *goquery.Document) *table.Table {
	containers := doc.Find("div, section").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return gridContainerClass.MatchString(s.AttrOr("class", ""))
	})

	var rows [][]string
	var taken []*goquery.Selection
	containers.EachWithBreak(func(_ int, c *goquery.Selection) bool {
		for _, prev := range taken {
			if prev.Contains(c.Get(0)) {
				return true
			}
		}
		found := gridRows(c)
		if len(found) > 0 {
			rows = append(rows, found...)
			taken = append(taken, c)
		}
		return len(taken) < divGridContainers
	})
	if len(rows) == 0 {
		return nil
	}

	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}

	columns := genericColumns(width)
	body := rows
	first := strings.ToLower(strings.Join(rows[0], " "))
	if len(rows) > 1 && len(rows[0]) == len(rows[1]) && containsAny(first, gridHeaderWords) {
		columns = uniqueColumns(padNames(rows[0], width))
		body = rows[1:]
	}

	t := table.New(columns)
	for _, r := range body {
		row := make([]any, len(r))
		for i, v := range r {
			row[i] = nullable(v)
		}
		t.AppendRow(row)
	}
	return t
}

func gridRows(container *goquery.Selection) [][]string {
	var rows [][]string
	container.Find("div, tr, li").Each(func(_ int, row *goquery.Selection) {
		if !gridRowClass.MatchString(row.AttrOr("class", "")) {
			return
		}
		var cells []string
		row.Find("div, td, span").Each(func(_ int, cell *goquery.Selection) {
			if gridCellClass.MatchString(cell.AttrOr("class", "")) {
				cells = append(cells, cleanText(cell.Text()))
			}
		})
		if len(cells) >= minGridCells && !blankRecord(cells) {
			rows = append(rows, cells)
		}
	})
	return rows
}

func padNames(names []string, width int) []string {
	out := make([]string, width)
	copy(out, names)
	return out
}

func cleanText(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
