package extract

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jonesrussell/north-cloud/datafetch/internal/table"
)

// ColumnClass is the financial role inferred from a column name.
type ColumnClass string

const (
	ClassPrice      ColumnClass = "price"
	ClassPercentage ColumnClass = "percentage"
	ClassVolume     ColumnClass = "volume"
	ClassTicker     ColumnClass = "ticker"
	ClassOther      ColumnClass = "other"
)

var (
	priceWords   = []string{"price", "close", "open", "high", "low", "bid", "ask"}
	percentWords = []string{"percent", "pct", "change", "return", "yield"}
	volumeWords  = []string{"volume", "vol", "amount", "quantity"}
	tickerWords  = []string{"ticker", "symbol", "asset", "coin"}
)

// currencySymbols maps symbols to ISO codes. Order matters for DetectCurrency.
var currencySymbols = []struct {
	symbol string
	code   string
}{
	{"$", "USD"}, {"€", "EUR"}, {"£", "GBP"}, {"¥", "JPY"}, {"₹", "INR"}, {"₿", "BTC"}, {"¢", "USD"},
}

var suffixMultipliers = map[byte]float64{
	'K': 1e3, 'k': 1e3,
	'M': 1e6, 'm': 1e6,
	'B': 1e9, 'b': 1e9,
	'T': 1e12, 't': 1e12,
}

var (
	exchangePrefix = regexp.MustCompile(`^[A-Z]+:`)
	exchangeSuffix = regexp.MustCompile(`\.[A-Z]+$`)
	nonAlnum       = regexp.MustCompile(`[^A-Z0-9]`)
)

// Classify returns the class of a column by name.
func Classify(column string) ColumnClass {
	lower := strings.ToLower(column)
	switch {
	case containsAny(lower, priceWords):
		return ClassPrice
	case containsAny(lower, percentWords):
		return ClassPercentage
	case containsAny(lower, volumeWords):
		return ClassVolume
	case containsAny(lower, tickerWords):
		return ClassTicker
	default:
		return ClassOther
	}
}

// Normalizer converts financial text cells into numbers and canonical tickers.
// It is applied to every table after extraction.
type Normalizer struct{}

// Table returns a normalized copy of t. Cells that cannot be parsed keep
// their original value. The time axis is left as text, and the currency
// symbols stripped from each column are kept in Currencies.
func (Normalizer) Table(t *table.Table) *table.Table {
	if t == nil {
		return nil
	}
	out := t.Clone()
	dateCol := table.DateColumn(out.Columns)
	for c, name := range out.Columns {
		if c == dateCol {
			continue
		}
		class := Classify(name)
		seen := make(map[string]struct{})
		for _, row := range out.Rows {
			if s, ok := row[c].(string); ok {
				for _, sym := range currencySymbolsIn(s) {
					seen[sym] = struct{}{}
				}
			}
			row[c] = normalizeCell(class, row[c])
		}
		if len(seen) > 0 {
			if out.Currencies == nil {
				out.Currencies = make(map[string][]string)
			}
			out.Currencies[name] = mergeSymbols(out.Currencies[name], seen)
		}
	}
	return out
}

func currencySymbolsIn(s string) []string {
	var found []string
	for _, c := range currencySymbols {
		if strings.Contains(s, c.symbol) {
			found = append(found, c.symbol)
		}
	}
	return found
}

func mergeSymbols(existing []string, seen map[string]struct{}) []string {
	for _, sym := range existing {
		seen[sym] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func normalizeCell(class ColumnClass, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if table.IsNull(s) {
		return nil
	}

	switch class {
	case ClassTicker:
		if t := NormalizeTicker(s); t != "" {
			return t
		}
		return s
	case ClassPercentage:
		if f, ok := ParsePercentage(s); ok {
			return f
		}
		return s
	default:
		if f, ok := ParseNumber(s); ok {
			return f
		}
		if strings.HasSuffix(strings.TrimSpace(s), "%") {
			if f, ok := ParsePercentage(s); ok {
				return f
			}
		}
		return s
	}
}

// ParseNumber parses financial notation: currency symbols, thousands
// separators, K/M/B/T suffixes and parenthesized negatives.
func ParseNumber(s string) (float64, bool) {
	v := stripCurrency(strings.TrimSpace(s))
	v = strings.ReplaceAll(v, ",", "")
	v = strings.ReplaceAll(v, " ", "")
	v, negative := unwrapParens(v)

	mult := 1.0
	if n := len(v); n > 1 {
		if m, ok := suffixMultipliers[v[n-1]]; ok {
			mult = m
			v = v[:n-1]
		}
	}
	v = strings.TrimSpace(stripCurrency(v))
	if v == "" {
		return 0, false
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	f *= mult
	if negative {
		f = -f
	}
	return f, true
}

// ParsePercentage parses "12.5%", "(3.2%)" or "-1,200.5" on a 0-100 scale.
func ParsePercentage(s string) (float64, bool) {
	v := strings.TrimSpace(s)
	v = strings.ReplaceAll(v, "%", "")
	v = strings.ReplaceAll(v, ",", "")
	v, negative := unwrapParens(strings.TrimSpace(v))
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	if negative {
		f = -f
	}
	return f, true
}

// NormalizeTicker upper-cases a symbol and strips exchange qualifiers, as in
// "NASDAQ:AAPL" or "AAPL.NASDAQ".
func NormalizeTicker(s string) string {
	t := strings.ToUpper(strings.TrimSpace(s))
	t = exchangePrefix.ReplaceAllString(t, "")
	t = exchangeSuffix.ReplaceAllString(t, "")
	return nonAlnum.ReplaceAllString(t, "")
}

// DetectCurrency returns the ISO code of the first currency symbol in s.
func DetectCurrency(s string) string {
	for _, c := range currencySymbols {
		if strings.Contains(s, c.symbol) {
			return c.code
		}
	}
	return ""
}

func stripCurrency(s string) string {
	for _, c := range currencySymbols {
		s = strings.ReplaceAll(s, c.symbol, "")
	}
	return s
}

func unwrapParens(s string) (string, bool) {
	if len(s) >= 2 && strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		return s[1 : len(s)-1], true
	}
	return s, false
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
