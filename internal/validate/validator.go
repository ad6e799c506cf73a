// Package validate checks extracted tables against a named profile and
// produces an immutable quality report.
package validate

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/jonesrussell/north-cloud/datafetch/internal/logger"
	"github.com/jonesrussell/north-cloud/datafetch/internal/table"
)

const (
	nullErrorRatio   = 0.5
	nullWarnRatio    = 0.1
	outlierMinValues = 10
	outlierIQRFactor = 3.0
	outlierWarnRatio = 0.05
	zScoreThreshold  = 3.0
	gapFactor        = 2.0
	maxGapExamples   = 5
	priceJumpRatio   = 0.5
	zeroVolumeRatio  = 0.1
	percentMin       = -100.0
	percentMax       = 1000.0
	currencySample   = 10
	hoursPerDay      = 24
)

// minPlausibleDate is the oldest date not flagged as suspicious.
var minPlausibleDate = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

var (
	priceColumnWords = []string{"price", "close", "open", "high", "low"}
	moneyColumnWords = []string{"price", "amount", "value", "cost"}
	pctColumnWords   = []string{"percent", "pct", "change", "return", "yield"}
	flowColumnWords  = []string{"inflow", "outflow", "netflow", "net_flow", "flow"}
	oiColumnWords    = []string{"open_interest", "openinterest", "open interest", "oi"}
	currencyMarks    = []string{"$", "€", "£", "¥", "₹", "₿"}
)

// Validator runs every check for a profile.
type Validator struct {
	now func() time.Time
	log logger.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithNow sets the clock used by the future-date check.
func WithNow(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

// New creates a Validator.
func New(log logger.Logger, opts ...Option) *Validator {
	if log == nil {
		log = logger.NewNop()
	}
	v := &Validator{now: time.Now, log: log}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks t against p. strict, or p.Strict, promotes every warning to
// an error.
func (v *Validator) Validate(t *table.Table, p Profile, strict bool) Report {
	b := NewBuilder(p.Name, strict || p.Strict)

	if t == nil || t.IsEmpty() {
		b.Error(CheckEmptyTable, "", 0, "table is empty")
		b.Stat("row_count", 0)
		return b.ZeroScore().Build()
	}

	rows := t.Len()
	b.Stat("row_count", rows).Stat("column_count", t.Width()).Stat("columns", slices.Clone(t.Columns))

	checkRowBounds(b, rows, p)

	dateCol := table.DateColumn(t.Columns)
	if p.RequireTimeAxis && dateCol < 0 {
		b.Error(CheckMissingDate, "", 0, "no date column found; time-series data requires a date column")
	}

	checkDuplicates(b, t, dateCol)
	checkNulls(b, t)

	if dateCol >= 0 && !p.SkipContinuityCheck {
		v.checkDates(b, t, dateCol)
	}

	numeric := numericColumns(t, dateCol)
	checkNumeric(b, t, numeric, p)
	checkPriceJumps(b, t, numeric)
	checkCurrencies(b, t)
	checkVolumes(b, t, numeric, p)
	checkPercentages(b, t, numeric)
	checkOHLC(b, t, numeric, p)

	r := b.Build()
	v.log.Debug("Validation complete",
		logger.String("profile", p.Name),
		logger.Bool("valid", r.IsValid()),
		logger.Int("errors", len(r.errors)),
		logger.Int("warnings", len(r.warnings)),
		logger.Float64("quality_score", r.QualityScore()),
	)
	return r
}

func checkRowBounds(b *Builder, rows int, p Profile) {
	if p.MinRows > 0 && rows < p.MinRows {
		b.Error(CheckRowCount, "", rows, "too few rows: %d < %d (minimum for %s)", rows, p.MinRows, p.Name)
	}
	if p.MaxRows > 0 && rows > p.MaxRows {
		b.Warn(CheckRowCount, "", rows, "more rows than expected: %d > %d for %s", rows, p.MaxRows, p.Name)
	}
}

func checkDuplicates(b *Builder, t *table.Table, dateCol int) {
	seen := make(map[string]struct{}, t.Len())
	dups := 0
	for _, row := range t.Rows {
		k := rowKey(row)
		if _, ok := seen[k]; ok {
			dups++
			continue
		}
		seen[k] = struct{}{}
	}
	b.Stat("duplicate_count", dups)
	if dups > 0 {
		b.Warn(CheckDuplicates, "", dups, "found %d duplicate rows", dups)
		b.Penalize(math.Min(float64(dups)/float64(t.Len())*100*0.3, 5))
	}

	if dateCol < 0 {
		return
	}
	dates := make(map[string]struct{}, t.Len())
	dupDates := 0
	for _, row := range t.Rows {
		if table.IsNull(row[dateCol]) {
			continue
		}
		k := table.AsString(row[dateCol])
		if _, ok := dates[k]; ok {
			dupDates++
			continue
		}
		dates[k] = struct{}{}
	}
	if dupDates > 0 {
		b.Stat("duplicate_dates", dupDates)
		b.Warn(CheckDuplicateDates, t.Columns[dateCol], dupDates, "found %d duplicate dates", dupDates)
	}
}

func rowKey(row []any) string {
	var sb strings.Builder
	for i, c := range row {
		if i > 0 {
			sb.WriteByte(0x1f)
		}
		sb.WriteString(table.AsString(c))
	}
	return sb.String()
}

func checkNulls(b *Builder, t *table.Table) {
	counts := make(map[string]int)
	rows := float64(t.Len())
	for i, name := range t.Columns {
		n := 0
		for _, c := range t.Column(i) {
			if table.IsNull(c) {
				n++
			}
		}
		if n == 0 {
			continue
		}
		counts[name] = n
		ratio := float64(n) / rows
		switch {
		case ratio > nullErrorRatio:
			b.Error(CheckNullRatio, name, n, "column %q is %.1f%% null", name, ratio*100)
		case ratio > nullWarnRatio:
			b.Warn(CheckNullRatio, name, n, "column %q has %.1f%% null values", name, ratio*100)
		}
		b.Penalize(math.Min(ratio*100*0.5, 10))
	}
	b.Stat("null_counts", counts)
}

func (v *Validator) checkDates(b *Builder, t *table.Table, dateCol int) {
	name := t.Columns[dateCol]
	var parsed []time.Time
	failed := 0
	for _, c := range t.Column(dateCol) {
		if table.IsNull(c) {
			continue
		}
		d, ok := parseDate(c)
		if !ok {
			failed++
			continue
		}
		parsed = append(parsed, d)
	}
	if failed > 0 {
		b.Warn(CheckDateParse, name, failed, "%d values in %q could not be parsed as dates", failed, name)
	}
	if len(parsed) == 0 {
		return
	}

	slices.SortFunc(parsed, func(a, c time.Time) int { return a.Compare(c) })
	first, last := parsed[0], parsed[len(parsed)-1]
	b.Stat("date_range", map[string]any{
		"min":       first.Format(time.RFC3339),
		"max":       last.Format(time.RFC3339),
		"span_days": int(last.Sub(first).Hours() / hoursPerDay),
	})

	now := v.now()
	future, old := 0, 0
	for _, d := range parsed {
		if d.After(now) {
			future++
		}
		if d.Before(minPlausibleDate) {
			old++
		}
	}
	if future > 0 {
		b.Warn(CheckFutureDates, name, future, "found %d future dates", future)
	}
	if old > 0 {
		b.Warn(CheckOldDates, name, old, "found %d dates before 2000", old)
	}

	checkGaps(b, name, parsed)
}

func checkGaps(b *Builder, column string, sorted []time.Time) {
	if len(sorted) < 3 {
		return
	}
	diffs := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		diffs = append(diffs, sorted[i].Sub(sorted[i-1]).Hours()/hoursPerDay)
	}
	med := median(diffs)
	if med <= 0 {
		return
	}

	type gap struct {
		After string  `json:"after"`
		Days  float64 `json:"days"`
	}
	var gaps []gap
	for i, d := range diffs {
		if d > gapFactor*med {
			gaps = append(gaps, gap{After: sorted[i].Format("2006-01-02"), Days: math.Round(d*10) / 10})
		}
	}
	if len(gaps) == 0 {
		return
	}
	b.Stat("date_gaps", len(gaps))
	slices.SortFunc(gaps, func(a, c gap) int {
		switch {
		case a.Days > c.Days:
			return -1
		case a.Days < c.Days:
			return 1
		}
		return 0
	})
	b.Stat("largest_gaps", gaps[:min(len(gaps), maxGapExamples)])
	b.Warn(CheckDateGaps, column, len(gaps), "found %d gaps larger than %.1f days", len(gaps), gapFactor*med)
}

// numericColumns returns the columns, other than the date column, whose
// non-null cells are all numeric. The value slices omit nulls.
func numericColumns(t *table.Table, dateCol int) map[int][]float64 {
	out := make(map[int][]float64)
	for i := range t.Columns {
		if i == dateCol {
			continue
		}
		var values []float64
		numeric := true
		for _, c := range t.Column(i) {
			if table.IsNull(c) {
				continue
			}
			f, ok := table.AsFloat(c)
			if !ok {
				numeric = false
				break
			}
			values = append(values, f)
		}
		if numeric && len(values) > 0 {
			out[i] = values
		}
	}
	return out
}

func sortedIndexes(m map[int][]float64) []int {
	idx := make([]int, 0, len(m))
	for i := range m {
		idx = append(idx, i)
	}
	slices.Sort(idx)
	return idx
}

func checkNumeric(b *Builder, t *table.Table, numeric map[int][]float64, p Profile) {
	described := make(map[string]NumericStats, len(numeric))
	outliers := make(map[string]int)
	for _, i := range sortedIndexes(numeric) {
		name := t.Columns[i]
		values := numeric[i]
		lower := strings.ToLower(name)
		s := describe(values)
		described[name] = s

		if !isVolumeColumn(lower) && !negativeAllowed(lower, p.Allow) {
			if neg := countIf(values, func(f float64) bool { return f < 0 }); neg > 0 {
				b.Warn(CheckNegativeValues, name, neg, "column %q has %d negative values", name, neg)
			}
		}

		if len(values) < outlierMinValues {
			continue
		}
		sorted := slices.Clone(values)
		slices.Sort(sorted)
		q1, q3 := quantile(sorted, 0.25), quantile(sorted, 0.75)
		iqr := q3 - q1
		lo, hi := q1-outlierIQRFactor*iqr, q3+outlierIQRFactor*iqr
		n := countIf(values, func(f float64) bool { return f < lo || f > hi })
		if n > 0 {
			outliers[name] = n
			if float64(n)/float64(len(values)) > outlierWarnRatio {
				b.Warn(CheckOutliers, name, n, "column %q has %d outliers (%.1f%%)", name, n, float64(n)/float64(len(values))*100)
			}
		}

		if s.Std > 0 {
			z := countIf(values, func(f float64) bool { return math.Abs(f-s.Mean)/s.Std > zScoreThreshold })
			if float64(z)/float64(len(values)) > outlierWarnRatio {
				b.Warn(CheckAnomalies, name, z, "column %q has %d values beyond %.0f standard deviations", name, z, zScoreThreshold)
			}
		}
	}
	if len(described) > 0 {
		b.Stat("numeric_stats", described)
	}
	if len(outliers) > 0 {
		b.Stat("outliers", outliers)
	}
}

func negativeAllowed(lower string, a Allowances) bool {
	switch {
	case containsAny(lower, flowColumnWords):
		return true
	case isOpenInterestColumn(lower):
		return a.NegativeOpenInterest || a.NegativeValues
	case containsAny(lower, priceColumnWords):
		return a.NegativePrice
	}
	return a.NegativeValues
}

func checkPriceJumps(b *Builder, t *table.Table, numeric map[int][]float64) {
	jumps := make(map[string]int)
	for _, i := range sortedIndexes(numeric) {
		name := t.Columns[i]
		if !containsAny(strings.ToLower(name), priceColumnWords) {
			continue
		}
		values := numeric[i]
		n := 0
		for k := 1; k < len(values); k++ {
			prev := values[k-1]
			if prev == 0 {
				continue
			}
			if math.Abs((values[k]-prev)/prev) > priceJumpRatio {
				n++
			}
		}
		if n > 0 {
			jumps[name] = n
			b.Warn(CheckPriceJumps, name, n, "column %q has %d price moves over %.0f%%", name, n, priceJumpRatio*100)
		}
	}
	if len(jumps) > 0 {
		b.Stat("price_jumps", jumps)
	}
}

func checkCurrencies(b *Builder, t *table.Table) {
	for i, name := range t.Columns {
		if !containsAny(strings.ToLower(name), moneyColumnWords) {
			continue
		}
		found := make(map[string]struct{})
		for _, m := range t.Currencies[name] {
			found[m] = struct{}{}
		}
		sampled := 0
		for _, c := range t.Column(i) {
			s, ok := c.(string)
			if !ok || table.IsNull(c) {
				continue
			}
			for _, m := range currencyMarks {
				if strings.Contains(s, m) {
					found[m] = struct{}{}
				}
			}
			sampled++
			if sampled >= currencySample {
				break
			}
		}
		if len(found) > 1 {
			marks := make([]string, 0, len(found))
			for m := range found {
				marks = append(marks, m)
			}
			slices.Sort(marks)
			b.Warn(CheckMixedCurrency, name, len(found), "column %q mixes currencies: %s", name, strings.Join(marks, " "))
		}
	}
}

func checkVolumes(b *Builder, t *table.Table, numeric map[int][]float64, p Profile) {
	for _, i := range sortedIndexes(numeric) {
		name := t.Columns[i]
		if !isVolumeColumn(strings.ToLower(name)) {
			continue
		}
		values := numeric[i]
		if neg := countIf(values, func(f float64) bool { return f < 0 }); neg > 0 && !p.Allow.NegativeVolume {
			b.Error(CheckNegativeVolume, name, neg, "column %q has %d negative volumes", name, neg)
		}
		zeros := countIf(values, func(f float64) bool { return f == 0 })
		if ratio := float64(zeros) / float64(len(values)); ratio > zeroVolumeRatio {
			b.Warn(CheckZeroVolume, name, zeros, "column %q has %.1f%% zero volumes", name, ratio*100)
		}
	}
}

func checkPercentages(b *Builder, t *table.Table, numeric map[int][]float64) {
	for _, i := range sortedIndexes(numeric) {
		name := t.Columns[i]
		if !containsAny(strings.ToLower(name), pctColumnWords) {
			continue
		}
		n := countIf(numeric[i], func(f float64) bool { return f < percentMin || f > percentMax })
		if n > 0 {
			b.Warn(CheckPercentageBounds, name, n, "column %q has %d values outside %.0f..%.0f", name, n, percentMin, percentMax)
		}
	}
}

// checkOHLC compares open, high, low and close row by row. Rows with any of
// the needed cells missing are skipped.
func checkOHLC(b *Builder, t *table.Table, numeric map[int][]float64, p Profile) {
	cols := map[string]int{"open": -1, "high": -1, "low": -1, "close": -1}
	for _, i := range sortedIndexes(numeric) {
		lower := strings.ToLower(t.Columns[i])
		if containsAny(lower, flowColumnWords) || isOpenInterestColumn(lower) {
			continue
		}
		for _, k := range []string{"open", "high", "low", "close"} {
			if cols[k] < 0 && strings.Contains(lower, k) {
				cols[k] = i
				break
			}
		}
	}
	hi, lo := cols["high"], cols["low"]
	if hi < 0 || lo < 0 {
		return
	}

	inverted, outside := 0, 0
	for _, row := range t.Rows {
		h, okH := table.AsFloat(row[hi])
		l, okL := table.AsFloat(row[lo])
		if !okH || !okL {
			continue
		}
		if h < l {
			inverted++
			continue
		}
		for _, k := range []string{"open", "close"} {
			if cols[k] < 0 {
				continue
			}
			if f, ok := table.AsFloat(row[cols[k]]); ok && (f > h || f < l) {
				outside++
				break
			}
		}
	}

	if inverted > 0 {
		b.Stat("ohlc_errors", inverted)
		if p.Allow.OHLCInversion {
			b.Warn(CheckOHLCErrors, "", inverted, "%d rows have high below low", inverted)
		} else {
			b.Error(CheckOHLCErrors, "", inverted, "%d rows have high below low", inverted)
		}
	}
	if outside > 0 {
		b.Warn(CheckOHLCRange, "", outside, "%d rows have open or close outside the high-low range", outside)
	}
}

func isVolumeColumn(lower string) bool {
	return strings.Contains(lower, "volume")
}

func isOpenInterestColumn(lower string) bool {
	for _, w := range oiColumnWords {
		if lower == w || (len(w) > 2 && strings.Contains(lower, w)) {
			return true
		}
	}
	return false
}

func countIf(values []float64, pred func(float64) bool) int {
	n := 0
	for _, v := range values {
		if pred(v) {
			n++
		}
	}
	return n
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
