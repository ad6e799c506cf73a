package validate

import (
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// NumericStats summarizes one numeric column.
type NumericStats struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

func describe(values []float64) NumericStats {
	if len(values) == 0 {
		return NumericStats{}
	}
	s := NumericStats{Min: values[0], Max: values[0]}
	sum := 0.0
	for _, v := range values {
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
		sum += v
	}
	s.Mean = sum / float64(len(values))
	s.Std = stddev(values, s.Mean)
	return s
}

// stddev is the sample standard deviation.
func stddev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	ss := 0.0
	for _, v := range values {
		ss += (v - mean) * (v - mean)
	}
	return math.Sqrt(ss / float64(len(values)-1))
}

// quantile uses linear interpolation between closest ranks.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

func median(values []float64) float64 {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return quantile(sorted, 0.5)
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"02-01-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"02 Jan 2006",
	"Jan 2 2006",
	"2006-01",
	"Jan 2006",
	"20060102",
}

const (
	epochSecondsMin = 1e8
	epochMillisMin  = 1e11
)

// parseDate accepts the usual textual layouts and epoch seconds or
// milliseconds.
func parseDate(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case float64:
		return fromEpoch(x)
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && len(s) >= 9 {
			return fromEpoch(f)
		}
	}
	return time.Time{}, false
}

func fromEpoch(f float64) (time.Time, bool) {
	switch {
	case f >= epochMillisMin:
		return time.UnixMilli(int64(f)).UTC(), true
	case f >= epochSecondsMin:
		return time.Unix(int64(f), 0).UTC(), true
	}
	return time.Time{}, false
}
