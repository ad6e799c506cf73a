package extract_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/datafetch/internal/extract"
	"github.com/jonesrussell/north-cloud/datafetch/internal/table"
)

func TestParseNumber(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"$1,234.56", 1234.56, true},
		{"1.2M", 1.2e6, true},
		{"€3.5B", 3.5e9, true},
		{"(500)", -500, true},
		{" 42 ", 42, true},
		{"1.5k", 1500, true},
		{"abc", 0, false},
		{"", 0, false},
		{"$", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			got, ok := extract.ParseNumber(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.want, got, 1e-6)
			}
		})
	}
}

func TestParsePercentage(t *testing.T) {
	t.Parallel()

	got, ok := extract.ParsePercentage("12.5%")
	require.True(t, ok)
	assert.InDelta(t, 12.5, got, 1e-9)

	got, ok = extract.ParsePercentage("(3.2%)")
	require.True(t, ok)
	assert.InDelta(t, -3.2, got, 1e-9)

	_, ok = extract.ParsePercentage("n/a")
	assert.False(t, ok)
}

func TestNormalizeTicker(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "AAPL", extract.NormalizeTicker("nasdaq:aapl"))
	assert.Equal(t, "MSFT", extract.NormalizeTicker("msft.o"))
	assert.Equal(t, "BTCUSD", extract.NormalizeTicker(" btc-usd "))
}

func TestClassifyAndCurrency(t *testing.T) {
	t.Parallel()

	assert.Equal(t, extract.ClassPrice, extract.Classify("Close Price"))
	assert.Equal(t, extract.ClassPercentage, extract.Classify("change_pct"))
	assert.Equal(t, extract.ClassVolume, extract.Classify("Volume"))
	assert.Equal(t, extract.ClassTicker, extract.Classify("symbol"))
	assert.Equal(t, extract.ClassOther, extract.Classify("date"))

	assert.Equal(t, "EUR", extract.DetectCurrency("€5"))
	assert.Empty(t, extract.DetectCurrency("5"))
}

func TestNormalizer_Table(t *testing.T) {
	t.Parallel()

	in := table.New([]string{"date", "close_price", "change_pct", "volume", "symbol", "note", "misc"})
	in.AppendRow([]any{"2024-01-01", "$1,000", "-2.5%", "1.5K", "nasdaq:msft", "hello", "null"})

	out := extract.Normalizer{}.Table(in)

	assert.Equal(t, []any{"2024-01-01", 1000.0, -2.5, 1500.0, "MSFT", "hello", nil}, out.Rows[0])
	assert.Equal(t, "$1,000", in.Rows[0][1], "input table must not be mutated")
}

func TestNormalizer_KeepsTimeAxisText(t *testing.T) {
	t.Parallel()

	in := table.New([]string{"date", "value"})
	in.AppendRow([]any{"20240101", "12"})
	in.AppendRow([]any{"20240102", "13"})

	out := extract.Normalizer{}.Table(in)

	assert.Equal(t, []any{"20240101", 12.0}, out.Rows[0])
	assert.Equal(t, []any{"20240102", 13.0}, out.Rows[1])
}

func TestNormalizer_RecordsCurrencies(t *testing.T) {
	t.Parallel()

	in := table.New([]string{"price_usd", "volume"})
	in.AppendRow([]any{"$10", "100"})
	in.AppendRow([]any{"€11", "200"})
	in.AppendRow([]any{"$12", "300"})

	out := extract.Normalizer{}.Table(in)

	assert.Equal(t, []any{10.0, 100.0}, out.Rows[0])
	assert.Equal(t, map[string][]string{"price_usd": {"$", "€"}}, out.Currencies)
	assert.Nil(t, in.Currencies)
}
