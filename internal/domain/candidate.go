package domain

import "github.com/jonesrussell/north-cloud/datafetch/internal/table"

// Structure is the shape inferred by sniffing a captured body.
type Structure string

const (
	StructureNone       Structure = ""
	StructureArray      Structure = "array"
	StructureObject     Structure = "object"
	StructureTimeSeries Structure = "timeseries"
)

// CandidateEndpoint is a captured exchange hypothesized to carry tabular data.
type CandidateEndpoint struct {
	URL         string
	ContentType string
	Structure   Structure
	Fields      []string
	Confidence  float64
	Body        []byte
}

// Strategy names one extraction method.
type Strategy string

const (
	StrategyAPI     Strategy = "api"
	StrategyScript  Strategy = "script"
	StrategyTable   Strategy = "table"
	StrategyCSV     Strategy = "csv"
	StrategyXML     Strategy = "xml"
	StrategyAdapter Strategy = "adapter"
)

// ExtractionOutcome is the result of one strategy or one source attempt.
type ExtractionOutcome struct {
	Success  bool
	Table    *table.Table
	Strategy Strategy
	// Endpoint is the locator that produced the data, when there is one.
	Endpoint string
	Err      error
}

// Succeeded returns a successful outcome.
func Succeeded(s Strategy, t *table.Table, endpoint string) ExtractionOutcome {
	return ExtractionOutcome{Success: true, Table: t, Strategy: s, Endpoint: endpoint}
}

// Failed returns a failed outcome.
func Failed(s Strategy, err error) ExtractionOutcome {
	return ExtractionOutcome{Strategy: s, Err: err}
}
