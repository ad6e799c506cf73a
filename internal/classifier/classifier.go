// Package classifier suggests where the tabular data sits in a payload and
// how its fields map to canonical column names. It is an optional
// collaborator: callers must keep working when it is absent or fails.
package classifier

import "context"

// PayloadKind is the format of the payload being classified.
type PayloadKind string

const (
	PayloadJSON  PayloadKind = "json"
	PayloadHTML  PayloadKind = "html"
	PayloadTable PayloadKind = "table"
)

// Request is one classification call.
type Request struct {
	Kind    PayloadKind
	Payload []byte
	// Context is free text such as the page locator.
	Context string
}

// Result is a structure suggestion.
type Result struct {
	DataPath   string            `json:"data_path"`
	FieldMap   map[string]string `json:"field_mapping"`
	Confidence float64           `json:"confidence"`
}

// Classifier classifies payload structure.
type Classifier interface {
	Classify(ctx context.Context, req Request) (Result, error)
}
