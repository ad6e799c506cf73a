package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jonesrussell/north-cloud/datafetch/internal/logger"
)

const (
	defaultModel      = "claude-sonnet-4-20250514"
	defaultMaxTokens  = 1024
	defaultMaxPayload = 16 << 10
)

// ErrNoAPIKey is returned by NewAnthropic when no key is configured.
var ErrNoAPIKey = errors.New("classifier: no API key configured")

const promptTemplate = `You are given a %s payload fetched from %s.
Find the part that holds tabular data (a list of records or a time series).
Reply with only a JSON object of the form
{"data_path": "dotted.path[0].to.rows", "field_mapping": {"source_field": "canonical_name"}, "confidence": 0.0}
Use canonical names such as date, open, high, low, close, volume, price, symbol, value when they fit.
Use an empty data_path when the payload root is already the table.

Payload:
%s`

// AnthropicConfig configures the Anthropic-backed classifier.
type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	// MaxTokens bounds the reply length.
	MaxTokens int64
	// MaxPayloadBytes truncates the payload sent in the prompt.
	MaxPayloadBytes int
	HTTPClient      *http.Client
}

// Anthropic classifies payloads with a Claude model.
type Anthropic struct {
	messages   anthropic.MessageService
	model      string
	maxTokens  int64
	maxPayload int
	log        logger.Logger
}

var _ Classifier = (*Anthropic)(nil)

// NewAnthropic creates the classifier.
func NewAnthropic(cfg AnthropicConfig, log logger.Logger) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = defaultMaxPayload
	}
	if log == nil {
		log = logger.NewNop()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &Anthropic{
		messages:   anthropic.NewMessageService(opts...),
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		maxPayload: cfg.MaxPayloadBytes,
		log:        log,
	}, nil
}

// Classify asks the model for a data path and field mapping.
func (a *Anthropic) Classify(ctx context.Context, req Request) (Result, error) {
	payload := req.Payload
	if len(payload) > a.maxPayload {
		payload = payload[:a.maxPayload]
	}
	prompt := fmt.Sprintf(promptTemplate, req.Kind, req.Context, payload)

	msg, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("classify %s payload: %w", req.Kind, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	res, err := ParseResult(text.String())
	if err != nil {
		return Result{}, err
	}
	a.log.Debug("Classified payload",
		logger.String("kind", string(req.Kind)),
		logger.String("data_path", res.DataPath),
		logger.Float64("confidence", res.Confidence),
	)
	return res, nil
}

// ParseResult extracts the JSON object from a model reply, tolerating
// surrounding prose or code fences.
func ParseResult(reply string) (Result, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return Result{}, fmt.Errorf("classifier reply has no JSON object: %q", truncate(reply))
	}

	var res Result
	if err := json.Unmarshal([]byte(reply[start:end+1]), &res); err != nil {
		return Result{}, fmt.Errorf("decode classifier reply: %w", err)
	}
	res.DataPath = strings.TrimSpace(res.DataPath)
	res.Confidence = min(max(res.Confidence, 0), 1)
	return res, nil
}

const maxQuoted = 120

func truncate(s string) string {
	if len(s) > maxQuoted {
		return s[:maxQuoted] + "..."
	}
	return s
}
