// Package scrapeerr classifies scraping failures and maps each class to a
// recovery policy.
package scrapeerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind is the failure class of a scraping error.
type Kind string

const (
	KindNetwork      Kind = "network"
	KindAuth         Kind = "auth"
	KindRateLimit    Kind = "rate_limit"
	KindBotDetection Kind = "bot_detection"
	KindParsing      Kind = "parsing"
	KindValidation   Kind = "validation"
	KindCancelled    Kind = "cancelled"
	KindUnknown      Kind = "unknown"
)

// ErrComplianceBlocked is returned when a source is disallowed and the caller
// did not override the restriction.
var ErrComplianceBlocked = errors.New("retrieval disallowed by compliance status")

// Error is a classified scraping failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Op         string
	URL        string
	Cause      error
	// Permanent disables retrying regardless of Kind.
	Permanent   bool
	Suggestions []string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" error during ")
		b.WriteString(e.Op)
	}
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.StatusCode)
	}
	if e.URL != "" {
		b.WriteString(" for ")
		b.WriteString(e.URL)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps cause with an explicit kind.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause, Suggestions: RecoveryFor(kind).Suggestions}
}

// Permanent wraps cause with an explicit kind and disables retries.
func Permanent(kind Kind, op string, cause error) *Error {
	e := New(kind, op, cause)
	e.Permanent = true
	return e
}

// HTTP status codes used for classification.
const (
	statusUnauthorized    = 401
	statusForbidden       = 403
	statusRequestTimeout  = 408
	statusTooManyRequests = 429
	statusServerErrorLow  = 500
	statusServerErrorHigh = 599
	statusClientErrorLow  = 400
)

// FromStatus classifies a non-success HTTP response. body may be nil; when
// present its leading bytes are inspected for challenge markers.
func FromStatus(status int, url string, body []byte) *Error {
	cause := fmt.Errorf("unexpected status %d", status)
	kind := KindUnknown

	switch {
	case status == statusTooManyRequests:
		kind = KindRateLimit
	case status == statusUnauthorized:
		kind = KindAuth
	case status == statusForbidden:
		kind = KindBotDetection
	case status == statusRequestTimeout:
		kind = KindNetwork
	case status >= statusServerErrorLow && status <= statusServerErrorHigh:
		kind = KindNetwork
	case status >= statusClientErrorLow:
		kind = KindUnknown
	}

	if kind != KindRateLimit && kind != KindAuth && looksLikeChallenge(body) {
		kind = KindBotDetection
	}

	e := &Error{
		Kind:        kind,
		StatusCode:  status,
		URL:         url,
		Op:          "fetch",
		Cause:       cause,
		Suggestions: RecoveryFor(kind).Suggestions,
	}
	// Other 4xx responses will not change on retry.
	if kind == KindUnknown && status >= statusClientErrorLow && status < statusServerErrorLow {
		e.Permanent = true
	}
	return e
}

const challengeSniffBytes = 4096

var challengeMarkers = []string{"captcha", "cf-chl", "challenge-platform", "are you a robot", "access denied"}

func looksLikeChallenge(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	if len(body) > challengeSniffBytes {
		body = body[:challengeSniffBytes]
	}
	lower := strings.ToLower(string(body))
	for _, m := range challengeMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// messageRules are checked in order against lower-cased error text.
var messageRules = []struct {
	kind     Kind
	patterns []string
}{
	{KindRateLimit, []string{"rate limit", "too many requests", "429", "quota exceeded", "throttl"}},
	{KindAuth, []string{"unauthorized", "401", "authentication", "invalid api key"}},
	{KindBotDetection, []string{"blocked", "captcha", "403", "bot detected", "cloudflare", "access denied"}},
	{KindParsing, []string{"parse", "decode", "unmarshal", "invalid character", "unexpected end of json", "no data source"}},
	{KindValidation, []string{"validation", "invalid data"}},
	{KindNetwork, []string{"timeout", "connection refused", "connection reset", "no such host", "network is unreachable", "unexpected eof", "tls handshake"}},
}

// Classify returns the kind of err. Typed errors win over message matching.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range messageRules {
		for _, p := range rule.patterns {
			if strings.Contains(msg, p) {
				return rule.kind
			}
		}
	}
	return KindUnknown
}

// Wrap classifies err and returns it as an *Error, preserving existing ones.
func Wrap(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return New(Classify(err), op, err)
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Permanent
}

// Recovery is the handling policy for one error kind.
type Recovery struct {
	Retry       bool
	MaxRetries  int
	Delay       time.Duration
	Action      string
	Suggestions []string
}

const (
	networkRetryDelay = 2 * time.Second
	networkMaxRetries = 3
	unknownMaxRetries = 2
)

var recoveries = map[Kind]Recovery{
	KindNetwork: {
		Retry: true, MaxRetries: networkMaxRetries, Delay: networkRetryDelay, Action: "retry",
		Suggestions: []string{"check network connectivity", "increase the request timeout"},
	},
	KindAuth: {
		Retry: true, MaxRetries: 1, Action: "refresh_auth",
		Suggestions: []string{"verify the API key", "refresh credentials"},
	},
	KindRateLimit: {
		Retry: true, Action: "backoff",
		Suggestions: []string{"lower the request rate", "spread runs over a longer interval"},
	},
	KindBotDetection: {
		Action: "enable_stealth",
		Suggestions: []string{
			"enable stealth mode in the browser loader",
			"increase delays between requests",
			"try the source at a different time",
		},
	},
	KindParsing: {
		Action:      "try_alternative_extractor",
		Suggestions: []string{"page structure may have changed", "configure a data path or field map"},
	},
	KindValidation: {Action: "none"},
	KindCancelled:  {Action: "abort"},
	KindUnknown: {
		Retry: true, MaxRetries: unknownMaxRetries, Delay: networkRetryDelay, Action: "retry",
	},
}

// RecoveryFor returns the recovery policy for kind.
func RecoveryFor(kind Kind) Recovery {
	if r, ok := recoveries[kind]; ok {
		return r
	}
	return recoveries[KindUnknown]
}

// KindOf returns the kind of an explicitly classified error. ok is false
// when err carries no *Error.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

// IsRetryable reports whether err may be retried under its kind's policy.
func IsRetryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	return RecoveryFor(Classify(err)).Retry
}
