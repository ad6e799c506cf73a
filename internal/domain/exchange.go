package domain

import (
	"strings"
	"time"
)

// Exchange is one captured network request/response pair.
type Exchange struct {
	URL           string
	Method        string
	Status        int
	ContentType   string
	ContentLength int64
	ResourceType  string
	// Body is nil when the capture could not read it.
	Body []byte
}

// HasBody reports whether a body was captured.
func (e Exchange) HasBody() bool {
	return len(e.Body) > 0
}

// ContentTypeHas reports whether the lower-cased content type contains any of subs.
func (e Exchange) ContentTypeHas(subs ...string) bool {
	ct := strings.ToLower(e.ContentType)
	for _, s := range subs {
		if strings.Contains(ct, s) {
			return true
		}
	}
	return false
}

// PageLoad is what a page loader returns for one locator.
type PageLoad struct {
	URL       string
	Status    int
	Markup    string
	Exchanges []Exchange
}

// WaitHints tune how long a loader waits for a page to settle.
type WaitHints struct {
	Selector string
	Timeout  time.Duration
	// Settle is extra time after load for late XHR traffic.
	Settle time.Duration
}
