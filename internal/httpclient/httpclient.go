package httpclient

import (
	"net/http"
	"time"
)

// New returns an http.Client configured for outbound requests. A timeout of
// zero disables the client-side deadline; streaming callers rely on context
// cancellation instead.
func New(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: Transport(),
	}
}

// Transport returns an http.Transport clone suitable for outbound calls.
func Transport() *http.Transport {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Transport{}
	}
	return base.Clone()
}
