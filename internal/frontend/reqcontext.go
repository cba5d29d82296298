package frontend

import (
	"net/url"
	"sync/atomic"
)

var lastID uint64

// RequestContext represents the routing decision of a single request.
type RequestContext struct {
	// Target is the backend URL the request is forwarded to.  It is nil
	// unless the request is forwarded.
	Target *url.URL

	// Host is the hostname from the request's Host header without the port.
	Host string

	// ID is a unique request ID used in the log messages.
	ID uint64
}

// NewRequestContext creates a new instance of *RequestContext.
func NewRequestContext(host string) (c *RequestContext) {
	return &RequestContext{
		Host: host,
		ID:   atomic.AddUint64(&lastID, 1),
	}
}

// requestContextKey is the key for the *RequestContext in the request's
// context.
type requestContextKey struct{}
