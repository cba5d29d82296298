package routing

import (
	"crypto/tls"
	"net/url"
)

// RouteMode is the forwarding behavior of a domain record.
type RouteMode uint8

// RouteMode values.
const (
	// RouteUnset means that the record has neither a target nor a redirect.
	RouteUnset RouteMode = iota

	// RouteTarget means that requests are forwarded to the record's target.
	RouteTarget

	// RouteRedirect means that requests are answered with a redirect.
	RouteRedirect
)

// String implements the fmt.Stringer interface for RouteMode.
func (m RouteMode) String() (s string) {
	switch m {
	case RouteTarget:
		return "target"
	case RouteRedirect:
		return "redirect"
	default:
		return "unset"
	}
}

// Route is a tagged union of the record's forwarding behavior.  Only one of
// Target and Redirect is set, depending on Mode.
type Route struct {
	// Target is the backend URL, only set when Mode is RouteTarget.
	Target *url.URL

	// Redirect is the redirect location, only set when Mode is RouteRedirect.
	Redirect string

	// Mode tells which of the fields above is active.
	Mode RouteMode
}

// Fields is a partial update of a domain record.  Nil fields are left
// untouched.
type Fields struct {
	// Target, when set, switches the record to forwarding mode.  It takes
	// precedence over Redirect.
	Target *url.URL

	// Redirect, when not empty and Target is nil, switches the record to
	// redirect mode.
	Redirect string

	// Credential, when set, replaces the record's TLS credential.
	Credential *tls.Certificate
}

// Record is a single domain record.  Records stored in a [Table] are never
// modified, every update produces a new value.
type Record struct {
	// Credential is the per-domain TLS credential, may be nil.
	Credential *tls.Certificate

	// Route is the forwarding behavior of the domain.
	Route Route
}

// merge returns a copy of r with f applied.  r may be nil.
func (r *Record) merge(f Fields) (res *Record) {
	res = &Record{}
	if r != nil {
		*res = *r
	}

	if f.Target != nil {
		u := *f.Target
		res.Route = Route{Target: &u, Mode: RouteTarget}
	} else if f.Redirect != "" {
		res.Route = Route{Redirect: f.Redirect, Mode: RouteRedirect}
	}

	if f.Credential != nil {
		res.Credential = f.Credential
	}

	return res
}
