// Package frontend is responsible for handling the requests accepted by the
// proxy.  The dispatcher serves TLS-terminated requests and forwards them to
// the domain's backend or redirects them, the redirector serves plain HTTP
// requests and sends clients to HTTPS.
package frontend

import (
	"context"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/AdguardTeam/golibs/log"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/ameshkov/vhostproxy/internal/routing"
)

// Router looks up domain records by hostname.
type Router interface {
	// Lookup returns the record that serves hostname or nil.
	Lookup(hostname string) (r *routing.Record)
}

// Dispatcher is the HTTPS request handler.  It makes the routing decision for
// every request: forward to the backend, redirect, or respond 404.
type Dispatcher struct {
	router Router
	proxy  *httputil.ReverseProxy
}

// type check
var _ http.Handler = (*Dispatcher)(nil)

// NewDispatcher creates a new *Dispatcher that forwards requests with
// transport.
func NewDispatcher(router Router, transport http.RoundTripper) (d *Dispatcher) {
	d = &Dispatcher{router: router}
	d.proxy = &httputil.ReverseProxy{
		Rewrite:      rewrite,
		Transport:    transport,
		ErrorHandler: d.handleBackendError,
		ErrorLog:     log.StdLog("frontend: reverse proxy", log.DEBUG),
	}

	return d
}

// ServeHTTP implements the http.Handler interface for *Dispatcher.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := requestHost(r)
	if host == "" {
		log.Debug("frontend: https request without host from %s", r.RemoteAddr)
		respondNotFound(w)

		return
	}

	ctx := NewRequestContext(host)
	rec := d.router.Lookup(host)
	if rec == nil {
		log.Debug("frontend: [%d] no record for %s", ctx.ID, host)
		respondNotFound(w)

		return
	}

	switch rec.Route.Mode {
	case routing.RouteTarget:
		ctx.Target = rec.Route.Target
		log.Debug("frontend: [%d] forwarding %s %s%s to %s", ctx.ID, r.Method, host, r.URL, ctx.Target)

		r = r.WithContext(context.WithValue(r.Context(), requestContextKey{}, ctx))
		d.proxy.ServeHTTP(w, r)
	case routing.RouteRedirect:
		log.Debug("frontend: [%d] redirecting %s to %s", ctx.ID, host, rec.Route.Redirect)
		respondRedirect(w, rec.Route.Redirect)
	default:
		log.Debug("frontend: [%d] no route for %s", ctx.ID, host)
		respondNotFound(w)
	}
}

// rewrite is the [httputil.ReverseProxy.Rewrite] function.  It sends the
// request to the target from the request context, keeps the original Host
// header, and sets the X-Forwarded-* headers.
func rewrite(pr *httputil.ProxyRequest) {
	ctx, ok := pr.In.Context().Value(requestContextKey{}).(*RequestContext)
	if !ok {
		// Must not happen, ServeHTTP always sets the context.
		panic("frontend: no request context")
	}

	pr.SetURL(ctx.Target)
	pr.Out.Host = pr.In.Host
	pr.SetXForwarded()
}

// handleBackendError responds with 500 when the backend can't be reached or
// fails.  The details are only logged.
func (d *Dispatcher) handleBackendError(w http.ResponseWriter, r *http.Request, err error) {
	var id uint64
	var target string
	if ctx, ok := r.Context().Value(requestContextKey{}).(*RequestContext); ok {
		id = ctx.ID
		target = ctx.Target.String()
	}

	log.Error("frontend: [%d] backend %s failed: %s", id, target, err)

	w.WriteHeader(http.StatusInternalServerError)
}

// Redirector is the plain HTTP request handler.  It redirects requests for
// known domains to HTTPS.
type Redirector struct {
	router Router
}

// type check
var _ http.Handler = (*Redirector)(nil)

// NewRedirector creates a new *Redirector.
func NewRedirector(router Router) (rd *Redirector) {
	return &Redirector{router: router}
}

// ServeHTTP implements the http.Handler interface for *Redirector.
func (rd *Redirector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := requestHost(r)
	if host == "" || rd.router.Lookup(host) == nil {
		log.Debug("frontend: no record for plain http host %q", r.Host)
		respondNotFound(w)

		return
	}

	respondRedirect(w, "https://"+urlHost(host)+r.URL.RequestURI())
}

// urlHost returns host in the form suitable for the authority part of a URL,
// IPv6 literals are enclosed in brackets.
func urlHost(host string) (h string) {
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}

	return host
}

// requestHost returns the hostname from the request's Host header without
// the port.
func requestHost(r *http.Request) (host string) {
	host = r.Host
	if h, _, err := netutil.SplitHostPort(host); err == nil {
		host = h
	}

	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}

// respondNotFound writes an empty 404 response.
func respondNotFound(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNotFound)
}

// respondRedirect writes an empty 301 response to loc.
func respondRedirect(w http.ResponseWriter, loc string) {
	w.Header().Set("Location", loc)
	w.WriteHeader(http.StatusMovedPermanently)
}
