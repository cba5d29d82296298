package frontend

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/ameshkov/vhostproxy/internal/filter"
	"golang.org/x/net/proxy"

	// Imported in order to register HTTP and HTTPS proxies.
	_ "github.com/ameshkov/vhostproxy/internal/httpupstream"
)

// connectionTimeout is a timeout for connecting to a backend.
const connectionTimeout = 10 * time.Second

// backendDialer dials backend connections, directly or through the forward
// proxy depending on the forward rules.
type backendDialer struct {
	dialer       *net.Dialer
	proxyDialer  proxy.Dialer
	forwardRules []string
}

// NewTransport creates the transport used to forward requests to backends.
// Every forwarded request uses its own backend connection.
func NewTransport(cfg *TransportConfig) (t *http.Transport, err error) {
	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = connectionTimeout
	}

	d := &backendDialer{
		dialer: &net.Dialer{
			Timeout:  timeout,
			Resolver: &net.Resolver{},
		},
		forwardRules: cfg.ForwardRules,
	}

	if cfg.ForwardProxy != "" {
		var u *url.URL
		u, err = url.Parse(cfg.ForwardProxy)
		if err != nil {
			return nil, fmt.Errorf(
				"frontend: failed to parse forward-proxy %s: %w",
				cfg.ForwardProxy,
				err,
			)
		}

		d.proxyDialer, err = proxy.FromURL(u, d.dialer)
		if err != nil {
			return nil, fmt.Errorf(
				"frontend: failed to init forward-proxy %s: %w",
				cfg.ForwardProxy,
				err,
			)
		}
	}

	// Backends are commonly addressed by IP or internal names, so their
	// certificates are not verified.
	//
	// #nosec G402 -- Backends are trusted.
	tlsConf := &tls.Config{InsecureSkipVerify: true}

	return &http.Transport{
		DialContext:         d.DialContext,
		DisableKeepAlives:   true,
		TLSClientConfig:     tlsConf,
		TLSHandshakeTimeout: timeout,
	}, nil
}

// DialContext opens a TCP connection to the backend address.  It applies the
// forward rules when the forward proxy is configured.
func (d *backendDialer) DialContext(
	ctx context.Context,
	network string,
	addr string,
) (conn net.Conn, err error) {
	if !d.shouldForward(addr) {
		return d.dialer.DialContext(ctx, network, addr)
	}

	log.Debug("frontend: dialing %s through the forward proxy", addr)

	if cd, ok := d.proxyDialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}

	return d.proxyDialer.Dial(network, addr)
}

// shouldForward checks if the connection to addr should go through the
// forward proxy.
func (d *backendDialer) shouldForward(addr string) (ok bool) {
	if d.proxyDialer == nil {
		return false
	}

	if len(d.forwardRules) == 0 {
		// Forward all connections if there are no rules.
		return true
	}

	host, err := netutil.SplitHost(addr)
	if err != nil {
		host = addr
	}

	return filter.MatchWildcards(host, d.forwardRules)
}
