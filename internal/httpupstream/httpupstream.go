// Package httpupstream adds HTTP and HTTPS forward proxies support to
// golang.org/x/net/proxy.  Backend connections are tunneled through such a
// proxy with the CONNECT method.
//
// The dialer keeps the CONNECT semantics of the sniproxy forward-proxy
// dialer unchanged and is used for backend egress only.
package httpupstream

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/AdguardTeam/golibs/log"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/ameshkov/vhostproxy/internal/version"
	"golang.org/x/net/proxy"
)

// responseTerminator is the end of the CONNECT response headers.
var responseTerminator = []byte("\r\n\r\n")

// Dialer implements proxy.Dialer and proxy.ContextDialer for HTTP and HTTPS
// forward proxies.
type Dialer struct {
	userinfo *url.Userinfo
	next     proxy.ContextDialer
	address  string
	tls      bool
}

// type check
var (
	_ proxy.Dialer        = (*Dialer)(nil)
	_ proxy.ContextDialer = (*Dialer)(nil)
)

// init registers http and https schemes.
func init() {
	proxy.RegisterDialerType("http", FromURL)
	proxy.RegisterDialerType("https", FromURL)
}

// NewDialer creates a new *Dialer that connects to the proxy at address using
// next.
func NewDialer(address string, useTLS bool, userinfo *url.Userinfo, next proxy.Dialer) (d *Dialer) {
	return &Dialer{
		userinfo: userinfo,
		next:     asContextDialer(next),
		address:  address,
		tls:      useTLS,
	}
}

// FromURL creates a proxy.Dialer from an http:// or https:// URL.
func FromURL(u *url.URL, next proxy.Dialer) (d proxy.Dialer, err error) {
	port := u.Port()
	useTLS := false

	switch strings.ToLower(u.Scheme) {
	case "http":
		if port == "" {
			port = "80"
		}
	case "https":
		useTLS = true
		if port == "" {
			port = "443"
		}
	default:
		return nil, fmt.Errorf("httpupstream: unsupported scheme %s", u.Scheme)
	}

	return NewDialer(net.JoinHostPort(u.Hostname(), port), useTLS, u.User, next), nil
}

// Dial implements the proxy.Dialer interface for *Dialer.
func (d *Dialer) Dial(network, address string) (conn net.Conn, err error) {
	return d.DialContext(context.Background(), network, address)
}

// DialContext implements the proxy.ContextDialer interface for *Dialer.  The
// connection is closed if ctx is canceled before the tunnel is established.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (conn net.Conn, err error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("httpupstream: unsupported network %s", network)
	}

	conn, err = d.next.DialContext(ctx, "tcp", d.address)
	if err != nil {
		return nil, fmt.Errorf("httpupstream: connecting to proxy: %w", err)
	}

	if d.tls {
		hostname, hErr := netutil.SplitHost(d.address)
		if hErr != nil {
			hostname = d.address
		}

		conn = tls.Client(conn, &tls.Config{ServerName: hostname})
	}

	stopGuard := make(chan struct{})
	guardErr := make(chan error, 1)
	go func() {
		select {
		case <-stopGuard:
			guardErr <- nil
		case <-ctx.Done():
			_ = conn.Close()
			guardErr <- ctx.Err()
		}
	}()

	err = d.connect(conn, address)
	close(stopGuard)
	if gErr := <-guardErr; gErr != nil {
		err = fmt.Errorf("httpupstream: context error: %w", gErr)
	}

	if err != nil {
		log.OnCloserError(conn, log.DEBUG)

		return nil, err
	}

	return conn, nil
}

// connect sends the CONNECT request for address and checks the response.
func (d *Dialer) connect(conn net.Conn, address string) (err error) {
	req := &bytes.Buffer{}
	_, _ = fmt.Fprintf(req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", address, address)
	if d.userinfo != nil {
		_, _ = fmt.Fprintf(req, "Proxy-Authorization: %s\r\n", basicAuth(d.userinfo))
	}
	_, _ = fmt.Fprintf(req, "User-Agent: vhostproxy/%s\r\n\r\n", version.VersionString)

	if _, err = io.Copy(conn, req); err != nil {
		return fmt.Errorf("httpupstream: writing connect request: %w", err)
	}

	resp, err := readResponse(conn)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("httpupstream: bad status code from proxy: %d", resp.StatusCode)
	}

	return nil
}

// readResponse reads the response headers from r.  It reads byte by byte so
// that nothing after the headers is consumed from the connection.
func readResponse(r io.Reader) (resp *http.Response, err error) {
	buf := &bytes.Buffer{}
	b := make([]byte, 1)
	for !bytes.HasSuffix(buf.Bytes(), responseTerminator) {
		var n int
		n, err = r.Read(b)
		if err != nil {
			return nil, fmt.Errorf("httpupstream: reading connect response: %w", err)
		}

		buf.Write(b[:n])
	}

	resp, err = http.ReadResponse(bufio.NewReader(buf), nil)
	if err != nil {
		return nil, fmt.Errorf("httpupstream: decoding connect response: %w", err)
	}

	return resp, nil
}

// basicAuth returns the value of the Proxy-Authorization header.
func basicAuth(userinfo *url.Userinfo) (h string) {
	password, _ := userinfo.Password()
	creds := userinfo.Username() + ":" + password

	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}

// contextDialer adds DialContext to a proxy.Dialer that doesn't have it.
type contextDialer struct {
	proxy.Dialer
}

// type check
var _ proxy.ContextDialer = contextDialer{}

// DialContext implements the proxy.ContextDialer interface for contextDialer.
func (cd contextDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}

	ch := make(chan result, 1)
	go func() {
		conn, err := cd.Dial(network, address)
		ch <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				log.OnCloserError(res.conn, log.DEBUG)
			}
		}()

		return nil, ctx.Err()
	case res := <-ch:
		return res.conn, res.err
	}
}

// asContextDialer returns d as a proxy.ContextDialer, wrapping it if needed.
func asContextDialer(d proxy.Dialer) (cd proxy.ContextDialer) {
	if xd, ok := d.(proxy.ContextDialer); ok {
		return xd
	}

	return contextDialer{Dialer: d}
}
