package control_test

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ameshkov/vhostproxy/internal/control"
	"github.com/ameshkov/vhostproxy/internal/frontend"
	"github.com/ameshkov/vhostproxy/internal/routing"
	"github.com/ameshkov/vhostproxy/internal/testutil"
	"github.com/ameshkov/vhostproxy/internal/tlslistener"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testProxy is the whole proxy assembled on local addresses.
type testProxy struct {
	proc     *control.Processor
	listener *tlslistener.Manager
	plain    *frontend.Server
}

func newTestProxy(t *testing.T) (p *testProxy) {
	t.Helper()

	tbl := routing.NewTable()

	transport, err := frontend.NewTransport(&frontend.TransportConfig{})
	require.NoError(t, err)

	l := tlslistener.New(&tlslistener.Config{
		ListenAddr:  testutil.LocalAddr(),
		Credentials: tbl,
		Handler:     frontend.NewDispatcher(tbl, transport),
	})
	t.Cleanup(func() { require.NoError(t, l.Close()) })

	plain := frontend.NewServer(
		&frontend.ServerConfig{ListenAddr: testutil.LocalAddr()},
		frontend.NewRedirector(tbl),
	)
	require.NoError(t, plain.Start())
	t.Cleanup(func() { require.NoError(t, plain.Close()) })

	return &testProxy{
		proc:     control.NewProcessor(tbl, l),
		listener: l,
		plain:    plain,
	}
}

// send applies a single JSON control message.
func (p *testProxy) send(t *testing.T, msg map[string]any) {
	t.Helper()

	b, err := json.Marshal(msg)
	require.NoError(t, err)

	dec, err := control.NewDecoder(control.FormatJSON, strings.NewReader(string(b)))
	require.NoError(t, err)

	require.NoError(t, p.proc.Run(context.Background(), dec))
}

// do sends a request for host to addr and doesn't follow redirects.
func do(t *testing.T, scheme, addr, host, uri string) (resp *http.Response, err error) {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
			TLSClientConfig: &tls.Config{
				ServerName: host,
				// #nosec G402 -- Self-signed test certificates.
				InsecureSkipVerify: true,
			},
		},
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequest(http.MethodGet, scheme+"://"+addr+uri, nil)
	require.NoError(t, err)
	req.Host = host

	resp, err = client.Do(req)
	if err == nil {
		t.Cleanup(func() { _ = resp.Body.Close() })
	}

	return resp, err
}

func TestProxy_endToEnd(t *testing.T) {
	type backendRequest struct {
		uri string
		xff string
	}

	reqs := make(chan backendRequest, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqs <- backendRequest{
			uri: r.URL.RequestURI(),
			xff: r.Header.Get("X-Forwarded-For"),
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(backend.Close)

	p := newTestProxy(t)
	server := testutil.NewKeyPair(t, "server")

	p.send(t, map[string]any{
		control.SelfKey: map[string]any{"key": server.KeyPEM, "cert": server.CertPEM},
		"example.com":   map[string]any{"target": backend.URL},
	})
	require.Equal(t, tlslistener.StateRunning, p.listener.State())

	httpsAddr := p.listener.Addr().String()
	httpAddr := p.plain.Addr().String()

	t.Run("https_forward", func(t *testing.T) {
		resp, err := do(t, "https", httpsAddr, "example.com", "/original/path?q=1")
		require.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		got := <-reqs
		assert.Equal(t, "/original/path?q=1", got.uri)
		assert.Equal(t, "127.0.0.1", got.xff)
	})

	t.Run("http_redirect", func(t *testing.T) {
		resp, err := do(t, "http", httpAddr, "example.com", "/original/path?q=1")
		require.NoError(t, err)
		assert.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
		assert.Equal(t, "https://example.com/original/path?q=1", resp.Header.Get("Location"))
	})

	t.Run("unknown", func(t *testing.T) {
		resp, err := do(t, "https", httpsAddr, "unknown.example.org", "/")
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		resp, err = do(t, "http", httpAddr, "unknown.example.org", "/")
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("delete", func(t *testing.T) {
		p.send(t, map[string]any{"example.com": nil})

		resp, err := do(t, "https", httpsAddr, "example.com", "/")
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("self_stop", func(t *testing.T) {
		p.send(t, map[string]any{control.SelfKey: nil})
		require.Equal(t, tlslistener.StateStopped, p.listener.State())

		_, err := do(t, "https", httpsAddr, "example.com", "/")
		assert.Error(t, err)
	})
}

func TestProxy_selfUpdateRestart(t *testing.T) {
	p := newTestProxy(t)
	first := testutil.NewKeyPair(t, "first")
	second := testutil.NewKeyPair(t, "second")
	domain := testutil.NewKeyPair(t, "*.example.com")

	p.send(t, map[string]any{
		"*.example.com": map[string]any{
			"redirect": "https://example.org",
			"key":      domain.KeyPEM,
			"cert":     domain.CertPEM,
		},
	})

	// No server-wide credential yet, so there is no listener.
	assert.Equal(t, tlslistener.StateStopped, p.listener.State())

	p.send(t, map[string]any{control.SelfKey: map[string]any{"key": first.KeyPEM, "cert": first.CertPEM}})
	require.Equal(t, tlslistener.StateRunning, p.listener.State())

	leaf, err := testutil.PeerCertificate(p.listener.Addr(), "other.example.net")
	require.NoError(t, err)
	assert.Equal(t, "first", leaf.Subject.CommonName)

	p.send(t, map[string]any{control.SelfKey: map[string]any{"key": second.KeyPEM, "cert": second.CertPEM}})
	require.Equal(t, tlslistener.StateRunning, p.listener.State())

	leaf, err = testutil.PeerCertificate(p.listener.Addr(), "other.example.net")
	require.NoError(t, err)
	assert.Equal(t, "second", leaf.Subject.CommonName)

	leaf, err = testutil.PeerCertificate(p.listener.Addr(), "www.example.com")
	require.NoError(t, err)
	assert.Equal(t, "*.example.com", leaf.Subject.CommonName)

	resp, err := do(t, "https", p.listener.Addr().String(), "www.example.com", "/path")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
	assert.Equal(t, "https://example.org", resp.Header.Get("Location"))
}

func TestProxy_noHost(t *testing.T) {
	p := newTestProxy(t)
	server := testutil.NewKeyPair(t, "server")

	p.send(t, map[string]any{
		control.SelfKey: map[string]any{"key": server.KeyPEM, "cert": server.CertPEM},
		"example.com":   map[string]any{"redirect": "https://example.org"},
	})
	require.Equal(t, tlslistener.StateRunning, p.listener.State())

	testCases := []struct {
		name     string
		req      string
		wantCode int
	}{{
		name:     "http10_without_host",
		req:      "GET / HTTP/1.0\r\n\r\n",
		wantCode: http.StatusNotFound,
	}, {
		name:     "http11_empty_host",
		req:      "GET / HTTP/1.1\r\nHost: \r\nConnection: close\r\n\r\n",
		wantCode: http.StatusNotFound,
	}, {
		// net/http rejects it before the handler is called.
		name:     "http11_without_host",
		req:      "GET / HTTP/1.1\r\nConnection: close\r\n\r\n",
		wantCode: http.StatusBadRequest,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			conn, err := tls.Dial("tcp", p.listener.Addr().String(), &tls.Config{
				ServerName: "example.com",
				// #nosec G402 -- Self-signed test certificates.
				InsecureSkipVerify: true,
			})
			require.NoError(t, err)

			assert.Equal(t, tc.wantCode, testutil.RawStatus(t, conn, tc.req))
		})
	}
}
