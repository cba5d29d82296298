package tlslistener_test

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"

	"github.com/ameshkov/vhostproxy/internal/routing"
	"github.com/ameshkov/vhostproxy/internal/testutil"
	"github.com/ameshkov/vhostproxy/internal/tlslistener"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, tbl *routing.Table, addr *net.TCPAddr) (m *tlslistener.Manager) {
	t.Helper()

	m = tlslistener.New(&tlslistener.Config{
		ListenAddr:  addr,
		Credentials: tbl,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}),
	})
	t.Cleanup(func() { require.NoError(t, m.Close()) })

	return m
}

func TestManager_Start(t *testing.T) {
	tbl := routing.NewTable()
	domain := testutil.NewKeyPair(t, "*.example.com")
	server := testutil.NewKeyPair(t, "server")
	tbl.Upsert("*.example.com", routing.Fields{Credential: domain.Certificate})

	m := newManager(t, tbl, testutil.LocalAddr())
	assert.Equal(t, tlslistener.StateStopped, m.State())
	assert.Nil(t, m.Addr())

	require.NoError(t, m.Start(server.Certificate))
	require.Equal(t, tlslistener.StateRunning, m.State())
	require.NotNil(t, m.Addr())
	assert.Same(t, server.Certificate, m.ServerCredential())

	leaf, err := testutil.PeerCertificate(m.Addr(), "www.example.com")
	require.NoError(t, err)
	assert.Equal(t, "*.example.com", leaf.Subject.CommonName)

	leaf, err = testutil.PeerCertificate(m.Addr(), "other.example.org")
	require.NoError(t, err)
	assert.Equal(t, "server", leaf.Subject.CommonName)

	// Per-domain credentials are picked up by the running listener.
	other := testutil.NewKeyPair(t, "other.example.org")
	tbl.Upsert("other.example.org", routing.Fields{Credential: other.Certificate})

	leaf, err = testutil.PeerCertificate(m.Addr(), "other.example.org")
	require.NoError(t, err)
	assert.Equal(t, "other.example.org", leaf.Subject.CommonName)
}

func TestManager_restart(t *testing.T) {
	first := testutil.NewKeyPair(t, "first")
	second := testutil.NewKeyPair(t, "second")

	m := newManager(t, routing.NewTable(), testutil.LocalAddr())

	require.NoError(t, m.Start(first.Certificate))
	oldAddr := m.Addr()

	require.NoError(t, m.Start(second.Certificate))
	require.Equal(t, tlslistener.StateRunning, m.State())

	leaf, err := testutil.PeerCertificate(m.Addr(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, "second", leaf.Subject.CommonName)

	if oldAddr.String() != m.Addr().String() {
		_, err = testutil.PeerCertificate(oldAddr, "example.com")
		assert.Error(t, err)
	}
}

func TestManager_restart_samePort(t *testing.T) {
	addr := testutil.FreeAddr(t)
	m := newManager(t, routing.NewTable(), addr)

	const n = 10

	for i := 0; i < n; i++ {
		name := fmt.Sprintf("server-%d", i)
		kp := testutil.NewKeyPair(t, name)

		require.NoError(t, m.Start(kp.Certificate))
		require.Equal(t, tlslistener.StateRunning, m.State())
		require.Equal(t, addr.String(), m.Addr().String())

		leaf, err := testutil.PeerCertificate(m.Addr(), "example.com")
		require.NoError(t, err)
		assert.Equal(t, name, leaf.Subject.CommonName)
	}

	// The port is released after the listener is stopped.
	require.NoError(t, m.Stop())

	ln, err := net.ListenTCP("tcp", addr)
	require.NoError(t, err)
	require.NoError(t, ln.Close())
}

func TestManager_Stop(t *testing.T) {
	server := testutil.NewKeyPair(t, "server")
	m := newManager(t, routing.NewTable(), testutil.LocalAddr())

	// Stopping a stopped listener is a no-op.
	require.NoError(t, m.Stop())
	assert.Equal(t, tlslistener.StateStopped, m.State())

	require.NoError(t, m.Start(server.Certificate))
	addr := m.Addr()

	require.NoError(t, m.Stop())
	assert.Equal(t, tlslistener.StateStopped, m.State())
	assert.Nil(t, m.Addr())
	assert.Nil(t, m.ServerCredential())

	_, err := testutil.PeerCertificate(addr, "example.com")
	assert.Error(t, err)

	require.NoError(t, m.Stop())
}

func TestManager_Start_errors(t *testing.T) {
	t.Run("nil_credential", func(t *testing.T) {
		m := newManager(t, routing.NewTable(), testutil.LocalAddr())

		err := m.Start(nil)
		assert.ErrorIs(t, err, tlslistener.ErrNilCredential)
		assert.Equal(t, tlslistener.StateStopped, m.State())
	})

	t.Run("bind_failure", func(t *testing.T) {
		busy, err := net.ListenTCP("tcp", testutil.LocalAddr())
		require.NoError(t, err)
		t.Cleanup(func() { _ = busy.Close() })

		addr := busy.Addr().(*net.TCPAddr)
		m := newManager(t, routing.NewTable(), addr)

		err = m.Start(testutil.NewKeyPair(t, "server").Certificate)
		require.Error(t, err)
		assert.Equal(t, tlslistener.StateStopped, m.State())
		assert.Nil(t, m.Addr())
		assert.Nil(t, m.ServerCredential())
	})
}

func TestManager_SelectCredential(t *testing.T) {
	tbl := routing.NewTable()
	domain := testutil.NewKeyPair(t, "example.com")
	tbl.Upsert("example.com", routing.Fields{Credential: domain.Certificate})

	m := newManager(t, tbl, testutil.LocalAddr())

	assert.Same(t, domain.Certificate, m.SelectCredential("example.com"))
	assert.Nil(t, m.SelectCredential("example.org"))

	server := testutil.NewKeyPair(t, "server")
	require.NoError(t, m.Start(server.Certificate))

	assert.Same(t, domain.Certificate, m.SelectCredential("example.com"))
	assert.Same(t, server.Certificate, m.SelectCredential("example.org"))
	assert.Same(t, server.Certificate, m.SelectCredential(""))
}

func TestManager_Start_concurrent(t *testing.T) {
	m := newManager(t, routing.NewTable(), testutil.LocalAddr())

	const n = 8

	certs := make([]*tls.Certificate, n)
	for i := range certs {
		certs[i] = testutil.NewKeyPair(t, "server").Certificate
	}

	var wg sync.WaitGroup
	for _, c := range certs {
		wg.Add(1)
		go func(c *tls.Certificate) {
			defer wg.Done()

			assert.NoError(t, m.Start(c))
		}(c)
	}
	wg.Wait()

	require.Equal(t, tlslistener.StateRunning, m.State())
	assert.Contains(t, certs, m.ServerCredential())

	_, err := testutil.PeerCertificate(m.Addr(), "example.com")
	assert.NoError(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "stopped", tlslistener.StateStopped.String())
	assert.Equal(t, "starting", tlslistener.StateStarting.String())
	assert.Equal(t, "running", tlslistener.StateRunning.String())
	assert.Equal(t, "stopping", tlslistener.StateStopping.String())
	assert.Equal(t, "state(42)", tlslistener.State(42).String())
}
