// Package tlslistener is responsible for the HTTPS listening socket.  The
// socket is bound with a server-wide credential and selects the certificate
// for every handshake by the SNI hostname.  It can be stopped and restarted
// at runtime when the server-wide credential changes.
package tlslistener

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
)

// ErrNoCredential is returned from the handshake hook when there is neither a
// per-domain nor a server-wide credential for the requested hostname.
const ErrNoCredential errors.Error = "no credential for hostname"

// ErrNilCredential is returned by [Manager.Start] when called without a
// credential.
const ErrNilCredential errors.Error = "nil server credential"

// defaultReadHeaderTimeout is used when [Config.ReadHeaderTimeout] is zero.
// The TLS handshake is a part of it.
const defaultReadHeaderTimeout = 20 * time.Second

// State is the state of the HTTPS listener.
type State uint8

// State values.
const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String implements the fmt.Stringer interface for State.
func (s State) String() (str string) {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// CredentialSource returns the per-domain credential for a hostname.
type CredentialSource interface {
	// CredentialFor returns the credential for hostname or nil.
	CredentialFor(hostname string) (c *tls.Certificate)
}

// Config is the HTTPS listener configuration.
type Config struct {
	// ListenAddr is the address the HTTPS listener binds to.
	ListenAddr *net.TCPAddr

	// Credentials is used to select the per-domain certificate.
	Credentials CredentialSource

	// Handler handles the requests of the accepted connections.
	Handler http.Handler

	// ReadHeaderTimeout limits the handshake and the request headers.
	ReadHeaderTimeout time.Duration
}

// Manager owns the HTTPS listening socket and the server-wide credential.
type Manager struct {
	listenAddr        *net.TCPAddr
	creds             CredentialSource
	handler           http.Handler
	readHeaderTimeout time.Duration

	// serverCred is read by every handshake.
	serverCred *atomic.Pointer[tls.Certificate]

	// cycleMu makes sure only one stop/start cycle runs at a time.
	cycleMu *sync.Mutex

	// mu protects the fields below.
	mu *sync.Mutex

	// pending is the credential of the latest start request that hasn't been
	// picked up by a cycle yet.
	pending *tls.Certificate
	state   State
	ln      net.Listener
	done    chan struct{}
}

// type check
var _ io.Closer = (*Manager)(nil)

// New creates a new stopped *Manager.
func New(cfg *Config) (m *Manager) {
	timeout := cfg.ReadHeaderTimeout
	if timeout == 0 {
		timeout = defaultReadHeaderTimeout
	}

	return &Manager{
		listenAddr:        cfg.ListenAddr,
		creds:             cfg.Credentials,
		handler:           cfg.Handler,
		readHeaderTimeout: timeout,
		serverCred:        &atomic.Pointer[tls.Certificate]{},
		cycleMu:           &sync.Mutex{},
		mu:                &sync.Mutex{},
	}
}

// Start (re)starts the listener with cred as the server-wide credential.  If
// the listener is running, it is fully stopped first.  Concurrent calls are
// serialized, and a call that waited for another cycle does nothing if a
// newer Start or Stop arrived in the meantime.
func (m *Manager) Start(cred *tls.Certificate) (err error) {
	if cred == nil {
		return fmt.Errorf("tlslistener: %w", ErrNilCredential)
	}

	m.mu.Lock()
	m.pending = cred
	m.mu.Unlock()

	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	m.mu.Lock()
	cred, m.pending = m.pending, nil
	m.mu.Unlock()

	if cred == nil {
		log.Debug("tlslistener: start request superseded")

		return nil
	}

	m.stop()

	return m.start(cred)
}

// Stop stops the listener and clears the server-wide credential.  Already
// accepted connections are not interrupted.  Stopping a stopped listener is a
// no-op.
func (m *Manager) Stop() (err error) {
	m.mu.Lock()
	m.pending = nil
	m.mu.Unlock()

	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	m.stop()

	return nil
}

// Close implements the [io.Closer] interface for *Manager.
func (m *Manager) Close() (err error) {
	return m.Stop()
}

// State returns the current state of the listener.
func (m *Manager) State() (s State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Addr returns the address of the listening socket or nil if the listener
// isn't running.
func (m *Manager) Addr() (addr net.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ln == nil {
		return nil
	}

	return m.ln.Addr()
}

// ServerCredential returns the current server-wide credential.
func (m *Manager) ServerCredential() (c *tls.Certificate) {
	return m.serverCred.Load()
}

// SelectCredential returns the credential that should be presented to a
// client that asked for hostname.  The per-domain credential is preferred,
// the server-wide one is the fallback.  c is nil if there is neither.
func (m *Manager) SelectCredential(hostname string) (c *tls.Certificate) {
	if c = m.creds.CredentialFor(hostname); c != nil {
		return c
	}

	return m.serverCred.Load()
}

// getCertificate is the [tls.Config.GetCertificate] hook.
func (m *Manager) getCertificate(hello *tls.ClientHelloInfo) (c *tls.Certificate, err error) {
	c = m.SelectCredential(hello.ServerName)
	if c == nil {
		return nil, fmt.Errorf("tlslistener: %q: %w", hello.ServerName, ErrNoCredential)
	}

	return c, nil
}

// start binds the socket and starts serving.  cycleMu must be locked.
func (m *Manager) start(cred *tls.Certificate) (err error) {
	m.setState(StateStarting)
	m.serverCred.Store(cred)

	ln, err := net.ListenTCP("tcp", m.listenAddr)
	if err != nil {
		m.serverCred.Store(nil)
		m.setState(StateStopped)

		return fmt.Errorf("tlslistener: failed to bind %s: %w", m.listenAddr, err)
	}

	tlsConf := &tls.Config{
		GetCertificate: m.getCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"http/1.1"},
	}

	srv := &http.Server{
		Handler:           m.handler,
		ReadHeaderTimeout: m.readHeaderTimeout,
		ErrorLog:          log.StdLog("tlslistener: http", log.DEBUG),
	}

	done := make(chan struct{})

	m.mu.Lock()
	m.ln = ln
	m.done = done
	m.state = StateRunning
	m.mu.Unlock()

	go m.serve(srv, tls.NewListener(ln, tlsConf), done)

	log.Info("tlslistener: listening for TLS connections on %s", ln.Addr())

	return nil
}

// serve runs the accept loop and closes done when it exits.
func (m *Manager) serve(srv *http.Server, ln net.Listener, done chan struct{}) {
	defer close(done)

	err := srv.Serve(ln)
	if errors.Is(err, net.ErrClosed) {
		log.Info("tlslistener: exiting listener loop as it has been closed")

		return
	}

	// The socket is gone without being stopped, so make sure nobody thinks
	// that the listener is still running.
	m.mu.Lock()
	if m.state == StateRunning {
		m.state = StateStopped
	}
	m.mu.Unlock()

	log.Error("tlslistener: listener loop exited unexpectedly: %s", err)
}

// stop closes the socket and waits for the accept loop to exit.  cycleMu must
// be locked.
func (m *Manager) stop() {
	m.mu.Lock()
	ln, done := m.ln, m.done
	if ln == nil {
		m.mu.Unlock()

		return
	}
	m.state = StateStopping
	m.mu.Unlock()

	log.Info("tlslistener: stopping listener on %s", ln.Addr())

	if err := ln.Close(); err != nil {
		log.Debug("tlslistener: closing listener: %s", err)
	}
	<-done

	m.serverCred.Store(nil)

	m.mu.Lock()
	m.ln = nil
	m.done = nil
	m.state = StateStopped
	m.mu.Unlock()

	log.Info("tlslistener: stopped")
}

// setState sets the listener state.
func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = s
}
