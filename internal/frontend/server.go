package frontend

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
)

// defaultReadHeaderTimeout is used when [ServerConfig.ReadHeaderTimeout] is
// zero.
const defaultReadHeaderTimeout = 10 * time.Second

// Server is the plain HTTP listener.
type Server struct {
	listenAddr *net.TCPAddr
	srv        *http.Server

	// mu protects ln.
	mu *sync.Mutex
	ln net.Listener
}

// type check
var _ io.Closer = (*Server)(nil)

// NewServer creates a new *Server that serves h.
func NewServer(cfg *ServerConfig, h http.Handler) (s *Server) {
	timeout := cfg.ReadHeaderTimeout
	if timeout == 0 {
		timeout = defaultReadHeaderTimeout
	}

	return &Server{
		listenAddr: cfg.ListenAddr,
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: timeout,
			ErrorLog:          log.StdLog("frontend: http", log.DEBUG),
		},
		mu: &sync.Mutex{},
	}
}

// Start binds the socket and starts serving in a separate goroutine.
func (s *Server) Start() (err error) {
	log.Info("frontend: starting plain http listener")

	ln, err := net.ListenTCP("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("frontend: failed to start plain http listener: %w", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go s.serve(ln)

	return nil
}

// Addr returns the address of the listening socket or nil if the server isn't
// started.
func (s *Server) Addr() (addr net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return nil
	}

	return s.ln.Addr()
}

// serve runs the accept loop.
func (s *Server) serve(ln net.Listener) {
	log.Info("frontend: listening for HTTP connections on %s", ln.Addr())

	err := s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		log.Info("frontend: exiting listener loop as it has been closed")

		return
	}

	log.Error("frontend: plain http listener loop exited: %s", err)
}

// Close implements the [io.Closer] interface for *Server.
func (s *Server) Close() (err error) {
	log.Info("frontend: stopping plain http listener")

	err = s.srv.Close()

	log.Info("frontend: stopped")

	return err
}
