package control

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
)

// errNotStarted is returned by [Server.Serve] when [Server.Start] hasn't been
// called.
const errNotStarted errors.Error = "control: server is not started"

// Server is a TCP control channel.  It accepts one control connection at a
// time so that updates from all connections are still applied by a single
// writer in the order they arrive.
type Server struct {
	proc   *Processor
	addr   *net.TCPAddr
	format Format

	// mu protects ln and conn.
	mu   *sync.Mutex
	ln   net.Listener
	conn net.Conn
}

// type check
var _ io.Closer = (*Server)(nil)

// NewServer creates a new *Server that will listen on addr and decode
// messages of the given format.
func NewServer(proc *Processor, format Format, addr *net.TCPAddr) (s *Server) {
	return &Server{
		proc:   proc,
		addr:   addr,
		format: format,
		mu:     &sync.Mutex{},
	}
}

// Start binds the control socket.
func (s *Server) Start() (err error) {
	ln, err := net.ListenTCP("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control: failed to start control server: %w", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	log.Info("control: listening for control connections on %s", ln.Addr())

	return nil
}

// Addr returns the address the server is listening on or nil if it isn't
// started.
func (s *Server) Addr() (addr net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return nil
	}

	return s.ln.Addr()
}

// Serve accepts control connections and applies their messages until the
// server is closed or a listener failure happens.  Start must be called
// first.  It returns nil when the server is closed.
func (s *Server) Serve(ctx context.Context) (err error) {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	if ln == nil {
		return errNotStarted
	}

	for {
		var conn net.Conn
		conn, err = ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Info("control: exiting accept loop as the listener has been closed")

				return nil
			}

			return fmt.Errorf("control: accepting connection: %w", err)
		}

		err = s.handle(ctx, conn)
		if errors.Is(err, ErrListener) || errors.Is(err, context.Canceled) {
			return err
		}
	}
}

// handle applies all messages of a single control connection.
func (s *Server) handle(ctx context.Context, conn net.Conn) (err error) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		log.OnCloserError(conn, log.DEBUG)
	}()

	log.Info("control: accepted control connection from %s", conn.RemoteAddr())

	dec, err := NewDecoder(s.format, conn)
	if err != nil {
		return err
	}

	err = s.proc.Run(ctx, dec)
	if err != nil {
		log.Error("control: control connection from %s: %s", conn.RemoteAddr(), err)
	}

	return err
}

// Close implements the [io.Closer] interface for *Server.  The current control
// connection is closed as well, the error of closing it is only logged.
func (s *Server) Close() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		log.OnCloserError(s.conn, log.DEBUG)
	}

	if s.ln != nil {
		err = s.ln.Close()
	}

	return err
}
