package frontend

import (
	"net"
	"time"
)

// TransportConfig is the configuration of the backend transport.
type TransportConfig struct {
	// ForwardProxy is the address of a SOCKS5/HTTP/HTTPS proxy that backend
	// connections will be made through according to ForwardRules.
	ForwardProxy string

	// ForwardRules is a list of wildcards that define which backend hosts
	// are connected to through ForwardProxy.  If the list is empty and
	// ForwardProxy is set, all backend connections go through the proxy.
	ForwardRules []string

	// DialTimeout is the timeout for connecting to a backend.  If not set,
	// the default one is used.
	DialTimeout time.Duration
}

// ServerConfig is the configuration of the plain HTTP listener.
type ServerConfig struct {
	// ListenAddr is the address the plain HTTP listener binds to.
	ListenAddr *net.TCPAddr

	// ReadHeaderTimeout limits reading the request headers.  If not set, the
	// default one is used.
	ReadHeaderTimeout time.Duration
}
