package cmd

import "encoding/json"

// Options represents console arguments.
type Options struct {
	// TLSListenAddress is the IP address the HTTPS listener binds to once the
	// server-wide credential arrives.
	TLSListenAddress string `long:"tls-address" description:"IP address the proxy will be listening for TLS connections." default:"0.0.0.0"`

	// TLSPort is the port of the HTTPS listener.
	TLSPort int `long:"tls-port" description:"Port the proxy will be listening for TLS connections." default:"443"`

	// HTTPListenAddress is the IP address of the plain HTTP listener that
	// redirects known domains to HTTPS.
	HTTPListenAddress string `long:"http-address" description:"IP address the proxy will be listening for plain HTTP connections." default:"0.0.0.0"`

	// HTTPPort is the port of the plain HTTP listener.
	HTTPPort int `long:"http-port" description:"Port the proxy will be listening for plain HTTP connections." default:"80"`

	// ControlFormat is the wire format of the control channel messages.
	ControlFormat string `long:"control-format" description:"Format of the control channel messages." choice:"msgpack" choice:"json" default:"msgpack"`

	// ControlAddress is the address of the TCP control channel.  If not set,
	// the control messages are read from stdin.
	ControlAddress string `long:"control-address" description:"host:port to accept control connections on. If not set, control messages are read from stdin."`

	// ForwardProxy is the address of a SOCKS5/HTTP/HTTPS proxy that backend
	// connections will go through according to ForwardRules.
	ForwardProxy string `long:"forward-proxy" description:"Address of a SOCKS5/HTTP/HTTPS proxy that backend connections will go through according to forward-rule."`

	// ForwardRules is a list of wildcards that define which backend hosts are
	// reached through ForwardProxy.  If the list is empty and ForwardProxy is
	// set, all backend connections go through it.
	ForwardRules []string `long:"forward-rule" description:"Wildcard that defines which backend hosts are reached through forward-proxy. Can be specified multiple times. If no rules are specified, all backend connections go through the proxy."`

	// DNS settings
	// --

	// DNSListenAddress is the IP address the DNS server will be listening to.
	DNSListenAddress string `long:"dns-address" description:"IP address that the DNS server will be listening to." default:"0.0.0.0"`

	// DNSPort is the port the DNS server will be listening to.  The DNS
	// server is disabled if it is zero.
	DNSPort int `long:"dns-port" description:"Port the DNS server will be listening to. The DNS server is disabled when it is 0." default:"0"`

	// DNSUpstream is the address of the DNS server that queries for names
	// that aren't routed by the proxy are forwarded to.
	DNSUpstream string `long:"dns-upstream" description:"The address of the DNS server the queries for other names are forwarded to." default:"8.8.8.8"`

	// DNSRedirectIPV4To is the IPv4 address A queries for routed domains are
	// answered with.
	DNSRedirectIPV4To string `long:"dns-redirect-ipv4-to" description:"IPv4 address that type A queries for routed domains are answered with."`

	// DNSRedirectIPV6To is the IPv6 address AAAA queries for routed domains
	// are answered with.
	DNSRedirectIPV6To string `long:"dns-redirect-ipv6-to" description:"IPv6 address that type AAAA queries for routed domains are answered with."`

	// DNSDropRules is a list of wildcards that define DNS queries to which
	// domains will be dropped.
	DNSDropRules []string `long:"dns-drop-rule" description:"Wildcard that defines DNS queries to which domains should be dropped. Can be specified multiple times."`

	// Log settings
	// --

	// Verbose defines whether we should write the DEBUG-level log or not.
	Verbose bool `long:"verbose" description:"Verbose output (optional)" optional:"yes" optional-value:"true"`

	// LogOutput is the optional path to the log file.
	LogOutput string `long:"output" description:"Path to the log file. If not set, write to stdout."`
}

// String implements fmt.Stringer interface for Options.
func (o *Options) String() (s string) {
	b, _ := json.MarshalIndent(o, "", "    ")
	return string(b)
}
