package dnsproxy

import (
	"net"
	"net/netip"

	"github.com/ameshkov/vhostproxy/internal/routing"
)

// Router looks up domain records by hostname.
type Router interface {
	// Lookup returns the record that serves hostname or nil.
	Lookup(hostname string) (r *routing.Record)
}

// Config is the DNS proxy configuration.
type Config struct {
	// Router is used to check if a queried name is served by the proxy.
	Router Router

	// RedirectIPv4To is the IP address A queries for routed names are
	// answered with.
	RedirectIPv4To net.IP

	// RedirectIPv6To is the IP address AAAA queries for routed names are
	// answered with.
	RedirectIPv6To net.IP

	// Upstream is the upstream that the other requests will be forwarded to.
	// The format of an upstream is the one that can be consumed by
	// [proxy.ParseUpstreamsConfig].
	Upstream string

	// DropRules is a list of wildcards that define DNS queries to which
	// domains will be dropped.  "Dropped" means that the DNS server will not
	// respond to these queries.
	DropRules []string

	// ListenAddr is the address the DNS server is supposed to listen to.
	ListenAddr netip.AddrPort
}
