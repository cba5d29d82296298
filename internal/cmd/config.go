package cmd

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"

	"github.com/AdguardTeam/golibs/netutil"
	"github.com/ameshkov/vhostproxy/internal/dnsproxy"
	"github.com/ameshkov/vhostproxy/internal/frontend"
	"github.com/ameshkov/vhostproxy/internal/routing"
	"github.com/ameshkov/vhostproxy/internal/tlslistener"
)

// toTLSListenerConfig converts command-line arguments to
// [*tlslistener.Config].
func toTLSListenerConfig(
	options *Options,
	tbl *routing.Table,
	h http.Handler,
) (cfg *tlslistener.Config, err error) {
	addr, err := toTCPAddr(options.TLSListenAddress, options.TLSPort)
	if err != nil {
		return nil, fmt.Errorf("cmd: tls-address: %w", err)
	}

	return &tlslistener.Config{
		ListenAddr:  addr,
		Credentials: tbl,
		Handler:     h,
	}, nil
}

// toServerConfig converts command-line arguments to [*frontend.ServerConfig].
func toServerConfig(options *Options) (cfg *frontend.ServerConfig, err error) {
	addr, err := toTCPAddr(options.HTTPListenAddress, options.HTTPPort)
	if err != nil {
		return nil, fmt.Errorf("cmd: http-address: %w", err)
	}

	return &frontend.ServerConfig{ListenAddr: addr}, nil
}

// toTransportConfig converts command-line arguments to
// [*frontend.TransportConfig].
func toTransportConfig(options *Options) (cfg *frontend.TransportConfig) {
	return &frontend.TransportConfig{
		ForwardProxy: options.ForwardProxy,
		ForwardRules: options.ForwardRules,
	}
}

// toControlAddr converts the control-address argument to a TCP address.  addr
// is nil if the control channel is stdin.
func toControlAddr(options *Options) (addr *net.TCPAddr, err error) {
	if options.ControlAddress == "" {
		return nil, nil
	}

	host, port, err := netutil.SplitHostPort(options.ControlAddress)
	if err != nil {
		return nil, fmt.Errorf("cmd: control-address: %w", err)
	}

	addr, err = toTCPAddr(host, int(port))
	if err != nil {
		return nil, fmt.Errorf("cmd: control-address: %w", err)
	}

	return addr, nil
}

// toDNSProxyConfig converts command-line arguments to [*dnsproxy.Config].  cfg
// is nil if the DNS server is disabled.
func toDNSProxyConfig(options *Options, tbl *routing.Table) (cfg *dnsproxy.Config, err error) {
	if options.DNSPort == 0 {
		return nil, nil
	}

	addr, err := netip.ParseAddr(options.DNSListenAddress)
	if err != nil {
		return nil, fmt.Errorf("cmd: dns-address: %w", err)
	}

	cfg = &dnsproxy.Config{
		Router:     tbl,
		Upstream:   options.DNSUpstream,
		DropRules:  options.DNSDropRules,
		ListenAddr: netip.AddrPortFrom(addr, uint16(options.DNSPort)),
	}

	if options.DNSRedirectIPV4To != "" {
		ip := net.ParseIP(options.DNSRedirectIPV4To)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf(
				"cmd: dns-redirect-ipv4-to must be an IPv4 address: %s",
				options.DNSRedirectIPV4To,
			)
		}

		cfg.RedirectIPv4To = ip.To4()
	}

	if options.DNSRedirectIPV6To != "" {
		ip := net.ParseIP(options.DNSRedirectIPV6To)
		if ip == nil || ip.To4() != nil {
			return nil, fmt.Errorf(
				"cmd: dns-redirect-ipv6-to must be an IPv6 address: %s",
				options.DNSRedirectIPV6To,
			)
		}

		cfg.RedirectIPv6To = ip
	}

	if cfg.RedirectIPv4To == nil && cfg.RedirectIPv6To == nil {
		return nil, fmt.Errorf("cmd: either dns-redirect-ipv4-to or dns-redirect-ipv6-to must be specified")
	}

	return cfg, nil
}

// toTCPAddr parses the IP address and builds a TCP address with port.
func toTCPAddr(ipStr string, port int) (addr *net.TCPAddr, err error) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, fmt.Errorf("failed to parse ip %q", ipStr)
	}

	if port < 0 || port > 0xffff {
		return nil, fmt.Errorf("bad port %d", port)
	}

	return &net.TCPAddr{IP: ip, Port: port}, nil
}
