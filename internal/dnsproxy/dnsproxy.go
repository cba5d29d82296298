// Package dnsproxy is responsible for the DNS server that points the domains
// served by the proxy to the proxy's own addresses.  Queries for other names
// are forwarded to the upstream.
package dnsproxy

import (
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/AdguardTeam/dnsproxy/proxy"
	"github.com/AdguardTeam/golibs/log"
	"github.com/ameshkov/vhostproxy/internal/filter"
	"github.com/miekg/dns"
)

// answerTTL is the TTL of the answers for routed domains.  It is short since
// the routing table changes at runtime.
const answerTTL = 30

// DNSProxy is a struct that manages the DNS server.
type DNSProxy struct {
	proxy     *proxy.Proxy
	router    Router
	ipv4      net.IP
	ipv6      net.IP
	dropRules []string
}

// type check
var _ io.Closer = (*DNSProxy)(nil)

// New creates a new instance of *DNSProxy.
func New(cfg *Config) (d *DNSProxy, err error) {
	if cfg.RedirectIPv4To == nil && cfg.RedirectIPv6To == nil {
		return nil, fmt.Errorf("dnsproxy: no addresses to answer with")
	}

	proxyConfig, err := newProxyConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("dnsproxy: invalid configuration: %w", err)
	}

	d = &DNSProxy{
		router:    cfg.Router,
		ipv4:      cfg.RedirectIPv4To,
		ipv6:      cfg.RedirectIPv6To,
		dropRules: cfg.DropRules,
	}

	d.proxy = &proxy.Proxy{Config: proxyConfig}
	d.proxy.RequestHandler = d.handle

	return d, nil
}

// Start starts the DNS server.
func (d *DNSProxy) Start() (err error) {
	log.Info("dnsproxy: starting")

	if err = d.proxy.Start(); err != nil {
		return fmt.Errorf("dnsproxy: failed to start: %w", err)
	}

	log.Info("dnsproxy: started successfully")

	return nil
}

// Close implements the [io.Closer] interface for *DNSProxy.
func (d *DNSProxy) Close() (err error) {
	log.Info("dnsproxy: stopping")

	err = d.proxy.Stop()

	log.Info("dnsproxy: stopped")

	return err
}

// handle is the [proxy.RequestHandler] of the server.  Dropped names get no
// response, A and AAAA queries for routed names are answered locally, and
// everything else is resolved by the upstream.
func (d *DNSProxy) handle(p *proxy.Proxy, ctx *proxy.DNSContext) (err error) {
	if len(ctx.Req.Question) == 0 {
		return p.Resolve(ctx)
	}

	q := ctx.Req.Question[0]
	qName := strings.ToLower(q.Name)
	host := strings.TrimSuffix(qName, ".")

	log.Debug("dnsproxy: received DNS query %s %s", dns.Type(q.Qtype), qName)

	if filter.MatchWildcards(host, d.dropRules) {
		ctx.Res = nil

		return nil
	}

	if (q.Qtype == dns.TypeA || q.Qtype == dns.TypeAAAA) && d.router.Lookup(host) != nil {
		ctx.Res = d.answer(ctx.Req, qName, q.Qtype)

		return nil
	}

	return p.Resolve(ctx)
}

// answer builds the response to a query for a routed name.  It has no answer
// records if there is no address of the queried type.
func (d *DNSProxy) answer(req *dns.Msg, qName string, qType uint16) (resp *dns.Msg) {
	resp = &dns.Msg{}
	resp.SetReply(req)

	hdr := dns.RR_Header{
		Name:   qName,
		Rrtype: qType,
		Class:  dns.ClassINET,
		Ttl:    answerTTL,
	}

	switch {
	case qType == dns.TypeA && d.ipv4 != nil:
		resp.Answer = append(resp.Answer, &dns.A{Hdr: hdr, A: d.ipv4})
	case qType == dns.TypeAAAA && d.ipv6 != nil:
		resp.Answer = append(resp.Answer, &dns.AAAA{Hdr: hdr, AAAA: d.ipv6})
	}

	log.Debug("dnsproxy: answered %s %s with %d records", dns.Type(qType), qName, len(resp.Answer))

	return resp
}

// newProxyConfig creates the configuration of the DNS server.
func newProxyConfig(cfg *Config) (proxyConfig proxy.Config, err error) {
	upstreamCfg, err := proxy.ParseUpstreamsConfig([]string{cfg.Upstream}, nil)
	if err != nil {
		return proxyConfig, fmt.Errorf("failed to parse upstream %s: %w", cfg.Upstream, err)
	}

	ip := net.IP(cfg.ListenAddr.Addr().AsSlice())
	port := int(cfg.ListenAddr.Port())

	proxyConfig.UDPListenAddr = []*net.UDPAddr{{IP: ip, Port: port}}
	proxyConfig.TCPListenAddr = []*net.TCPAddr{{IP: ip, Port: port}}
	proxyConfig.UpstreamConfig = upstreamCfg

	return proxyConfig, nil
}
