package enrich

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Resolver is the DNS surface used by the providers and plugins. A name
// that does not exist yields no records and no error.
type Resolver interface {
	LookupA(ctx context.Context, name string) ([]string, error)
	LookupNS(ctx context.Context, name string) ([]string, error)
	LookupMX(ctx context.Context, name string) ([]string, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// DNSResolver queries recursive servers directly.
type DNSResolver struct {
	client  *dns.Client
	servers []string
}

// NewDNSResolver uses servers ("host" or "host:port") or, when empty, the
// nameservers from /etc/resolv.conf.
func NewDNSResolver(servers []string, timeout time.Duration) (*DNSResolver, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if len(servers) == 0 {
		cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("read resolv.conf: %w", err)
		}
		for _, s := range cfg.Servers {
			servers = append(servers, net.JoinHostPort(s, cfg.Port))
		}
	}

	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		normalized = append(normalized, s)
	}
	if len(normalized) == 0 {
		return nil, fmt.Errorf("no dns servers configured")
	}
	return &DNSResolver{client: &dns.Client{Timeout: timeout}, servers: normalized}, nil
}

func (r *DNSResolver) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		in, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		switch in.Rcode {
		case dns.RcodeSuccess:
			return in.Answer, nil
		case dns.RcodeNameError:
			return nil, nil
		default:
			lastErr = fmt.Errorf("%s %s: %s", dns.TypeToString[qtype], name, dns.RcodeToString[in.Rcode])
		}
	}
	return nil, lastErr
}

func (r *DNSResolver) LookupA(ctx context.Context, name string) ([]string, error) {
	rrs, err := r.query(ctx, name, dns.TypeA)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range rrs {
		if a, ok := rr.(*dns.A); ok {
			out = append(out, a.A.String())
		}
	}
	return out, nil
}

func (r *DNSResolver) LookupNS(ctx context.Context, name string) ([]string, error) {
	rrs, err := r.query(ctx, name, dns.TypeNS)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range rrs {
		if ns, ok := rr.(*dns.NS); ok {
			out = append(out, strings.TrimSuffix(ns.Ns, "."))
		}
	}
	return out, nil
}

func (r *DNSResolver) LookupMX(ctx context.Context, name string) ([]string, error) {
	rrs, err := r.query(ctx, name, dns.TypeMX)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range rrs {
		if mx, ok := rr.(*dns.MX); ok {
			out = append(out, strings.TrimSuffix(mx.Mx, "."))
		}
	}
	return out, nil
}

func (r *DNSResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	rrs, err := r.query(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range rrs {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}

// reverseLabel returns the reverse lookup labels of addr without the
// in-addr.arpa or ip6.arpa suffix, e.g. "4.3.2.1" for 1.2.3.4.
func reverseLabel(addr netip.Addr) string {
	rev, err := dns.ReverseAddr(addr.String())
	if err != nil {
		return ""
	}
	rev = strings.TrimSuffix(rev, ".in-addr.arpa.")
	rev = strings.TrimSuffix(rev, ".ip6.arpa.")
	return rev
}
