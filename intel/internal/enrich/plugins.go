package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-intel/common/logging"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/observable"
)

// rdataConfidenceCap bounds the confidence of NS and MX records derived
// from a domain.
const rdataConfidenceCap = 35

// DNSPlugin derives A, NS and MX records of fqdn observables.
type DNSPlugin struct {
	resolver Resolver
	logger   *slog.Logger
	now      func() time.Time
}

// NewDNSPlugin builds the "resolver" plugin. Failed lookups are logged to
// logger, or slog.Default() when nil.
func NewDNSPlugin(r Resolver, logger *slog.Logger) *DNSPlugin {
	return &DNSPlugin{resolver: r, logger: logging.OrDefault(logger), now: time.Now}
}

func (p *DNSPlugin) Name() string { return "resolver" }

func (p *DNSPlugin) Derive(ctx context.Context, o *observable.Observable) ([]*observable.Observable, error) {
	if o.Type != observable.TypeFQDN {
		return nil, nil
	}

	type answer struct {
		rtype, value, application string
		otype                     observable.Type
	}
	var (
		answers []answer
		errs    []error
	)
	lookups := []struct {
		rtype, application string
		otype              observable.Type
		fn                 func(context.Context, string) ([]string, error)
	}{
		{"A", "", observable.TypeIPv4, p.resolver.LookupA},
		{"NS", "dns", observable.TypeFQDN, p.resolver.LookupNS},
		{"MX", "smtp", observable.TypeFQDN, p.resolver.LookupMX},
	}
	// A failed record type is skipped; the others still produce records.
	for _, l := range lookups {
		values, err := l.fn(ctx, o.Value)
		if err != nil {
			err = fmt.Errorf("lookup %s %s: %w", l.rtype, o.Value, err)
			p.logger.DebugContext(ctx, "record lookup failed", slog.String("rtype", l.rtype), logging.Error(err))
			errs = append(errs, err)
			continue
		}
		for _, v := range values {
			answers = append(answers, answer{rtype: l.rtype, value: v, application: l.application, otype: l.otype})
		}
	}
	if len(errs) == len(lookups) {
		return nil, errors.Join(errs...)
	}

	degraded := observable.Degrade(o.Confidence)
	tags := append(append([]string(nil), o.Tags...), "rdata")
	now := p.now()

	var out []*observable.Observable
	for _, ans := range answers {
		value := strings.ToLower(ans.value)
		if ans.otype == observable.TypeIPv4 {
			if addr, err := netip.ParseAddr(value); err != nil || !addr.Is4() {
				continue
			}
		} else if !observable.IsFQDN(value) {
			continue
		}

		confidence := degraded
		if ans.rtype != "A" {
			if confidence > rdataConfidenceCap {
				confidence = rdataConfidenceCap
			} else {
				confidence = observable.Degrade(rdataConfidenceCap)
			}
		}

		fields := inherit(o, now)
		fields["otype"] = string(ans.otype)
		fields["observable"] = value
		fields["confidence"] = confidence
		fields["tags"] = tags
		fields["rdata"] = o.Value
		fields["rtype"] = ans.rtype
		if ans.application != "" {
			fields["application"] = ans.application
		} else {
			delete(fields, "application")
		}

		d, err := observable.New(fields)
		if err != nil {
			return nil, fmt.Errorf("build %s record %s: %w", ans.rtype, value, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// URLPlugin derives the host of url observables.
type URLPlugin struct {
	now func() time.Time
}

// NewURLPlugin builds the "urlresolver" plugin.
func NewURLPlugin() *URLPlugin {
	return &URLPlugin{now: time.Now}
}

func (p *URLPlugin) Name() string { return "urlresolver" }

func (p *URLPlugin) Derive(_ context.Context, o *observable.Observable) ([]*observable.Observable, error) {
	if o.Type != observable.TypeURL {
		return nil, nil
	}
	raw := o.Value
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, nil
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, nil
	}
	if _, err := netip.ParseAddr(host); err != nil && !observable.IsFQDN(host) {
		return nil, nil
	}

	fields := inherit(o, p.now())
	fields["observable"] = host
	fields["rdata"] = o.Value
	fields["confidence"] = observable.Degrade(o.Confidence)
	if len(o.Tags) > 0 {
		fields["tags"] = o.Tags
	}
	if port := u.Port(); port != "" {
		fields["portlist"] = port
	} else if n, err := net.LookupPort("tcp", u.Scheme); err == nil {
		fields["portlist"] = n
	} else {
		delete(fields, "portlist")
	}

	d, err := observable.New(fields)
	if err != nil {
		return nil, fmt.Errorf("build host %s: %w", host, err)
	}
	return []*observable.Observable{d}, nil
}

// SpamhausProvider is the provider name stamped on Spamhaus assessments.
const SpamhausProvider = "spamhaus.org"

// spamhausConfidence is set on every listing. The pipeline lowers it to the
// source's confidence when that is smaller.
const spamhausConfidence = 95

type assessment struct {
	tag         string
	description string
}

var spamhausCodes = func() map[observable.Type]map[string]assessment {
	exploit := assessment{tag: "exploit", description: "CBL + customised NJABL. 3rd party exploits (proxies, trojans, etc.)"}
	codes := map[observable.Type]map[string]assessment{
		observable.TypeIPv4: {
			"127.0.0.2": {tag: "spam", description: "Direct UBE sources, spam operations & spam services"},
			"127.0.0.3": {tag: "spam", description: "Direct snowshoe spam sources detected via automation"},
			"127.0.0.4": exploit,
			"127.0.0.5": exploit,
			"127.0.0.6": exploit,
			"127.0.0.7": exploit,
			"127.0.0.8": exploit,
		},
		observable.TypeFQDN: {
			"127.0.1.2": {tag: "suspicious", description: "spammed domain"},
			"127.0.1.3": {tag: "suspicious", description: "spammed redirector domain"},
		},
	}
	for i := 4; i <= 18; i++ {
		codes[observable.TypeFQDN][fmt.Sprintf("127.0.1.%d", i)] = assessment{tag: "suspicious", description: "spammed domain"}
	}
	for i := 20; i <= 38; i++ {
		codes[observable.TypeFQDN][fmt.Sprintf("127.0.1.%d", i)] = assessment{tag: "malware"}
	}
	return codes
}()

// SpamhausPlugin checks ipv4 observables against ZEN and domains against
// the DBL.
type SpamhausPlugin struct {
	resolver Resolver
	now      func() time.Time
}

// NewSpamhausPlugin builds the "spamhaus" plugin.
func NewSpamhausPlugin(r Resolver) *SpamhausPlugin {
	return &SpamhausPlugin{resolver: r, now: time.Now}
}

func (p *SpamhausPlugin) Name() string { return "spamhaus" }

func (p *SpamhausPlugin) Derive(ctx context.Context, o *observable.Observable) ([]*observable.Observable, error) {
	if o.Provider == SpamhausProvider {
		return nil, nil
	}

	var lookup, altid string
	switch o.Type {
	case observable.TypeIPv4:
		addr, ok := o.Addr()
		if !ok || !observable.IsPublicIP(addr.String()) {
			return nil, nil
		}
		lookup = reverseLabel(addr) + ".zen.spamhaus.org"
		altid = "http://www.spamhaus.org/query/bl?ip=" + addr.String()
	case observable.TypeFQDN:
		lookup = o.Value + ".dbl.spamhaus.org"
		altid = "http://www.spamhaus.org/query/dbl?domain=" + o.Value
	default:
		return nil, nil
	}

	codes, err := p.resolver.LookupA(ctx, lookup)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", lookup, err)
	}

	now := p.now()
	var out []*observable.Observable
	for _, code := range codes {
		a, ok := spamhausCodes[o.Type][code]
		if !ok {
			continue
		}
		fields := inherit(o, now)
		fields["otype"] = string(o.Type)
		fields["observable"] = o.Value
		fields["tags"] = []string{a.tag}
		fields["provider"] = SpamhausProvider
		fields["confidence"] = spamhausConfidence
		fields["altid"] = altid
		fields["altid_tlp"] = "green"
		if a.description != "" {
			fields["description"] = a.description
		}

		d, err := observable.New(fields)
		if err != nil {
			return nil, fmt.Errorf("build assessment for %s: %w", o.Value, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// WhitelistPlugin widens whitelisted ipv4 observables with a known BGP
// prefix to their /24.
type WhitelistPlugin struct {
	now func() time.Time
}

// NewWhitelistPlugin builds the "bgpwhitelist" plugin.
func NewWhitelistPlugin() *WhitelistPlugin {
	return &WhitelistPlugin{now: time.Now}
}

func (p *WhitelistPlugin) Name() string { return "bgpwhitelist" }

func (p *WhitelistPlugin) Derive(_ context.Context, o *observable.Observable) ([]*observable.Observable, error) {
	if o.Type != observable.TypeIPv4 || !o.HasTag("whitelist") {
		return nil, nil
	}
	if o.IP == nil || o.IP.Prefix == "" {
		return nil, nil
	}
	addr, ok := o.Addr()
	if !ok || !observable.IsPublicIP(addr.String()) {
		return nil, nil
	}
	network := netip.PrefixFrom(addr, 24).Masked()

	fields := inherit(o, p.now())
	fields["observable"] = network.String()
	fields["prefix"] = o.IP.Prefix
	fields["tags"] = []string{"whitelist"}
	fields["confidence"] = observable.Degrade(o.Confidence)
	if len(o.IP.Peers) > 0 {
		fields["peers"] = o.IP.Peers
	}
	if o.LastTime != "" {
		fields["lasttime"] = o.LastTime
	}

	d, err := observable.New(fields)
	if err != nil {
		return nil, fmt.Errorf("build network %s: %w", network, err)
	}
	return []*observable.Observable{d}, nil
}
