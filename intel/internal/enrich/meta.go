package enrich

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/oschwald/geoip2-golang"

	"github.com/telhawk-systems/telhawk-intel/intel/internal/observable"
)

// GeoRecord is the location data of one address.
type GeoRecord struct {
	CountryCode string
	City        string
	Region      string
	Latitude    float64
	Longitude   float64
	TimeZone    string
	MetroCode   string
}

// GeoLocator resolves addresses to locations. A nil record means unknown.
type GeoLocator interface {
	Locate(addr netip.Addr) (*GeoRecord, error)
}

// MaxMindLocator reads a GeoLite2/GeoIP2 City database.
type MaxMindLocator struct {
	db *geoip2.Reader
}

// OpenMaxMind opens the database at path.
func OpenMaxMind(path string) (*MaxMindLocator, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &MaxMindLocator{db: db}, nil
}

func (l *MaxMindLocator) Locate(addr netip.Addr) (*GeoRecord, error) {
	city, err := l.db.City(net.IP(addr.AsSlice()))
	if err != nil {
		return nil, err
	}
	if city.Country.IsoCode == "" && city.Location.Latitude == 0 && city.Location.Longitude == 0 {
		return nil, nil
	}
	rec := &GeoRecord{
		CountryCode: city.Country.IsoCode,
		City:        city.City.Names["en"],
		Latitude:    city.Location.Latitude,
		Longitude:   city.Location.Longitude,
		TimeZone:    city.Location.TimeZone,
	}
	if len(city.Subdivisions) > 0 {
		rec.Region = city.Subdivisions[0].IsoCode
	}
	if city.Location.MetroCode != 0 {
		rec.MetroCode = strconv.FormatUint(uint64(city.Location.MetroCode), 10)
	}
	return rec, nil
}

// Close releases the database.
func (l *MaxMindLocator) Close() error {
	return l.db.Close()
}

// GeoIPProvider adds location fields to public ipv4 observables.
type GeoIPProvider struct {
	locator GeoLocator
}

// NewGeoIPProvider builds the "geoip" provider.
func NewGeoIPProvider(l GeoLocator) *GeoIPProvider {
	return &GeoIPProvider{locator: l}
}

func (p *GeoIPProvider) Name() string { return "geoip" }

func (p *GeoIPProvider) Augment(_ context.Context, o *observable.Observable) error {
	if o.Type != observable.TypeIPv4 || o.IP == nil || o.Address == nil {
		return nil
	}
	addr, ok := o.Addr()
	if !ok || !observable.IsPublicIP(addr.String()) {
		return nil
	}
	rec, err := p.locator.Locate(addr)
	if err != nil {
		return fmt.Errorf("locate %s: %w", addr, err)
	}
	if rec == nil {
		return nil
	}

	o.Address.CC = strings.ToUpper(rec.CountryCode)
	if rec.City != "" && rec.Region != "" {
		o.IP.CityCode = strings.ToUpper(rec.City + ", " + rec.Region)
	}
	lat, long := rec.Latitude, rec.Longitude
	o.IP.Latitude = &lat
	o.IP.Longitude = &long
	o.IP.Timezone = rec.TimeZone
	o.IP.MetroCode = rec.MetroCode
	o.IP.Geolocation = fmt.Sprintf("%g, %g", lat, long)
	return nil
}

// BGPProvider adds origin ASN, prefix and peer data from the Team Cymru
// IP to ASN DNS service.
type BGPProvider struct {
	resolver Resolver
}

// NewBGPProvider builds the "bgp" provider.
func NewBGPProvider(r Resolver) *BGPProvider {
	return &BGPProvider{resolver: r}
}

func (p *BGPProvider) Name() string { return "bgp" }

func (p *BGPProvider) Augment(ctx context.Context, o *observable.Observable) error {
	if o.IP == nil || o.Address == nil {
		return nil
	}
	addr, ok := o.Addr()
	if !ok || !observable.IsPublicIP(addr.String()) {
		return nil
	}

	rev := reverseLabel(addr)
	origin := rev + ".origin.asn.cymru.com"
	peerName := rev + ".peer.asn.cymru.com"
	if addr.Is6() {
		origin = rev + ".origin6.asn.cymru.com"
		peerName = ""
	}

	records, err := p.resolver.LookupTXT(ctx, origin)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", origin, err)
	}
	for _, txt := range records {
		f := cymruFields(txt)
		if len(f) < 4 || f[0] == "" {
			continue
		}
		if asn, err := strconv.ParseInt(strings.Fields(f[0])[0], 10, 64); err == nil {
			o.IP.ASN = asn
		}
		o.IP.Prefix = f[1]
		o.Address.CC = strings.ToUpper(f[2])
		o.IP.RIR = registry(f[3])
	}

	if o.IP.ASN != 0 {
		desc, err := p.asnDescription(ctx, strconv.FormatInt(o.IP.ASN, 10))
		if err != nil {
			return err
		}
		if desc != "" {
			o.IP.ASNDesc = desc
		}
	}

	if peerName == "" {
		return nil
	}
	records, err = p.resolver.LookupTXT(ctx, peerName)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", peerName, err)
	}
	var peers []observable.Peer
	for _, txt := range records {
		f := cymruFields(txt)
		if len(f) < 5 || f[0] == "" {
			continue
		}
		peer := observable.Peer{
			ASN:    strings.Fields(f[0])[0],
			Prefix: f[1],
			CC:     strings.ToUpper(f[2]),
			RIR:    registry(f[3]),
			Date:   f[4],
		}
		if desc, err := p.asnDescription(ctx, peer.ASN); err == nil {
			peer.ASNDescription = desc
		}
		peers = append(peers, peer)
	}
	if len(peers) > 0 {
		o.IP.Peers = peers
	}
	return nil
}

func (p *BGPProvider) asnDescription(ctx context.Context, asn string) (string, error) {
	name := "AS" + asn + ".asn.cymru.com"
	records, err := p.resolver.LookupTXT(ctx, name)
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", name, err)
	}
	for _, txt := range records {
		if f := cymruFields(txt); len(f) >= 5 {
			return f[4], nil
		}
	}
	return "", nil
}

// cymruFields splits a "a | b | c" answer.
func cymruFields(txt string) []string {
	parts := strings.Split(strings.Trim(txt, `"`), "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func registry(rir string) string {
	rir = strings.ToLower(rir)
	switch rir {
	case "arin", "apnic", "ripencc", "lacnic", "afrinic":
		return rir
	default:
		return "other"
	}
}
