// Package observable defines the threat-intelligence record that flows from the
// feed parsers through enrichment and into the backend.
//
// An Observable is a common Base plus at most three variant payloads. The
// payloads present are fixed by the observable type: address-like types carry
// Address, IP types carry Address and IP, and hash-like types carry Digest.
// Changing the type builds a new value through Promote rather than mutating
// the receiver.
package observable

import (
	"net/netip"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Type is the observable type tag (otype).
type Type string

const (
	TypeIPv4    Type = "ipv4"
	TypeIPv6    Type = "ipv6"
	TypeFQDN    Type = "fqdn"
	TypeURL     Type = "url"
	TypeEmail   Type = "email"
	TypeHash    Type = "hash"
	TypeBinary  Type = "binary"
	TypeAddress Type = "address"
)

// KnownTypes lists every accepted otype.
var KnownTypes = []Type{TypeIPv4, TypeIPv6, TypeFQDN, TypeURL, TypeEmail, TypeHash, TypeBinary, TypeAddress}

// Variant identifies which variant payloads an observable carries.
type Variant int

const (
	VariantGeneric Variant = iota
	VariantAddress
	VariantIP
	VariantDigest
)

func (v Variant) String() string {
	switch v {
	case VariantAddress:
		return "address"
	case VariantIP:
		return "ip"
	case VariantDigest:
		return "digest"
	default:
		return "generic"
	}
}

// VariantOf maps an otype to its variant.
func VariantOf(t Type) Variant {
	switch t {
	case TypeIPv4, TypeIPv6:
		return VariantIP
	case TypeFQDN, TypeURL, TypeAddress:
		return VariantAddress
	case TypeEmail, TypeHash, TypeBinary:
		return VariantDigest
	default:
		return VariantGeneric
	}
}

const (
	DefaultConfidence    = 75.0
	DefaultConfidenceMin = 25.0
	MaxConfidence        = 100.0
	DefaultTLP           = "amber"
	DefaultGroup         = "everyone"

	// TimeFormat is the normalized UTC form of every timestamp field.
	TimeFormat = "2006-01-02T15:04:05Z"
)

// Base holds the fields every observable carries regardless of type.
type Base struct {
	ID          string
	Type        Type
	Value       string
	Confidence  float64
	Tags        []string
	Group       []string
	TLP         string
	Description string
	Lang        string
	Application string
	Provider    string
	Related     string
	AltID       string
	AltIDTLP    string
	AData       string
	Timestamp   string
	FirstTime   string
	LastTime    string
	ReportTime  string
}

// AddressFields is the payload for fqdn, url, address and IP observables.
type AddressFields struct {
	Portlist []int
	Protocol *int
	CC       string
	RData    string
	RType    string
}

// Peer is one BGP peer of an IP observable.
type Peer struct {
	ASN            string `json:"asn,omitempty"`
	CC             string `json:"cc,omitempty"`
	Prefix         string `json:"prefix,omitempty"`
	RIR            string `json:"rir,omitempty"`
	Date           string `json:"date,omitempty"`
	ASNDescription string `json:"asn_description,omitempty"`
}

// IPFields is the payload for ipv4 and ipv6 observables.
type IPFields struct {
	Mask        *int
	ASN         int64
	ASNDesc     string
	RIR         string
	Peers       []Peer
	Prefix      string
	CityCode    string
	Longitude   *float64
	Latitude    *float64
	Geolocation string
	Timezone    string
	Subdivision string
	MetroCode   string
	Orientation string
}

// DigestFields is the payload for email, hash and binary observables.
type DigestFields struct {
	Hash  string
	HType string
}

// Observable is a single threat-intelligence data point.
type Observable struct {
	Base
	Address *AddressFields
	IP      *IPFields
	Digest  *DigestFields

	// Additional carries keys that are not part of the model.
	Additional map[string]any
}

// Option configures New.
type Option func(*options)

type options struct {
	validate bool
	now      func() time.Time
}

// WithoutValidation selects the trusted reconstruction path used when
// rehydrating records the service itself wrote.
func WithoutValidation() Option {
	return func(o *options) { o.validate = false }
}

// WithClock overrides the clock used for the default timestamp.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds an observable from a flat field map. otype is applied first,
// then observable (inferring otype when absent), then the remaining keys in
// lexical order.
func New(fields map[string]any, opts ...Option) (*Observable, error) {
	cfg := options{validate: true, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}

	o := &Observable{Base: Base{
		ID:         uuid.NewString(),
		Confidence: DefaultConfidence,
		Group:      []string{DefaultGroup},
		TLP:        DefaultTLP,
		AltIDTLP:   DefaultTLP,
		Timestamp:  cfg.now().UTC().Format(TimeFormat),
	}}

	if v, ok := fields["otype"]; ok && v != nil {
		if err := setField(o, "otype", v, cfg.validate); err != nil {
			return nil, err
		}
	}
	if v, ok := fields["observable"]; ok && v != nil {
		if err := setField(o, "observable", v, cfg.validate); err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == "otype" || k == "observable" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := fields[k]
		if v == nil {
			continue
		}
		if err := setField(o, k, v, cfg.validate); err != nil {
			return nil, err
		}
	}

	if cfg.validate {
		if err := o.finalize(); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// finalize applies cross-field rules once every field is set.
func (o *Observable) finalize() error {
	switch o.Type {
	case TypeIPv4:
		if o.Value != "" && !isIPv4(o.Value) {
			return &FieldError{Field: "observable", Value: o.Value, Err: invalid("not an ipv4 address")}
		}
	case TypeIPv6:
		if o.Value != "" && !isIPv6(o.Value) {
			return &FieldError{Field: "observable", Value: o.Value, Err: invalid("not an ipv6 address")}
		}
	}

	if o.Digest != nil && o.Value != "" {
		if o.Digest.Hash == "" {
			if o.Type == TypeHash {
				o.Digest.Hash = o.Value
			} else {
				o.Digest.Hash = sha256Hex(o.Value)
				o.Digest.HType = "sha256"
			}
		}
		if o.Digest.HType == "" {
			o.Digest.HType, _ = HashType(o.Digest.Hash)
		}
	}
	return nil
}

// Variant reports which payloads the observable carries.
func (o *Observable) Variant() Variant {
	return VariantOf(o.Type)
}

// Promote returns a copy of o retyped to t. Base fields always survive;
// payload fields survive when the new variant carries the same payload.
func (o *Observable) Promote(t Type) *Observable {
	out := o.Clone()
	out.Type = t
	out.shape()
	return out
}

// shape allocates or drops payloads so they match the current type.
func (o *Observable) shape() {
	switch VariantOf(o.Type) {
	case VariantIP:
		if o.Address == nil {
			o.Address = &AddressFields{}
		}
		if o.IP == nil {
			o.IP = &IPFields{}
		}
		o.Digest = nil
	case VariantAddress:
		if o.Address == nil {
			o.Address = &AddressFields{}
		}
		o.IP = nil
		o.Digest = nil
	case VariantDigest:
		if o.Digest == nil {
			o.Digest = &DigestFields{}
		}
		o.Address = nil
		o.IP = nil
	default:
		o.Address = nil
		o.IP = nil
		o.Digest = nil
	}
}

// Clone returns a deep copy.
func (o *Observable) Clone() *Observable {
	out := &Observable{Base: o.Base}
	out.Tags = append([]string(nil), o.Tags...)
	out.Group = append([]string(nil), o.Group...)

	if o.Address != nil {
		a := *o.Address
		a.Portlist = append([]int(nil), o.Address.Portlist...)
		if o.Address.Protocol != nil {
			p := *o.Address.Protocol
			a.Protocol = &p
		}
		out.Address = &a
	}
	if o.IP != nil {
		ip := *o.IP
		ip.Peers = append([]Peer(nil), o.IP.Peers...)
		if o.IP.Mask != nil {
			m := *o.IP.Mask
			ip.Mask = &m
		}
		if o.IP.Latitude != nil {
			lat := *o.IP.Latitude
			ip.Latitude = &lat
		}
		if o.IP.Longitude != nil {
			lon := *o.IP.Longitude
			ip.Longitude = &lon
		}
		out.IP = &ip
	}
	if o.Digest != nil {
		d := *o.Digest
		out.Digest = &d
	}
	if o.Additional != nil {
		out.Additional = make(map[string]any, len(o.Additional))
		for k, v := range o.Additional {
			out.Additional[k] = v
		}
	}
	return out
}

// HasTag reports whether tag is present.
func (o *Observable) HasTag(tag string) bool {
	for _, t := range o.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTags merges tags into the set.
func (o *Observable) AddTags(tags ...string) {
	o.Tags = normalizeTags(append(o.Tags, tags...))
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Addr parses the observable value of an ipv4 or ipv6 observable.
func (o *Observable) Addr() (netip.Addr, bool) {
	if o.Type != TypeIPv4 && o.Type != TypeIPv6 {
		return netip.Addr{}, false
	}
	return parseInterface(o.Value)
}
