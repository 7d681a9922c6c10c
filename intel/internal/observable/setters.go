package observable

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type setter func(o *Observable, v any, validate bool) error

var setters = map[string]setter{
	"id":              setString(func(o *Observable) *string { return &o.ID }),
	"otype":           setOType,
	"observable":      setValue,
	"confidence":      setConfidence,
	"tags":            setTags,
	"group":           setGroup,
	"tlp":             setTLP(func(o *Observable) *string { return &o.TLP }),
	"altid_tlp":       setTLP(func(o *Observable) *string { return &o.AltIDTLP }),
	"description":     setString(func(o *Observable) *string { return &o.Description }),
	"application":     setString(func(o *Observable) *string { return &o.Application }),
	"related":         setString(func(o *Observable) *string { return &o.Related }),
	"altid":           setString(func(o *Observable) *string { return &o.AltID }),
	"adata":           setString(func(o *Observable) *string { return &o.AData }),
	"provider":        setProvider,
	"lang":            setLang,
	"timestamp":       setTime(func(o *Observable) *string { return &o.Timestamp }),
	"firsttime":       setTime(func(o *Observable) *string { return &o.FirstTime }),
	"lasttime":        setTime(func(o *Observable) *string { return &o.LastTime }),
	"reporttime":      setTime(func(o *Observable) *string { return &o.ReportTime }),
	"portlist":        setPortlist,
	"protocol":        setProtocol,
	"cc":              setCC,
	"rdata":           addressString(func(a *AddressFields) *string { return &a.RData }),
	"rtype":           addressString(func(a *AddressFields) *string { return &a.RType }),
	"mask":            setMask,
	"asn":             setASN,
	"asn_desc":        ipString(func(ip *IPFields) *string { return &ip.ASNDesc }, false),
	"rir":             setRIR,
	"peers":           setPeers,
	"prefix":          ipString(func(ip *IPFields) *string { return &ip.Prefix }, false),
	"citycode":        ipString(func(ip *IPFields) *string { return &ip.CityCode }, true),
	"longitude":       ipFloat(func(ip *IPFields) **float64 { return &ip.Longitude }),
	"latitude":        ipFloat(func(ip *IPFields) **float64 { return &ip.Latitude }),
	"geolocation":     ipString(func(ip *IPFields) *string { return &ip.Geolocation }, false),
	"timezone":        ipString(func(ip *IPFields) *string { return &ip.Timezone }, false),
	"subdivision":     ipString(func(ip *IPFields) *string { return &ip.Subdivision }, false),
	"metrocode":       ipString(func(ip *IPFields) *string { return &ip.MetroCode }, false),
	"orientation":     ipString(func(ip *IPFields) *string { return &ip.Orientation }, false),
	"hash":            digestString(func(d *DigestFields) *string { return &d.Hash }),
	"htype":           digestString(func(d *DigestFields) *string { return &d.HType }),
	"additional_data": setAdditional,
}

var errNoPayload = errors.New("variant payload absent")

var (
	validTLP = map[string]bool{"white": true, "green": true, "amber": true, "red": true}
	validRIR = map[string]bool{"arin": true, "apnic": true, "ripencc": true, "lacnic": true, "afrinic": true, "other": true}
)

func setField(o *Observable, key string, v any, validate bool) error {
	fn, ok := setters[key]
	if !ok {
		if o.Additional == nil {
			o.Additional = make(map[string]any)
		}
		o.Additional[key] = v
		return nil
	}
	if err := fn(o, v, validate); err != nil {
		if errors.Is(err, errNoPayload) {
			if o.Additional == nil {
				o.Additional = make(map[string]any)
			}
			o.Additional[key] = v
			return nil
		}
		if _, ok := err.(*FieldError); ok {
			return err
		}
		return &FieldError{Field: key, Value: v, Err: err}
	}
	return nil
}

func setString(field func(*Observable) *string) setter {
	return func(o *Observable, v any, _ bool) error {
		s, err := toString(v)
		if err != nil {
			return err
		}
		*field(o) = s
		return nil
	}
}

func setOType(o *Observable, v any, validate bool) error {
	s, err := toString(v)
	if err != nil {
		return err
	}
	t := Type(strings.ToLower(s))
	if validate && !isKnownType(t) {
		return invalid("unknown otype %q", s)
	}
	o.Type = t
	o.shape()
	return nil
}

func setValue(o *Observable, v any, validate bool) error {
	s, err := toString(v)
	if err != nil {
		return err
	}
	if !validate {
		o.Value = s
		return nil
	}
	if o.Type == "" {
		if t, ok := InferType(s); ok {
			o.Type = t
			o.shape()
		}
	}
	if o.Type != TypeBinary {
		s = strings.ToLower(s)
	}
	o.Value = s
	return nil
}

func setConfidence(o *Observable, v any, validate bool) error {
	c, err := toFloat(v)
	if err != nil {
		return err
	}
	if validate && (c < 0 || c > MaxConfidence) {
		return outOfRange("confidence %v outside 0-%v", c, MaxConfidence)
	}
	o.Confidence = c
	return nil
}

func setTags(o *Observable, v any, _ bool) error {
	tags, err := toStringList(v)
	if err != nil {
		return err
	}
	o.Tags = normalizeTags(tags)
	return nil
}

func setGroup(o *Observable, v any, validate bool) error {
	group, err := toStringList(v)
	if err != nil {
		return err
	}
	if validate && len(group) == 0 {
		return invalid("group must not be empty")
	}
	o.Group = group
	return nil
}

func setTLP(field func(*Observable) *string) setter {
	return func(o *Observable, v any, validate bool) error {
		s, err := toString(v)
		if err != nil {
			return err
		}
		if validate {
			s = strings.ToLower(s)
			if !validTLP[s] {
				return invalid("tlp %q is not one of white, green, amber, red", s)
			}
		}
		*field(o) = s
		return nil
	}
}

func setProvider(o *Observable, v any, validate bool) error {
	s, err := toString(v)
	if err != nil {
		return err
	}
	if validate {
		s = strings.ToLower(s)
	}
	o.Provider = s
	return nil
}

func setLang(o *Observable, v any, validate bool) error {
	s, err := toString(v)
	if err != nil {
		return err
	}
	if validate {
		if len(s) != 2 {
			return invalid("lang must be a two character string")
		}
		s = strings.ToUpper(s)
	}
	o.Lang = s
	return nil
}

func setTime(field func(*Observable) *string) setter {
	return func(o *Observable, v any, validate bool) error {
		if !validate {
			s, err := toString(v)
			if err != nil {
				return err
			}
			*field(o) = s
			return nil
		}
		s, err := NormalizeTime(v)
		if err != nil {
			return err
		}
		*field(o) = s
		return nil
	}
}

// payload checks that the variant payload a field belongs to is present.
// Without validation a missing payload diverts the value into Additional.
func payload(o *Observable, present bool, validate bool) error {
	if present {
		return nil
	}
	if validate {
		return invalid("field not valid for otype %q", o.Type)
	}
	return errNoPayload
}

func setPortlist(o *Observable, v any, validate bool) error {
	if err := payload(o, o.Address != nil, validate); err != nil {
		return err
	}
	ports, err := ParsePortlist(v)
	if err != nil {
		return err
	}
	o.Address.Portlist = ports
	return nil
}

func setProtocol(o *Observable, v any, validate bool) error {
	if err := payload(o, o.Address != nil, validate); err != nil {
		return err
	}
	p, err := ParseProtocol(v)
	if err != nil {
		return err
	}
	o.Address.Protocol = &p
	return nil
}

func setCC(o *Observable, v any, validate bool) error {
	if err := payload(o, o.Address != nil, validate); err != nil {
		return err
	}
	s, err := toString(v)
	if err != nil {
		return err
	}
	if validate && s != "" {
		if len(s) != 2 {
			return invalid("country must be a two character string")
		}
		s = strings.ToUpper(s)
	}
	o.Address.CC = s
	return nil
}

func addressString(field func(*AddressFields) *string) setter {
	return func(o *Observable, v any, validate bool) error {
		if err := payload(o, o.Address != nil, validate); err != nil {
			return err
		}
		s, err := toString(v)
		if err != nil {
			return err
		}
		*field(o.Address) = s
		return nil
	}
}

func setMask(o *Observable, v any, validate bool) error {
	if err := payload(o, o.IP != nil, validate); err != nil {
		return err
	}
	m, err := toInt(v)
	if err != nil {
		return err
	}
	if validate {
		limit := int64(32)
		if o.Type == TypeIPv6 {
			limit = 128
		}
		if m < 0 || m > limit {
			return outOfRange("mask %d outside 0-%d", m, limit)
		}
	}
	mask := int(m)
	o.IP.Mask = &mask
	return nil
}

func setASN(o *Observable, v any, validate bool) error {
	if err := payload(o, o.IP != nil, validate); err != nil {
		return err
	}
	if s, ok := v.(string); ok {
		v = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "AS")
	}
	n, err := toInt(v)
	if err != nil {
		return err
	}
	if validate && (n < 0 || n > 1<<32-1) {
		return outOfRange("asn %d outside 0-4294967295", n)
	}
	o.IP.ASN = n
	return nil
}

func setRIR(o *Observable, v any, validate bool) error {
	if err := payload(o, o.IP != nil, validate); err != nil {
		return err
	}
	s, err := toString(v)
	if err != nil {
		return err
	}
	if validate {
		s = strings.ToLower(s)
		if !validRIR[s] {
			return invalid("rir %q is not a known registry", s)
		}
	}
	o.IP.RIR = s
	return nil
}

func setPeers(o *Observable, v any, validate bool) error {
	if err := payload(o, o.IP != nil, validate); err != nil {
		return err
	}
	switch peers := v.(type) {
	case []Peer:
		o.IP.Peers = append([]Peer(nil), peers...)
		return nil
	case []any:
		out := make([]Peer, 0, len(peers))
		for _, p := range peers {
			m, ok := p.(map[string]any)
			if !ok {
				return invalid("peer must be a mapping, got %T", p)
			}
			raw, err := json.Marshal(m)
			if err != nil {
				return err
			}
			var peer Peer
			if err := json.Unmarshal(raw, &peer); err != nil {
				return invalid("peer: %v", err)
			}
			out = append(out, peer)
		}
		o.IP.Peers = out
		return nil
	default:
		return invalid("peers must be a list, got %T", v)
	}
}

func ipString(field func(*IPFields) *string, upper bool) setter {
	return func(o *Observable, v any, validate bool) error {
		if err := payload(o, o.IP != nil, validate); err != nil {
			return err
		}
		s, err := toString(v)
		if err != nil {
			return err
		}
		if upper && validate {
			s = strings.ToUpper(s)
		}
		*field(o.IP) = s
		return nil
	}
}

func ipFloat(field func(*IPFields) **float64) setter {
	return func(o *Observable, v any, validate bool) error {
		if err := payload(o, o.IP != nil, validate); err != nil {
			return err
		}
		f, err := toFloat(v)
		if err != nil {
			return err
		}
		*field(o.IP) = &f
		return nil
	}
}

func digestString(field func(*DigestFields) *string) setter {
	return func(o *Observable, v any, validate bool) error {
		if err := payload(o, o.Digest != nil, validate); err != nil {
			return err
		}
		s, err := toString(v)
		if err != nil {
			return err
		}
		*field(o.Digest) = s
		return nil
	}
}

func setAdditional(o *Observable, v any, _ bool) error {
	m, ok := v.(map[string]any)
	if !ok {
		return invalid("additional_data must be a mapping, got %T", v)
	}
	if o.Additional == nil {
		o.Additional = make(map[string]any, len(m))
	}
	for k, val := range m {
		o.Additional[k] = val
	}
	return nil
}

func isKnownType(t Type) bool {
	for _, k := range KnownTypes {
		if k == t {
			return true
		}
	}
	return false
}

func toString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case json.Number:
		return s.String(), nil
	case fmt.Stringer:
		return s.String(), nil
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprint(s), nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(s), nil
	default:
		return "", invalid("expected a string, got %T", v)
	}
}

func toStringList(v any) ([]string, error) {
	switch l := v.(type) {
	case string:
		return []string{l}, nil
	case []string:
		return append([]string(nil), l...), nil
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			s, err := toString(item)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, invalid("expected a list of strings, got %T", v)
	}
}

// toFloat accepts numbers and numeric strings.
func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, invalid("expected a number, got %q", n)
		}
		return f, nil
	default:
		return 0, invalid("expected a number, got %T", v)
	}
}

// toInt accepts integers, integral floats and numeric strings.
func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case uint:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, invalid("expected an integer, got %v", n)
		}
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, invalid("expected an integer, got %q", n.String())
		}
		return i, nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, invalid("expected an integer, got %q", n)
		}
		return i, nil
	default:
		return 0, invalid("expected an integer, got %T", v)
	}
}
