package observable

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Fields returns the flattened field map of the observable. Empty optional
// fields are omitted.
func (o *Observable) Fields() map[string]any {
	m := make(map[string]any, 24)
	for k, v := range o.Additional {
		m[k] = v
	}

	putString(m, "id", o.ID)
	putString(m, "otype", string(o.Type))
	putString(m, "observable", o.Value)
	m["confidence"] = o.Confidence
	if len(o.Tags) > 0 {
		m["tags"] = append([]string(nil), o.Tags...)
	}
	if len(o.Group) > 0 {
		m["group"] = append([]string(nil), o.Group...)
	}
	putString(m, "tlp", o.TLP)
	putString(m, "description", o.Description)
	putString(m, "lang", o.Lang)
	putString(m, "application", o.Application)
	putString(m, "provider", o.Provider)
	putString(m, "related", o.Related)
	putString(m, "altid", o.AltID)
	putString(m, "altid_tlp", o.AltIDTLP)
	putString(m, "adata", o.AData)
	putString(m, "timestamp", o.Timestamp)
	putString(m, "firsttime", o.FirstTime)
	putString(m, "lasttime", o.LastTime)
	putString(m, "reporttime", o.ReportTime)

	if a := o.Address; a != nil {
		if len(a.Portlist) > 0 {
			m["portlist"] = append([]int(nil), a.Portlist...)
		}
		if a.Protocol != nil {
			m["protocol"] = *a.Protocol
		}
		putString(m, "cc", a.CC)
		putString(m, "rdata", a.RData)
		putString(m, "rtype", a.RType)
	}

	if ip := o.IP; ip != nil {
		if ip.Mask != nil {
			m["mask"] = *ip.Mask
		}
		if ip.ASN != 0 {
			m["asn"] = ip.ASN
		}
		putString(m, "asn_desc", ip.ASNDesc)
		putString(m, "rir", ip.RIR)
		if len(ip.Peers) > 0 {
			m["peers"] = append([]Peer(nil), ip.Peers...)
		}
		putString(m, "prefix", ip.Prefix)
		putString(m, "citycode", ip.CityCode)
		if ip.Longitude != nil {
			m["longitude"] = *ip.Longitude
		}
		if ip.Latitude != nil {
			m["latitude"] = *ip.Latitude
		}
		putString(m, "geolocation", ip.Geolocation)
		putString(m, "timezone", ip.Timezone)
		putString(m, "subdivision", ip.Subdivision)
		putString(m, "metrocode", ip.MetroCode)
		putString(m, "orientation", ip.Orientation)
	}

	if d := o.Digest; d != nil {
		putString(m, "hash", d.Hash)
		putString(m, "htype", d.HType)
	}
	return m
}

func putString(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// MarshalJSON encodes the flattened field map.
func (o *Observable) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Fields())
}

// UnmarshalJSON rebuilds an observable without validation. Use Decode for
// payloads that did not originate from this service.
func (o *Observable) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data, WithoutValidation())
	if err != nil {
		return err
	}
	*o = *decoded
	return nil
}

// Decode builds an observable from a JSON object.
func Decode(data []byte, opts ...Option) (*Observable, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode observable: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("decode observable: %w", invalid("payload is not an object"))
	}
	return New(fields, opts...)
}
