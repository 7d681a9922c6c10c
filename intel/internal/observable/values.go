package observable

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

const maxPort = 65535

var protocols = map[string]int{"ip": 1, "tcp": 6, "udp": 17}

// Degrade lowers a confidence for records derived from another record:
// round(c * ln(c) / ln(500), 3). Values at or below 1 degrade to 0.
func Degrade(c float64) float64 {
	if c <= 1 {
		return 0
	}
	d := c * math.Log(c) / math.Log(500)
	return math.Round(d*1000) / 1000
}

// ParsePortlist normalizes a single port, a list of ports, or a string such
// as "80,443,8000-8002" into an ordered list of ports.
func ParsePortlist(v any) ([]int, error) {
	switch p := v.(type) {
	case string:
		return parsePortString(p)
	case []int:
		out := make([]int, 0, len(p))
		for _, n := range p {
			if err := checkPort(int64(n)); err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	case []any:
		out := make([]int, 0, len(p))
		for _, item := range p {
			ports, err := ParsePortlist(item)
			if err != nil {
				return nil, err
			}
			out = append(out, ports...)
		}
		return out, nil
	default:
		n, err := toInt(v)
		if err != nil {
			return nil, err
		}
		if err := checkPort(n); err != nil {
			return nil, err
		}
		return []int{int(n)}, nil
	}
}

func parsePortString(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		if !isRange || lo == "" {
			n, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, invalid("port %q is not an integer", part)
			}
			if err := checkPort(n); err != nil {
				return nil, err
			}
			out = append(out, int(n))
			continue
		}

		start, err := strconv.ParseInt(strings.TrimSpace(lo), 10, 64)
		if err != nil {
			return nil, invalid("port range %q is not numeric", part)
		}
		end, err := strconv.ParseInt(strings.TrimSpace(hi), 10, 64)
		if err != nil {
			return nil, invalid("port range %q is not numeric", part)
		}
		if err := checkPort(start); err != nil {
			return nil, err
		}
		if err := checkPort(end); err != nil {
			return nil, err
		}
		if end < start {
			return nil, invalid("port range %q is reversed", part)
		}
		for p := start; p <= end; p++ {
			out = append(out, int(p))
		}
	}
	return out, nil
}

func checkPort(n int64) error {
	if n < 0 || n > maxPort {
		return outOfRange("port %d outside 0-%d", n, maxPort)
	}
	return nil
}

// ParseProtocol accepts a protocol number or one of ip, tcp, udp.
func ParseProtocol(v any) (int, error) {
	if s, ok := v.(string); ok {
		if n, ok := protocols[strings.ToLower(strings.TrimSpace(s))]; ok {
			return n, nil
		}
	}
	n, err := toInt(v)
	if err != nil {
		return 0, invalid("protocol must be an integer or one of ip, tcp, udp")
	}
	if n < 0 || n > 255 {
		return 0, outOfRange("protocol %d outside 0-255", n)
	}
	return int(n), nil
}

// NormalizeTime converts epoch seconds or a parseable date string into
// TimeFormat in UTC.
func NormalizeTime(v any) (string, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(TimeFormat), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return "", invalid("empty timestamp")
		}
		if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC().Format(TimeFormat), nil
		}
		parsed, err := dateparse.ParseIn(s, time.UTC)
		if err != nil {
			return "", invalid("unparseable timestamp %q", s)
		}
		return parsed.UTC().Format(TimeFormat), nil
	case json.Number:
		return NormalizeTime(t.String())
	default:
		f, err := toFloat(v)
		if err != nil {
			return "", invalid("timestamp must be epoch seconds or a date string, got %T", v)
		}
		return time.Unix(int64(f), 0).UTC().Format(TimeFormat), nil
	}
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
