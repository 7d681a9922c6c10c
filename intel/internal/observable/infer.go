package observable

import (
	"net/netip"
	"os"
	"regexp"
	"strings"
)

// MaxBinarySize bounds the files accepted as binary observables.
const MaxBinarySize = 10 << 20

var (
	urlPattern   = regexp.MustCompile(`^(http|https|smtp|ftp|sftp)://(\S*\.\S*)$`)
	hostPathPat  = regexp.MustCompile(`^([a-z0-9.-]+[a-z]{2,63}|\b(?:\d{1,3}\.){3}\d{1,3}\b)(:(\d+))?/+`)
	fqdnPattern  = regexp.MustCompile(`^((xn--)?(--)?[a-zA-Z0-9-_]+(-[a-zA-Z0-9]+)*\.)+[a-zA-Z]{2,}(--p1ai)?$`)
	emailPattern = regexp.MustCompile(`^.*@.*\..*$`)
	hashPatterns = []struct {
		name    string
		pattern *regexp.Regexp
	}{
		{"uuid", regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)},
		{"md5", regexp.MustCompile(`^[a-fA-F0-9]{32}$`)},
		{"sha1", regexp.MustCompile(`^[a-fA-F0-9]{40}$`)},
		{"sha256", regexp.MustCompile(`^[a-fA-F0-9]{64}$`)},
		{"sha512", regexp.MustCompile(`^[a-fA-F0-9]{128}$`)},
	}
)

// InferType detects the otype of a raw value. Detection order is ipv4, fqdn,
// url, email, hash, ipv6, binary; the first match wins.
func InferType(value string) (Type, bool) {
	lower := strings.ToLower(value)
	switch {
	case isIPv4(lower):
		return TypeIPv4, true
	case IsFQDN(lower):
		return TypeFQDN, true
	case IsURL(lower):
		return TypeURL, true
	case emailPattern.MatchString(lower):
		return TypeEmail, true
	case isHash(lower):
		return TypeHash, true
	case isIPv6(lower):
		return TypeIPv6, true
	case IsBinary(value):
		return TypeBinary, true
	default:
		return "", false
	}
}

// IsFQDN reports whether value looks like a fully qualified domain name.
func IsFQDN(value string) bool {
	return fqdnPattern.MatchString(value)
}

// IsURL reports whether value looks like a URL, with or without a scheme.
func IsURL(value string) bool {
	return urlPattern.MatchString(value) || hostPathPat.MatchString(value)
}

// HashType names the hash family of value.
func HashType(value string) (string, bool) {
	for _, h := range hashPatterns {
		if h.pattern.MatchString(value) {
			return h.name, true
		}
	}
	return "", false
}

func isHash(value string) bool {
	_, ok := HashType(value)
	return ok
}

// IsBinary reports whether value is an absolute path to a regular file no
// larger than MaxBinarySize.
func IsBinary(value string) bool {
	if !strings.HasPrefix(value, "/") {
		return false
	}
	info, err := os.Stat(value)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return info.Size() <= MaxBinarySize
}

// isIPv4 accepts an address or an address with prefix length.
func isIPv4(value string) bool {
	addr, ok := parseInterface(value)
	return ok && addr.Is4()
}

func isIPv6(value string) bool {
	addr, ok := parseInterface(value)
	return ok && addr.Is6() && !addr.Is4In6()
}

func parseInterface(value string) (netip.Addr, bool) {
	if strings.Contains(value, "/") {
		prefix, err := netip.ParsePrefix(value)
		if err != nil {
			return netip.Addr{}, false
		}
		return prefix.Addr(), true
	}
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

// IsPublicIP reports whether value is a globally routable address.
func IsPublicIP(value string) bool {
	addr, ok := parseInterface(value)
	if !ok {
		return false
	}
	return addr.IsGlobalUnicast() && !addr.IsPrivate()
}

// ParseAddr returns the address part of an IP observable value, which may
// carry a prefix length.
func ParseAddr(value string) (netip.Addr, bool) {
	return parseInterface(value)
}
