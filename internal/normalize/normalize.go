package normalize

import (
	"fmt"
	"net/netip"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Canonicalization keeps the inventory key (target, type, normalized) stable
// across runs and scanners. Every function here is a fixed point: feeding a
// normalized value back through yields the same value.

// InvalidInputError is the typed normalization failure. Ingestion skips the
// record and writes an audit event when it sees one.
type InvalidInputError struct {
	Kind   string
	Input  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Kind, e.Input, e.Reason)
}

func invalid(kind, input, reason string) error {
	return &InvalidInputError{Kind: kind, Input: input, Reason: reason}
}

var dnsLabel = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Domain canonicalizes a hostname: lowercase, trailing dot stripped, any
// scheme or port removed. Fails unless the result is a syntactically valid
// DNS name.
func Domain(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", invalid("domain", raw, "empty")
	}

	if strings.Contains(v, "://") {
		u, err := url.Parse(v)
		if err != nil || u.Hostname() == "" {
			return "", invalid("domain", raw, "unparseable URL")
		}
		v = u.Hostname()
	} else {
		v = strings.SplitN(v, "/", 2)[0]
		// Bracketed IPv6 hosts and host:port forms carry no DNS name.
		if strings.HasPrefix(v, "[") {
			return "", invalid("domain", raw, "not a DNS name")
		}
		if i := strings.IndexByte(v, ':'); i >= 0 {
			v = v[:i]
		}
	}

	v = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(v), "."))
	if v == "" || len(v) > 253 {
		return "", invalid("domain", raw, "bad length")
	}

	for _, label := range strings.Split(v, ".") {
		if len(label) == 0 || len(label) > 63 || !dnsLabel.MatchString(label) {
			return "", invalid("domain", raw, fmt.Sprintf("bad label %q", label))
		}
	}
	return v, nil
}

// IP canonicalizes an IPv4 or IPv6 address to its textual canonical form
// (zero-compressed for IPv6). Loopback and private ranges are rejected
// unless the scope policy explicitly allows them.
func IP(raw string, allowPrivate bool) (string, error) {
	v := strings.TrimSpace(raw)
	addr, err := netip.ParseAddr(strings.Trim(v, "[]"))
	if err != nil {
		return "", invalid("ip", raw, "not an IP address")
	}
	addr = addr.Unmap()

	if !allowPrivate && (addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()) {
		return "", invalid("ip", raw, "loopback or private address")
	}
	return addr.String(), nil
}

// IsIP reports whether the value parses as an IP address at all.
func IsIP(raw string) bool {
	_, err := netip.ParseAddr(strings.Trim(strings.TrimSpace(raw), "[]"))
	return err == nil
}

// URL canonicalizes a URL: scheme and host lowercased, default ports elided,
// dot segments collapsed, the trailing slash removed everywhere except the
// bare root. Query and fragment are preserved verbatim.
func URL(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", invalid("url", raw, "empty")
	}
	// Scanners sometimes emit bare hosts; read those as http.
	if !strings.Contains(v, "://") {
		v = "http://" + v
	}

	u, err := url.Parse(v)
	if err != nil {
		return "", invalid("url", raw, "unparseable")
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", invalid("url", raw, "missing host")
	}

	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}
	u.Scheme = strings.ToLower(u.Scheme)

	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	p = path.Clean(p)
	if p == "." {
		p = "/"
	}
	u.RawPath = ""
	u.Path = p

	return u.String(), nil
}

// Port validates a service port.
func Port(port int) (int, error) {
	if port < 1 || port > 65535 {
		return 0, invalid("port", fmt.Sprintf("%d", port), "out of range")
	}
	return port, nil
}

// HostKind classifies a host string as an IP or a DNS name.
func HostKind(host string) string {
	if IsIP(host) {
		return "ip"
	}
	return "subdomain"
}
