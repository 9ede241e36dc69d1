package assetproxy

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// OriginAddress is an absolute http(s) URL with a normalised host.
type OriginAddress struct {
	u *url.URL
}

// ParseOrigin parses an absolute http or https URL.
func ParseOrigin(raw string) (OriginAddress, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return OriginAddress{}, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return OriginAddress{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	return newOrigin(u)
}

// ResolveReference resolves ref against base. A ref that already carries a
// scheme is parsed on its own and base is ignored.
func ResolveReference(ref string, base OriginAddress) (OriginAddress, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return OriginAddress{}, fmt.Errorf("%w: empty reference", ErrInvalidURL)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return OriginAddress{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if r.Scheme != "" {
		return newOrigin(r)
	}
	if base.u == nil {
		return OriginAddress{}, fmt.Errorf("%w: relative reference %q without base", ErrInvalidURL, ref)
	}
	return newOrigin(base.u.ResolveReference(r))
}

func newOrigin(u *url.URL) (OriginAddress, error) {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return OriginAddress{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return OriginAddress{}, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	host := normalizeHost(u.Hostname())
	hostport := host
	if strings.Contains(host, ":") {
		hostport = "[" + host + "]"
	}
	if port := u.Port(); port != "" {
		hostport += ":" + port
	}
	c := *u
	c.Scheme = scheme
	c.Host = hostport
	c.Fragment = ""
	c.RawFragment = ""
	return OriginAddress{u: &c}, nil
}

// normalizeHost lower-cases h and converts IDN labels to punycode. Hosts the
// IDNA lookup profile rejects are kept lower-cased as is.
func normalizeHost(h string) string {
	h = strings.TrimSuffix(strings.ToLower(h), ".")
	if strings.Contains(h, ":") {
		return h
	}
	if a, err := idna.Lookup.ToASCII(h); err == nil {
		return a
	}
	return h
}

func (o OriginAddress) String() string {
	if o.u == nil {
		return ""
	}
	return o.u.String()
}

// Host returns the lower-cased ASCII host without port.
func (o OriginAddress) Host() string {
	if o.u == nil {
		return ""
	}
	return o.u.Hostname()
}

// Path returns the URL path.
func (o OriginAddress) Path() string {
	if o.u == nil {
		return ""
	}
	return o.u.Path
}

func (o OriginAddress) IsZero() bool { return o.u == nil }

// isSkippableRef reports whether a reference found inside a stylesheet must be
// left untouched: blank, inline data, or a same-document fragment.
func isSkippableRef(ref string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return true
	}
	if strings.HasPrefix(ref, "#") {
		return true
	}
	return len(ref) >= 5 && strings.EqualFold(ref[:5], "data:")
}

// hostMatcher matches a host against a static list. An entry matches the host
// itself and any of its subdomains.
type hostMatcher struct {
	hosts map[string]struct{}
}

func newHostMatcher(hosts []string) hostMatcher {
	m := hostMatcher{hosts: make(map[string]struct{}, len(hosts))}
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		m.hosts[normalizeHost(h)] = struct{}{}
	}
	return m
}

func (m hostMatcher) Match(host string) bool {
	if len(m.hosts) == 0 || host == "" {
		return false
	}
	for {
		if _, ok := m.hosts[host]; ok {
			return true
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return false
		}
		host = host[i+1:]
	}
}
