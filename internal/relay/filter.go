package relay

import (
	"fmt"
	"net"
	"strings"
)

// DomainFilter validates requested hosts against a flat list of allowed
// domain patterns. A literal pattern allows the domain itself and its
// subdomains (suffix semantics); a "*.example.com" pattern allows
// subdomains only. An empty pattern list denies everything.
type DomainFilter struct {
	exact    map[string]bool
	suffixes []string
}

// NewDomainFilter creates a filter from allowlist patterns.
func NewDomainFilter(patterns []string) *DomainFilter {
	f := &DomainFilter{exact: make(map[string]bool)}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "*.") {
			f.suffixes = append(f.suffixes, strings.TrimPrefix(p, "*."))
			continue
		}
		f.exact[p] = true
		f.suffixes = append(f.suffixes, p)
	}
	return f
}

// Check returns nil when the host is allowed. The host may carry a port.
func (f *DomainFilter) Check(host string) error {
	h := strings.ToLower(host)
	if stripped, _, err := net.SplitHostPort(h); err == nil {
		h = stripped
	}
	h = strings.TrimSuffix(h, ".")

	if f.exact[h] {
		return nil
	}
	for _, suffix := range f.suffixes {
		if strings.HasSuffix(h, "."+suffix) {
			return nil
		}
	}
	return fmt.Errorf("domain %q is not in the allowlist", h)
}

// Patterns returns the normalized pattern list, mostly for logging.
func (f *DomainFilter) Patterns() []string {
	patterns := make([]string, 0, len(f.suffixes))
	for _, s := range f.suffixes {
		if f.exact[s] {
			patterns = append(patterns, s)
		} else {
			patterns = append(patterns, "*."+s)
		}
	}
	return patterns
}
