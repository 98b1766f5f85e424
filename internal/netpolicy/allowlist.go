package netpolicy

import (
	"fmt"
	"strings"
)

// Preset domain groups
var Presets = map[string][]string{
	"npm":       {"registry.npmjs.org", "npmjs.com"},
	"pypi":      {"pypi.org", "files.pythonhosted.org"},
	"github":    {"github.com", "api.github.com", "raw.githubusercontent.com"},
	"anthropic": {"api.anthropic.com", "anthropic.com"},
	"vertex":    {"aiplatform.googleapis.com", "oauth2.googleapis.com"},
	"bun":       {"bun.sh", "registry.npmjs.org"},
}

// DefaultSpecs is the restricted default posture: agent API endpoints only.
var DefaultSpecs = []string{"anthropic", "vertex"}

// Special values
const (
	NetworkAll  = "all"  // Allow all traffic
	NetworkNone = "none" // No network access
)

// Allowlist represents network egress permissions for a session.
type Allowlist struct {
	AllowAll  bool     // Allow all traffic
	Blocked   bool     // No network access
	Domains   []string // Allowed literal domains
	Wildcards []string // Allowed wildcard patterns (*.example.com)
}

// IsWildcard returns true if the domain is a wildcard pattern (*.example.com)
func IsWildcard(domain string) bool {
	return strings.HasPrefix(domain, "*.")
}

// ValidateWildcard validates a wildcard pattern and returns an error if invalid.
// Valid: *.example.com (leading single-level wildcard)
// Invalid: *.com (TLD wildcard), **.example.com (recursive), sub.*.example.com (mid-level)
func ValidateWildcard(pattern string) error {
	if !IsWildcard(pattern) {
		return fmt.Errorf("not a wildcard pattern: %s", pattern)
	}

	baseDomain := strings.TrimPrefix(pattern, "*.")

	if strings.Contains(pattern, "**") {
		return fmt.Errorf("recursive wildcards not supported: %s", pattern)
	}

	if strings.Contains(baseDomain, "*") {
		return fmt.Errorf("mid-level wildcards not supported: %s", pattern)
	}

	// Base domain must have at least one dot (e.g., example.com, not just "com")
	if !strings.Contains(baseDomain, ".") {
		return fmt.Errorf("TLD wildcards not allowed: %s", pattern)
	}

	if baseDomain == "" {
		return fmt.Errorf("invalid wildcard pattern: %s", pattern)
	}

	return nil
}

// ExtractBaseDomain returns the base domain from a wildcard pattern.
// e.g., *.example.com -> example.com
func ExtractBaseDomain(pattern string) string {
	return strings.TrimPrefix(pattern, "*.")
}

// ParseAllowlist converts domain specs like "npm,pypi,github" into an Allowlist.
// Examples:
//   - ParseAllowlist([]string{"npm", "pypi"}) -> Allowlist{Domains: ["registry.npmjs.org", "npmjs.com", "pypi.org", ...]}
//   - ParseAllowlist([]string{"all"}) -> Allowlist{AllowAll: true}
//   - ParseAllowlist([]string{"none"}) -> Allowlist{Blocked: true}
//   - ParseAllowlist([]string{"*.example.com"}) -> Allowlist{Wildcards: ["*.example.com"]}
func ParseAllowlist(specs []string) *Allowlist {
	list := &Allowlist{
		Domains:   []string{},
		Wildcards: []string{},
	}

	if len(specs) == 0 {
		list.Blocked = true
		return list
	}

	// First pass: check for special values "all" or "none".
	// These take precedence regardless of position.
	for _, spec := range specs {
		spec = strings.TrimSpace(strings.ToLower(spec))

		if spec == NetworkAll {
			return &Allowlist{
				AllowAll:  true,
				Domains:   []string{},
				Wildcards: []string{},
			}
		}
		if spec == NetworkNone {
			return &Allowlist{
				Blocked:   true,
				Domains:   []string{},
				Wildcards: []string{},
			}
		}
	}

	// Second pass: process presets, wildcards, and domains
	for _, spec := range specs {
		spec = strings.TrimSpace(strings.ToLower(spec))

		if presetDomains, ok := Presets[spec]; ok {
			list.Domains = append(list.Domains, presetDomains...)
		} else if IsWildcard(spec) {
			if err := ValidateWildcard(spec); err == nil {
				list.Wildcards = append(list.Wildcards, spec)
			}
			// Invalid wildcards are silently ignored
		} else {
			list.Domains = append(list.Domains, spec)
		}
	}

	list.Domains = deduplicateDomains(list.Domains)
	list.Wildcards = deduplicateDomains(list.Wildcards)

	return list
}

// Patterns returns all allowed patterns, literals and wildcards together.
func (a *Allowlist) Patterns() []string {
	patterns := make([]string, 0, len(a.Domains)+len(a.Wildcards))
	patterns = append(patterns, a.Domains...)
	patterns = append(patterns, a.Wildcards...)
	return patterns
}

// deduplicateDomains removes duplicate domains from a slice
func deduplicateDomains(domains []string) []string {
	seen := make(map[string]bool)
	var result []string

	for _, domain := range domains {
		if !seen[domain] {
			seen[domain] = true
			result = append(result, domain)
		}
	}

	return result
}
