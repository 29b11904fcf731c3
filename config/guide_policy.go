package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// GuidePolicyConfig restricts which hosts the destination guide fetcher may
// read and records the attribution line shown with content from each host.
type GuidePolicyConfig struct {
	Allow       []string          `mapstructure:"allow"`
	Disallow    []string          `mapstructure:"disallow"`
	Attribution map[string]string `mapstructure:"attribution"`
}

// Normalize cleans entries and removes duplicates.
func (c GuidePolicyConfig) Normalize() GuidePolicyConfig {
	norm := c
	norm.Allow = sanitizeDomainList(norm.Allow)
	norm.Disallow = sanitizeDomainList(norm.Disallow)
	if norm.Attribution == nil {
		norm.Attribution = map[string]string{}
	} else {
		normalizedAttr := make(map[string]string, len(norm.Attribution))
		for host, val := range norm.Attribution {
			key := normalizeHost(host)
			if key == "" {
				continue
			}
			normalizedAttr[key] = strings.TrimSpace(val)
		}
		norm.Attribution = normalizedAttr
	}
	return norm
}

// Validate ensures configured policy entries do not conflict and are well-formed.
func (c GuidePolicyConfig) Validate() error {
	norm := c.Normalize()

	allow := make(map[string]struct{}, len(norm.Allow))
	for _, host := range norm.Allow {
		allow[host] = struct{}{}
	}
	for _, host := range norm.Disallow {
		if _, ok := allow[host]; ok {
			return fmt.Errorf("guide policy conflict: host %q present in both allow and disallow lists", host)
		}
	}
	for host := range norm.Attribution {
		if host == "" {
			return fmt.Errorf("guide policy attribution key must not be empty")
		}
	}
	return nil
}

// Allowed reports whether the policy permits fetching from the given host.
// An empty allow list permits every host not explicitly disallowed.
func (c GuidePolicyConfig) Allowed(host string) bool {
	key := normalizeHost(host)
	if key == "" {
		return false
	}
	for _, h := range c.Disallow {
		if h == key {
			return false
		}
	}
	if len(c.Allow) == 0 {
		return true
	}
	for _, h := range c.Allow {
		if h == key {
			return true
		}
	}
	return false
}

// AttributionFor returns the attribution line configured for a host, if any.
func (c GuidePolicyConfig) AttributionFor(host string) string {
	return c.Attribution[normalizeHost(host)]
}

func sanitizeDomainList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	for _, raw := range values {
		host := normalizeHost(raw)
		if host == "" {
			continue
		}
		seen[host] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for host := range seen {
		out = append(out, host)
	}
	sort.Strings(out)
	return out
}

func normalizeHost(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		if u, err := url.Parse(value); err == nil && u.Host != "" {
			return strings.TrimPrefix(strings.ToLower(u.Host), "www.")
		}
	}
	value = strings.TrimPrefix(value, "www.")
	return value
}
