// Package endpoint checks operator-supplied API base URLs before any
// credential is sent to them.
package endpoint

import (
	"fmt"
	"net/url"
	"strings"
)

// Policy describes one configurable endpoint.
type Policy struct {
	Var      string // setting named in errors, e.g. OPENROUTER_BASE_URL
	AllowVar string // environment variable listing allowed hosts
	Default  string
	Hosts    []string // allowed when AllowVar is empty
}

// Normalize trims the URL and falls back to the default.
func (p Policy) Normalize(baseURL string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = p.Default
	}
	return strings.TrimRight(baseURL, "/")
}

// Validate accepts only absolute https URLs without userinfo, query or
// fragment whose host is allow-listed. An empty allowedHosts means p.Hosts.
func (p Policy) Validate(baseURL string, allowedHosts []string) error {
	baseURL = p.Normalize(baseURL)

	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", p.Var, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("invalid %s %q: absolute URL with host is required", p.Var, baseURL)
	}
	if u.User != nil {
		return fmt.Errorf("invalid %s %q: userinfo is not allowed", p.Var, baseURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("invalid %s %q: query and fragment are not allowed", p.Var, baseURL)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("invalid %s %q: host is required", p.Var, baseURL)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return fmt.Errorf("invalid %s %q: https is required", p.Var, baseURL)
	}

	if _, ok := p.allowed(allowedHosts)[host]; !ok {
		return fmt.Errorf("invalid %s %q: host %q is not in %s", p.Var, baseURL, host, p.AllowVar)
	}
	return nil
}

func (p Policy) allowed(extra []string) map[string]struct{} {
	if out := hostSet(extra); len(out) > 0 {
		return out
	}
	return hostSet(p.Hosts)
}

func hostSet(hosts []string) map[string]struct{} {
	out := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		v := strings.ToLower(strings.TrimSpace(h))
		v = strings.TrimPrefix(v, "http://")
		v = strings.TrimPrefix(v, "https://")
		v = strings.Trim(v, "/")
		if v == "" {
			continue
		}
		if i := strings.Index(v, ":"); i >= 0 {
			v = v[:i]
		}
		out[v] = struct{}{}
	}
	return out
}
