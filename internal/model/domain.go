package model

import (
	"net"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// RegistrableDomain returns the eTLD+1 for host. IP literals, single-label
// hosts and public suffixes are returned unchanged.
func RegistrableDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" || net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return host
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

// SameSite reports whether two hosts share a registrable domain.
func SameSite(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return RegistrableDomain(a) == RegistrableDomain(b)
}

// MatchesList reports whether domain contains any list entry or any entry
// contains domain. Matching is case-insensitive; empty entries never match.
func MatchesList(domain string, list []string) bool {
	d := strings.ToLower(domain)
	if d == "" {
		return false
	}
	for _, entry := range list {
		e := strings.ToLower(strings.TrimSpace(entry))
		if e == "" {
			continue
		}
		if strings.Contains(d, e) || strings.Contains(e, d) {
			return true
		}
	}
	return false
}

// ParentDomains returns host followed by each parent domain down to the
// registrable domain: a.b.example.com -> [a.b.example.com b.example.com example.com].
func ParentDomains(host string) []string {
	host = strings.ToLower(host)
	root := RegistrableDomain(host)
	out := []string{host}
	for h := host; h != root; {
		i := strings.IndexByte(h, '.')
		if i < 0 {
			break
		}
		h = h[i+1:]
		out = append(out, h)
	}
	return out
}
