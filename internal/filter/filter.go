// Package filter is the contract with the traffic-filtering capability plus
// an in-memory implementation that can export its rules as a
// declarativeNetRequest ruleset.
package filter

import (
	"context"
	"errors"
	"strings"
)

// Kind is what a rule does to matching traffic.
type Kind string

const (
	KindBlock       Kind = "block"
	KindStripCookie Kind = "strip_cookies"
)

// Rule is one installed filter rule.
type Rule struct {
	ID        int    `json:"id"`
	Kind      Kind   `json:"kind"`
	URLFilter string `json:"urlFilter"`
}

// Domain extracts the domain from the rule's pattern.
func (r Rule) Domain() (string, bool) {
	return DomainFromPattern(r.URLFilter)
}

var (
	ErrDuplicateID = errors.New("filter: rule id already installed")
	ErrNoSuchRule  = errors.New("filter: no such rule")
)

// Filter installs and removes rules. Rule IDs are chosen by the caller,
// so a restart can continue numbering above what ListActiveRules reports.
type Filter interface {
	InstallBlockRule(ctx context.Context, id int, domain string) error
	InstallCookieStripRule(ctx context.Context, id int, domain string) error
	RemoveRule(ctx context.Context, id int) error
	ListActiveRules(ctx context.Context) ([]Rule, error)
}

// Pattern returns the anchored domain pattern "||domain^".
func Pattern(domain string) string {
	return "||" + strings.ToLower(strings.TrimSpace(domain)) + "^"
}

// DomainFromPattern parses "||domain^" (and the looser "*domain*" form).
func DomainFromPattern(p string) (string, bool) {
	p = strings.TrimSpace(p)
	switch {
	case strings.HasPrefix(p, "||"):
		p = strings.TrimPrefix(p, "||")
		if i := strings.IndexAny(p, "^/$"); i >= 0 {
			p = p[:i]
		}
	case strings.HasPrefix(p, "*") && strings.HasSuffix(p, "*") && len(p) > 2:
		p = p[1 : len(p)-1]
	default:
		return "", false
	}
	p = strings.ToLower(strings.Trim(p, "."))
	if p == "" || strings.ContainsAny(p, "*| ") {
		return "", false
	}
	return p, true
}
