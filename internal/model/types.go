package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Mode is the enforcement outcome for a destination.
type Mode string

const (
	ModeAllow    Mode = "allow"
	ModeRestrict Mode = "restrict"
	ModeSandbox  Mode = "sandbox"
	ModeBlock    Mode = "block"
)

// ModeRank maps modes to a comparable integer, least to most restrictive.
var ModeRank = map[Mode]int{
	ModeAllow:    0,
	ModeRestrict: 1,
	ModeSandbox:  2,
	ModeBlock:    3,
}

// ParseMode maps a string to a Mode. Unknown values report ok=false.
func ParseMode(s string) (Mode, bool) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := ModeRank[m]; ok {
		return m, true
	}
	return ModeAllow, false
}

// Category is the closed set of tracker categories.
type Category string

const (
	CategoryAdvertising      Category = "Advertising"
	CategoryAnalytics        Category = "Analytics"
	CategorySessionRecording Category = "Session Recording"
	CategorySocial           Category = "Social"
	CategoryTagManager       Category = "Tag Manager"
	CategoryPayment          Category = "Payment"
	CategoryCDN              Category = "CDN"
	CategorySecurity         Category = "Security"
	CategoryUnknown          Category = "Unknown"
)

// Categories lists every category in display order.
var Categories = []Category{
	CategoryAdvertising,
	CategoryAnalytics,
	CategorySessionRecording,
	CategorySocial,
	CategoryTagManager,
	CategoryPayment,
	CategoryCDN,
	CategorySecurity,
	CategoryUnknown,
}

// ParseCategory matches case-insensitively; anything else is Unknown.
func ParseCategory(s string) Category {
	s = strings.TrimSpace(s)
	for _, c := range Categories {
		if strings.EqualFold(string(c), s) {
			return c
		}
	}
	return CategoryUnknown
}

// SessionID identifies one browsing session (tab).
type SessionID string

// Key is the composite (session, destination) key used by per-key tables.
type Key struct {
	Session SessionID
	Domain  string
}

func (k Key) String() string {
	return string(k.Session) + "|" + k.Domain
}

// Request is one intercepted outbound request.
type Request struct {
	URL          string    `json:"url"`
	ResourceType string    `json:"resourceType"`
	InitiatorURL string    `json:"initiatorUrl,omitempty"`
	SessionID    SessionID `json:"sessionId"`
	ObservedAt   time.Time `json:"observedAt"`
}

// Destination returns the normalized host the request targets.
func (r Request) Destination() (string, error) {
	return HostFromURL(r.URL)
}

// Initiator returns the initiating page host, or "" if absent or unparseable.
func (r Request) Initiator() string {
	if r.InitiatorURL == "" {
		return ""
	}
	h, err := HostFromURL(r.InitiatorURL)
	if err != nil {
		return ""
	}
	return h
}

// HostFromURL extracts a lowercase host without port or trailing dot.
func HostFromURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	return host, nil
}

// IdentitySource records where a TrackerIdentity came from.
type IdentitySource string

const (
	SourceKnowledge  IdentitySource = "knowledge"
	SourceClassifier IdentitySource = "classifier"
	SourceFeedback   IdentitySource = "feedback"
)

// TrackerIdentity describes a known or classified third-party destination.
type TrackerIdentity struct {
	Domain     string         `json:"domain" yaml:"domain"`
	Company    string         `json:"company" yaml:"company"`
	Category   Category       `json:"category" yaml:"category"`
	BaseRisk   int            `json:"baseRisk" yaml:"base_risk"`
	DataTypes  []string       `json:"dataTypes,omitempty" yaml:"data_types"`
	Regulatory []string       `json:"regulatory,omitempty" yaml:"regulatory"`
	Source     IdentitySource `json:"source,omitempty" yaml:"-"`
	Confidence float64        `json:"confidence,omitempty" yaml:"-"`
}

// UnknownCompany is used when the owner cannot be resolved.
const UnknownCompany = "Unknown"

// RiskTier buckets a 0-100 score for display and summaries.
type RiskTier string

const (
	TierLow      RiskTier = "low"
	TierMedium   RiskTier = "medium"
	TierHigh     RiskTier = "high"
	TierCritical RiskTier = "critical"
)

// TierFor returns the tier for a score.
func TierFor(score int) RiskTier {
	switch {
	case score >= 85:
		return TierCritical
	case score >= 70:
		return TierHigh
	case score >= 40:
		return TierMedium
	default:
		return TierLow
	}
}

// Scope says whether an override applies everywhere or to one tab.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeTab    Scope = "tab"
)

// Override is a user-forced enforcement mode.
type Override struct {
	Domain    string    `json:"domain"`
	Session   SessionID `json:"session,omitempty"`
	Mode      Mode      `json:"mode"`
	Scope     Scope     `json:"scope"`
	CreatedAt time.Time `json:"createdAt"`
}
