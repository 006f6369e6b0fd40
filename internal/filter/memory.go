package filter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Memory is an in-process Filter. It keeps the rules it was given and
// counts install calls so callers can assert idempotence.
type Memory struct {
	mu       sync.Mutex
	rules    map[int]Rule
	installs int
	removes  int
}

// NewMemory returns an empty rule set.
func NewMemory() *Memory {
	return &Memory{rules: make(map[int]Rule)}
}

// Seed preloads rules, as if installed by an earlier process.
func (m *Memory) Seed(rules ...Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rules {
		m.rules[r.ID] = r
	}
}

func (m *Memory) install(id int, kind Kind, domain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id <= 0 {
		return fmt.Errorf("filter: invalid rule id %d", id)
	}
	if _, ok := m.rules[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	m.rules[id] = Rule{ID: id, Kind: kind, URLFilter: Pattern(domain)}
	m.installs++
	return nil
}

func (m *Memory) InstallBlockRule(_ context.Context, id int, domain string) error {
	return m.install(id, KindBlock, domain)
}

func (m *Memory) InstallCookieStripRule(_ context.Context, id int, domain string) error {
	return m.install(id, KindStripCookie, domain)
}

func (m *Memory) RemoveRule(_ context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchRule, id)
	}
	delete(m.rules, id)
	m.removes++
	return nil
}

func (m *Memory) ListActiveRules(context.Context) ([]Rule, error) {
	return m.Rules(), nil
}

// Rules returns the installed rules ordered by id.
func (m *Memory) Rules() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Installs is the number of successful install calls.
func (m *Memory) Installs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installs
}

// Removes is the number of successful remove calls.
func (m *Memory) Removes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removes
}

// DNRRule is the declarativeNetRequest JSON shape.
type DNRRule struct {
	ID        int          `json:"id"`
	Priority  int          `json:"priority"`
	Action    DNRAction    `json:"action"`
	Condition DNRCondition `json:"condition"`
}

type DNRAction struct {
	Type            string      `json:"type"`
	RequestHeaders  []DNRHeader `json:"requestHeaders,omitempty"`
	ResponseHeaders []DNRHeader `json:"responseHeaders,omitempty"`
}

type DNRHeader struct {
	Header    string `json:"header"`
	Operation string `json:"operation"`
}

type DNRCondition struct {
	URLFilter     string   `json:"urlFilter"`
	ResourceTypes []string `json:"resourceTypes,omitempty"`
}

var thirdPartyTypes = []string{"script", "image", "xmlhttprequest", "sub_frame", "ping", "other", "stylesheet", "font", "media", "websocket"}

// ToDNR converts a rule. Blocks outrank cookie stripping.
func ToDNR(r Rule) DNRRule {
	out := DNRRule{
		ID:        r.ID,
		Condition: DNRCondition{URLFilter: r.URLFilter, ResourceTypes: thirdPartyTypes},
	}
	switch r.Kind {
	case KindBlock:
		out.Priority = 2
		out.Action = DNRAction{Type: "block"}
	default:
		out.Priority = 1
		out.Action = DNRAction{
			Type:            "modifyHeaders",
			RequestHeaders:  []DNRHeader{{Header: "Cookie", Operation: "remove"}},
			ResponseHeaders: []DNRHeader{{Header: "Set-Cookie", Operation: "remove"}},
		}
	}
	return out
}

// Export writes the installed rules as an indented DNR JSON array.
func (m *Memory) Export(w io.Writer) error {
	rules := m.Rules()
	out := make([]DNRRule, 0, len(rules))
	for _, r := range rules {
		out = append(out, ToDNR(r))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
