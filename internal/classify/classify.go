// Package classify resolves destinations to tracker identities: category
// feedback first, then the static table, then a classifier for misses.
package classify

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/ppiankov/trackwatch/internal/model"
)

// Result is a classifier guess.
type Result struct {
	Category   model.Category `json:"category"`
	Confidence float64        `json:"confidence"`
}

// Classifier guesses a category for domains absent from the knowledge table.
type Classifier interface {
	Classify(ctx context.Context, url, domain string) (Result, error)
}

// keywords maps URL/host tokens to categories. A token may contribute to
// several categories.
var keywords = map[model.Category][]string{
	model.CategoryAdvertising:      {"ad", "ads", "adserver", "pixel", "adsystem", "adservice", "banner", "bidder", "rtb", "prebid", "syndication", "sponsor"},
	model.CategoryAnalytics:        {"analytics", "stats", "stat", "metrics", "metric", "telemetry", "collect", "collector", "insight", "insights", "measure"},
	model.CategorySessionRecording: {"replay", "recording", "record", "heatmap", "heatmaps", "session", "sessions", "playback"},
	model.CategorySocial:           {"social", "share", "sharing", "like", "follow", "widgets", "connect"},
	model.CategoryTagManager:       {"tag", "tags", "gtm", "tagmanager", "container"},
	model.CategoryPayment:          {"pay", "payment", "payments", "checkout", "billing"},
	model.CategoryCDN:              {"cdn", "static", "assets", "edge", "media"},
	model.CategorySecurity:         {"captcha", "fraud", "antibot", "bot", "shield", "secure"},
}

var keywordIndex = buildIndex()

func buildIndex() map[string][]model.Category {
	idx := make(map[string][]model.Category)
	for cat, words := range keywords {
		for _, w := range words {
			idx[w] = append(idx[w], cat)
		}
	}
	return idx
}

// Keyword is a token-voting classifier over host labels and path segments.
type Keyword struct{}

// NewKeyword returns the built-in keyword classifier.
func NewKeyword() *Keyword { return &Keyword{} }

// Classify splits the host (without its public suffix) and the URL path into
// tokens and lets each known token vote for its categories.
func (Keyword) Classify(_ context.Context, url, domain string) (Result, error) {
	votes := make(map[model.Category]int)
	total := 0
	for _, tok := range tokens(url, domain) {
		for _, cat := range keywordIndex[tok] {
			votes[cat]++
			total++
		}
	}
	if total == 0 {
		return Result{Category: model.CategoryUnknown}, nil
	}

	type vote struct {
		cat model.Category
		n   int
	}
	ranked := make([]vote, 0, len(votes))
	for c, n := range votes {
		ranked = append(ranked, vote{c, n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].n != ranked[j].n {
			return ranked[i].n > ranked[j].n
		}
		return categoryOrder(ranked[i].cat) < categoryOrder(ranked[j].cat)
	})

	best := ranked[0]
	// Agreement share, discounted for thin evidence.
	conf := float64(best.n) / float64(total) * float64(best.n) / float64(best.n+1)
	if conf > 0.9 {
		conf = 0.9
	}
	return Result{Category: best.cat, Confidence: conf}, nil
}

func categoryOrder(c model.Category) int {
	for i, cc := range model.Categories {
		if cc == c {
			return i
		}
	}
	return len(model.Categories)
}

func tokens(url, domain string) []string {
	host := strings.ToLower(strings.Trim(domain, "."))
	if suffix, _ := publicsuffix.PublicSuffix(host); suffix != "" && len(host) > len(suffix) {
		host = strings.TrimSuffix(host[:len(host)-len(suffix)], ".")
	}
	path := strings.ToLower(url)
	if i := strings.Index(path, "://"); i >= 0 {
		path = path[i+3:]
		if j := strings.IndexByte(path, '/'); j >= 0 {
			path = path[j:]
		} else {
			path = ""
		}
	}
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}

	split := func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}
	out := strings.FieldsFunc(host, split)
	out = append(out, strings.FieldsFunc(path, split)...)
	return out
}
