// Package trackerdb is the static tracker knowledge table: known tracker
// domains with owner, category and regulatory notes.
package trackerdb

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/trackwatch/internal/model"
)

// File is the YAML layout of a tracker table.
type File struct {
	Trackers     []model.TrackerIdentity `yaml:"trackers"`
	CategoryRisk map[model.Category]int  `yaml:"category_risk"`
}

// DB holds tracker identities keyed by domain.
type DB struct {
	mu           sync.RWMutex
	byDomain     map[string]model.TrackerIdentity
	categoryRisk map[model.Category]int
}

// New creates a DB from entries; categoryRisk may be nil for defaults.
func New(entries []model.TrackerIdentity, categoryRisk map[model.Category]int) *DB {
	risk := make(map[model.Category]int, len(DefaultCategoryRisk))
	for c, w := range DefaultCategoryRisk {
		risk[c] = w
	}
	for c, w := range categoryRisk {
		risk[model.ParseCategory(string(c))] = w
	}
	d := &DB{byDomain: make(map[string]model.TrackerIdentity, len(entries)), categoryRisk: risk}
	for _, e := range entries {
		d.addLocked(e)
	}
	return d
}

// NewDefault creates a DB with the built-in table.
func NewDefault() *DB {
	return New(DefaultTrackers, nil)
}

// Load reads a tracker table from YAML. Falls back to defaults if the file
// doesn't exist. Entries in the file are added on top of the defaults.
func Load(path string) (*DB, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return NewDefault(), nil
		}
		path = filepath.Join(home, ".trackwatch", "trackers.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDefault(), nil
		}
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	return New(append(append([]model.TrackerIdentity(nil), DefaultTrackers...), f.Trackers...), f.CategoryRisk), nil
}

// Normalize fills the derived fields of an identity.
func (d *DB) Normalize(id model.TrackerIdentity) model.TrackerIdentity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.normalizeLocked(id)
}

func (d *DB) normalizeLocked(id model.TrackerIdentity) model.TrackerIdentity {
	id.Domain = strings.ToLower(strings.TrimSpace(id.Domain))
	id.Category = model.ParseCategory(string(id.Category))
	if strings.TrimSpace(id.Company) == "" {
		id.Company = model.UnknownCompany
	}
	if id.BaseRisk == 0 {
		id.BaseRisk = d.categoryRisk[id.Category]
	}
	if len(id.DataTypes) == 0 {
		id.DataTypes = DataTypesByCategory[id.Category]
	}
	return id
}

func (d *DB) addLocked(id model.TrackerIdentity) {
	id = d.normalizeLocked(id)
	if id.Domain == "" {
		return
	}
	id.Source = model.SourceKnowledge
	id.Confidence = 1
	d.byDomain[id.Domain] = id
}

// Add inserts or replaces an entry at runtime.
func (d *DB) Add(id model.TrackerIdentity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addLocked(id)
}

// Lookup finds host or its closest listed parent domain.
func (d *DB) Lookup(host string) (model.TrackerIdentity, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, candidate := range model.ParentDomains(host) {
		if id, ok := d.byDomain[candidate]; ok {
			id.Domain = strings.ToLower(host)
			return id, true
		}
	}
	return model.TrackerIdentity{}, false
}

// CategoryRisk returns the base risk for a category, Unknown's on a gap.
func (d *DB) CategoryRisk(c model.Category) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if w, ok := d.categoryRisk[c]; ok {
		return w
	}
	return d.categoryRisk[model.CategoryUnknown]
}

// Len is the number of listed domains.
func (d *DB) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byDomain)
}

// DefaultYAML renders the built-in table as an editable tracker file.
// Entries loaded from a file are added on top of the built-in ones, so
// edits to an existing domain replace it.
func DefaultYAML() (string, error) {
	data, err := yaml.Marshal(File{Trackers: DefaultTrackers, CategoryRisk: DefaultCategoryRisk})
	if err != nil {
		return "", err
	}
	header := "# trackwatch tracker table.\n" +
		"# Domains match themselves and every subdomain.\n" +
		"# category_risk sets the base risk used when an entry has none.\n\n"
	return header + string(data), nil
}
