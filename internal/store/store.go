// Package store is the namespaced key-value persistence the engines read and
// write through. Values are opaque bytes; GetJSON/SetJSON add typed access.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: not found")

// Namespaces used by the engines.
const (
	NSOverrides   = "overrides"
	NSFingerprint = "fingerprint"
	NSPattern     = "pattern"
	NSEnforce     = "enforce"
	NSFeedback    = "feedback"
)

// Store is the persistence capability.
type Store interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
	// Keys lists keys in namespace that start with prefix, sorted.
	Keys(ctx context.Context, namespace, prefix string) ([]string, error)
	Close() error
}

var validNamespace = regexp.MustCompile(`^[a-z0-9_-]+$`)

func validateNamespace(ns string) error {
	if !validNamespace.MatchString(ns) {
		return fmt.Errorf("store: invalid namespace %q", ns)
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("store: key must not be empty")
	}
	return nil
}

// GetJSON reads and decodes a value.
func GetJSON[T any](ctx context.Context, s Store, namespace, key string) (T, error) {
	var v T
	data, err := s.Get(ctx, namespace, key)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("store: decode %s/%s: %w", namespace, key, err)
	}
	return v, nil
}

// SetJSON encodes and writes a value.
func SetJSON(ctx context.Context, s Store, namespace, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", namespace, key, err)
	}
	return s.Set(ctx, namespace, key, data)
}

// Config selects and configures a backend.
type Config struct {
	Backend     string `yaml:"backend"` // memory, file, sqlite, redis
	Path        string `yaml:"path"`
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// DefaultConfig keeps state in a SQLite file under ~/.trackwatch.
func DefaultConfig() Config {
	return Config{Backend: "sqlite", Path: filepath.Join(DefaultDir(), "state.db"), RedisPrefix: "trackwatch"}
}

// DefaultDir returns the default state directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "trackwatch")
	}
	return filepath.Join(home, ".trackwatch")
}

// Open constructs the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return NewFile(cfg.Path)
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path)
	case "redis":
		return OpenRedis(ctx, cfg.RedisURL, cfg.RedisPrefix)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}
