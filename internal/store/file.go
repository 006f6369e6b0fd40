package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// File stores one file per key under dir/<namespace>/. Keys are base64url
// encoded into file names so arbitrary keys cannot escape the directory.
type File struct {
	dir string
	mu  sync.Mutex
}

// NewFile creates a File store rooted at dir.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		dir = filepath.Join(DefaultDir(), "state")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}
	return &File{dir: dir}, nil
}

func (f *File) path(namespace, key string) string {
	return filepath.Join(f.dir, namespace, base64.RawURLEncoding.EncodeToString([]byte(key))+".json")
}

func (f *File) Get(_ context.Context, namespace, key string) ([]byte, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path(namespace, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s/%s: %w", namespace, key, err)
	}
	return data, nil
}

func (f *File) Set(_ context.Context, namespace, key string, value []byte) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(filepath.Join(f.dir, namespace), 0700); err != nil {
		return fmt.Errorf("store: create namespace: %w", err)
	}
	return writeAtomic(f.path(namespace, key), value)
}

func (f *File) Delete(_ context.Context, namespace, key string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path(namespace, key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store: delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (f *File) Keys(_ context.Context, namespace, prefix string) ([]string, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := os.ReadDir(filepath.Join(f.dir, namespace))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", namespace, err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		if k := string(raw); strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *File) Close() error { return nil }

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("store: write: %w", err)
	}
	return os.Rename(tmp, path)
}
