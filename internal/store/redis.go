package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis stores values as plain keys named <prefix>:<namespace>:<key>.
type Redis struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects using a redis:// or rediss:// URL and pings the server.
func OpenRedis(ctx context.Context, rawURL, prefix string) (*Redis, error) {
	if rawURL == "" {
		return nil, errors.New("store: redis_url is required")
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}
	return NewRedis(client, prefix), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "trackwatch"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) nsPrefix(namespace string) string {
	return r.prefix + ":" + namespace + ":"
}

func (r *Redis) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.nsPrefix(namespace)+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: redis get %s/%s: %w", namespace, key, err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, namespace, key string, value []byte) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.nsPrefix(namespace)+key, value, 0).Err(); err != nil {
		return fmt.Errorf("store: redis set %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, namespace, key string) error {
	if err := r.client.Del(ctx, r.nsPrefix(namespace)+key).Err(); err != nil {
		return fmt.Errorf("store: redis delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (r *Redis) Keys(ctx context.Context, namespace, prefix string) ([]string, error) {
	base := r.nsPrefix(namespace)
	var keys []string
	iter := r.client.Scan(ctx, 0, base+escapeGlob(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), base))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: redis scan %s: %w", namespace, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
