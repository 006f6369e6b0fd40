package classify

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached memoizes classifier answers per domain.
type Cached struct {
	next  Classifier
	cache *lru.Cache[string, Result]
}

// NewCached wraps next with an LRU of the given size.
func NewCached(next Classifier, size int) (*Cached, error) {
	if size <= 0 {
		size = 4096
	}
	c, err := lru.New[string, Result](size)
	if err != nil {
		return nil, err
	}
	return &Cached{next: next, cache: c}, nil
}

func (c *Cached) Classify(ctx context.Context, url, domain string) (Result, error) {
	if r, ok := c.cache.Get(domain); ok {
		return r, nil
	}
	r, err := c.next.Classify(ctx, url, domain)
	if err != nil {
		return r, err
	}
	c.cache.Add(domain, r)
	return r, nil
}

// Forget drops a cached answer, e.g. after category feedback.
func (c *Cached) Forget(domain string) {
	c.cache.Remove(domain)
}

// Purge empties the cache.
func (c *Cached) Purge() {
	c.cache.Purge()
}
