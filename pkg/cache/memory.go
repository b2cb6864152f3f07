package cache

import (
	"context"
	"slices"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryBackend keeps entries in process memory. The underlying go-cache
// never expires items itself; staleness is decided by [Store].
type MemoryBackend struct {
	cache *gocache.Cache
}

// NewMemoryBackend creates an empty memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{cache: gocache.New(gocache.NoExpiration, 0)}
}

// Load returns a copy of the stored entry.
func (b *MemoryBackend) Load(ctx context.Context, key string) (*Entry, error) {
	v, ok := b.cache.Get(key)
	if !ok {
		return nil, nil
	}
	e := v.(Entry)
	e.Value = slices.Clone(e.Value)
	return &e, nil
}

// Save stores a copy of e.
func (b *MemoryBackend) Save(ctx context.Context, e *Entry) error {
	cp := *e
	cp.Value = slices.Clone(e.Value)
	b.cache.Set(e.Key, cp, gocache.NoExpiration)
	return nil
}

// Delete removes key.
func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	b.cache.Delete(key)
	return nil
}

// Keys lists the stored keys.
func (b *MemoryBackend) Keys(ctx context.Context) ([]string, error) {
	items := b.cache.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	return keys, nil
}

// Close drops every entry.
func (b *MemoryBackend) Close() error {
	b.cache.Flush()
	return nil
}

var _ Backend = (*MemoryBackend)(nil)
