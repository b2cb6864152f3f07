package cache

import "context"

// NullBackend never stores anything. It is used when caching is disabled.
type NullBackend struct{}

// NewNullBackend creates a null backend.
func NewNullBackend() *NullBackend {
	return &NullBackend{}
}

// Load always reports no entry.
func (NullBackend) Load(context.Context, string) (*Entry, error) { return nil, nil }

// Save does nothing.
func (NullBackend) Save(context.Context, *Entry) error { return nil }

// Delete does nothing.
func (NullBackend) Delete(context.Context, string) error { return nil }

// Keys returns no keys.
func (NullBackend) Keys(context.Context) ([]string, error) { return nil, nil }

// Close does nothing.
func (NullBackend) Close() error { return nil }

var _ Backend = (*NullBackend)(nil)
