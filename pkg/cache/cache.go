// Package cache provides the TTL cache used for registry manifests and
// fetched definition artifacts.
//
// # Overview
//
// A [Store] wraps a [Backend] (file, memory, redis or null) and adds the
// cache policy:
//
//   - Every entry carries its own TTL. An entry is stale once
//     now - storedAt > ttl; a stale entry is a miss and is removed lazily.
//   - Entries written with [Store.SetWithChecksum] are verified on read. A
//     checksum mismatch drops the entry, logs a warning and counts as a miss.
//   - Eviction is explicit only ([Store.Invalidate], [Store.Clear]). There is
//     no size bound and no LRU.
//
// # Concurrency
//
// Operations on the same key are serialized through 256 striped
// reader/writer locks selected by the xxhash of the key. Reads of different
// keys never contend, and a write never interleaves with a read of the same
// key within one process.
//
// # Keys
//
// Keys are built with a [Keyer]. The [ScopedKeyer] prefixes keys with a
// registry scope so entries of one registry URL are never served for another.
package cache

import (
	"context"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/integrity"
	"github.com/matzehuels/forge/pkg/observability"
)

// Entry is the persisted record for one key.
type Entry struct {
	Key        string    `json:"key"`
	Value      []byte    `json:"value"`
	StoredAt   time.Time `json:"stored_at"`
	TTLSeconds int64     `json:"ttl_seconds"`
	Checksum   string    `json:"checksum,omitempty"`
}

// Stale reports whether the entry has outlived its TTL at now.
// A TTL of zero never expires.
func (e *Entry) Stale(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(e.StoredAt) > time.Duration(e.TTLSeconds)*time.Second
}

// Intact reports whether the value still matches its checksum.
// Entries without a checksum are always intact.
func (e *Entry) Intact() bool {
	return e.Checksum == "" || integrity.HashBytes(e.Value) == e.Checksum
}

// Backend persists entries. Backends store whatever they are given; TTL and
// checksum policy live in [Store].
type Backend interface {
	// Load returns the entry for key, or nil, nil if there is none.
	// An entry that cannot be decoded yields a CACHE_CORRUPT error.
	Load(ctx context.Context, key string) (*Entry, error)

	// Save writes the entry, replacing any previous one for its key.
	Save(ctx context.Context, e *Entry) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists every stored key.
	Keys(ctx context.Context) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// Stats summarizes the live contents of a store and its hit counters.
type Stats struct {
	Count      int   `json:"count"`
	TotalBytes int64 `json:"total_bytes"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
}

// ClearOptions selects entries for [Store.Clear]. Both filters must match.
// The zero value clears everything.
type ClearOptions struct {
	// Pattern is a path.Match glob over keys, e.g. "artifact:*". Empty matches all.
	Pattern string

	// OlderThan selects entries stored more than this long ago. Zero matches all.
	OlderThan time.Duration
}

// Store applies TTL and checksum policy on top of a [Backend].
type Store struct {
	backend Backend
	locks   keyLocks
	now     func() time.Time
	logger  *log.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a [Store].
type Option func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for corruption warnings.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a store over backend. A nil backend behaves like [NullBackend].
func New(backend Backend, opts ...Option) *Store {
	if backend == nil {
		backend = NewNullBackend()
	}
	s := &Store{backend: backend, now: time.Now, logger: log.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	return s
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend { return s.backend }

// Get returns the value for key. Stale and corrupt entries are misses.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	mu := s.locks.get(key)
	mu.RLock()
	e, err := s.backend.Load(ctx, key)
	mu.RUnlock()

	switch {
	case errors.Is(err, errors.ErrCodeCacheCorrupt):
		s.dropCorrupt(ctx, key, err)
		return s.miss(ctx, key)
	case err != nil:
		return nil, false, errors.Wrap(errors.ErrCodeCache, err, "read cache entry %q", key)
	case e == nil:
		return s.miss(ctx, key)
	case e.Stale(s.now()):
		s.evictIf(ctx, key, func(cur *Entry) bool { return cur.Stale(s.now()) })
		return s.miss(ctx, key)
	case !e.Intact():
		s.dropCorrupt(ctx, key, errors.New(errors.ErrCodeCacheCorrupt, "checksum mismatch").
			WithDetail("expected", e.Checksum).
			WithDetail("actual", integrity.HashBytes(e.Value)))
		return s.miss(ctx, key)
	}

	s.hits.Add(1)
	observability.Cache().OnCacheHit(ctx, keyType(key))
	return e.Value, true, nil
}

// Set stores value under key with its own ttl. A ttl of zero never expires;
// sub-second TTLs round up to one second.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.set(ctx, key, value, ttl, "")
}

// SetWithChecksum is like [Store.Set] but records a checksum of value that
// is verified on every read.
func (s *Store) SetWithChecksum(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.set(ctx, key, value, ttl, integrity.HashBytes(value))
}

func (s *Store) set(ctx context.Context, key string, value []byte, ttl time.Duration, checksum string) error {
	if key == "" {
		return errors.New(errors.ErrCodeInvalidInput, "cache key must not be empty")
	}
	if ttl < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "negative ttl %s for %q", ttl, key)
	}
	e := &Entry{
		Key:        key,
		Value:      value,
		StoredAt:   s.now().UTC(),
		TTLSeconds: ttlSeconds(ttl),
		Checksum:   checksum,
	}

	mu := s.locks.get(key)
	mu.Lock()
	err := s.backend.Save(ctx, e)
	mu.Unlock()
	if err != nil {
		return errors.Wrap(errors.ErrCodeCache, err, "write cache entry %q", key)
	}
	observability.Cache().OnCacheSet(ctx, keyType(key), len(value))
	return nil
}

// Invalidate removes key.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	mu := s.locks.get(key)
	mu.Lock()
	defer mu.Unlock()
	if err := s.backend.Delete(ctx, key); err != nil {
		return errors.Wrap(errors.ErrCodeCache, err, "invalidate cache entry %q", key)
	}
	return nil
}

// Stats counts live entries and their value bytes. Stale and corrupt
// entries are not counted.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return Stats{}, errors.Wrap(errors.ErrCodeCache, err, "list cache keys")
	}

	st := Stats{Hits: s.hits.Load(), Misses: s.misses.Load()}
	now := s.now()
	for _, key := range keys {
		mu := s.locks.get(key)
		mu.RLock()
		e, err := s.backend.Load(ctx, key)
		mu.RUnlock()
		if err != nil || e == nil || e.Stale(now) || !e.Intact() {
			continue
		}
		st.Count++
		st.TotalBytes += int64(len(e.Value))
	}
	return st, nil
}

// Clear removes every entry matching opts and returns how many were removed.
func (s *Store) Clear(ctx context.Context, opts ClearOptions) (int, error) {
	if opts.Pattern != "" {
		if _, err := path.Match(opts.Pattern, ""); err != nil {
			return 0, errors.Wrap(errors.ErrCodeInvalidInput, err, "invalid pattern %q", opts.Pattern)
		}
	}
	if opts.OlderThan < 0 {
		return 0, errors.New(errors.ErrCodeInvalidInput, "negative age %s", opts.OlderThan)
	}

	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeCache, err, "list cache keys")
	}

	now := s.now()
	removed := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if opts.Pattern != "" {
			if ok, _ := path.Match(opts.Pattern, key); !ok {
				continue
			}
		}
		ok, err := s.deleteIf(ctx, key, func(e *Entry) bool {
			return opts.OlderThan == 0 || now.Sub(e.StoredAt) > opts.OlderThan
		})
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) miss(ctx context.Context, key string) ([]byte, bool, error) {
	s.misses.Add(1)
	observability.Cache().OnCacheMiss(ctx, keyType(key))
	return nil, false, nil
}

// dropCorrupt removes key if it is still undecodable or fails its checksum.
// An entry written since the corrupt read is kept.
func (s *Store) dropCorrupt(ctx context.Context, key string, cause error) {
	s.logger.Warn("dropping corrupt cache entry", "key", key, "err", cause)
	observability.Cache().OnCacheCorrupt(ctx, keyType(key))
	s.evictIf(ctx, key, func(cur *Entry) bool { return !cur.Intact() })
}

// evictIf removes key if the current entry still satisfies cond. Another
// writer may have replaced the entry between the read and the eviction.
func (s *Store) evictIf(ctx context.Context, key string, cond func(*Entry) bool) {
	if _, err := s.deleteIf(ctx, key, cond); err != nil {
		s.logger.Debug("evict cache entry failed", "key", key, "err", err)
	}
}

func (s *Store) deleteIf(ctx context.Context, key string, cond func(*Entry) bool) (bool, error) {
	mu := s.locks.get(key)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.backend.Load(ctx, key)
	switch {
	case errors.Is(err, errors.ErrCodeCacheCorrupt):
		// undecodable entries are always removable
	case err != nil:
		return false, errors.Wrap(errors.ErrCodeCache, err, "read cache entry %q", key)
	case e == nil:
		return false, nil
	case !cond(e):
		return false, nil
	}
	if err := s.backend.Delete(ctx, key); err != nil {
		return false, errors.Wrap(errors.ErrCodeCache, err, "delete cache entry %q", key)
	}
	return true, nil
}

// ttlSeconds converts ttl to whole seconds, rounding up.
func ttlSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return int64((ttl + time.Second - 1) / time.Second)
}

// keyType is the key prefix up to the first colon, used as a metrics label.
func keyType(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "other"
}
