package cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/matzehuels/forge/pkg/errors"
)

// fakeClock is a settable clock for TTL tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	fb, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend() error: %v", err)
	}
	return map[string]Backend{
		"file":   fb,
		"memory": NewMemoryBackend(),
	}
}

func TestStoreGetSet(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := New(b)
			defer s.Close()

			if _, hit, err := s.Get(ctx, "manifest:main"); err != nil || hit {
				t.Fatalf("Get() on empty store = hit %v, err %v", hit, err)
			}

			if err := s.Set(ctx, "manifest:main", []byte("data"), time.Hour); err != nil {
				t.Fatalf("Set() error: %v", err)
			}
			got, hit, err := s.Get(ctx, "manifest:main")
			if err != nil || !hit {
				t.Fatalf("Get() = hit %v, err %v", hit, err)
			}
			if string(got) != "data" {
				t.Errorf("Get() = %q, want %q", got, "data")
			}

			if err := s.Invalidate(ctx, "manifest:main"); err != nil {
				t.Fatalf("Invalidate() error: %v", err)
			}
			if _, hit, _ := s.Get(ctx, "manifest:main"); hit {
				t.Error("Get() after Invalidate() should miss")
			}
			if err := s.Invalidate(ctx, "manifest:main"); err != nil {
				t.Errorf("Invalidate() on missing key error: %v", err)
			}
		})
	}
}

func TestStoreTTL(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			s := New(b, WithClock(clock.Now))

			_ = s.Set(ctx, "artifact:a", []byte("a"), 60*time.Second)
			_ = s.Set(ctx, "artifact:forever", []byte("f"), 0)

			clock.Advance(59 * time.Second)
			if _, hit, _ := s.Get(ctx, "artifact:a"); !hit {
				t.Error("Get() at T+59 should hit")
			}

			clock.Advance(time.Second)
			if _, hit, _ := s.Get(ctx, "artifact:a"); !hit {
				t.Error("Get() at T+60 should hit")
			}

			clock.Advance(time.Second)
			if _, hit, _ := s.Get(ctx, "artifact:a"); hit {
				t.Error("Get() at T+61 should miss")
			}
			if e, _ := b.Load(ctx, "artifact:a"); e != nil {
				t.Error("stale entry should be removed from the backend")
			}

			clock.Advance(365 * 24 * time.Hour)
			if _, hit, _ := s.Get(ctx, "artifact:forever"); !hit {
				t.Error("ttl 0 entry should never expire")
			}
		})
	}
}

func TestStoreTTLBoundaryProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ttl := rapid.IntRange(1, 7*24*3600).Draw(t, "ttl")
		offset := rapid.IntRange(0, 2*ttl+10).Draw(t, "offset")

		clock := newFakeClock()
		s := New(NewMemoryBackend(), WithClock(clock.Now))
		ctx := context.Background()
		_ = s.Set(ctx, "k", []byte("v"), time.Duration(ttl)*time.Second)

		clock.Advance(time.Duration(offset) * time.Second)
		_, hit, err := s.Get(ctx, "k")
		if err != nil {
			t.Fatal(err)
		}
		if want := offset <= ttl; hit != want {
			t.Fatalf("ttl=%d offset=%d: hit = %v, want %v", ttl, offset, hit, want)
		}
	})
}

func TestStoreSubSecondTTLRoundsUp(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := NewMemoryBackend()
	s := New(b, WithClock(clock.Now))

	_ = s.Set(ctx, "k", []byte("v"), 10*time.Millisecond)
	e, _ := b.Load(ctx, "k")
	if e.TTLSeconds != 1 {
		t.Errorf("TTLSeconds = %d, want 1", e.TTLSeconds)
	}

	if err := s.Set(ctx, "k", []byte("v"), -time.Second); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("Set(negative ttl) = %v, want %s", err, errors.ErrCodeInvalidInput)
	}
}

func TestStoreChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := New(b)
			if err := s.SetWithChecksum(ctx, "artifact:x", []byte("good"), time.Hour); err != nil {
				t.Fatalf("SetWithChecksum() error: %v", err)
			}
			if _, hit, _ := s.Get(ctx, "artifact:x"); !hit {
				t.Fatal("Get() of intact entry should hit")
			}

			// Tamper with the stored value but keep the checksum.
			e, _ := b.Load(ctx, "artifact:x")
			e.Value = []byte("evil")
			if err := b.Save(ctx, e); err != nil {
				t.Fatal(err)
			}

			if _, hit, err := s.Get(ctx, "artifact:x"); hit || err != nil {
				t.Errorf("Get() of corrupt entry = hit %v, err %v; want miss", hit, err)
			}
			if e, _ := b.Load(ctx, "artifact:x"); e != nil {
				t.Error("corrupt entry should be removed")
			}
		})
	}
}

// staleReadBackend returns a tampered copy of the stored entry on its first
// Load, as if a writer replaced the entry right after a corrupt read.
type staleReadBackend struct {
	Backend
	once sync.Once
}

func (b *staleReadBackend) Load(ctx context.Context, key string) (*Entry, error) {
	e, err := b.Backend.Load(ctx, key)
	tampered := false
	b.once.Do(func() { tampered = true })
	if tampered && e != nil {
		cp := *e
		cp.Value = []byte("evil")
		return &cp, err
	}
	return e, err
}

func TestStoreKeepsEntryWrittenAfterCorruptRead(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend()
	s := New(mem)
	if err := s.SetWithChecksum(ctx, "artifact:x", []byte("fresh"), time.Hour); err != nil {
		t.Fatalf("SetWithChecksum() error: %v", err)
	}

	s = New(&staleReadBackend{Backend: mem})
	if _, hit, err := s.Get(ctx, "artifact:x"); hit || err != nil {
		t.Fatalf("Get() of corrupt read = hit %v, err %v; want miss", hit, err)
	}
	v, hit, err := s.Get(ctx, "artifact:x")
	if err != nil || !hit || string(v) != "fresh" {
		t.Errorf("Get() = %q, hit %v, err %v; want the entry written after the corrupt read", v, hit, err)
	}
}

func TestStoreUndecodableFileIsMiss(t *testing.T) {
	ctx := context.Background()
	fb, _ := NewFileBackend(t.TempDir())
	s := New(fb)

	path := fb.path("manifest:main")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, hit, err := s.Get(ctx, "manifest:main"); hit || err != nil {
		t.Errorf("Get() = hit %v, err %v; want miss", hit, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("undecodable file should be removed")
	}
}

func TestStoreStats(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := New(NewMemoryBackend(), WithClock(clock.Now))

	_ = s.Set(ctx, "manifest:a", []byte("12345"), time.Hour)
	_ = s.Set(ctx, "artifact:b", []byte("123"), time.Minute)
	_, _, _ = s.Get(ctx, "manifest:a")
	_, _, _ = s.Get(ctx, "manifest:missing")

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	want := Stats{Count: 2, TotalBytes: 8, Hits: 1, Misses: 1}
	if st != want {
		t.Errorf("Stats() = %+v, want %+v", st, want)
	}

	clock.Advance(2 * time.Minute)
	st, _ = s.Stats(ctx)
	if st.Count != 1 || st.TotalBytes != 5 {
		t.Errorf("Stats() after expiry = %+v, want 1 entry of 5 bytes", st)
	}
}

func TestStoreClear(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			s := New(b, WithClock(clock.Now))

			_ = s.Set(ctx, "manifest:main", []byte("m"), 0)
			_ = s.Set(ctx, "artifact:main:tool:a:1.0.0", []byte("a"), 0)
			clock.Advance(2 * time.Hour)
			_ = s.Set(ctx, "artifact:main:tool:b:1.0.0", []byte("b"), 0)

			n, err := s.Clear(ctx, ClearOptions{Pattern: "artifact:*", OlderThan: time.Hour})
			if err != nil {
				t.Fatalf("Clear() error: %v", err)
			}
			if n != 1 {
				t.Errorf("Clear(artifact:*, 1h) removed %d, want 1", n)
			}
			if _, hit, _ := s.Get(ctx, "artifact:main:tool:a:1.0.0"); hit {
				t.Error("old artifact should be cleared")
			}
			if _, hit, _ := s.Get(ctx, "artifact:main:tool:b:1.0.0"); !hit {
				t.Error("recent artifact should survive")
			}

			n, _ = s.Clear(ctx, ClearOptions{})
			if n != 2 {
				t.Errorf("Clear() removed %d, want 2", n)
			}
			keys, _ := b.Keys(ctx)
			if len(keys) != 0 {
				t.Errorf("Keys() after Clear() = %v", keys)
			}
		})
	}
}

func TestStoreClearRejectsBadPattern(t *testing.T) {
	s := New(NewMemoryBackend())
	_, err := s.Clear(context.Background(), ClearOptions{Pattern: "["})
	if !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("Clear([) = %v, want %s", err, errors.ErrCodeInvalidInput)
	}
}

func TestStoreConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	fb, _ := NewFileBackend(t.TempDir())
	s := New(fb)

	values := [][]byte{bytes.Repeat([]byte("a"), 4096), bytes.Repeat([]byte("b"), 4096)}
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.SetWithChecksum(ctx, "artifact:k", values[i%2], time.Hour)
		}()
		go func() {
			defer wg.Done()
			got, hit, err := s.Get(ctx, "artifact:k")
			if err != nil {
				t.Errorf("Get() error: %v", err)
				return
			}
			if hit && !bytes.Equal(got, values[0]) && !bytes.Equal(got, values[1]) {
				t.Error("Get() returned a torn value")
			}
		}()
	}
	wg.Wait()
}

func TestNullBackendStore(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	defer s.Close()

	if err := s.Set(ctx, "key", []byte("value"), time.Hour); err != nil {
		t.Errorf("Set error: %v", err)
	}
	if _, hit, _ := s.Get(ctx, "key"); hit {
		t.Error("null backend should not store data")
	}
	st, _ := s.Stats(ctx)
	if st.Count != 0 || st.Misses != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("FORGE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FORGE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	b, err := NewRedisBackend(ctx, RedisConfig{Addr: addr, Prefix: "forge:test:" + t.Name() + ":"})
	if err != nil {
		t.Fatalf("NewRedisBackend() error: %v", err)
	}
	s := New(b)
	defer s.Close()
	defer s.Clear(ctx, ClearOptions{})

	if err := s.SetWithChecksum(ctx, "manifest:main", []byte("m"), time.Hour); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if got, hit, err := s.Get(ctx, "manifest:main"); !hit || err != nil || string(got) != "m" {
		t.Errorf("Get() = %q, %v, %v", got, hit, err)
	}
	keys, err := b.Keys(ctx)
	if err != nil || len(keys) != 1 || keys[0] != "manifest:main" {
		t.Errorf("Keys() = %v, %v", keys, err)
	}
}

func TestKeyers(t *testing.T) {
	k := NewDefaultKeyer()
	if got := k.ManifestKey("main"); got != "manifest:main" {
		t.Errorf("ManifestKey() = %q", got)
	}
	if got := k.ArtifactKey("main", "tool", "search", "1.0.0"); got != "artifact:main:tool:search:1.0.0" {
		t.Errorf("ArtifactKey() = %q", got)
	}

	a := NewScopedKeyer(nil, RegistryScope("https://a.example.com"))
	b := NewScopedKeyer(nil, RegistryScope("https://b.example.com"))
	if a.ManifestKey("main") == b.ManifestKey("main") {
		t.Error("registries with different URLs must not share keys")
	}
	if RegistryScope("https://A.example.com/") != RegistryScope("https://a.example.com") {
		t.Error("RegistryScope() should ignore case and trailing slash")
	}
	if got := NewScopedKeyer(nil, "").ManifestKey("main"); got != "manifest:main" {
		t.Errorf("empty scope ManifestKey() = %q", got)
	}
}

func TestKeyType(t *testing.T) {
	tests := map[string]string{
		"manifest:main":          "manifest",
		"artifact:main:tool:a:1": "artifact",
		"plain":                  "other",
	}
	for key, want := range tests {
		if got := keyType(key); got != want {
			t.Errorf("keyType(%q) = %q, want %q", key, got, want)
		}
	}
}
