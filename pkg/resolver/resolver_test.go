package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matzehuels/forge/pkg/cache"
	"github.com/matzehuels/forge/pkg/definition"
	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/httputil"
	"github.com/matzehuels/forge/pkg/integrity"
	"github.com/matzehuels/forge/pkg/registry"
	"github.com/matzehuels/forge/pkg/store"
)

// =============================================================================
// Fixtures
// =============================================================================

func newStoreTier(t *testing.T, name string, defs map[string]string) *StoreTier {
	t.Helper()
	root := t.TempDir()
	for rel, body := range defs {
		path := filepath.Join(root, rel, store.FileName)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	st, err := store.New(name, root, nil)
	require.NoError(t, err)
	return NewStoreTier(st)
}

func def(kind definition.Kind, name, ver string, fields map[string]any, refs ...string) *definition.Definition {
	d := &definition.Definition{Name: name, Kind: kind, Version: ver, Fields: definition.NewFields()}
	for k, v := range fields {
		d.Fields.Set(k, v)
	}
	for _, r := range refs {
		ref, err := definition.ParseReference(r, kind)
		if err != nil {
			panic(err)
		}
		d.References = append(d.References, ref)
	}
	return d
}

// fakeTransport serves an in-memory registry and counts fetches.
type fakeTransport struct {
	mu        sync.Mutex
	defs      map[string]*definition.Definition // keyed by directive path
	tamper    map[string]bool
	failures  int // remaining retryable failures to inject
	manifests atomic.Int32
	artifacts atomic.Int32
	delay     time.Duration
}

func newFakeTransport(defs ...*definition.Definition) *fakeTransport {
	ft := &fakeTransport{defs: map[string]*definition.Definition{}, tamper: map[string]bool{}}
	for _, d := range defs {
		ft.add(d)
	}
	return ft
}

func (f *fakeTransport) add(d *definition.Definition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defs[registry.ArtifactDirective(d.Kind, d.Name, d.Version).Path()] = d
}

func (f *fakeTransport) Fetch(ctx context.Context, d registry.Directive) ([]byte, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failures > 0 {
		f.failures--
		return nil, httputil.Retryable(errors.New(errors.ErrCodeNetwork, "connection reset"))
	}

	if d.IsManifest() {
		f.manifests.Add(1)
		m := registry.Manifest{Registry: "fake"}
		index := map[string]int{}
		for _, def := range f.defs {
			id := def.ID()
			i, ok := index[id]
			if !ok {
				i = len(m.Definitions)
				index[id] = i
				m.Definitions = append(m.Definitions, registry.ManifestEntry{Kind: def.Kind, Name: def.Name})
			}
			m.Definitions[i].Versions = append(m.Definitions[i].Versions,
				registry.ManifestVersion{Version: def.Version, Integrity: integrity.MustHash(def)})
		}
		return json.Marshal(m)
	}

	f.artifacts.Add(1)
	def, ok := f.defs[d.Path()]
	if !ok {
		return nil, errors.New(errors.ErrCodeNotFound, "%s not found", d)
	}
	if f.tamper[d.Path()] {
		def = def.Clone()
		def.Fields.Set("tampered", true)
	}
	return json.Marshal(def)
}

func newRemote(name string, priority int, tr registry.Transport, c *cache.Store) *RemoteTier {
	return NewRemoteTier(RemoteConfig{
		Name:       name,
		URL:        "https://" + name + ".example.com",
		Priority:   priority,
		Transport:  tr,
		Cache:      c,
		RetryDelay: time.Millisecond,
	})
}

// =============================================================================
// Tier order
// =============================================================================

func TestResolveTierOrder(t *testing.T) {
	local := newStoreTier(t, SourceLocal, map[string]string{"agents/writer/1.0.0": "p: local\n"})
	global := newStoreTier(t, SourceGlobal, map[string]string{
		"agents/writer/2.0.0": "p: global\n",
		"agents/editor/1.0.0": "p: global\n",
	})
	remote := newRemote("main", 0, newFakeTransport(def(definition.KindAgent, "reviewer", "3.0.0", nil)), nil)

	r := New(Options{Local: local, Global: global, Remotes: []*RemoteTier{remote}})
	ctx := context.Background()

	tests := []struct {
		name, constraint, wantVersion, wantSource string
	}{
		{"writer", "", "1.0.0", SourceLocal},      // first tier wins even with a higher version later
		{"writer", "^2.0.0", "2.0.0", SourceGlobal}, // local has no match
		{"editor", "latest", "1.0.0", SourceGlobal},
		{"reviewer", "^3", "3.0.0", "registry:main"},
	}
	for _, tt := range tests {
		t.Run(tt.name+"@"+tt.constraint, func(t *testing.T) {
			res, err := r.Resolve(ctx, definition.KindAgent, tt.name, tt.constraint)
			require.NoError(t, err)
			assert.Equal(t, tt.wantVersion, res.Version())
			assert.Equal(t, tt.wantSource, res.Source)
			assert.Equal(t, integrity.MustHash(res.Definition), res.Integrity)
		})
	}
}

func TestResolveRegistryPriority(t *testing.T) {
	a := newRemote("a", 1, newFakeTransport(def(definition.KindTool, "x", "1.0.0", map[string]any{"from": "a"})), nil)
	b := newRemote("b", 5, newFakeTransport(def(definition.KindTool, "x", "1.0.0", map[string]any{"from": "b"})), nil)
	c := newRemote("c", 5, newFakeTransport(def(definition.KindTool, "x", "1.0.0", map[string]any{"from": "c"})), nil)

	r := New(Options{Remotes: []*RemoteTier{a, b, c}})
	assert.Equal(t, []string{"registry:b", "registry:c", "registry:a"}, r.TierNames())

	res, err := r.Resolve(context.Background(), definition.KindTool, "x", "")
	require.NoError(t, err)
	assert.Equal(t, "registry:b", res.Source)
}

func TestResolveErrors(t *testing.T) {
	local := newStoreTier(t, SourceLocal, map[string]string{"tools/search/1.0.0": "{}\n"})
	r := New(Options{Local: local, Remotes: []*RemoteTier{
		newRemote("main", 0, newFakeTransport(def(definition.KindTool, "search", "1.5.0", nil)), nil),
	}})
	ctx := context.Background()

	_, err := r.Resolve(ctx, definition.KindTool, "missing", "")
	require.True(t, errors.Is(err, errors.ErrCodeNotFound), "got %v", err)
	searched, _ := errors.Detail(err, "searched")
	assert.Equal(t, "local, registry:main", searched)

	_, err = r.Resolve(ctx, definition.KindTool, "search", "^2.0.0")
	require.True(t, errors.Is(err, errors.ErrCodeConstraintUnsatisfiable), "got %v", err)
	available, _ := errors.Detail(err, "available")
	assert.Equal(t, "local: 1.0.0; registry:main: 1.5.0", available)

	_, err = r.Resolve(ctx, definition.KindTool, "search", "banana")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidConstraint), "got %v", err)

	_, err = r.Resolve(ctx, definition.KindTool, "../etc", "")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput), "got %v", err)
}

func TestResolveDeterministic(t *testing.T) {
	tr := newFakeTransport(def(definition.KindAgent, "a", "1.0.0", map[string]any{"x": 1, "y": "z"}))
	r := New(Options{Remotes: []*RemoteTier{newRemote("main", 0, tr, nil)}})
	ctx := context.Background()

	first, err := r.Resolve(ctx, definition.KindAgent, "a", "")
	require.NoError(t, err)
	second, err := r.Resolve(ctx, definition.KindAgent, "a", "")
	require.NoError(t, err)

	b1, _ := json.Marshal(first.Definition)
	b2, _ := json.Marshal(second.Definition)
	assert.Equal(t, string(b1), string(b2))
	assert.Equal(t, first.Source, second.Source)
	assert.Equal(t, first.Integrity, second.Integrity)
	assert.Equal(t, int32(1), tr.artifacts.Load(), "second resolve should be served from cache")
}

// =============================================================================
// Remote tier
// =============================================================================

func TestRemoteRefreshesStaleManifestOnce(t *testing.T) {
	tr := newFakeTransport(def(definition.KindTool, "x", "1.0.0", nil))
	c := cache.New(cache.NewMemoryBackend())
	r := New(Options{Remotes: []*RemoteTier{newRemote("main", 0, tr, c)}})
	ctx := context.Background()

	_, err := r.Resolve(ctx, definition.KindTool, "x", "^1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), tr.manifests.Load())

	// A new version is published; the cached manifest does not know it yet.
	tr.add(def(definition.KindTool, "x", "2.0.0", nil))
	res, err := r.Resolve(ctx, definition.KindTool, "x", "^2")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", res.Version())
	assert.Equal(t, int32(2), tr.manifests.Load())

	// Still unsatisfiable after one refresh: exactly one more fetch.
	_, err = r.Resolve(ctx, definition.KindTool, "x", "^3")
	assert.True(t, errors.Is(err, errors.ErrCodeConstraintUnsatisfiable), "got %v", err)
	assert.Equal(t, int32(3), tr.manifests.Load())
}

func TestRemoteManifestTTL(t *testing.T) {
	tr := newFakeTransport(def(definition.KindTool, "x", "1.0.0", nil))
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	c := cache.New(cache.NewMemoryBackend(), cache.WithClock(clock))

	remote := NewRemoteTier(RemoteConfig{Name: "main", URL: "https://main", Transport: tr, Cache: c, ManifestTTL: time.Minute})
	r := New(Options{Remotes: []*RemoteTier{remote}})
	ctx := context.Background()

	_, _ = r.Resolve(ctx, definition.KindTool, "x", "")
	_, _ = r.Resolve(ctx, definition.KindTool, "x", "")
	assert.Equal(t, int32(1), tr.manifests.Load())

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	_, _ = r.Resolve(ctx, definition.KindTool, "x", "")
	assert.Equal(t, int32(2), tr.manifests.Load())
}

func TestRemoteIntegrityMismatchNotCached(t *testing.T) {
	d := def(definition.KindTool, "x", "1.0.0", map[string]any{"a": 1})
	tr := newFakeTransport(d)
	tr.tamper[registry.ArtifactDirective(d.Kind, d.Name, d.Version).Path()] = true
	c := cache.New(cache.NewMemoryBackend())
	r := New(Options{Remotes: []*RemoteTier{newRemote("main", 0, tr, c)}})

	_, err := r.Resolve(context.Background(), definition.KindTool, "x", "")
	require.True(t, errors.Is(err, errors.ErrCodeIntegrityMismatch), "got %v", err)

	st, _ := c.Stats(context.Background())
	assert.Equal(t, 1, st.Count, "only the manifest may be cached")
}

func TestRemoteRetriesOnce(t *testing.T) {
	tr := newFakeTransport(def(definition.KindTool, "x", "1.0.0", nil))
	tr.failures = 1
	r := New(Options{Remotes: []*RemoteTier{newRemote("main", 0, tr, nil)}})

	_, err := r.Resolve(context.Background(), definition.KindTool, "x", "")
	require.NoError(t, err)

	tr2 := newFakeTransport(def(definition.KindTool, "x", "1.0.0", nil))
	tr2.failures = 2
	r2 := New(Options{Remotes: []*RemoteTier{newRemote("main", 0, tr2, nil)}})
	_, err = r2.Resolve(context.Background(), definition.KindTool, "x", "")
	assert.True(t, errors.Is(err, errors.ErrCodeNetwork), "got %v", err)
	searched, _ := errors.Detail(err, "searched")
	assert.Equal(t, "registry:main", searched)
}

func TestRemoteNetworkFailureStopsSearch(t *testing.T) {
	broken := newFakeTransport()
	broken.failures = 10
	healthy := newFakeTransport(def(definition.KindTool, "x", "1.0.0", nil))
	r := New(Options{Remotes: []*RemoteTier{
		newRemote("primary", 10, broken, nil),
		newRemote("mirror", 0, healthy, nil),
	}})

	_, err := r.Resolve(context.Background(), definition.KindTool, "x", "")
	assert.True(t, errors.Is(err, errors.ErrCodeNetwork), "got %v", err)
	assert.Equal(t, int32(0), healthy.manifests.Load())
}

func TestRemoteCancellationLeavesCacheUntouched(t *testing.T) {
	tr := newFakeTransport(def(definition.KindTool, "x", "1.0.0", nil))
	tr.delay = time.Second
	c := cache.New(cache.NewMemoryBackend())
	r := New(Options{Remotes: []*RemoteTier{newRemote("main", 0, tr, c)}})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Resolve(ctx, definition.KindTool, "x", "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	keys, _ := c.Backend().Keys(context.Background())
	assert.Empty(t, keys)
}

func TestRemoteConcurrentFetchesCollapse(t *testing.T) {
	tr := newFakeTransport(def(definition.KindTool, "x", "1.0.0", nil))
	tr.delay = 20 * time.Millisecond
	r := New(Options{Remotes: []*RemoteTier{newRemote("main", 0, tr, nil)}})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), definition.KindTool, "x", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	// Goroutines that start after the first fetch lands read the cache, so
	// any count below one fetch per caller shows collapsing happened.
	assert.Less(t, tr.manifests.Load(), int32(8))
	assert.Less(t, tr.artifacts.Load(), int32(8))
}

func TestRemoteSharedFetchSurvivesOneCallerCancelling(t *testing.T) {
	tr := newFakeTransport(def(definition.KindTool, "x", "1.0.0", nil))
	tr.delay = 100 * time.Millisecond
	c := cache.New(cache.NewMemoryBackend())
	r := New(Options{Remotes: []*RemoteTier{newRemote("main", 0, tr, c)}})

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	var shortErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, shortErr = r.Resolve(short, definition.KindTool, "x", "")
	}()
	time.Sleep(5 * time.Millisecond)

	res, err := r.Resolve(context.Background(), definition.KindTool, "x", "")
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, "1.0.0", res.Version())
	assert.ErrorIs(t, shortErr, context.DeadlineExceeded)
	assert.Equal(t, int32(1), tr.manifests.Load(), "both callers share one manifest fetch")

	keys, _ := c.Backend().Keys(context.Background())
	assert.NotEmpty(t, keys)
}

func TestRemoteAgainstRegistryServer(t *testing.T) {
	// A@1.0.0 references B@^1.0.0; B has 1.2.0 and 2.0.0.
	served := newStoreTier(t, "served", map[string]string{
		"agents/a/1.0.0": "references: [\"b@^1.0.0\"]\n",
		"agents/b/1.2.0": "model: small\n",
		"agents/b/2.0.0": "model: large\n",
	})
	srv := httptest.NewServer(registry.NewServer("test", served.Store(), nil))
	defer srv.Close()

	remote := NewRemoteTier(RemoteConfig{
		Name:      "test",
		URL:       srv.URL,
		Transport: registry.NewHTTPTransport(srv.URL, nil, srv.Client()),
	})
	r := New(Options{Remotes: []*RemoteTier{remote}})
	ctx := context.Background()

	a, err := r.Resolve(ctx, definition.KindAgent, "a", "")
	require.NoError(t, err)
	require.Len(t, a.Definition.References, 1)
	ref := a.Definition.References[0]

	b, err := r.Resolve(ctx, ref.Kind, ref.Name, ref.Constraint)
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", b.Version())
	assert.Equal(t, srv.URL+"/definitions/agent/b/1.2.0.json", b.Path)
}

// =============================================================================
// Listing
// =============================================================================

func TestListAvailableAndInfo(t *testing.T) {
	local := newStoreTier(t, SourceLocal, map[string]string{
		"agents/writer/1.0.0": "{}\n",
		"tools/search/0.1.0":  "{}\n",
	})
	broken := newFakeTransport()
	broken.failures = 100
	r := New(Options{Local: local, Remotes: []*RemoteTier{
		newRemote("main", 0, newFakeTransport(def(definition.KindAgent, "writer", "2.0.0", nil)), nil),
		newRemote("down", -1, broken, nil),
	}})
	ctx := context.Background()

	all, err := r.ListAvailable(ctx, "")
	require.NoError(t, err)
	var got []string
	for _, l := range all {
		got = append(got, fmt.Sprintf("%s %s/%s %v", l.Source, l.Kind, l.Name, l.Versions))
	}
	assert.Equal(t, []string{
		"local agent/writer [1.0.0]",
		"local tool/search [0.1.0]",
		"registry:main agent/writer [2.0.0]",
	}, got)

	_, err = r.Exists(ctx, definition.KindTool, "nothing")
	assert.True(t, errors.Is(err, errors.ErrCodeNetwork), "the unreachable registry surfaces through Info: %v", err)

	healthy := New(Options{Local: local, Remotes: []*RemoteTier{
		newRemote("main", 0, newFakeTransport(def(definition.KindAgent, "writer", "2.0.0", nil)), nil),
	}})
	info, err := healthy.Info(ctx, definition.KindAgent, "writer")
	require.NoError(t, err)
	assert.Equal(t, []TierVersions{
		{Source: SourceLocal, Versions: []string{"1.0.0"}},
		{Source: "registry:main", Versions: []string{"2.0.0"}},
	}, info)

	ok, err := healthy.Exists(ctx, definition.KindTool, "nothing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveFrom(t *testing.T) {
	local := newStoreTier(t, SourceLocal, map[string]string{"tools/search/1.0.0": "{}\n"})
	r := New(Options{Local: local})
	ctx := context.Background()

	res, err := r.ResolveFrom(ctx, SourceLocal, definition.KindTool, "search", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "tool/search@1.0.0", res.Definition.String())

	_, err = r.ResolveFrom(ctx, "registry:nope", definition.KindTool, "search", "1.0.0")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

	_, err = r.ResolveFrom(ctx, SourceLocal, definition.KindTool, "search", "2.0.0")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}
