package resolver

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/matzehuels/forge/pkg/cache"
	"github.com/matzehuels/forge/pkg/definition"
	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/httputil"
	"github.com/matzehuels/forge/pkg/integrity"
	"github.com/matzehuels/forge/pkg/observability"
	"github.com/matzehuels/forge/pkg/registry"
	"github.com/matzehuels/forge/pkg/version"
)

// Default TTLs for remote data.
const (
	DefaultManifestTTL = time.Hour
	DefaultArtifactTTL = 7 * 24 * time.Hour
)

// RemoteConfig configures a [RemoteTier].
type RemoteConfig struct {
	Name        string
	URL         string
	Priority    int
	Transport   registry.Transport
	Cache       *cache.Store // nil keeps everything in memory for the tier's lifetime
	ManifestTTL time.Duration
	ArtifactTTL time.Duration
	RetryDelay  time.Duration // delay before the single retry of a failed fetch
	Logger      *log.Logger
}

// RemoteTier resolves against a registry manifest, fetching artifacts on
// demand. Manifests and artifacts are cached under keys scoped by the
// registry URL. Concurrent fetches of the same object are collapsed.
type RemoteTier struct {
	name        string
	url         string
	priority    int
	transport   registry.Transport
	cache       *cache.Store
	keyer       cache.Keyer
	manifestTTL time.Duration
	artifactTTL time.Duration
	retryDelay  time.Duration
	logger      *log.Logger
	group       singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is one shared fetch. Its context outlives any single caller and
// is cancelled when the last caller waiting on it gives up.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewRemoteTier creates a remote tier.
func NewRemoteTier(cfg RemoteConfig) *RemoteTier {
	if cfg.Cache == nil {
		cfg.Cache = cache.New(cache.NewMemoryBackend())
	}
	if cfg.ManifestTTL <= 0 {
		cfg.ManifestTTL = DefaultManifestTTL
	}
	if cfg.ArtifactTTL <= 0 {
		cfg.ArtifactTTL = DefaultArtifactTTL
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &RemoteTier{
		name:        cfg.Name,
		url:         cfg.URL,
		priority:    cfg.Priority,
		transport:   cfg.Transport,
		cache:       cfg.Cache,
		keyer:       cache.NewScopedKeyer(nil, cache.RegistryScope(cfg.URL)),
		manifestTTL: cfg.ManifestTTL,
		artifactTTL: cfg.ArtifactTTL,
		retryDelay:  cfg.RetryDelay,
		logger:      cfg.Logger,
		flights:     map[string]*flight{},
	}
}

// Name returns "registry:<name>".
func (t *RemoteTier) Name() string { return "registry:" + t.name }

// RegistryName returns the configured registry name.
func (t *RemoteTier) RegistryName() string { return t.name }

// URL returns the registry URL.
func (t *RemoteTier) URL() string { return t.url }

// Priority returns the configured priority; higher is searched first.
func (t *RemoteTier) Priority() int { return t.priority }

// Select consults the cached manifest first. If the cached manifest has no
// satisfying version it is refreshed exactly once and consulted again.
func (t *RemoteTier) Select(ctx context.Context, kind definition.Kind, name string, c *version.Constraint) (string, []string, error) {
	m, fetched, err := t.manifest(ctx, false)
	if err != nil {
		return "", nil, err
	}
	versions := m.Versions(kind, name)
	if selected, ok := c.Select(versions); ok {
		return selected, versions, nil
	}
	if fetched {
		return "", versions, nil
	}

	t.logger.Debug("cached manifest has no match, refreshing", "registry", t.name, "kind", kind, "name", name, "constraint", c)
	if m, _, err = t.manifest(ctx, true); err != nil {
		return "", nil, err
	}
	versions = m.Versions(kind, name)
	selected, _ := c.Select(versions)
	return selected, versions, nil
}

// Fetch returns one version, verified against the manifest integrity.
// An artifact whose hash disagrees with the manifest is an
// INTEGRITY_MISMATCH and is never cached.
func (t *RemoteTier) Fetch(ctx context.Context, kind definition.Kind, name, ver string) (*Resolved, error) {
	m, fetched, err := t.manifest(ctx, false)
	if err != nil {
		return nil, err
	}
	want, ok := m.Integrity(kind, name, ver)
	if !ok && !fetched {
		if m, _, err = t.manifest(ctx, true); err != nil {
			return nil, err
		}
		want, ok = m.Integrity(kind, name, ver)
	}
	if !ok {
		return nil, errors.New(errors.ErrCodeNotFound, "%s@%s not found in %s", definition.ID(kind, name), ver, t.Name())
	}

	dir := registry.ArtifactDirective(kind, name, ver)
	key := t.keyer.ArtifactKey(t.name, string(kind), name, ver)
	if d := t.cachedArtifact(ctx, key, dir, want); d != nil {
		return t.resolved(d, dir, want), nil
	}

	v, err := t.shared(ctx, key, func(ctx context.Context) (any, error) {
		data, err := t.fetch(ctx, dir)
		if err != nil {
			return nil, err
		}
		d, err := decodeArtifact(data, dir)
		if err != nil {
			return nil, err
		}
		if err := integrity.Verify(d, want); err != nil {
			return nil, errors.Wrap(errors.ErrCodeIntegrityMismatch, err, "artifact %s from %s does not match its manifest", dir, t.Name()).
				WithDetail("expected", want).
				WithDetail("actual", detailString(err, "actual"))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := t.cache.SetWithChecksum(ctx, key, data, t.artifactTTL); err != nil {
			t.logger.Warn("caching artifact failed", "key", key, "err", err)
		}
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return t.resolved(v.(*definition.Definition).Clone(), dir, want), nil
}

// List returns the manifest entries of kind.
func (t *RemoteTier) List(ctx context.Context, kind definition.Kind) ([]Listing, error) {
	m, _, err := t.manifest(ctx, false)
	if err != nil {
		return nil, err
	}
	var out []Listing
	for _, name := range m.Names(kind) {
		if versions := m.Versions(kind, name); len(versions) > 0 {
			out = append(out, Listing{Kind: kind, Name: name, Versions: versions, Source: t.Name()})
		}
	}
	return out, nil
}

// Refresh drops the cached manifest and fetches it again.
func (t *RemoteTier) Refresh(ctx context.Context) error {
	_, _, err := t.manifest(ctx, true)
	return err
}

// manifest returns the registry manifest and whether it was fetched by this
// call (as opposed to read from cache).
func (t *RemoteTier) manifest(ctx context.Context, refresh bool) (*registry.Manifest, bool, error) {
	key := t.keyer.ManifestKey(t.name)
	if !refresh {
		data, hit, err := t.cache.Get(ctx, key)
		if err != nil {
			t.logger.Warn("manifest cache read failed", "registry", t.name, "err", err)
		}
		if hit {
			m, err := registry.ParseManifest(data)
			if err == nil {
				return m, false, nil
			}
			t.logger.Warn("dropping unreadable cached manifest", "registry", t.name, "err", err)
			_ = t.cache.Invalidate(ctx, key)
		}
	}

	v, err := t.shared(ctx, key, func(ctx context.Context) (any, error) {
		start := time.Now()
		data, err := t.fetch(ctx, registry.ManifestDirective())
		var m *registry.Manifest
		if err == nil {
			m, err = registry.ParseManifest(data)
		}
		observability.Resolve().OnManifestRefresh(ctx, t.name, time.Since(start), err)
		if err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := t.cache.SetWithChecksum(ctx, key, data, t.manifestTTL); err != nil {
			t.logger.Warn("caching manifest failed", "registry", t.name, "err", err)
		}
		t.logger.Debug("fetched manifest", "registry", t.name, "definitions", len(m.Definitions), "duration", time.Since(start))
		return m, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*registry.Manifest), true, nil
}

// shared runs fn once for all concurrent callers of key. fn gets a context
// that is cancelled only when every caller has returned, so one caller
// cancelling does not fail the others. A caller whose ctx ends stops
// waiting with ctx.Err().
func (t *RemoteTier) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	t.mu.Lock()
	f := t.flights[key]
	if f == nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		t.flights[key] = f
	}
	f.waiters++
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		f.waiters--
		if f.waiters > 0 {
			return
		}
		f.cancel()
		if t.flights[key] == f {
			delete(t.flights, key)
			// Callers arriving after this must not join an abandoned fetch.
			t.group.Forget(key)
		}
	}()

	ch := t.group.DoChan(key, func() (any, error) { return fn(f.ctx) })
	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fetch runs the transport with a single retry on transient failure.
func (t *RemoteTier) fetch(ctx context.Context, d registry.Directive) ([]byte, error) {
	if t.transport == nil {
		return nil, errors.New(errors.ErrCodeConfig, "registry %s has no transport", t.name)
	}
	var data []byte
	err := httputil.RetryOnce(ctx, t.retryDelay, func() error {
		var err error
		data, err = t.transport.Fetch(ctx, d)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		code := errors.GetCode(err)
		if code == "" {
			code = errors.ErrCodeNetwork
		}
		return nil, errors.Wrap(code, err, "fetch %s from %s", d, t.Name())
	}
	return data, nil
}

func (t *RemoteTier) cachedArtifact(ctx context.Context, key string, dir registry.Directive, want string) *definition.Definition {
	data, hit, err := t.cache.Get(ctx, key)
	if err != nil || !hit {
		return nil
	}
	d, err := decodeArtifact(data, dir)
	if err == nil {
		err = integrity.Verify(d, want)
	}
	if err != nil {
		t.logger.Debug("cached artifact rejected", "key", key, "err", err)
		_ = t.cache.Invalidate(ctx, key)
		return nil
	}
	return d
}

func (t *RemoteTier) resolved(d *definition.Definition, dir registry.Directive, h string) *Resolved {
	return &Resolved{
		Definition: d,
		Source:     t.Name(),
		Integrity:  h,
		Path:       strings.TrimRight(t.url, "/") + "/" + dir.Path(),
	}
}

// decodeArtifact parses an artifact and checks it is the requested version.
func decodeArtifact(data []byte, dir registry.Directive) (*definition.Definition, error) {
	var d definition.Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidDefinition, err, "decode artifact %s", dir)
	}
	if d.Kind == "" {
		d.SetKind(dir.Kind)
	}
	if d.Kind != dir.Kind || d.Name != dir.Name || version.Compare(d.Version, dir.Version) != 0 {
		return nil, errors.New(errors.ErrCodeInvalidDefinition, "artifact %s contains %s", dir, d.String())
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func detailString(err error, key string) string {
	v, _ := errors.Detail(err, key)
	s, _ := v.(string)
	return s
}

var _ Tier = (*RemoteTier)(nil)
