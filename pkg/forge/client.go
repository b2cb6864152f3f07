// Package forge wires the resolution engine together from a configuration.
//
// A [Client] owns one cache, the filesystem and registry tiers, and the
// managers built on them. Create it once, share it, and Close it when done:
//
//	cfg, err := config.Load(config.Options{})
//	if err != nil {
//	    return err
//	}
//	client, err := forge.New(ctx, cfg, forge.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	res, err := client.Resolve(ctx, definition.KindAgent, "writer@^1")
//
// The managers are exported for callers that need more than the
// convenience methods.
package forge

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/forge/pkg/cache"
	"github.com/matzehuels/forge/pkg/config"
	"github.com/matzehuels/forge/pkg/definition"
	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/fork"
	"github.com/matzehuels/forge/pkg/graph"
	"github.com/matzehuels/forge/pkg/lockfile"
	"github.com/matzehuels/forge/pkg/registry"
	"github.com/matzehuels/forge/pkg/resolver"
	"github.com/matzehuels/forge/pkg/store"
	"github.com/matzehuels/forge/pkg/update"
)

// Client is the engine. It is safe for concurrent use except where a
// manager documents otherwise.
type Client struct {
	Config   *config.Config
	Cache    *cache.Store
	Local    *store.Store
	Global   *store.Store
	Remotes  []*resolver.RemoteTier
	Resolver *resolver.Resolver
	Builder  *graph.Builder
	Locks    *lockfile.Manager
	Forks    *fork.Manager
	Updates  *update.Manager
	Logger   *log.Logger
}

// Option customizes [New].
type Option func(*options)

type options struct {
	logger  *log.Logger
	backend cache.Backend
	now     func() time.Time
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCacheBackend overrides the configured cache backend.
func WithCacheBackend(b cache.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithClock sets the clock used for cache staleness and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds a client from cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backend := o.backend
	if backend == nil {
		var err error
		if backend, err = NewCacheBackend(ctx, cfg.Cache); err != nil {
			return nil, err
		}
	}
	c := &Client{
		Config: cfg,
		Cache:  cache.New(backend, cache.WithLogger(o.logger), cache.WithClock(o.now)),
		Logger: o.logger,
	}

	var err error
	if c.Local, err = store.New(resolver.SourceLocal, cfg.LocalPath, o.logger); err != nil {
		c.Close()
		return nil, err
	}
	if c.Global, err = store.New(resolver.SourceGlobal, cfg.GlobalPath, o.logger); err != nil {
		c.Close()
		return nil, err
	}
	for _, reg := range cfg.Registries {
		transport, err := registry.NewTransport(reg.URL, registry.TransportOptions{
			Auth: registry.TokenAuth(reg.Token, reg.TokenEnv),
			S3: registry.S3Config{
				Endpoint:  cfg.S3.Endpoint,
				Region:    cfg.S3.Region,
				AccessKey: cfg.S3.AccessKey,
				SecretKey: cfg.S3.SecretKey,
				UseSSL:    cfg.S3.UseSSL,
			},
		})
		if err != nil {
			c.Close()
			return nil, errors.Wrap(errors.ErrCodeConfig, err, "registry %q", reg.Name)
		}
		c.Remotes = append(c.Remotes, resolver.NewRemoteTier(resolver.RemoteConfig{
			Name:        reg.Name,
			URL:         reg.URL,
			Priority:    reg.Priority,
			Transport:   transport,
			Cache:       c.Cache,
			ManifestTTL: cfg.Cache.ManifestTTL(),
			ArtifactTTL: cfg.Cache.ArtifactTTL(),
			Logger:      o.logger,
		}))
	}

	local := resolver.NewStoreTier(c.Local)
	global := resolver.NewStoreTier(c.Global)
	c.Resolver = resolver.New(resolver.Options{Local: local, Global: global, Remotes: c.Remotes, Logger: o.logger})
	c.Builder = graph.NewBuilder(c.Resolver, graph.Options{Concurrency: cfg.Concurrency, Logger: o.logger})
	c.Locks = lockfile.NewManager(lockfile.Options{
		Builder:     c.Builder,
		Source:      c.Resolver,
		Local:       local,
		Concurrency: cfg.Concurrency,
		Now:         o.now,
		Logger:      o.logger,
	})
	c.Forks = fork.NewManager(fork.Options{
		Local:    c.Local,
		Upstream: resolver.New(resolver.Options{Global: global, Remotes: c.Remotes, Logger: o.logger}),
		Now:      o.now,
		Logger:   o.logger,
	})
	c.Updates = update.NewManager(update.Options{Resolver: c.Resolver, Concurrency: cfg.Concurrency, Logger: o.logger})
	return c, nil
}

// NewCacheBackend creates the backend selected by cfg.
func NewCacheBackend(ctx context.Context, cfg config.Cache) (cache.Backend, error) {
	switch cfg.Backend {
	case config.BackendFile:
		return cache.NewFileBackend(cfg.Dir)
	case config.BackendMemory:
		return cache.NewMemoryBackend(), nil
	case config.BackendRedis:
		return cache.NewRedisBackend(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	case config.BackendNone:
		return cache.NewNullBackend(), nil
	}
	return nil, errors.New(errors.ErrCodeConfig, "unknown cache backend %q", cfg.Backend)
}

// Close releases the cache backend.
func (c *Client) Close() error {
	if c.Cache == nil {
		return nil
	}
	return c.Cache.Close()
}

// =============================================================================
// Convenience
// =============================================================================

// Resolve resolves a "name[@constraint]" spec of kind.
func (c *Client) Resolve(ctx context.Context, kind definition.Kind, spec string) (*resolver.Resolved, error) {
	name, constraint, err := definition.ParseSpec(spec, kind)
	if err != nil {
		return nil, err
	}
	return c.Resolver.Resolve(ctx, kind, name, constraint)
}

// Graph builds the dependency graph of a "name[@constraint]" spec.
func (c *Client) Graph(ctx context.Context, kind definition.Kind, spec string) (*graph.Graph, error) {
	name, constraint, err := definition.ParseSpec(spec, kind)
	if err != nil {
		return nil, err
	}
	return c.Builder.Build(ctx, kind, name, constraint)
}

// Lock regenerates the configured lockfile. With no roots every local
// definition is a root.
func (c *Client) Lock(ctx context.Context, roots ...lockfile.Root) (*lockfile.Lockfile, bool, error) {
	return c.Locks.Lock(ctx, c.Config.Lockfile, roots...)
}

// LoadLockfile reads the configured lockfile.
func (c *Client) LoadLockfile() (*lockfile.Lockfile, error) {
	return lockfile.Load(c.Config.Lockfile)
}

// Verify re-validates the configured lockfile against the tiers.
func (c *Client) Verify(ctx context.Context) (lockfile.ValidationResult, error) {
	lf, err := c.LoadLockfile()
	if err != nil {
		return lockfile.ValidationResult{}, err
	}
	return c.Locks.Validate(ctx, lf)
}

// Outdated lists newer versions of the configured lockfile's entries.
func (c *Client) Outdated(ctx context.Context) ([]update.Info, error) {
	lf, err := c.LoadLockfile()
	if err != nil {
		return nil, err
	}
	return c.Updates.CheckUpdates(ctx, lf)
}

// RefreshManifests drops and refetches every registry manifest.
func (c *Client) RefreshManifests(ctx context.Context) error {
	for _, r := range c.Remotes {
		if err := r.Refresh(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RegistryServer serves the tier named source ("local" or "global") as a
// registry called name.
func (c *Client) RegistryServer(source, name string) (*registry.Server, error) {
	switch source {
	case resolver.SourceLocal:
		return registry.NewServer(name, c.Local, c.Logger), nil
	case resolver.SourceGlobal:
		return registry.NewServer(name, c.Global, c.Logger), nil
	}
	return nil, errors.New(errors.ErrCodeInvalidInput, "cannot serve tier %q (want local or global)", source)
}
