package forge

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matzehuels/forge/pkg/config"
	"github.com/matzehuels/forge/pkg/definition"
	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/registry"
	"github.com/matzehuels/forge/pkg/store"
	"github.com/matzehuels/forge/pkg/version"
)

func writeDefs(t *testing.T, root string, defs map[string]string) {
	t.Helper()
	for rel, body := range defs {
		path := filepath.Join(root, rel, store.FileName)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
}

func newClient(t *testing.T) *Client {
	t.Helper()
	servedRoot := t.TempDir()
	writeDefs(t, servedRoot, map[string]string{
		"tools/search/0.3.1": "endpoint: https://example.com\n",
		"tools/search/1.0.0": "endpoint: https://v1.example.com\n",
		"agents/base/1.0.0":  "model: small\n",
	})
	served, err := store.New("served", servedRoot, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(registry.NewServer("main", served, nil))
	t.Cleanup(srv.Close)

	dir, home := t.TempDir(), t.TempDir()
	cfg := config.Default(dir, home)
	cfg.Cache.Backend = config.BackendMemory
	cfg.Registries = []config.Registry{{Name: "main", URL: srv.URL}}
	writeDefs(t, cfg.LocalPath, map[string]string{
		"agents/writer/1.0.0": "references: [\"tool:search@^0.3\"]\n",
	})

	c, err := New(context.Background(), cfg, WithLogger(log.New(io.Discard)))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientResolveAndGraph(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	writer, err := c.Resolve(ctx, definition.KindAgent, "writer")
	require.NoError(t, err)
	assert.Equal(t, "local", writer.Source)

	search, err := c.Resolve(ctx, definition.KindTool, "search@latest")
	require.NoError(t, err)
	assert.Equal(t, "registry:main", search.Source)
	assert.Equal(t, "1.0.0", search.Version())

	g, err := c.Graph(ctx, definition.KindAgent, "writer")
	require.NoError(t, err)
	var order []string
	for _, n := range g.Order() {
		order = append(order, n.Resolved.Definition.String())
	}
	assert.Equal(t, []string{"tool/search@0.3.1", "agent/writer@1.0.0"}, order)

	_, err = c.Resolve(ctx, definition.KindAgent, "nobody")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound), "got %v", err)
}

func TestClientLockVerifyOutdated(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	lf, changed, err := c.Lock(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"agent/writer", "tool/search"}, lf.Keys())
	assert.Equal(t, "registry:main", lf.Entries["tool/search"].Source)

	res, err := c.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	infos, err := c.Outdated(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "search", infos[0].Name)
	assert.Equal(t, version.ChangeMajor, infos[0].Change)
	assert.True(t, infos[0].Breaking)

	stats, err := c.Cache.Stats(ctx)
	require.NoError(t, err)
	assert.Positive(t, stats.Count)

	require.NoError(t, c.RefreshManifests(ctx))
}

func TestClientForkFromRegistry(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	rec, err := c.Forks.Fork(ctx, definition.KindAgent, "base", "my-base")
	require.NoError(t, err)
	assert.Equal(t, "registry:main", rec.UpstreamSource)

	// The local copy does not shadow its upstream.
	st, err := c.Forks.CheckUpstream(ctx, definition.KindAgent, "my-base")
	require.NoError(t, err)
	assert.False(t, st.HasUpdate)
	assert.Equal(t, "1.0.0", st.UpstreamVersion)
}

func TestClientRegistryServer(t *testing.T) {
	c := newClient(t)
	_, err := c.RegistryServer("local", "project")
	assert.NoError(t, err)
	_, err = c.RegistryServer("registry:main", "x")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput), "got %v", err)
}

func TestNewCacheBackend(t *testing.T) {
	ctx := context.Background()
	for _, backend := range []string{config.BackendFile, config.BackendMemory, config.BackendNone} {
		b, err := NewCacheBackend(ctx, config.Cache{Backend: backend, Dir: t.TempDir()})
		require.NoError(t, err, backend)
		assert.NoError(t, b.Close())
	}
	_, err := NewCacheBackend(ctx, config.Cache{Backend: "tape"})
	assert.True(t, errors.Is(err, errors.ErrCodeConfig), "got %v", err)
}
