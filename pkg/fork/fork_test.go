package fork

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matzehuels/forge/pkg/definition"
	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/merge"
	"github.com/matzehuels/forge/pkg/resolver"
	"github.com/matzehuels/forge/pkg/store"
)

type fixture struct {
	localRoot  string
	globalRoot string
	local      *store.Store
	manager    *Manager
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		localRoot:  t.TempDir(),
		globalRoot: t.TempDir(),
		now:        time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	var err error
	f.local, err = store.New(resolver.SourceLocal, f.localRoot, nil)
	require.NoError(t, err)
	global, err := store.New(resolver.SourceGlobal, f.globalRoot, nil)
	require.NoError(t, err)

	f.manager = NewManager(Options{
		Local:    f.local,
		Upstream: resolver.New(resolver.Options{Global: resolver.NewStoreTier(global)}),
		Now:      func() time.Time { return f.now },
	})
	f.upstream(t, "1.0.0", "p: \"0\"\nq: \"0\"\n")
	return f
}

func write(t *testing.T, root, name, ver, body string) {
	t.Helper()
	path := filepath.Join(root, "agents", name, ver, store.FileName)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func (f *fixture) upstream(t *testing.T, ver, body string) {
	write(t, f.globalRoot, "x", ver, body)
}

func (f *fixture) editLocal(t *testing.T, ver, body string) {
	write(t, f.localRoot, "x", ver, body)
}

func (f *fixture) fork(t *testing.T) *Record {
	t.Helper()
	rec, err := f.manager.Fork(context.Background(), definition.KindAgent, "x", "")
	require.NoError(t, err)
	return rec
}

func (f *fixture) loadLocal(t *testing.T, ver string) map[string]any {
	t.Helper()
	d, err := f.local.Load(context.Background(), definition.KindAgent, "x", ver)
	require.NoError(t, err)
	return content(d)
}

func TestFork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.fork(t)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "agent/x", rec.Key())
	assert.Equal(t, "x", rec.UpstreamName)
	assert.Equal(t, resolver.SourceGlobal, rec.UpstreamSource)
	assert.Equal(t, "1.0.0", rec.UpstreamVersionAtFork)
	assert.Empty(t, rec.LastMergedUpstreamVersion)
	assert.Equal(t, StateForked, rec.State)
	assert.Equal(t, f.now, rec.CreatedAt)
	assert.Equal(t, map[string]any{"p": "0", "q": "0"}, f.loadLocal(t, "1.0.0"))

	got, err := f.manager.Get(definition.KindAgent, "x")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "x", got.Base.Name)
	assert.Equal(t, "1.0.0", got.Base.Version)

	_, err = f.manager.Fork(ctx, definition.KindAgent, "x", "")
	assert.True(t, errors.Is(err, errors.ErrCodeForkExists), "got %v", err)
}

func TestForkUnderNewName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.manager.Fork(ctx, definition.KindAgent, "x@^1", "my-x")
	require.NoError(t, err)
	assert.Equal(t, "agent/my-x", rec.Key())
	assert.Equal(t, "agent/x", rec.Upstream())

	d, err := f.local.Load(ctx, definition.KindAgent, "my-x", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "my-x", d.Name)

	forks, err := f.manager.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, forks, 1)
	assert.Equal(t, "agent/my-x", forks[0].Key())
}

func TestForkRefusals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	write(t, f.localRoot, "taken", "1.0.0", "{}\n")
	_, err := f.manager.Fork(ctx, definition.KindAgent, "x", "taken")
	assert.True(t, errors.Is(err, errors.ErrCodeForkExists), "got %v", err)

	_, err = f.manager.Fork(ctx, definition.KindAgent, "missing", "")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound), "got %v", err)

	_, err = f.manager.Fork(ctx, definition.KindAgent, "x@^2", "")
	assert.True(t, errors.Is(err, errors.ErrCodeConstraintUnsatisfiable), "got %v", err)

	_, err = f.manager.Fork(ctx, definition.KindAgent, "x", "../escape")
	assert.Error(t, err)

	forks, err := f.manager.List(ctx, definition.KindAgent)
	require.NoError(t, err)
	assert.Empty(t, forks)
}

func TestForkRemovesCopyWhenRecordCannotBeSaved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A file where the agent record directory belongs.
	blocker := filepath.Join(f.localRoot, Dir, string(definition.KindAgent))
	require.NoError(t, os.MkdirAll(filepath.Dir(blocker), 0o755))
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	_, err := f.manager.Fork(ctx, definition.KindAgent, "x", "")
	require.Error(t, err)
	versions, err := f.local.Versions(ctx, definition.KindAgent, "x")
	require.NoError(t, err)
	assert.Empty(t, versions)
	assert.NoDirExists(t, filepath.Join(f.localRoot, "agents", "x"))

	require.NoError(t, os.Remove(blocker))
	rec := f.fork(t)
	assert.Equal(t, "1.0.0", rec.UpstreamVersionAtFork)
	assert.Equal(t, map[string]any{"p": "0", "q": "0"}, f.loadLocal(t, "1.0.0"))
}

// failingSave is a record store whose writes fail.
type failingSave struct {
	recordStore
}

func (failingSave) save(*Record) error {
	return errors.New(errors.ErrCodeInternal, "disk full")
}

func TestMergeRemovesMergedVersionWhenRecordCannotBeSaved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fork(t)
	f.editLocal(t, "1.0.0", "p: L\nq: \"0\"\n")
	f.upstream(t, "1.1.0", "p: \"0\"\nq: U\n")

	saved := f.manager.records
	f.manager.records = failingSave{saved}
	_, err := f.manager.Merge(ctx, definition.KindAgent, "x", merge.StrategyAuto, nil)
	assert.True(t, errors.Is(err, errors.ErrCodeInternal), "got %v", err)

	versions, err := f.local.Versions(ctx, definition.KindAgent, "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0"}, versions)
	rec, err := f.manager.Get(definition.KindAgent, "x")
	require.NoError(t, err)
	assert.Equal(t, StateForked, rec.State)
	assert.Empty(t, rec.LastMergedUpstreamVersion)

	f.manager.records = saved
	res, err := f.manager.Merge(ctx, definition.KindAgent, "x", merge.StrategyAuto, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "1.1.0", res.Definition.Version)
}

func TestCheckUpstream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fork(t)

	st, err := f.manager.CheckUpstream(ctx, definition.KindAgent, "x")
	require.NoError(t, err)
	assert.False(t, st.HasUpdate)
	assert.Equal(t, "1.0.0", st.CurrentVersion)

	f.upstream(t, "1.1.0", "p: \"0\"\nq: U\n")
	st, err = f.manager.CheckUpstream(ctx, definition.KindAgent, "x")
	require.NoError(t, err)
	assert.Equal(t, UpstreamStatus{HasUpdate: true, CurrentVersion: "1.0.0", UpstreamVersion: "1.1.0", UpstreamSource: "global"}, st)

	_, err = f.manager.CheckUpstream(ctx, definition.KindAgent, "nope")
	assert.True(t, errors.Is(err, errors.ErrCodeForkNotFound), "got %v", err)
}

// Fork X at 1.0.0, edit p locally, upstream 1.1.0 changes q.
func TestMergeUnrelatedChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fork(t)
	f.editLocal(t, "1.0.0", "p: L\nq: \"0\"\n")
	f.upstream(t, "1.1.0", "p: \"0\"\nq: U\n")
	f.now = f.now.Add(time.Hour)

	res, err := f.manager.Merge(ctx, definition.KindAgent, "x", merge.StrategyAuto, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, "1.1.0", res.Definition.Version)
	assert.Equal(t, "x", res.Definition.Name)
	assert.Equal(t, f.local.Path(definition.KindAgent, "x", "1.1.0"), res.Path)
	assert.Equal(t, map[string]any{"p": "L", "q": "U"}, f.loadLocal(t, "1.1.0"))

	assert.Equal(t, StateMerged, res.Record.State)
	assert.Equal(t, "1.1.0", res.Record.LastMergedUpstreamVersion)
	assert.Equal(t, "1.0.0", res.Record.UpstreamVersionAtFork, "the base only moves on rebase")
	assert.Equal(t, f.now, res.Record.UpdatedAt)

	st, err := f.manager.CheckUpstream(ctx, definition.KindAgent, "x")
	require.NoError(t, err)
	assert.False(t, st.HasUpdate)
	assert.Equal(t, "1.1.0", st.CurrentVersion)

	// Merging again with nothing new is a no-op success.
	res, err = f.manager.Merge(ctx, definition.KindAgent, "x", merge.StrategyAuto, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Path)
	assert.Equal(t, "1.1.0", res.Definition.Version)
}

// Same fork, but upstream also changes p.
func TestMergeConflict(t *testing.T) {
	setup := func(t *testing.T) *fixture {
		f := newFixture(t)
		f.fork(t)
		f.editLocal(t, "1.0.0", "p: L\nq: \"0\"\n")
		f.upstream(t, "1.1.0", "p: U2\nq: U\n")
		return f
	}
	ctx := context.Background()

	t.Run("auto", func(t *testing.T) {
		f := setup(t)
		recordPath := records{root: f.localRoot}.path(definition.KindAgent, "x")
		before, err := os.ReadFile(recordPath)
		require.NoError(t, err)

		res, err := f.manager.Merge(ctx, definition.KindAgent, "x", merge.StrategyAuto, nil)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Nil(t, res.Definition)
		require.Len(t, res.Unresolved, 1)
		assert.Equal(t, "p", res.Unresolved[0].Path)
		assert.Equal(t, "L", res.Unresolved[0].Local)
		assert.Equal(t, "U2", res.Unresolved[0].Upstream)

		after, err := os.ReadFile(recordPath)
		require.NoError(t, err)
		assert.Equal(t, before, after)
		versions, err := f.local.Versions(ctx, definition.KindAgent, "x")
		require.NoError(t, err)
		assert.Equal(t, []string{"1.0.0"}, versions)
	})

	for strategy, want := range map[merge.Strategy]string{merge.StrategyLocal: "L", merge.StrategyUpstream: "U2"} {
		t.Run(string(strategy), func(t *testing.T) {
			f := setup(t)
			res, err := f.manager.Merge(ctx, definition.KindAgent, "x", strategy, nil)
			require.NoError(t, err)
			require.True(t, res.Success)
			assert.Len(t, res.Conflicts, 1)
			assert.Equal(t, map[string]any{"p": want, "q": "U"}, f.loadLocal(t, "1.1.0"))
			assert.Equal(t, StateMerged, res.Record.State)
		})
	}

	t.Run("manual", func(t *testing.T) {
		f := setup(t)
		res, err := f.manager.Merge(ctx, definition.KindAgent, "x", merge.StrategyManual, nil)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, map[string]any{"p": "0", "q": "U"}, res.Draft)

		rec, err := f.manager.Get(definition.KindAgent, "x")
		require.NoError(t, err)
		assert.Equal(t, StateForked, rec.State)

		res, err = f.manager.Merge(ctx, definition.KindAgent, "x", merge.StrategyManual, map[string]any{"p": "both"})
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Equal(t, map[string]any{"p": "both", "q": "U"}, f.loadLocal(t, "1.1.0"))

		_, err = f.manager.Merge(ctx, definition.KindAgent, "x", merge.StrategyManual, map[string]any{"q": "x"})
		assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput), "got %v", err)
	})
}

func TestMergeBumpsLocalPatchWhenAhead(t *testing.T) {
	f := newFixture(t)
	f.fork(t)
	f.editLocal(t, "2.0.0", "p: L\nq: \"0\"\n")
	f.upstream(t, "1.1.0", "p: \"0\"\nq: U\n")

	res, err := f.manager.Merge(context.Background(), definition.KindAgent, "x", merge.StrategyAuto, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "2.0.1", res.Definition.Version)
	assert.Equal(t, "1.1.0", res.Record.LastMergedUpstreamVersion)
}

func TestDiff(t *testing.T) {
	f := newFixture(t)
	f.fork(t)
	f.editLocal(t, "1.0.0", "p: keep the local text\nq: \"0\"\n")
	f.upstream(t, "1.1.0", "p: keep the upstream text\nq: \"0\"\nr: [1]\n")

	d, err := f.manager.Diff(context.Background(), definition.KindAgent, "x")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", d.LocalVersion)
	assert.Equal(t, "1.1.0", d.UpstreamVersion)
	assert.False(t, d.Identical())
	require.Len(t, d.Changes, 2)

	assert.Equal(t, "p", d.Changes[0].Path)
	assert.Equal(t, merge.OpChanged, d.Changes[0].Op)
	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(d.Changes[0].Patch)
	require.NoError(t, err)
	applied, ok := dmp.PatchApply(patches, "keep the local text")
	assert.Equal(t, []bool{true}, ok)
	assert.Equal(t, "keep the upstream text", applied)

	assert.Equal(t, "r", d.Changes[1].Path)
	assert.Equal(t, merge.OpAdded, d.Changes[1].Op)
	assert.Empty(t, d.Changes[1].Patch)

	// Diffing never writes.
	versions, _ := f.local.Versions(context.Background(), definition.KindAgent, "x")
	assert.Equal(t, []string{"1.0.0"}, versions)
}

func TestRebase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fork(t)

	_, err := f.manager.Rebase(ctx, definition.KindAgent, "x")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput), "got %v", err)

	f.editLocal(t, "1.0.0", "p: L\nq: \"0\"\n")
	f.upstream(t, "1.1.0", "p: \"0\"\nq: U\n")
	_, err = f.manager.Merge(ctx, definition.KindAgent, "x", merge.StrategyAuto, nil)
	require.NoError(t, err)

	rec, err := f.manager.Rebase(ctx, definition.KindAgent, "x")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", rec.UpstreamVersionAtFork)
	assert.Equal(t, "1.1.0", rec.Base.Version)
	assert.Equal(t, map[string]any{"p": "0", "q": "U"}, content(rec.Base))

	// Against the old base q would conflict: local took U, upstream moved on to V.
	f.upstream(t, "1.2.0", "p: \"0\"\nq: V\n")
	res, err := f.manager.Merge(ctx, definition.KindAgent, "x", merge.StrategyAuto, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, map[string]any{"p": "L", "q": "V"}, f.loadLocal(t, "1.2.0"))
}

func TestNextVersion(t *testing.T) {
	tests := []struct{ local, upstream, want string }{
		{"1.0.0", "1.1.0", "1.1.0"},
		{"1.1.0", "1.1.0", "1.1.1"},
		{"2.0.0", "1.5.0", "2.0.1"},
	}
	for _, tt := range tests {
		if got := nextVersion(tt.local, tt.upstream); got != tt.want {
			t.Errorf("nextVersion(%q, %q) = %q, want %q", tt.local, tt.upstream, got, tt.want)
		}
	}
}
