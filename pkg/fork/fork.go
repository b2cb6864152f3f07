// Package fork tracks project-local customizations of upstream definitions.
//
// [Manager.Fork] copies a definition from the global tier or a registry into
// the local tier under a (possibly new) name and records where it came from
// together with a snapshot of the upstream definition. That snapshot is the
// base of every later three-way merge:
//
//	base      the upstream definition at fork time
//	local     the newest local version of the fork
//	upstream  the newest upstream version
//
// A merge either succeeds, writing a new local version and moving the record
// to [StateMerged], or changes nothing. Names, kinds and versions are not
// merged; the merged copy keeps its local name and gets the upstream version
// when that is newer, otherwise the next patch version of the local copy.
package fork

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/matzehuels/forge/pkg/definition"
	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/integrity"
	"github.com/matzehuels/forge/pkg/merge"
	"github.com/matzehuels/forge/pkg/observability"
	"github.com/matzehuels/forge/pkg/resolver"
	"github.com/matzehuels/forge/pkg/store"
	"github.com/matzehuels/forge/pkg/version"
)

// Upstream resolves definitions outside the local tier.
type Upstream interface {
	Resolve(ctx context.Context, kind definition.Kind, name, constraint string) (*resolver.Resolved, error)
}

// Options configures a [Manager].
type Options struct {
	// Local is the project tier holding fork copies and records.
	Local *store.Store
	// Upstream must not search the local tier, or a fork would shadow its
	// own upstream.
	Upstream Upstream
	Now      func() time.Time
	Logger   *log.Logger
}

// Manager creates and merges forks. Writes are serialized.
type Manager struct {
	local    *store.Store
	upstream Upstream
	records  recordStore
	now      func() time.Time
	logger   *log.Logger

	mu sync.Mutex
}

// NewManager creates a fork manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		local:    opts.Local,
		upstream: opts.Upstream,
		records:  records{root: opts.Local.Root()},
		now:      func() time.Time { return now().UTC() },
		logger:   logger,
	}
}

// Fork copies the upstream definition named by source ("name[@constraint]")
// into the local tier as target. An empty target keeps the upstream name.
func (m *Manager) Fork(ctx context.Context, kind definition.Kind, source, target string) (rec *Record, err error) {
	name, constraint, err := definition.ParseSpec(source, kind)
	if err != nil {
		return nil, err
	}
	if target == "" {
		target = name
	}
	if err := errors.ValidateName(target); err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "fork.Fork", "forge.kind", string(kind), "forge.name", target)
	defer func() { observability.EndSpan(span, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.records.exists(kind, target) {
		return nil, errors.New(errors.ErrCodeForkExists, "%s is already a fork", definition.ID(kind, target))
	}
	exists, err := m.local.Exists(ctx, kind, target)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errors.New(errors.ErrCodeForkExists, "%s already exists in the local tier", definition.ID(kind, target))
	}

	up, err := m.upstream.Resolve(ctx, kind, name, constraint)
	if err != nil {
		return nil, err
	}

	copied := up.Definition.Clone()
	copied.Name = target
	if _, err := m.local.Write(ctx, copied); err != nil {
		return nil, err
	}

	now := m.now()
	rec = &Record{
		ID:                    uuid.New().String(),
		Kind:                  kind,
		LocalName:             target,
		UpstreamName:          name,
		UpstreamSource:        up.Source,
		UpstreamVersionAtFork: up.Version(),
		State:                 StateForked,
		CreatedAt:             now,
		UpdatedAt:             now,
		Base:                  up.Definition.Clone(),
	}
	if err := m.records.save(rec); err != nil {
		m.rollback(ctx, copied)
		return nil, err
	}
	m.logger.Info("forked", "from", up.Definition, "source", up.Source, "to", rec.Key())
	return rec.clone(), nil
}

// Get returns the record of the fork kind/name.
func (m *Manager) Get(kind definition.Kind, name string) (*Record, error) {
	return m.records.load(kind, name)
}

// List returns every fork record of kind (all kinds when empty), by key.
func (m *Manager) List(ctx context.Context, kind definition.Kind) ([]*Record, error) {
	return m.records.list(ctx, kind)
}

// UpstreamStatus reports whether upstream moved past the version the fork
// last incorporated.
type UpstreamStatus struct {
	HasUpdate       bool   `json:"has_update"`
	CurrentVersion  string `json:"current_version"`
	UpstreamVersion string `json:"upstream_version"`
	UpstreamSource  string `json:"upstream_source"`
}

// CheckUpstream compares the fork's current upstream version with the
// newest upstream version.
func (m *Manager) CheckUpstream(ctx context.Context, kind definition.Kind, name string) (UpstreamStatus, error) {
	rec, err := m.records.load(kind, name)
	if err != nil {
		return UpstreamStatus{}, err
	}
	up, err := m.upstream.Resolve(ctx, kind, rec.UpstreamName, "")
	if err != nil {
		return UpstreamStatus{}, err
	}
	return UpstreamStatus{
		HasUpdate:       version.Compare(up.Version(), rec.CurrentVersion()) > 0,
		CurrentVersion:  rec.CurrentVersion(),
		UpstreamVersion: up.Version(),
		UpstreamSource:  up.Source,
	}, nil
}

// MergeResult is the outcome of [Manager.Merge].
type MergeResult struct {
	Success  bool           `json:"success"`
	Strategy merge.Strategy `json:"strategy"`
	// Definition is the merged local copy; nil unless Success.
	Definition *definition.Definition `json:"definition,omitempty"`
	// Path is the file the merged copy was written to. Empty when the merge
	// failed or produced no change.
	Path string `json:"path,omitempty"`
	// Draft is the partially merged field tree after a failed manual merge.
	Draft           map[string]any   `json:"draft,omitempty"`
	Conflicts       []merge.Conflict `json:"conflicts,omitempty"`
	Unresolved      []merge.Conflict `json:"unresolved,omitempty"`
	UpstreamVersion string           `json:"upstream_version"`
	Record          *Record          `json:"record"`
}

// Merge merges the newest upstream version into the fork kind/name.
// resolutions are only used by the manual strategy; see [merge.Apply].
// When the merge does not succeed nothing is written. If the fork record
// cannot be updated the merged version is removed again.
func (m *Manager) Merge(ctx context.Context, kind definition.Kind, name string, strategy merge.Strategy, resolutions map[string]any) (res *MergeResult, err error) {
	ctx, span := observability.StartSpan(ctx, "fork.Merge",
		"forge.kind", string(kind), "forge.name", name, "forge.strategy", string(strategy))
	defer func() { observability.EndSpan(span, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.records.load(kind, name)
	if err != nil {
		return nil, err
	}
	local, err := m.latestLocal(ctx, rec)
	if err != nil {
		return nil, err
	}
	up, err := m.upstream.Resolve(ctx, kind, rec.UpstreamName, "")
	if err != nil {
		return nil, err
	}

	out, err := merge.Apply(merge.ThreeWay(content(rec.Base), content(local), content(up.Definition)), strategy, resolutions)
	if err != nil {
		return nil, err
	}
	res = &MergeResult{
		Success:         out.Success,
		Strategy:        strategy,
		Conflicts:       out.Conflicts,
		Unresolved:      out.Unresolved,
		UpstreamVersion: up.Version(),
		Record:          rec.clone(),
	}
	if !out.Success {
		if strategy == merge.StrategyManual {
			res.Draft = out.Merged
		}
		m.logger.Warn("merge has conflicts", "fork", rec.Key(), "upstream", up.Version(), "conflicts", len(out.Unresolved))
		return res, nil
	}

	merged := local
	if !integrity.Equal(out.Merged, content(local)) {
		merged, err = build(out.Merged, local, nextVersion(local.Version, up.Version()))
		if err != nil {
			return nil, err
		}
		if res.Path, err = m.local.Write(ctx, merged); err != nil {
			return nil, err
		}
	}

	rec.State = StateMerged
	rec.LastMergedUpstreamVersion = up.Version()
	rec.UpdatedAt = m.now()
	if err := m.records.save(rec); err != nil {
		if res.Path != "" {
			m.rollback(ctx, merged)
		}
		return nil, err
	}
	res.Definition, res.Record = merged, rec.clone()
	m.logger.Info("merged", "fork", rec.Key(), "upstream", up.Version(), "version", merged.Version, "strategy", strategy)
	return res, nil
}

// Rebase moves the fork's base snapshot to the last merged upstream version,
// so later merges only consider upstream changes made after it.
func (m *Manager) Rebase(ctx context.Context, kind definition.Kind, name string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.records.load(kind, name)
	if err != nil {
		return nil, err
	}
	if rec.LastMergedUpstreamVersion == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "%s has not been merged since it was forked", rec.Key())
	}
	if version.Compare(rec.LastMergedUpstreamVersion, rec.UpstreamVersionAtFork) == 0 {
		return rec, nil
	}

	up, err := m.upstream.Resolve(ctx, kind, rec.UpstreamName, rec.LastMergedUpstreamVersion)
	if err != nil {
		return nil, err
	}
	rec.Base = up.Definition.Clone()
	rec.UpstreamVersionAtFork = up.Version()
	rec.UpdatedAt = m.now()
	if err := m.records.save(rec); err != nil {
		return nil, err
	}
	m.logger.Info("rebased", "fork", rec.Key(), "base", rec.UpstreamVersionAtFork)
	return rec.clone(), nil
}

// rollback removes a version written by an operation whose record could not
// be saved, so the local tier matches the records again.
func (m *Manager) rollback(ctx context.Context, d *definition.Definition) {
	if err := m.local.Remove(ctx, d.Kind, d.Name, d.Version); err != nil {
		m.logger.Warn("rollback failed", "definition", d, "err", err)
	}
}

func (m *Manager) latestLocal(ctx context.Context, rec *Record) (*definition.Definition, error) {
	versions, err := m.local.Versions(ctx, rec.Kind, rec.LocalName)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, errors.New(errors.ErrCodeNotFound, "local copy of fork %s is missing", rec.Key()).
			WithDetail("path", m.local.Root())
	}
	return m.local.Load(ctx, rec.Kind, rec.LocalName, versions[len(versions)-1])
}

// content is the part of a definition that is merged and diffed: everything
// except its identity.
func content(d *definition.Definition) map[string]any {
	m := d.ToMap()
	delete(m, "name")
	delete(m, "kind")
	delete(m, "version")
	return m
}

// build turns a merged tree back into a definition named like local, keeping
// local's field order for the fields it already had.
func build(tree map[string]any, local *definition.Definition, ver string) (*definition.Definition, error) {
	m := make(map[string]any, len(tree)+3)
	for k, v := range tree {
		m[k] = v
	}
	m["name"] = local.Name
	m["kind"] = string(local.Kind)
	m["version"] = ver

	d, err := definition.FromMap(m)
	if err != nil {
		return nil, err
	}
	d.Fields.OrderLike(local.Fields.Keys())
	if err := d.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidDefinition, err, "merged %s", local.ID())
	}
	return d, nil
}

// nextVersion is upstream when it is newer than the local copy, otherwise
// the next patch version of the local copy.
func nextVersion(local, upstream string) string {
	if version.Compare(upstream, local) > 0 {
		return upstream
	}
	v, err := version.Parse(local)
	if err != nil {
		return local
	}
	return v.IncPatch().String()
}
