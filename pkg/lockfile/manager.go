package lockfile

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/matzehuels/forge/pkg/definition"
	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/graph"
	"github.com/matzehuels/forge/pkg/integrity"
	"github.com/matzehuels/forge/pkg/observability"
	"github.com/matzehuels/forge/pkg/resolver"
)

// Root is a definition to pin together with everything it references.
type Root struct {
	Kind       definition.Kind
	Name       string
	Constraint string
}

func (r Root) String() string {
	if r.Constraint == "" {
		return definition.ID(r.Kind, r.Name)
	}
	return definition.ID(r.Kind, r.Name) + "@" + r.Constraint
}

// Builder builds one dependency graph. [*graph.Builder] implements it.
type Builder interface {
	Build(ctx context.Context, kind definition.Kind, name, constraint string) (*graph.Graph, error)
}

// Source re-resolves pinned entries. [*resolver.Resolver] implements it.
type Source interface {
	ResolveFrom(ctx context.Context, source string, kind definition.Kind, name, ver string) (*resolver.Resolved, error)
}

// Lister enumerates the definitions of the project store; every one of them
// is a root when Generate is called without roots.
type Lister interface {
	List(ctx context.Context, kind definition.Kind) ([]resolver.Listing, error)
}

// Options configures a [Manager].
type Options struct {
	Builder     Builder
	Source      Source
	Local       Lister
	Concurrency int
	Now         func() time.Time
	Logger      *log.Logger
}

// Manager generates and validates lockfiles.
type Manager struct {
	builder     Builder
	source      Source
	local       Lister
	concurrency int
	now         func() time.Time
	logger      *log.Logger
}

// NewManager creates a manager.
func NewManager(opts Options) *Manager {
	if opts.Concurrency <= 0 {
		opts.Concurrency = graph.DefaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Manager{
		builder:     opts.Builder,
		source:      opts.Source,
		local:       opts.Local,
		concurrency: opts.Concurrency,
		now:         opts.Now,
		logger:      opts.Logger,
	}
}

// =============================================================================
// Generate
// =============================================================================

// Generate builds the dependency graph of every root concurrently and
// flattens the graphs into one lockfile. Without roots, every definition in
// the local store is a root at its latest version. A kind/name that resolves
// to two different versions or contents across roots is a VERSION_CONFLICT.
func (m *Manager) Generate(ctx context.Context, roots ...Root) (lf *Lockfile, err error) {
	ctx, span := observability.StartSpan(ctx, "lockfile.Generate")
	defer func() { observability.EndSpan(span, err) }()

	if len(roots) == 0 {
		if roots, err = m.localRoots(ctx); err != nil {
			return nil, err
		}
	}

	graphs := make([]*graph.Graph, len(roots))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, root := range roots {
		g.Go(func() error {
			built, err := m.builder.Build(gctx, root.Kind, root.Name, root.Constraint)
			if err != nil {
				return err
			}
			graphs[i] = built
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	lf = New(m.now())
	owners := map[string]string{}
	for i, built := range graphs {
		for _, n := range built.Order() {
			entry := entryFor(built, n)
			key := entry.ID()
			if prev, ok := lf.Entries[key]; ok {
				if prev.Version != entry.Version || prev.Integrity != entry.Integrity {
					return nil, conflictError(key, owners[key], prev, roots[i].String(), entry)
				}
				continue
			}
			lf.Entries[key] = entry
			owners[key] = roots[i].String()
		}
	}

	m.logger.Debug("generated lockfile", "roots", len(roots), "entries", len(lf.Entries))
	return lf, nil
}

// Lock generates a lockfile and saves it to path. If the file already pins
// exactly the same entries its timestamp is kept, so regenerating over
// unchanged definitions rewrites identical bytes. changed reports whether
// the entries differ from the previous file.
func (m *Manager) Lock(ctx context.Context, path string, roots ...Root) (lf *Lockfile, changed bool, err error) {
	lf, err = m.Generate(ctx, roots...)
	if err != nil {
		return nil, false, err
	}

	prev, err := Load(path)
	switch {
	case err == nil && lf.SameEntries(prev):
		lf.GeneratedAt = prev.GeneratedAt
	case err == nil, errors.Is(err, errors.ErrCodeNotFound):
		changed = true
	default:
		m.logger.Warn("replacing unreadable lockfile", "path", path, "err", err)
		changed = true
	}

	if err := Save(lf, path); err != nil {
		return nil, false, err
	}
	return lf, changed, nil
}

func (m *Manager) localRoots(ctx context.Context) ([]Root, error) {
	if m.local == nil {
		return nil, errors.New(errors.ErrCodeConfig, "no roots given and no local store configured")
	}
	var roots []Root
	for _, kind := range definition.Kinds {
		items, err := m.local.List(ctx, kind)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			roots = append(roots, Root{Kind: item.Kind, Name: item.Name})
		}
	}
	return roots, nil
}

func entryFor(g *graph.Graph, n *graph.Node) Entry {
	e := Entry{
		Name:      n.Resolved.Definition.Name,
		Kind:      n.Resolved.Definition.Kind,
		Version:   n.Version(),
		Source:    n.Resolved.Source,
		Integrity: n.Resolved.Integrity,
	}
	if deps := g.Transitive(n); len(deps) > 0 {
		e.Dependencies = make(map[string]string, len(deps))
		for _, d := range deps {
			e.Dependencies[d.ID()] = d.Version()
		}
	}
	return e
}

func conflictError(key, firstRoot string, first Entry, secondRoot string, second Entry) error {
	return errors.New(errors.ErrCodeVersionConflict,
		"%s resolves to %s via %s but to %s via %s", key, pinDesc(first), firstRoot, pinDesc(second), secondRoot).
		WithDetail("entry", key).
		WithDetail("expected", first.Integrity).
		WithDetail("actual", second.Integrity)
}

func pinDesc(e Entry) string {
	return fmt.Sprintf("%s (%s, %s)", e.Version, e.Source, e.Integrity)
}

// =============================================================================
// Validate
// =============================================================================

// Mismatch is one entry whose pinned hash could not be reproduced. Actual is
// empty when the pinned version could not be re-resolved; Reason says why.
type Mismatch struct {
	Key      string `json:"key"`
	Expected string `json:"expected"`
	Actual   string `json:"actual,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (m Mismatch) String() string {
	if m.Actual == "" {
		return fmt.Sprintf("%s: expected %s, %s", m.Key, m.Expected, m.Reason)
	}
	return fmt.Sprintf("%s: expected %s, got %s", m.Key, m.Expected, m.Actual)
}

// ValidationResult is the outcome of [Manager.Validate].
type ValidationResult struct {
	Valid      bool       `json:"valid"`
	Checked    int        `json:"checked"`
	Mismatches []Mismatch `json:"mismatches,omitempty"`
}

// Err returns an INTEGRITY_MISMATCH error naming every mismatch, or nil.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	lines := make([]string, len(r.Mismatches))
	for i, m := range r.Mismatches {
		lines[i] = m.String()
	}
	err := errors.New(errors.ErrCodeIntegrityMismatch,
		"%d of %d lockfile entries failed verification:\n  %s", len(r.Mismatches), r.Checked, strings.Join(lines, "\n  "))
	first := r.Mismatches[0]
	return err.WithDetail("entry", first.Key).
		WithDetail("expected", first.Expected).
		WithDetail("actual", first.Actual)
}

// Validate re-resolves every entry from its recorded source at its pinned
// version and compares hashes. Entries that cannot be found any more are
// mismatches; failures that say nothing about the content (network, auth,
// cancellation) abort validation instead. The lockfile is never modified.
func (m *Manager) Validate(ctx context.Context, lf *Lockfile) (res ValidationResult, err error) {
	ctx, span := observability.StartSpan(ctx, "lockfile.Validate")
	defer func() { observability.EndSpan(span, err) }()

	if err := lf.Validate(); err != nil {
		return ValidationResult{}, err
	}

	var (
		mu         sync.Mutex
		mismatches []Mismatch
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, key := range lf.Keys() {
		entry := lf.Entries[key]
		g.Go(func() error {
			mm, err := m.check(gctx, entry)
			if err != nil || mm == nil {
				return err
			}
			mu.Lock()
			mismatches = append(mismatches, *mm)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ValidationResult{}, err
	}

	slices.SortFunc(mismatches, func(a, b Mismatch) int { return strings.Compare(a.Key, b.Key) })
	return ValidationResult{
		Valid:      len(mismatches) == 0,
		Checked:    len(lf.Entries),
		Mismatches: mismatches,
	}, nil
}

func (m *Manager) check(ctx context.Context, e Entry) (*Mismatch, error) {
	res, err := m.source.ResolveFrom(ctx, e.Source, e.Kind, e.Name, e.Version)
	switch {
	case err == nil:
	case errors.Is(err, errors.ErrCodeNotFound), errors.Is(err, errors.ErrCodeIntegrityMismatch),
		errors.Is(err, errors.ErrCodeInvalidDefinition):
		return &Mismatch{Key: e.ID(), Expected: e.Integrity, Reason: errors.UserMessage(err)}, nil
	default:
		return nil, err
	}

	actual, err := integrity.Hash(res.Definition)
	if err != nil {
		return nil, err
	}
	if actual != e.Integrity {
		m.logger.Warn("integrity mismatch", "entry", e.ID(), "expected", e.Integrity, "actual", actual)
		return &Mismatch{Key: e.ID(), Expected: e.Integrity, Actual: actual}, nil
	}
	return nil, nil
}
