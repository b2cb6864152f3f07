package graph

import (
	"context"
	"slices"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/matzehuels/forge/pkg/definition"
	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/observability"
	"github.com/matzehuels/forge/pkg/resolver"
	"github.com/matzehuels/forge/pkg/version"
)

// DefaultConcurrency bounds sibling resolutions per node.
const DefaultConcurrency = 8

// Resolver resolves one reference. [*resolver.Resolver] implements it.
type Resolver interface {
	Resolve(ctx context.Context, kind definition.Kind, name, constraint string) (*resolver.Resolved, error)
}

// Options configures a [Builder].
type Options struct {
	Concurrency int
	Logger      *log.Logger
}

// Builder builds dependency graphs. It holds no per-build state and is safe
// for concurrent use.
type Builder struct {
	resolver    Resolver
	concurrency int
	logger      *log.Logger
}

// NewBuilder creates a builder resolving through r.
func NewBuilder(r Resolver, opts Options) *Builder {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Builder{resolver: r, concurrency: opts.Concurrency, logger: opts.Logger}
}

// Build resolves kind/name at constraint and every definition it references,
// transitively.
func (b *Builder) Build(ctx context.Context, kind definition.Kind, name, constraint string) (g *Graph, err error) {
	ctx, span := observability.StartSpan(ctx, "graph.Build",
		"forge.kind", string(kind), "forge.name", name, "forge.constraint", constraint)
	defer func() { observability.EndSpan(span, err) }()

	root, err := b.resolver.Resolve(ctx, kind, name, constraint)
	if err != nil {
		return nil, err
	}

	t := &traversal{
		builder:  b,
		graph:    &Graph{index: map[string]int{}},
		onStack:  map[string]int{},
		resolved: map[string]*resolver.Resolved{},
		searched: searchOrder(b.resolver),
	}
	if err := t.visit(ctx, t.add(root)); err != nil {
		return nil, err
	}
	t.graph.order = topoSort(t.graph.nodes)

	b.logger.Debug("built graph", "root", root.Definition.String(), "nodes", t.graph.Len())
	return t.graph, nil
}

// traversal is the state of one build. Only the goroutine running visit
// touches it; sibling resolutions hand their results back through a slice.
type traversal struct {
	builder  *Builder
	graph    *Graph
	stack    []string                      // kind/name of the nodes being visited, root first
	onStack  map[string]int                // kind/name -> position in stack
	resolved map[string]*resolver.Resolved // kind/name -> resolution not yet in the graph
	searched string
}

func (t *traversal) add(r *resolver.Resolved) int {
	i := len(t.graph.nodes)
	t.graph.nodes = append(t.graph.nodes, &Node{Index: i, Resolved: r})
	t.graph.index[r.ID()] = i
	return i
}

func (t *traversal) visit(ctx context.Context, i int) error {
	node := t.graph.nodes[i]
	id := node.ID()
	t.onStack[id] = len(t.stack)
	t.stack = append(t.stack, id)
	defer func() {
		t.stack = t.stack[:len(t.stack)-1]
		delete(t.onStack, id)
	}()

	refs := node.Resolved.Definition.References
	for _, ref := range refs {
		if pos, ok := t.onStack[ref.ID()]; ok {
			return newCycleError(append(slices.Clone(t.stack[pos:]), ref.ID()), t.searched)
		}
	}

	if err := t.resolveNew(ctx, node, refs); err != nil {
		return err
	}

	for _, ref := range refs {
		dep, known := t.graph.index[ref.ID()]
		if known {
			if err := t.checkShared(node, ref, t.graph.nodes[dep].Version()); err != nil {
				return err
			}
		} else {
			res := t.resolved[ref.ID()]
			if err := t.checkShared(node, ref, res.Version()); err != nil {
				return err
			}
			delete(t.resolved, ref.ID())
			dep = t.add(res)
			if err := t.visit(ctx, dep); err != nil {
				return err
			}
		}
		if !slices.Contains(node.Deps, dep) {
			node.Deps = append(node.Deps, dep)
		}
	}
	return nil
}

// resolveNew resolves, concurrently, every reference of node whose name is
// neither in the graph nor already resolved, and records the results in
// t.resolved. Every kind/name is resolved at most once per build.
func (t *traversal) resolveNew(ctx context.Context, node *Node, refs []definition.Reference) error {
	out := make([]*resolver.Resolved, len(refs))
	first := map[string]bool{}
	var pending []int
	for k, ref := range refs {
		id := ref.ID()
		if _, known := t.graph.index[id]; known {
			continue
		}
		if _, done := t.resolved[id]; done || first[id] {
			continue
		}
		first[id] = true
		pending = append(pending, k)
	}
	if len(pending) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.builder.concurrency)
	for _, k := range pending {
		ref := refs[k]
		g.Go(func() error {
			res, err := t.builder.resolver.Resolve(gctx, ref.Kind, ref.Name, ref.Constraint)
			if err != nil {
				return referenceError(err, node, ref)
			}
			out[k] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, k := range pending {
		t.resolved[refs[k].ID()] = out[k]
	}
	return nil
}

// checkShared verifies that the version already resolved for ref's name
// satisfies ref.
func (t *traversal) checkShared(node *Node, ref definition.Reference, have string) error {
	c, err := version.ParseConstraint(ref.Constraint)
	if err != nil {
		return err
	}
	if c.Check(have) {
		return nil
	}
	return errors.New(errors.ErrCodeConstraintUnsatisfiable,
		"%s requires %s@%s but %s is already resolved", node.Resolved.Definition.String(), ref.ID(), c, have).
		WithDetail("required_by", node.ID()).
		WithDetail("resolved", have)
}

// referenceError adds the referencing definition to a resolution failure.
// Integrity failures and cancellations pass through unchanged.
func referenceError(err error, node *Node, ref definition.Reference) error {
	code := errors.GetCode(err)
	switch code {
	case "", errors.ErrCodeIntegrityMismatch, errors.ErrCodeCycleDetected:
		return err
	}
	return errors.Wrap(code, err, "%s referenced by %s", ref.Format(node.Resolved.Definition.Kind), node.Resolved.Definition.String())
}

// =============================================================================
// Cycles
// =============================================================================

// CycleError reports a reference cycle. Path starts and ends with the same
// kind/name and lists every other node of the cycle once.
type CycleError struct {
	Path []string
	err  *errors.Error
}

// newCycleError builds the error for path. searched is the tier order the
// members of the cycle were resolved through, if known.
func newCycleError(path []string, searched string) *CycleError {
	joined := strings.Join(path, " -> ")
	err := errors.New(errors.ErrCodeCycleDetected, "dependency cycle: %s", joined).
		WithDetail("path", joined)
	if searched != "" {
		err = err.WithDetail("searched", searched)
	}
	return &CycleError{Path: path, err: err}
}

// searchOrder returns the tier order of r as "local, global, registry:x",
// or "" when r does not expose its tiers.
func searchOrder(r Resolver) string {
	if tn, ok := r.(interface{ TierNames() []string }); ok {
		return strings.Join(tn.TierNames(), ", ")
	}
	return ""
}

// Error implements error.
func (e *CycleError) Error() string { return e.err.Error() }

// Unwrap exposes the coded error to errors.Is and errors.As.
func (e *CycleError) Unwrap() error { return e.err }
