// Package resolver finds definitions across the local, global and remote
// tiers.
//
// # Tier order
//
// Resolution searches the project-local tier, then the machine-global
// tier, then every remote registry by descending priority. Registries with
// equal priority keep their configuration order. The first tier with any
// version satisfying the constraint wins, even if a later tier has a higher
// version.
//
// # Failures
//
// If no tier knows the name the error is NOT_FOUND. If some tier knows the
// name but no tier has a satisfying version, the error is
// CONSTRAINT_UNSATISFIABLE and lists the available versions per tier. Both
// carry the "searched" detail with the tiers consulted, in order.
//
// A remote tier that fails (after its single retry) stops the search: the
// network error propagates rather than silently falling through to a
// lower-priority registry that might serve a different definition.
package resolver

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/forge/pkg/definition"
	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/observability"
	"github.com/matzehuels/forge/pkg/version"
)

// Resolved is a definition together with where it came from.
type Resolved struct {
	Definition *definition.Definition `json:"definition"`
	Source     string                 `json:"source"`    // "local", "global" or "registry:<name>"
	Integrity  string                 `json:"integrity"` // sha256:<hex> of the canonical form
	Path       string                 `json:"path"`      // file path or registry URL
}

// ID returns the definition's kind/name.
func (r *Resolved) ID() string { return r.Definition.ID() }

// Version returns the resolved version.
func (r *Resolved) Version() string { return r.Definition.Version }

// Listing is one name in one tier.
type Listing struct {
	Kind     definition.Kind `json:"kind"`
	Name     string          `json:"name"`
	Versions []string        `json:"versions"`
	Source   string          `json:"source"`
}

// Latest returns the highest stable version of the listing.
func (l Listing) Latest() string {
	v, _ := version.MustConstraint(version.Latest).Select(l.Versions)
	return v
}

// TierVersions are the versions one tier holds for a name.
type TierVersions struct {
	Source   string   `json:"source"`
	Versions []string `json:"versions"`
}

// Options configures a [Resolver].
type Options struct {
	Local   Tier
	Global  Tier
	Remotes []*RemoteTier
	Logger  *log.Logger
}

// Resolver searches tiers in order.
type Resolver struct {
	tiers  []Tier
	logger *log.Logger
}

// New creates a resolver. Nil local or global tiers are skipped. Remotes are
// stably sorted by descending priority.
func New(opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	var tiers []Tier
	if opts.Local != nil {
		tiers = append(tiers, opts.Local)
	}
	if opts.Global != nil {
		tiers = append(tiers, opts.Global)
	}
	remotes := slices.Clone(opts.Remotes)
	slices.SortStableFunc(remotes, func(a, b *RemoteTier) int {
		return cmp.Compare(b.Priority(), a.Priority())
	})
	for _, r := range remotes {
		tiers = append(tiers, r)
	}
	return &Resolver{tiers: tiers, logger: logger}
}

// Tiers returns the tiers in search order.
func (r *Resolver) Tiers() []Tier { return slices.Clone(r.tiers) }

// TierNames returns the tier names in search order.
func (r *Resolver) TierNames() []string {
	names := make([]string, len(r.tiers))
	for i, t := range r.tiers {
		names[i] = t.Name()
	}
	return names
}

// Resolve finds the highest version of kind/name satisfying constraint in
// the first tier that has one. An empty constraint means "latest".
func (r *Resolver) Resolve(ctx context.Context, kind definition.Kind, name, constraint string) (res *Resolved, err error) {
	c, err := version.ParseConstraint(constraint)
	if err != nil {
		return nil, err
	}
	if err := errors.ValidateName(name); err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "resolver.Resolve",
		"forge.kind", string(kind), "forge.name", name, "forge.constraint", c.String())
	hooks := observability.Resolve()
	hooks.OnResolveStart(ctx, string(kind), name, c.String())
	start := time.Now()
	defer func() {
		source := ""
		if res != nil {
			source = res.Source
			span.SetAttributes(observability.Attr("forge.source", source), observability.Attr("forge.version", res.Version()))
		}
		hooks.OnResolveComplete(ctx, string(kind), name, source, time.Since(start), err)
		observability.EndSpan(span, err)
	}()

	var (
		searched  []string
		available = map[string][]string{}
	)
	for _, tier := range r.tiers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		searched = append(searched, tier.Name())

		selected, versions, err := tier.Select(ctx, kind, name, c)
		if err != nil {
			return nil, r.tierError(err, tier, kind, name, searched)
		}
		if selected == "" {
			if len(versions) > 0 {
				available[tier.Name()] = versions
			}
			continue
		}

		found, err := tier.Fetch(ctx, kind, name, selected)
		if err != nil {
			return nil, r.tierError(err, tier, kind, name, searched)
		}
		r.logger.Debug("resolved", "kind", kind, "name", name, "constraint", c, "version", selected, "source", found.Source)
		return found, nil
	}

	if len(available) > 0 {
		return nil, errors.New(errors.ErrCodeConstraintUnsatisfiable,
			"no version of %s satisfies %s", definition.ID(kind, name), c).
			WithDetail("available", formatAvailable(available, searched)).
			WithDetail("searched", strings.Join(searched, ", "))
	}
	return nil, errors.New(errors.ErrCodeNotFound, "%s not found", definition.ID(kind, name)).
		WithDetail("searched", strings.Join(searched, ", "))
}

// ResolveFrom loads an exact version from the tier named source.
func (r *Resolver) ResolveFrom(ctx context.Context, source string, kind definition.Kind, name, ver string) (*Resolved, error) {
	tier := r.tier(source)
	if tier == nil {
		return nil, errors.New(errors.ErrCodeNotFound, "source %q is not configured", source).
			WithDetail("searched", strings.Join(r.TierNames(), ", "))
	}
	res, err := tier.Fetch(ctx, kind, name, ver)
	if err != nil {
		return nil, r.tierError(err, tier, kind, name, []string{tier.Name()})
	}
	return res, nil
}

// ListAvailable lists every name of kind in every tier (all kinds when kind
// is empty), in tier order and then by kind and name. Remote tiers that
// cannot be reached are logged and skipped.
func (r *Resolver) ListAvailable(ctx context.Context, kind definition.Kind) ([]Listing, error) {
	kinds := definition.Kinds
	if kind != "" {
		kinds = []definition.Kind{kind}
	}

	var out []Listing
	for _, tier := range r.tiers {
		for _, k := range kinds {
			items, err := tier.List(ctx, k)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if _, remote := tier.(*RemoteTier); remote && !errors.Is(err, errors.ErrCodeIntegrityMismatch) {
					r.logger.Warn("registry unavailable", "source", tier.Name(), "err", err)
					break
				}
				return nil, err
			}
			out = append(out, items...)
		}
	}
	return out, nil
}

// Exists reports whether any tier has any version of kind/name.
func (r *Resolver) Exists(ctx context.Context, kind definition.Kind, name string) (bool, error) {
	info, err := r.Info(ctx, kind, name)
	return len(info) > 0, err
}

// Info returns the versions of kind/name in every tier that has some.
func (r *Resolver) Info(ctx context.Context, kind definition.Kind, name string) ([]TierVersions, error) {
	if err := errors.ValidateName(name); err != nil {
		return nil, err
	}
	all := version.MustConstraint(version.Latest)
	var out []TierVersions
	for _, tier := range r.tiers {
		_, versions, err := tier.Select(ctx, kind, name, all)
		if err != nil {
			return nil, r.tierError(err, tier, kind, name, r.TierNames())
		}
		if len(versions) > 0 {
			out = append(out, TierVersions{Source: tier.Name(), Versions: versions})
		}
	}
	return out, nil
}

func (r *Resolver) tier(name string) Tier {
	for _, t := range r.tiers {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

func (r *Resolver) tierError(err error, tier Tier, kind definition.Kind, name string, searched []string) error {
	code := errors.GetCode(err)
	switch code {
	case "", errors.ErrCodeIntegrityMismatch:
		return err
	}
	return errors.Wrap(code, err, "resolve %s in %s", definition.ID(kind, name), tier.Name()).
		WithDetail("searched", strings.Join(searched, ", "))
}

func formatAvailable(available map[string][]string, order []string) string {
	var parts []string
	for _, name := range order {
		if versions, ok := available[name]; ok {
			parts = append(parts, name+": "+strings.Join(versions, " "))
		}
	}
	return strings.Join(parts, "; ")
}
