package resolver

import (
	"context"

	"github.com/matzehuels/forge/pkg/definition"
	"github.com/matzehuels/forge/pkg/integrity"
	"github.com/matzehuels/forge/pkg/store"
	"github.com/matzehuels/forge/pkg/version"
)

// Source names of the filesystem tiers.
const (
	SourceLocal  = "local"
	SourceGlobal = "global"
)

// Tier is one place definitions come from.
type Tier interface {
	// Name is the source attribution, e.g. "local" or "registry:main".
	Name() string

	// Select picks the highest version of kind/name satisfying c.
	// available lists every version the tier knows (nil if it does not
	// know the name); selected is empty when none satisfies.
	Select(ctx context.Context, kind definition.Kind, name string, c *version.Constraint) (selected string, available []string, err error)

	// Fetch loads one exact version.
	Fetch(ctx context.Context, kind definition.Kind, name, ver string) (*Resolved, error)

	// List returns every name of kind with its versions.
	List(ctx context.Context, kind definition.Kind) ([]Listing, error)
}

// StoreTier adapts a filesystem [store.Store] to [Tier].
type StoreTier struct {
	store *store.Store
}

// NewStoreTier wraps st. The tier is named after the store.
func NewStoreTier(st *store.Store) *StoreTier {
	return &StoreTier{store: st}
}

// Name returns the store name.
func (t *StoreTier) Name() string { return t.store.Name() }

// Store returns the wrapped store.
func (t *StoreTier) Store() *store.Store { return t.store }

// Select picks from the versions on disk.
func (t *StoreTier) Select(ctx context.Context, kind definition.Kind, name string, c *version.Constraint) (string, []string, error) {
	versions, err := t.store.Versions(ctx, kind, name)
	if err != nil || len(versions) == 0 {
		return "", nil, err
	}
	selected, _ := c.Select(versions)
	return selected, versions, nil
}

// Fetch loads and hashes one version.
func (t *StoreTier) Fetch(ctx context.Context, kind definition.Kind, name, ver string) (*Resolved, error) {
	d, err := t.store.Load(ctx, kind, name, ver)
	if err != nil {
		return nil, err
	}
	h, err := integrity.Hash(d)
	if err != nil {
		return nil, err
	}
	return &Resolved{
		Definition: d,
		Source:     t.Name(),
		Integrity:  h,
		Path:       t.store.Path(kind, name, ver),
	}, nil
}

// List walks the store.
func (t *StoreTier) List(ctx context.Context, kind definition.Kind) ([]Listing, error) {
	names, err := t.store.Names(ctx, kind)
	if err != nil {
		return nil, err
	}
	var out []Listing
	for _, name := range names {
		versions, err := t.store.Versions(ctx, kind, name)
		if err != nil {
			return nil, err
		}
		if len(versions) == 0 {
			continue
		}
		out = append(out, Listing{Kind: kind, Name: name, Versions: versions, Source: t.Name()})
	}
	return out, nil
}

var _ Tier = (*StoreTier)(nil)
