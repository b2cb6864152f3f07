// Package update reports newer versions of locked definitions.
package update

import (
	"context"
	"slices"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/matzehuels/forge/pkg/definition"
	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/lockfile"
	"github.com/matzehuels/forge/pkg/resolver"
	"github.com/matzehuels/forge/pkg/version"
)

// DefaultConcurrency bounds parallel lookups.
const DefaultConcurrency = 8

// Resolver finds the newest version of a definition.
type Resolver interface {
	Resolve(ctx context.Context, kind definition.Kind, name, constraint string) (*resolver.Resolved, error)
}

// Info describes one locked definition with a different latest version.
type Info struct {
	Name     string          `json:"name"`
	Kind     definition.Kind `json:"kind"`
	Current  string          `json:"current"`
	Latest   string          `json:"latest"`
	Change   version.Change  `json:"change"`
	Breaking bool            `json:"breaking"`
	Source   string          `json:"source"`
}

// ID returns the definition's kind/name.
func (i Info) ID() string { return definition.ID(i.Kind, i.Name) }

// Options configures a [Manager].
type Options struct {
	Resolver    Resolver
	Concurrency int
	Logger      *log.Logger
}

// Manager checks lockfiles for updates.
type Manager struct {
	resolver    Resolver
	concurrency int
	logger      *log.Logger
}

// NewManager creates an update manager.
func NewManager(opts Options) *Manager {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Manager{resolver: opts.Resolver, concurrency: opts.Concurrency, logger: opts.Logger}
}

// CheckUpdates resolves "latest" for every entry of lf across all tiers and
// returns one Info per entry whose latest version differs from the pinned
// one, sorted by kind/name. A move to a higher major version is breaking.
// Entries that no tier knows any more are logged and skipped; any other
// resolution failure aborts the check.
func (m *Manager) CheckUpdates(ctx context.Context, lf *lockfile.Lockfile) ([]Info, error) {
	keys := lf.Keys()
	found := make([]*Info, len(keys))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, key := range keys {
		entry := lf.Entries[key]
		g.Go(func() error {
			kind := entry.Kind
			latest, err := m.resolver.Resolve(ctx, kind, entry.Name, version.Latest)
			if errors.Is(err, errors.ErrCodeNotFound) {
				m.logger.Warn("locked definition no longer available", "entry", key)
				return nil
			}
			if err != nil {
				return err
			}
			if latest.Version() == entry.Version {
				return nil
			}
			change := version.Classify(entry.Version, latest.Version())
			if change == version.ChangeNone {
				return nil
			}
			found[i] = &Info{
				Name:     entry.Name,
				Kind:     kind,
				Current:  entry.Version,
				Latest:   latest.Version(),
				Change:   change,
				Breaking: change == version.ChangeMajor,
				Source:   latest.Source,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Info
	for _, info := range found {
		if info != nil {
			out = append(out, *info)
		}
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.ID(), b.ID()) })
	return out, nil
}

// Summary counts updates by kind of change.
type Summary struct {
	Total    int `json:"total"`
	Breaking int `json:"breaking"`
	Minor    int `json:"minor"`
	Patch    int `json:"patch"`
	Other    int `json:"other"`
}

// Summarize counts infos by change.
func Summarize(infos []Info) Summary {
	s := Summary{Total: len(infos)}
	for _, i := range infos {
		switch i.Change {
		case version.ChangeMajor:
			s.Breaking++
		case version.ChangeMinor:
			s.Minor++
		case version.ChangePatch:
			s.Patch++
		default:
			s.Other++
		}
	}
	return s
}
