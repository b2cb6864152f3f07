package fork

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/matzehuels/forge/pkg/definition"
	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/fsutil"
)

// State is the lifecycle state of a fork.
type State string

const (
	// StateForked is a fork that has never been merged with upstream.
	StateForked State = "forked"
	// StateMerged is a fork whose last merge succeeded.
	StateMerged State = "merged"
)

// Record tracks a local copy of an upstream definition.
//
// UpstreamVersionAtFork and Base only change through [Manager.Rebase]; every
// merge uses Base as the common ancestor.
type Record struct {
	ID                        string                 `json:"id"`
	Kind                      definition.Kind        `json:"kind"`
	LocalName                 string                 `json:"local_name"`
	UpstreamName              string                 `json:"upstream_name"`
	UpstreamSource            string                 `json:"upstream_source"`
	UpstreamVersionAtFork     string                 `json:"upstream_version_at_fork"`
	LastMergedUpstreamVersion string                 `json:"last_merged_upstream_version,omitempty"`
	State                     State                  `json:"state"`
	CreatedAt                 time.Time              `json:"created_at"`
	UpdatedAt                 time.Time              `json:"updated_at"`
	Base                      *definition.Definition `json:"base"`
}

// Key returns the local kind/name.
func (r *Record) Key() string { return definition.ID(r.Kind, r.LocalName) }

// Upstream returns the upstream kind/name.
func (r *Record) Upstream() string { return definition.ID(r.Kind, r.UpstreamName) }

// CurrentVersion is the upstream version the local copy last incorporated:
// the last merged version, or the fork version before any merge.
func (r *Record) CurrentVersion() string {
	if r.LastMergedUpstreamVersion != "" {
		return r.LastMergedUpstreamVersion
	}
	return r.UpstreamVersionAtFork
}

func (r *Record) clone() *Record {
	out := *r
	if r.Base != nil {
		out.Base = r.Base.Clone()
	}
	return &out
}

// =============================================================================
// Persistence
// =============================================================================

// Dir is the directory below the local tier root that holds fork records.
const Dir = "forks"

// recordStore persists fork records.
type recordStore interface {
	load(kind definition.Kind, name string) (*Record, error)
	exists(kind definition.Kind, name string) bool
	save(r *Record) error
	list(ctx context.Context, kind definition.Kind) ([]*Record, error)
}

// records reads and writes one JSON document per fork:
// <root>/forks/<kind>/<name>.json.
type records struct {
	root string
}

func (s records) path(kind definition.Kind, name string) string {
	return filepath.Join(s.root, Dir, string(kind), name+".json")
}

func (s records) load(kind definition.Kind, name string) (*Record, error) {
	if err := errors.ValidateName(name); err != nil {
		return nil, err
	}
	path := s.path(kind, name)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.New(errors.ErrCodeForkNotFound, "%s is not a fork", definition.ID(kind, name)).
			WithDetail("path", path)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "read %s", path)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var r Record
	if err := dec.Decode(&r); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidInput, err, "invalid fork record %s", path)
	}
	if r.Base == nil || r.Kind != kind || r.LocalName != name {
		return nil, errors.New(errors.ErrCodeInvalidInput, "fork record %s does not describe %s", path, definition.ID(kind, name))
	}
	return &r, nil
}

func (s records) exists(kind definition.Kind, name string) bool {
	_, err := os.Stat(s.path(kind, name))
	return err == nil
}

func (s records) save(r *Record) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "encode fork record %s", r.Key())
	}
	path := s.path(r.Kind, r.LocalName)
	if err := fsutil.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "write fork record %s", path)
	}
	return nil
}

func (s records) list(ctx context.Context, kind definition.Kind) ([]*Record, error) {
	kinds := definition.Kinds
	if kind != "" {
		kinds = []definition.Kind{kind}
	}

	var out []*Record
	for _, k := range kinds {
		dir := filepath.Join(s.root, Dir, string(k))
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInternal, err, "read %s", dir)
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			name, ok := strings.CutSuffix(e.Name(), ".json")
			if e.IsDir() || !ok {
				continue
			}
			r, err := s.load(k, name)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b *Record) int { return strings.Compare(a.Key(), b.Key()) })
	return out, nil
}
