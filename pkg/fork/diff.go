package fork

import (
	"context"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/matzehuels/forge/pkg/definition"
	"github.com/matzehuels/forge/pkg/merge"
)

// FieldDiff is one changed path between the local copy and upstream. Patch
// is set when both sides hold a string and is a unified-style text patch
// from the local value to the upstream value.
type FieldDiff struct {
	merge.Change
	Patch string `json:"patch,omitempty"`
}

// DiffResult compares a fork with its upstream without merging.
type DiffResult struct {
	Fork            string      `json:"fork"`
	LocalVersion    string      `json:"local_version"`
	UpstreamVersion string      `json:"upstream_version"`
	Changes         []FieldDiff `json:"changes"`
}

// Identical reports whether local and upstream have the same content.
func (d *DiffResult) Identical() bool { return len(d.Changes) == 0 }

// Diff lists how the newest upstream version differs from the newest local
// version of the fork kind/name.
func (m *Manager) Diff(ctx context.Context, kind definition.Kind, name string) (*DiffResult, error) {
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

	dmp := diffmatchpatch.New()
	changes := merge.Diff(content(local), content(up.Definition))
	out := &DiffResult{
		Fork:            rec.Key(),
		LocalVersion:    local.Version,
		UpstreamVersion: up.Version(),
		Changes:         make([]FieldDiff, len(changes)),
	}
	for i, c := range changes {
		out.Changes[i] = FieldDiff{Change: c}
		oldText, ok1 := c.Old.(string)
		newText, ok2 := c.New.(string)
		if c.Op == merge.OpChanged && ok1 && ok2 {
			out.Changes[i].Patch = dmp.PatchToText(dmp.PatchMake(oldText, newText))
		}
	}
	return out, nil
}
