package update

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/matzehuels/forge/pkg/definition"
	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/lockfile"
	"github.com/matzehuels/forge/pkg/resolver"
	"github.com/matzehuels/forge/pkg/version"
)

type fakeResolver struct {
	latest map[string]string
	errs   map[string]error
}

func (f *fakeResolver) Resolve(_ context.Context, kind definition.Kind, name, constraint string) (*resolver.Resolved, error) {
	id := definition.ID(kind, name)
	if constraint != version.Latest {
		return nil, errors.New(errors.ErrCodeInvalidInput, "unexpected constraint %q", constraint)
	}
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	v, ok := f.latest[id]
	if !ok {
		return nil, errors.New(errors.ErrCodeNotFound, "%s not found", id)
	}
	return &resolver.Resolved{
		Definition: &definition.Definition{Name: name, Kind: kind, Version: v, Fields: definition.NewFields()},
		Source:     "registry:main",
	}, nil
}

func lock(pins map[string]string) *lockfile.Lockfile {
	lf := lockfile.New(time.Now())
	for id, v := range pins {
		kind, name, _ := definition.SplitID(id)
		lf.Entries[id] = lockfile.Entry{Name: name, Kind: kind, Version: v, Source: "local", Integrity: "sha256:00"}
	}
	return lf
}

func TestCheckUpdates(t *testing.T) {
	lf := lock(map[string]string{
		"agent/writer":  "1.2.3",
		"tool/search":   "0.3.1",
		"tool/fetch":    "2.0.0",
		"workflow/plan": "1.0.0",
		"template/memo": "1.0.0",
		"agent/gone":    "1.0.0",
		"agent/newer":   "3.0.0",
	})
	r := &fakeResolver{latest: map[string]string{
		"agent/writer":  "2.0.0",
		"tool/search":   "0.3.4",
		"tool/fetch":    "2.0.0",
		"workflow/plan": "1.1.0",
		"template/memo": "1.0.1-rc.1",
		"agent/newer":   "2.5.0",
	}}

	got, err := NewManager(Options{Resolver: r}).CheckUpdates(context.Background(), lf)
	if err != nil {
		t.Fatalf("CheckUpdates() error = %v", err)
	}

	want := []Info{
		{Name: "newer", Kind: definition.KindAgent, Current: "3.0.0", Latest: "2.5.0", Change: version.ChangeDowngrade, Source: "registry:main"},
		{Name: "writer", Kind: definition.KindAgent, Current: "1.2.3", Latest: "2.0.0", Change: version.ChangeMajor, Breaking: true, Source: "registry:main"},
		{Name: "memo", Kind: definition.KindTemplate, Current: "1.0.0", Latest: "1.0.1-rc.1", Change: version.ChangePatch, Source: "registry:main"},
		{Name: "search", Kind: definition.KindTool, Current: "0.3.1", Latest: "0.3.4", Change: version.ChangePatch, Source: "registry:main"},
		{Name: "plan", Kind: definition.KindWorkflow, Current: "1.0.0", Latest: "1.1.0", Change: version.ChangeMinor, Source: "registry:main"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("CheckUpdates() =\n%+v\nwant\n%+v", got, want)
	}

	s := Summarize(got)
	if s != (Summary{Total: 5, Breaking: 1, Minor: 1, Patch: 2, Other: 1}) {
		t.Errorf("Summarize() = %+v", s)
	}
}

func TestCheckUpdatesBreakingOnlyOnMajor(t *testing.T) {
	tests := []struct {
		current, latest string
		breaking        bool
	}{
		{"1.9.9", "2.0.0", true},
		{"0.1.0", "1.0.0", true},
		{"1.0.0", "1.99.0", false},
		{"1.0.0", "1.0.1", false},
	}
	for _, tt := range tests {
		lf := lock(map[string]string{"tool/x": tt.current})
		r := &fakeResolver{latest: map[string]string{"tool/x": tt.latest}}
		got, err := NewManager(Options{Resolver: r}).CheckUpdates(context.Background(), lf)
		if err != nil || len(got) != 1 {
			t.Fatalf("%s -> %s: CheckUpdates() = %v, %v", tt.current, tt.latest, got, err)
		}
		if got[0].Breaking != tt.breaking {
			t.Errorf("%s -> %s: Breaking = %v, want %v", tt.current, tt.latest, got[0].Breaking, tt.breaking)
		}
	}
}

func TestCheckUpdatesPropagatesFailures(t *testing.T) {
	lf := lock(map[string]string{"tool/a": "1.0.0", "tool/b": "1.0.0"})
	r := &fakeResolver{
		latest: map[string]string{"tool/a": "1.1.0"},
		errs:   map[string]error{"tool/b": errors.New(errors.ErrCodeNetwork, "registry down")},
	}
	_, err := NewManager(Options{Resolver: r, Concurrency: 1}).CheckUpdates(context.Background(), lf)
	if !errors.Is(err, errors.ErrCodeNetwork) {
		t.Errorf("CheckUpdates() error = %v, want %s", err, errors.ErrCodeNetwork)
	}
}

func TestCheckUpdatesEmpty(t *testing.T) {
	got, err := NewManager(Options{Resolver: &fakeResolver{}}).CheckUpdates(context.Background(), lock(nil))
	if err != nil || got != nil {
		t.Errorf("CheckUpdates(empty) = %v, %v", got, err)
	}
}
