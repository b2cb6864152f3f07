package merge

import (
	"slices"
	"strings"

	"github.com/matzehuels/forge/pkg/errors"
)

// Strategy settles the conflicts of a [Result]. Non-conflicting paths are
// always merged per the resolution table, whatever the strategy.
type Strategy string

const (
	// StrategyAuto fails the merge if any conflict exists.
	StrategyAuto Strategy = "auto"
	// StrategyLocal resolves every conflict to the local value.
	StrategyLocal Strategy = "local"
	// StrategyUpstream resolves every conflict to the upstream value.
	StrategyUpstream Strategy = "upstream"
	// StrategyManual applies caller-supplied resolutions and returns the
	// rest unresolved.
	StrategyManual Strategy = "manual"
)

// Strategies lists every strategy.
var Strategies = []Strategy{StrategyAuto, StrategyLocal, StrategyUpstream, StrategyManual}

// ParseStrategy parses a strategy name; empty means auto.
func ParseStrategy(s string) (Strategy, error) {
	if s == "" {
		return StrategyAuto, nil
	}
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(Strategies, st) {
		return "", errors.New(errors.ErrCodeInvalidInput, "unknown merge strategy %q (want auto, local, upstream or manual)", s)
	}
	return st, nil
}

type side int

const (
	sideBase side = iota + 1
	sideLocal
	sideUpstream
	sideDelete
)

// Resolution values that pick one side of a conflict instead of supplying a
// literal value. Remove deletes the path.
var (
	TakeBase     any = sideBase
	TakeLocal    any = sideLocal
	TakeUpstream any = sideUpstream
	Remove       any = sideDelete
)

// ParseResolution maps "base", "local", "upstream" and "remove" to the
// matching sentinel. Anything else is returned unchanged as a literal value.
func ParseResolution(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch s {
	case "base":
		return TakeBase
	case "local":
		return TakeLocal
	case "upstream":
		return TakeUpstream
	case "remove":
		return Remove
	}
	return v
}

// Outcome is a settled merge. Success means no conflict is left; Merged is
// then the final tree. After a failed manual merge Merged is the draft with
// every supplied resolution applied; after a failed auto merge it is nil.
type Outcome struct {
	Success    bool           `json:"success"`
	Strategy   Strategy       `json:"strategy"`
	Merged     map[string]any `json:"merged,omitempty"`
	Conflicts  []Conflict     `json:"conflicts,omitempty"`
	Unresolved []Conflict     `json:"unresolved,omitempty"`
}

// Apply settles r's conflicts with strategy. resolutions maps conflict paths
// to literal values or to one of the Take* and Remove sentinels; it is only
// consulted by the manual strategy. A resolution for a path that has no
// conflict is INVALID_INPUT. r is not modified.
func Apply(r Result, strategy Strategy, resolutions map[string]any) (Outcome, error) {
	out := Outcome{Strategy: strategy, Conflicts: r.Conflicts}
	for path := range resolutions {
		if !slices.ContainsFunc(r.Conflicts, func(c Conflict) bool { return c.Path == path }) {
			return Outcome{}, errors.New(errors.ErrCodeInvalidInput, "no conflict at %q", path)
		}
	}

	switch strategy {
	case StrategyAuto:
		if !r.Clean() {
			out.Unresolved = r.Conflicts
			return out, nil
		}
		out.Success, out.Merged = true, deepCopy(r.Merged).(map[string]any)
		return out, nil

	case StrategyLocal, StrategyUpstream:
		pick := TakeLocal
		if strategy == StrategyUpstream {
			pick = TakeUpstream
		}
		merged := deepCopy(r.Merged).(map[string]any)
		for _, c := range r.Conflicts {
			c.settle(merged, pick)
		}
		out.Success, out.Merged = true, merged
		return out, nil

	case StrategyManual:
		merged := deepCopy(r.Merged).(map[string]any)
		for _, c := range r.Conflicts {
			v, ok := resolutions[c.Path]
			if !ok {
				out.Unresolved = append(out.Unresolved, c)
				continue
			}
			c.settle(merged, v)
		}
		out.Success, out.Merged = len(out.Unresolved) == 0, merged
		return out, nil
	}
	return Outcome{}, errors.New(errors.ErrCodeInvalidInput, "unknown merge strategy %q", strategy)
}

// settle writes the chosen value for c into tree.
func (c Conflict) settle(tree map[string]any, choice any) {
	value, keep := choice, true
	switch choice {
	case TakeBase:
		value, keep = c.Base, c.InBase
	case TakeLocal:
		value, keep = c.Local, c.InLocal
	case TakeUpstream:
		value, keep = c.Upstream, c.InUpstream
	case Remove:
		value, keep = nil, false
	}
	setPath(tree, c.segments, deepCopy(value), keep)
}

// setPath stores value at segments, or deletes it when keep is false.
// Containers along the path exist because conflicts are only recorded below
// paths that were merged.
func setPath(tree map[string]any, segments []any, value any, keep bool) {
	var parent any = tree
	for i, seg := range segments {
		last := i == len(segments)-1
		switch p := parent.(type) {
		case map[string]any:
			key := seg.(string)
			if last {
				if keep {
					p[key] = value
				} else {
					delete(p, key)
				}
				return
			}
			next, ok := p[key]
			if !ok {
				next = map[string]any{}
				p[key] = next
			}
			parent = next
		case []any:
			idx := seg.(int)
			if idx >= len(p) {
				return
			}
			if last {
				// Array elements cannot be removed without shifting their
				// siblings; a removed element becomes null.
				if !keep {
					value = nil
				}
				p[idx] = value
				return
			}
			parent = p[idx]
		default:
			return
		}
	}
}
