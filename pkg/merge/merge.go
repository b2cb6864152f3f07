// Package merge reconciles three versions of a definition's field tree.
//
// [ThreeWay] walks every path present in base, local or upstream and keeps
// whichever side changed:
//
//	local == base,     upstream == base      -> base
//	local != base,     upstream == base      -> local
//	local == base,     upstream != base      -> upstream
//	local == upstream, both != base          -> that value
//	local != upstream, both != base          -> conflict
//
// Values are compared by canonical form, so 1 and 1.0 are equal. Objects
// changed on both sides are merged key by key. Arrays of scalars changed on
// both sides are merged as sets when every side is free of duplicates: the
// local order is kept, elements upstream removed are dropped and elements
// upstream added are appended. Other arrays of equal length are merged
// element by element; anything else is a conflict at the array's path.
//
// Conflicts are part of the [Result], never an error. [Apply] settles them
// with a [Strategy].
package merge

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/matzehuels/forge/pkg/integrity"
)

// Conflict is a path both sides changed to different values. The In* flags
// are false when the path does not exist on that side.
type Conflict struct {
	Path       string `json:"path"`
	Base       any    `json:"base"`
	Local      any    `json:"local"`
	Upstream   any    `json:"upstream"`
	InBase     bool   `json:"in_base"`
	InLocal    bool   `json:"in_local"`
	InUpstream bool   `json:"in_upstream"`

	segments []any
}

// Result is the outcome of [ThreeWay]. Merged is a draft: every
// non-conflicting path is merged and every conflicting path keeps its base
// value (or stays absent if base lacks it).
type Result struct {
	Merged    map[string]any `json:"merged"`
	Conflicts []Conflict     `json:"conflicts,omitempty"`
}

// Clean reports whether the merge had no conflicts.
func (r Result) Clean() bool { return len(r.Conflicts) == 0 }

// ThreeWay merges local and upstream against their common base. The inputs
// are not modified and the result shares no containers with them.
func ThreeWay(base, local, upstream map[string]any) Result {
	m := &merger{}
	out := m.merge(nil, present(orEmpty(base)), present(orEmpty(local)), present(orEmpty(upstream)))
	merged, _ := out.v.(map[string]any)
	if merged == nil {
		merged = map[string]any{}
	}
	return Result{Merged: merged, Conflicts: m.conflicts}
}

// slot is a value at a path together with whether the path exists.
type slot struct {
	v  any
	ok bool
}

func present(v any) slot { return slot{v: v, ok: true} }

func (s slot) equal(o slot) bool {
	if s.ok != o.ok {
		return false
	}
	return !s.ok || integrity.Equal(s.v, o.v)
}

func (s slot) clone() slot {
	if !s.ok {
		return s
	}
	return present(deepCopy(s.v))
}

type merger struct {
	conflicts []Conflict
}

func (m *merger) merge(path []any, b, l, u slot) slot {
	switch {
	case l.equal(b):
		return u.clone()
	case u.equal(b):
		return l.clone()
	case l.equal(u):
		return l.clone()
	}

	lm, lok := l.v.(map[string]any)
	um, uok := u.v.(map[string]any)
	if l.ok && u.ok && lok && uok {
		bm, _ := b.v.(map[string]any)
		return present(m.mergeObjects(path, bm, lm, um))
	}

	la, lok := l.v.([]any)
	ua, uok := u.v.([]any)
	if l.ok && u.ok && lok && uok {
		ba, bok := b.v.([]any)
		if merged, ok := m.mergeArrays(path, ba, bok && b.ok, la, ua); ok {
			return present(merged)
		}
	}

	m.conflicts = append(m.conflicts, Conflict{
		Path:       FormatPath(path),
		Base:       deepCopy(b.v),
		Local:      deepCopy(l.v),
		Upstream:   deepCopy(u.v),
		InBase:     b.ok,
		InLocal:    l.ok,
		InUpstream: u.ok,
		segments:   slices.Clone(path),
	})
	return b.clone()
}

func (m *merger) mergeObjects(path []any, base, local, upstream map[string]any) map[string]any {
	keys := map[string]struct{}{}
	for _, src := range []map[string]any{base, local, upstream} {
		for k := range src {
			keys[k] = struct{}{}
		}
	}

	out := make(map[string]any, len(keys))
	for _, k := range slices.Sorted(maps.Keys(keys)) {
		res := m.merge(appendPath(path, k), lookup(base, k), lookup(local, k), lookup(upstream, k))
		if res.ok {
			out[k] = res.v
		}
	}
	return out
}

// mergeArrays merges two changed arrays. It reports false when the change
// is ambiguous.
func (m *merger) mergeArrays(path []any, base []any, hasBase bool, local, upstream []any) ([]any, bool) {
	if allScalar(base) && allScalar(local) && allScalar(upstream) &&
		distinct(base) && distinct(local) && distinct(upstream) {
		return mergeSets(base, local, upstream), true
	}
	if !hasBase || len(base) != len(local) || len(base) != len(upstream) {
		return nil, false
	}
	out := make([]any, len(base))
	for i := range base {
		out[i] = m.merge(appendPath(path, i), present(base[i]), present(local[i]), present(upstream[i])).v
	}
	return out, true
}

func mergeSets(base, local, upstream []any) []any {
	inBase := keySet(base)
	inUpstream := keySet(upstream)

	var out []any
	seen := map[string]bool{}
	for _, v := range local {
		k := canonicalKey(v)
		if inBase[k] && !inUpstream[k] {
			continue
		}
		out = append(out, deepCopy(v))
		seen[k] = true
	}
	for _, v := range upstream {
		k := canonicalKey(v)
		if inBase[k] || seen[k] {
			continue
		}
		out = append(out, deepCopy(v))
		seen[k] = true
	}
	if out == nil {
		out = []any{}
	}
	return out
}

// =============================================================================
// Helpers
// =============================================================================

// FormatPath renders path segments as a dotted locator with [i] indices.
// Keys that contain '.', '[' or ']' are quoted: a.["x.y"][2].
func FormatPath(segments []any) string {
	var b strings.Builder
	for i, s := range segments {
		switch x := s.(type) {
		case int:
			b.WriteString("[" + strconv.Itoa(x) + "]")
		case string:
			if i > 0 {
				b.WriteByte('.')
			}
			if strings.ContainsAny(x, ".[]") || x == "" {
				b.WriteString("[" + strconv.Quote(x) + "]")
			} else {
				b.WriteString(x)
			}
		}
	}
	return b.String()
}

func appendPath(path []any, seg any) []any {
	out := make([]any, len(path), len(path)+1)
	copy(out, path)
	return append(out, seg)
}

func lookup(m map[string]any, k string) slot {
	v, ok := m[k]
	return slot{v: v, ok: ok}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func allScalar(vs []any) bool {
	for _, v := range vs {
		switch v.(type) {
		case map[string]any, []any:
			return false
		}
	}
	return true
}

func distinct(vs []any) bool {
	return len(keySet(vs)) == len(vs)
}

func keySet(vs []any) map[string]bool {
	out := make(map[string]bool, len(vs))
	for _, v := range vs {
		out[canonicalKey(v)] = true
	}
	return out
}

func canonicalKey(v any) string {
	b, err := integrity.Canonicalize(v)
	if err != nil {
		return fmt.Sprintf("%T:%v", v, v)
	}
	return string(b)
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}
