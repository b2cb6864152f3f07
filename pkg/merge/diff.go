package merge

import (
	"maps"
	"slices"
)

// Op is the kind of a [Change].
type Op string

const (
	OpAdded   Op = "added"
	OpRemoved Op = "removed"
	OpChanged Op = "changed"
)

// Change is one differing path between two trees.
type Change struct {
	Path string `json:"path"`
	Op   Op     `json:"op"`
	Old  any    `json:"old,omitempty"`
	New  any    `json:"new,omitempty"`
}

// Diff lists the paths where b differs from a, in path order. Objects are
// compared key by key; arrays and scalars are compared whole.
func Diff(a, b map[string]any) []Change {
	var out []Change
	diffObjects(nil, orEmpty(a), orEmpty(b), &out)
	return out
}

func diffObjects(path []any, a, b map[string]any, out *[]Change) {
	keys := slices.Sorted(maps.Keys(a))
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	for _, k := range keys {
		p := appendPath(path, k)
		av, inA := a[k]
		bv, inB := b[k]
		switch {
		case !inA:
			*out = append(*out, Change{Path: FormatPath(p), Op: OpAdded, New: deepCopy(bv)})
		case !inB:
			*out = append(*out, Change{Path: FormatPath(p), Op: OpRemoved, Old: deepCopy(av)})
		default:
			am, aok := av.(map[string]any)
			bm, bok := bv.(map[string]any)
			if aok && bok {
				diffObjects(p, am, bm, out)
				continue
			}
			if !lookup(a, k).equal(lookup(b, k)) {
				*out = append(*out, Change{Path: FormatPath(p), Op: OpChanged, Old: deepCopy(av), New: deepCopy(bv)})
			}
		}
	}
}
