package graph

import "slices"

// topoSort orders nodes with dependencies first using Kahn's algorithm over
// out-degrees. The ready set is kept sorted by discovery index.
func topoSort(nodes []*Node) []int {
	pending := make([]int, len(nodes)) // unemitted dependencies per node
	dependents := make([][]int, len(nodes))
	for _, n := range nodes {
		pending[n.Index] = len(n.Deps)
		for _, d := range n.Deps {
			dependents[d] = append(dependents[d], n.Index)
		}
	}

	var ready []int
	for i, p := range pending {
		if p == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]int, 0, len(nodes))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		order = append(order, i)
		for _, d := range dependents[i] {
			if pending[d]--; pending[d] == 0 {
				pos, _ := slices.BinarySearch(ready, d)
				ready = slices.Insert(ready, pos, d)
			}
		}
	}
	return order
}
