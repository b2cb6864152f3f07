package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/matzehuels/forge/pkg/resolver"
)

// Node is one resolved definition in a [Graph].
type Node struct {
	Index    int                // discovery index; the root is 0
	Resolved *resolver.Resolved // never nil
	Deps     []int              // direct dependencies, in reference order
}

// ID returns the node's kind/name.
func (n *Node) ID() string { return n.Resolved.ID() }

// Version returns the resolved version.
func (n *Node) Version() string { return n.Resolved.Version() }

// Edge points from a dependent to one of its dependencies.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is an immutable dependency graph. Nodes live in an arena addressed
// by discovery index.
type Graph struct {
	nodes []*Node
	index map[string]int
	order []int
}

// Root returns the node the graph was built from.
func (g *Graph) Root() *Node { return g.nodes[0] }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the node with the given kind/name.
func (g *Graph) Node(id string) (*Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.nodes[i], true
}

// Nodes returns every node in discovery order.
func (g *Graph) Nodes() []*Node { return slices.Clone(g.nodes) }

// Order returns every node with dependencies before dependents.
func (g *Graph) Order() []*Node {
	out := make([]*Node, len(g.order))
	for i, idx := range g.order {
		out[i] = g.nodes[idx]
	}
	return out
}

// Dependencies returns the direct dependencies of n.
func (g *Graph) Dependencies(n *Node) []*Node {
	out := make([]*Node, len(n.Deps))
	for i, d := range n.Deps {
		out[i] = g.nodes[d]
	}
	return out
}

// Transitive returns every node reachable from n, excluding n, in
// topological order.
func (g *Graph) Transitive(n *Node) []*Node {
	seen := make([]bool, len(g.nodes))
	stack := slices.Clone(n.Deps)
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[i] {
			continue
		}
		seen[i] = true
		stack = append(stack, g.nodes[i].Deps...)
	}

	var out []*Node
	for _, i := range g.order {
		if seen[i] && i != n.Index {
			out = append(out, g.nodes[i])
		}
	}
	return out
}

// Edges returns every edge, grouped by dependent in discovery order.
func (g *Graph) Edges() []Edge {
	var out []Edge
	for _, n := range g.nodes {
		for _, d := range n.Deps {
			out = append(out, Edge{From: n.ID(), To: g.nodes[d].ID()})
		}
	}
	return out
}

// =============================================================================
// Serialization
// =============================================================================

// Document is the node-link JSON form of a graph.
type Document struct {
	Root  string    `json:"root"`
	Nodes []DocNode `json:"nodes"`
	Edges []Edge    `json:"edges"`
	Order []string  `json:"order"`
}

// DocNode is one node in a [Document].
type DocNode struct {
	ID        string `json:"id"`
	Version   string `json:"version"`
	Source    string `json:"source"`
	Integrity string `json:"integrity"`
}

// Export converts the graph to its serialization form. Nodes appear in
// discovery order.
func (g *Graph) Export() Document {
	doc := Document{
		Root:  g.Root().ID(),
		Nodes: make([]DocNode, len(g.nodes)),
		Edges: g.Edges(),
		Order: make([]string, len(g.order)),
	}
	if doc.Edges == nil {
		doc.Edges = []Edge{}
	}
	for i, n := range g.nodes {
		doc.Nodes[i] = DocNode{
			ID:        n.ID(),
			Version:   n.Version(),
			Source:    n.Resolved.Source,
			Integrity: n.Resolved.Integrity,
		}
	}
	for i, idx := range g.order {
		doc.Order[i] = g.nodes[idx].ID()
	}
	return doc
}

// MarshalGraph converts a graph to indented JSON bytes.
func MarshalGraph(g *Graph) ([]byte, error) {
	var buf bytes.Buffer
	if err := g.WriteJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteJSON writes the graph as indented JSON.
func (g *Graph) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(g.Export()); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}
