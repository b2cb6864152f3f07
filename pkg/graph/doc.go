// Package graph builds the dependency graph of a definition and orders it.
//
// # Building
//
// [Builder.Build] resolves a root definition and walks its references depth
// first. The references of one node that are not yet known are resolved
// concurrently; everything else (the node arena, the resolved set and the
// stack used for cycle detection) is only touched by the traversal itself.
//
//	b := graph.NewBuilder(res, graph.Options{Concurrency: 8})
//	g, err := b.Build(ctx, definition.KindAgent, "writer", "^1.0.0")
//
// A name referenced by several parents resolves once. When a later parent
// asks for a version the first resolution does not satisfy, the build fails
// with CONSTRAINT_UNSATISFIABLE. A reference back to a definition that is
// still being traversed fails with a [*CycleError] whose path runs from the
// cycle's entry point around to itself:
//
//	CYCLE_DETECTED: dependency cycle: agent/a -> agent/b -> agent/a
//
// # Ordering
//
// [Graph.Order] is a topological order with dependencies before dependents,
// computed with Kahn's algorithm. Nodes that become ready together leave in
// the order they were discovered, so repeated builds over unchanged input
// produce the same order.
//
// # Output
//
//   - [Graph.WriteJSON]: node-link JSON with the order
//   - [ToDOT]: Graphviz DOT source
//   - [RenderSVG]: SVG rendered through Graphviz
//
// Graphs are immutable once built and safe for concurrent reads.
package graph
