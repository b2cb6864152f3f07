// Package definition models the named, versioned records forge manages.
//
// A [Definition] has a fixed envelope (name, kind, version, references) and an
// ordered bag of arbitrary declared fields ([Fields]) that the resolution
// engine never interprets. The same record can be read from YAML files in a
// local or global store ([Parse], [Load]) or from the flat JSON documents
// served by registries ([Definition.UnmarshalJSON]).
//
// # Field Tree
//
// Hashing, merging and diffing operate on the field tree returned by
// [Definition.ToMap]: the envelope keys plus every declared field, with
// references rendered in their textual form:
//
//	name: writer
//	kind: agent
//	version: 1.2.0
//	references:
//	  - tool:web-search@^1.0.0
//	  - editor@~2.1
//	model: claude
//	config:
//	  temperature: 0.2
//
// [FromMap] is the inverse.
//
// # References
//
// A reference is written "[kind:]name[@constraint]". The kind defaults to the
// kind of the referencing definition and the constraint defaults to "latest".
package definition
