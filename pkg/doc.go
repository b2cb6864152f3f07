// Package pkg provides the core libraries for forge, a dependency resolution
// and version pinning engine for agent, tool, workflow and template
// definitions.
//
// # Overview
//
// A definition is a versioned YAML document that may reference other
// definitions. Forge finds definitions in three kinds of tier, searched in
// order: the project directory (local), the user directory (global), and
// remote registries. The pkg directory is organized into four areas:
//
//  1. Model: [definition], [version], [integrity]
//  2. Storage and transport: [store], [registry], [cache]
//  3. Resolution: [resolver], [graph], [lockfile], [update]
//  4. Forks: [merge], [fork]
//
// [forge] wires all of them together from a [config.Config].
//
// # Architecture
//
// The typical data flow:
//
//	reference "tool:search@^0.3"
//	         ↓
//	    [resolver] (local → global → registries, first match wins)
//	         ↓
//	    [graph] (transitive references, cycle and conflict checks)
//	         ↓
//	    [lockfile] (exact version, source and sha256 per definition)
//
// Registry manifests and artifacts are cached by [cache] with per-entry TTLs
// and checksums; [registry] fetches them over HTTP(S) or from S3.
//
// # Quick Start
//
//	cfg, err := config.Load(config.Options{})
//	if err != nil {
//	    return err
//	}
//	client, err := forge.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	lf, changed, err := client.Lock(ctx)
//
// # Main Packages
//
// [definition] - The definition model: kinds, envelope fields, ordered
// declared fields, references and the YAML/JSON codec.
//
// [version] - Semantic versions and constraints (^, ~, ranges, "latest"),
// selection of the highest match, and change classification.
//
// [integrity] - Canonical encoding and sha256 hashes of definitions.
//
// [store] - Filesystem tier laid out as <kinds>/<name>/<version>/definition.yaml.
//
// [registry] - Registry manifests, HTTP and S3 transports, token auth, and an
// HTTP server that publishes a store as a registry.
//
// [cache] - TTL and checksum policy over file, memory, redis and null backends.
//
// [resolver] - The tiered resolver and the registry tier.
//
// [graph] - Concurrent dependency graph builder with DOT, SVG and JSON output.
//
// [lockfile] - Lockfile generation, TOML persistence and verification.
//
// [update] - Newer-version detection for pinned definitions.
//
// [merge] - Three-way merge of field trees and conflict strategies.
//
// [fork] - Fork records, upstream checks, merge, diff and rebase.
//
// [config] - Configuration from files, .env files and FORGE_* variables.
//
// # Testing
//
//	go test ./...                 # All tests
//	go test ./pkg/resolver/...    # Specific package
//	go test -run Property ./...   # Property-based tests only
//
// [definition]: https://pkg.go.dev/github.com/matzehuels/forge/pkg/definition
// [version]: https://pkg.go.dev/github.com/matzehuels/forge/pkg/version
// [integrity]: https://pkg.go.dev/github.com/matzehuels/forge/pkg/integrity
// [store]: https://pkg.go.dev/github.com/matzehuels/forge/pkg/store
// [registry]: https://pkg.go.dev/github.com/matzehuels/forge/pkg/registry
// [cache]: https://pkg.go.dev/github.com/matzehuels/forge/pkg/cache
// [resolver]: https://pkg.go.dev/github.com/matzehuels/forge/pkg/resolver
// [graph]: https://pkg.go.dev/github.com/matzehuels/forge/pkg/graph
// [lockfile]: https://pkg.go.dev/github.com/matzehuels/forge/pkg/lockfile
// [update]: https://pkg.go.dev/github.com/matzehuels/forge/pkg/update
// [merge]: https://pkg.go.dev/github.com/matzehuels/forge/pkg/merge
// [fork]: https://pkg.go.dev/github.com/matzehuels/forge/pkg/fork
// [config]: https://pkg.go.dev/github.com/matzehuels/forge/pkg/config
// [config.Config]: https://pkg.go.dev/github.com/matzehuels/forge/pkg/config#Config
// [forge]: https://pkg.go.dev/github.com/matzehuels/forge/pkg/forge
package pkg
