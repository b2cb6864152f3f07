package cache

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Keyer generates cache keys. Keys start with their type ("manifest",
// "artifact") and contain no slashes, so globs like "artifact:*" select a
// whole type in [Store.Clear].
type Keyer interface {
	// ManifestKey is the key of a registry's manifest.
	ManifestKey(registry string) string

	// ArtifactKey is the key of one fetched definition version.
	ArtifactKey(registry, kind, name, version string) string
}

// DefaultKeyer builds unscoped keys.
type DefaultKeyer struct{}

// NewDefaultKeyer returns the default keyer.
func NewDefaultKeyer() Keyer { return DefaultKeyer{} }

// ManifestKey returns "manifest:<registry>".
func (DefaultKeyer) ManifestKey(registry string) string {
	return "manifest:" + registry
}

// ArtifactKey returns "artifact:<registry>:<kind>:<name>:<version>".
func (DefaultKeyer) ArtifactKey(registry, kind, name, version string) string {
	return strings.Join([]string{"artifact", registry, kind, name, version}, ":")
}

// ScopedKeyer qualifies the registry segment of every key with a scope.
//
// Resolvers scope keys by registry URL so that a registry renamed in
// configuration, or a name pointed at a different URL, never reads entries
// written for another registry:
//
//	keyer := cache.NewScopedKeyer(nil, cache.RegistryScope("https://registry.example.com"))
//	keyer.ManifestKey("main") // "manifest:main@3f2a9c0d1b7e4a55"
type ScopedKeyer struct {
	inner Keyer
	scope string
}

// NewScopedKeyer wraps inner (nil means [DefaultKeyer]) with scope.
func NewScopedKeyer(inner Keyer, scope string) Keyer {
	if inner == nil {
		inner = NewDefaultKeyer()
	}
	return &ScopedKeyer{inner: inner, scope: scope}
}

// ManifestKey returns the inner manifest key for the scoped registry.
func (k *ScopedKeyer) ManifestKey(registry string) string {
	return k.inner.ManifestKey(k.qualify(registry))
}

// ArtifactKey returns the inner artifact key for the scoped registry.
func (k *ScopedKeyer) ArtifactKey(registry, kind, name, version string) string {
	return k.inner.ArtifactKey(k.qualify(registry), kind, name, version)
}

func (k *ScopedKeyer) qualify(registry string) string {
	if k.scope == "" {
		return registry
	}
	return registry + "@" + k.scope
}

// RegistryScope derives a short stable scope from a registry URL.
// Trailing slashes and letter case of the URL do not change the scope.
func RegistryScope(url string) string {
	norm := strings.ToLower(strings.TrimRight(strings.TrimSpace(url), "/"))
	return strconv.FormatUint(xxhash.Sum64String(norm), 16)
}
