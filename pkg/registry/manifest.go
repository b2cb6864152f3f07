package registry

import (
	"bytes"
	"encoding/json"
	"slices"
	"time"

	"github.com/matzehuels/forge/pkg/definition"
	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/integrity"
	"github.com/matzehuels/forge/pkg/version"
)

// ManifestPath is the manifest object relative to a registry root.
const ManifestPath = "manifest.json"

// Manifest lists every definition a registry serves.
type Manifest struct {
	Registry    string          `json:"registry,omitempty"`
	GeneratedAt time.Time       `json:"generated_at"`
	Definitions []ManifestEntry `json:"definitions"`
}

// ManifestEntry is one kind/name and its published versions.
type ManifestEntry struct {
	Kind     definition.Kind   `json:"kind"`
	Name     string            `json:"name"`
	Versions []ManifestVersion `json:"versions"`
}

// ManifestVersion pins the integrity hash of one published version.
type ManifestVersion struct {
	Version   string `json:"version"`
	Integrity string `json:"integrity"`
}

// ParseManifest decodes and validates a manifest. Entries with invalid
// names or kinds are rejected; versions that are not semantic versions
// are dropped.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&m); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidInput, err, "invalid registry manifest")
	}
	for i := range m.Definitions {
		e := &m.Definitions[i]
		kind, err := definition.ParseKind(string(e.Kind))
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidInput, err, "manifest entry %q", e.Name)
		}
		e.Kind = kind
		if err := errors.ValidateName(e.Name); err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidInput, err, "manifest entry")
		}
		e.Versions = slices.DeleteFunc(e.Versions, func(v ManifestVersion) bool {
			return !version.Valid(v.Version)
		})
		for _, v := range e.Versions {
			if !validHash(v.Integrity) {
				return nil, errors.New(errors.ErrCodeInvalidInput, "manifest entry %s@%s has malformed integrity %q",
					definition.ID(kind, e.Name), v.Version, v.Integrity)
			}
		}
	}
	return &m, nil
}

// Encode renders the manifest as indented JSON.
func (m *Manifest) Encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Lookup returns the entry for kind/name, or nil.
func (m *Manifest) Lookup(kind definition.Kind, name string) *ManifestEntry {
	for i := range m.Definitions {
		if e := &m.Definitions[i]; e.Kind == kind && e.Name == name {
			return e
		}
	}
	return nil
}

// Versions returns the published versions of kind/name.
func (m *Manifest) Versions(kind definition.Kind, name string) []string {
	e := m.Lookup(kind, name)
	if e == nil {
		return nil
	}
	out := make([]string, len(e.Versions))
	for i, v := range e.Versions {
		out[i] = v.Version
	}
	return version.Sort(out)
}

// Integrity returns the published hash of one version.
func (m *Manifest) Integrity(kind definition.Kind, name, ver string) (string, bool) {
	e := m.Lookup(kind, name)
	if e == nil {
		return "", false
	}
	for _, v := range e.Versions {
		if v.Version == ver {
			return v.Integrity, true
		}
	}
	return "", false
}

// Names lists the names of kind, sorted.
func (m *Manifest) Names(kind definition.Kind) []string {
	var names []string
	for _, e := range m.Definitions {
		if e.Kind == kind {
			names = append(names, e.Name)
		}
	}
	slices.Sort(names)
	return slices.Compact(names)
}

func validHash(h string) bool {
	if len(h) != len(integrity.Prefix)+64 || h[:len(integrity.Prefix)] != integrity.Prefix {
		return false
	}
	for _, c := range h[len(integrity.Prefix):] {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}
