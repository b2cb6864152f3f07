// Package lockfile pins resolved definitions for reproducible installs.
//
// A lockfile is a TOML document with one table per pinned definition, keyed
// by kind/name:
//
//	version = 1
//	generated_at = 2024-05-01T12:00:00Z
//
//	[entries."agent/writer"]
//	name = "writer"
//	kind = "agent"
//	version = "1.2.0"
//	source = "local"
//	integrity = "sha256:..."
//
//	[entries."agent/writer".dependencies]
//	"tool/search" = "0.3.1"
//
// Every integrity hash must recompute identically from the definition it
// pins. [Manager.Validate] re-resolves each entry from its recorded source and
// reports every disagreement; nothing is repaired automatically.
package lockfile

import (
	"bytes"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/matzehuels/forge/pkg/definition"
	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/fsutil"
	"github.com/matzehuels/forge/pkg/integrity"
	"github.com/matzehuels/forge/pkg/version"
)

// FileName is the default lockfile name.
const FileName = "forge.lock"

// FormatVersion is the only lockfile format this package reads and writes.
const FormatVersion = 1

// Lockfile is a versioned set of pinned definitions.
type Lockfile struct {
	Version     int              `toml:"version" json:"version"`
	GeneratedAt time.Time        `toml:"generated_at" json:"generated_at"`
	Entries     map[string]Entry `toml:"entries" json:"entries"`
}

// Entry pins one definition. Dependencies maps the kind/name of every
// transitive dependency to its pinned version.
type Entry struct {
	Name         string            `toml:"name" json:"name"`
	Kind         definition.Kind   `toml:"kind" json:"kind"`
	Version      string            `toml:"version" json:"version"`
	Source       string            `toml:"source" json:"source"`
	Integrity    string            `toml:"integrity" json:"integrity"`
	Dependencies map[string]string `toml:"dependencies,omitempty" json:"dependencies,omitempty"`
}

// ID returns the entry's kind/name.
func (e Entry) ID() string { return definition.ID(e.Kind, e.Name) }

// equal compares two entries field by field.
func (e Entry) equal(o Entry) bool {
	return e.Name == o.Name && e.Kind == o.Kind && e.Version == o.Version &&
		e.Source == o.Source && e.Integrity == o.Integrity &&
		maps.Equal(e.Dependencies, o.Dependencies)
}

// New returns an empty lockfile stamped with now.
func New(now time.Time) *Lockfile {
	return &Lockfile{
		Version:     FormatVersion,
		GeneratedAt: now.UTC().Truncate(time.Second),
		Entries:     map[string]Entry{},
	}
}

// Keys returns the entry keys in sorted order.
func (lf *Lockfile) Keys() []string {
	return slices.Sorted(maps.Keys(lf.Entries))
}

// Get returns the entry for kind/name.
func (lf *Lockfile) Get(kind definition.Kind, name string) (Entry, bool) {
	e, ok := lf.Entries[definition.ID(kind, name)]
	return e, ok
}

// SameEntries reports whether both lockfiles pin exactly the same entries.
func (lf *Lockfile) SameEntries(other *Lockfile) bool {
	if other == nil {
		return false
	}
	return maps.EqualFunc(lf.Entries, other.Entries, Entry.equal)
}

// Validate checks the lockfile's structure: format version, entry keys,
// versions and hash format. It does not re-resolve anything.
func (lf *Lockfile) Validate() error {
	if lf.Version != FormatVersion {
		return errors.New(errors.ErrCodeInvalidLockfile,
			"unsupported lockfile version %d (supported: %d)", lf.Version, FormatVersion)
	}
	for _, key := range lf.Keys() {
		e := lf.Entries[key]
		if _, err := definition.ParseKind(string(e.Kind)); err != nil {
			return errors.Wrap(errors.ErrCodeInvalidLockfile, err, "entry %q", key)
		}
		if err := errors.ValidateName(e.Name); err != nil {
			return errors.Wrap(errors.ErrCodeInvalidLockfile, err, "entry %q", key)
		}
		if e.ID() != key {
			return errors.New(errors.ErrCodeInvalidLockfile, "entry %q describes %s", key, e.ID())
		}
		if !version.Valid(e.Version) {
			return errors.New(errors.ErrCodeInvalidLockfile, "entry %q has invalid version %q", key, e.Version)
		}
		if e.Source == "" {
			return errors.New(errors.ErrCodeInvalidLockfile, "entry %q has no source", key)
		}
		if !strings.HasPrefix(e.Integrity, integrity.Prefix) {
			return errors.New(errors.ErrCodeInvalidLockfile, "entry %q has malformed integrity %q", key, e.Integrity)
		}
	}
	return nil
}

// Encode returns the TOML form. Keys are written in sorted order, so equal
// lockfiles encode to identical bytes.
func (lf *Lockfile) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.Indent = ""
	if err := enc.Encode(lf); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "encode lockfile")
	}
	return buf.Bytes(), nil
}

// Decode parses and validates a lockfile.
func Decode(data []byte) (*Lockfile, error) {
	var lf Lockfile
	md, err := toml.Decode(string(data), &lf)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidLockfile, err, "parse lockfile")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.New(errors.ErrCodeInvalidLockfile, "unknown lockfile key %q", undecoded[0].String())
	}
	if lf.Entries == nil {
		lf.Entries = map[string]Entry{}
	}
	if err := lf.Validate(); err != nil {
		return nil, err
	}
	return &lf, nil
}

// Load reads the lockfile at path. A missing file is NOT_FOUND.
func Load(path string) (*Lockfile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.New(errors.ErrCodeNotFound, "lockfile %s does not exist", path).WithDetail("path", path)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidPath, err, "read lockfile %s", path)
	}
	lf, err := Decode(data)
	if err != nil {
		return nil, errors.Wrap(errors.GetCode(err), err, "load %s", path)
	}
	return lf, nil
}

// Save validates lf and replaces the file at path atomically.
func Save(lf *Lockfile, path string) error {
	if err := lf.Validate(); err != nil {
		return err
	}
	data, err := lf.Encode()
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidPath, err, "save lockfile %s", path)
	}
	return nil
}
