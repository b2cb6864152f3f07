// Package store reads and writes definitions in a filesystem tier.
//
// A tier directory uses one directory per kind, name and version:
//
//	<root>/agents/<name>/<version>/definition.yaml
//	<root>/tools/<name>/<version>/definition.yaml
//	<root>/workflows/<name>/<version>/definition.yaml
//	<root>/templates/<name>/<version>/definition.yaml
//
// The project-local tier (./.forge) and the machine-global tier (~/.forge)
// are both a [Store]. Parsed files are memoized in an LRU keyed by path,
// modification time and size, so repeated resolution does not re-parse
// unchanged files.
package store

import (
	"context"
	"os"
	"path/filepath"
	"slices"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/matzehuels/forge/pkg/definition"
	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/fsutil"
	"github.com/matzehuels/forge/pkg/version"
)

// FileName is the definition file inside each version directory.
const FileName = "definition.yaml"

const memoSize = 512

type memoKey struct {
	path  string
	mtime int64
	size  int64
}

// Store is a filesystem tier.
type Store struct {
	name   string
	root   string
	memo   *lru.Cache[memoKey, *definition.Definition]
	logger *log.Logger
}

// New creates a store named name (e.g. "local") rooted at root. The root does
// not need to exist; a missing root is an empty tier.
func New(name, root string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	memo, err := lru.New[memoKey, *definition.Definition](memoSize)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "create parse cache")
	}
	return &Store{name: name, root: root, memo: memo, logger: logger}, nil
}

// Name returns the tier name.
func (s *Store) Name() string { return s.name }

// Root returns the tier directory.
func (s *Store) Root() string { return s.root }

// Path returns the definition file path for one version.
func (s *Store) Path(kind definition.Kind, name, ver string) string {
	return filepath.Join(s.root, kind.Plural(), name, ver, FileName)
}

// Versions lists the valid semantic versions of kind/name in ascending
// order. Directories without a definition file or with a non-semver name
// are skipped. An unknown name yields no versions and no error.
func (s *Store) Versions(ctx context.Context, kind definition.Kind, name string) ([]string, error) {
	if err := errors.ValidateName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, kind.Plural(), name)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "read %s", dir)
	}

	var versions []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if !version.Valid(e.Name()) {
			s.logger.Debug("skipping non-semver directory", "tier", s.name, "path", filepath.Join(dir, e.Name()))
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, e.Name(), FileName)); err != nil {
			continue
		}
		versions = append(versions, e.Name())
	}
	return version.Sort(versions), nil
}

// Names lists every name of kind that has at least one directory, sorted.
func (s *Store) Names(ctx context.Context, kind definition.Kind) ([]string, error) {
	dir := filepath.Join(s.root, kind.Plural())
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "read %s", dir)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() && errors.ValidateName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

// Load parses one version. The returned definition is a private copy.
// Missing kind and version in the file are taken from the directory layout;
// a name or version that contradicts the layout is an invalid definition.
func (s *Store) Load(ctx context.Context, kind definition.Kind, name, ver string) (*definition.Definition, error) {
	if err := errors.ValidateName(name); err != nil {
		return nil, err
	}
	if !version.Valid(ver) {
		return nil, errors.New(errors.ErrCodeInvalidInput, "invalid version %q", ver)
	}
	path := s.Path(kind, name, ver)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, errors.New(errors.ErrCodeNotFound, "%s/%s@%s not found in %s tier", kind, name, ver, s.name).
			WithDetail("path", path)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "stat %s", path)
	}

	key := memoKey{path: path, mtime: info.ModTime().UnixNano(), size: info.Size()}
	if d, ok := s.memo.Get(key); ok {
		return d.Clone(), nil
	}

	d, err := definition.Load(path)
	if err != nil {
		return nil, err
	}
	if err := s.reconcile(d, kind, name, ver, path); err != nil {
		return nil, err
	}
	s.memo.Add(key, d)
	return d.Clone(), nil
}

func (s *Store) reconcile(d *definition.Definition, kind definition.Kind, name, ver, path string) error {
	if d.Kind == "" {
		d.SetKind(kind)
	}
	if d.Name == "" {
		d.Name = name
	}
	if d.Version == "" {
		d.Version = ver
	}
	switch {
	case d.Kind != kind:
		return errors.New(errors.ErrCodeInvalidDefinition, "%s declares kind %q, expected %q", path, d.Kind, kind)
	case d.Name != name:
		return errors.New(errors.ErrCodeInvalidDefinition, "%s declares name %q, expected %q", path, d.Name, name)
	case version.Compare(d.Version, ver) != 0:
		return errors.New(errors.ErrCodeInvalidDefinition, "%s declares version %q, expected %q", path, d.Version, ver)
	}
	d.Version = ver
	if err := d.Validate(); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidDefinition, err, "invalid definition %s", path)
	}
	return nil
}

// Write stores d under its kind, name and version and returns the file path.
func (s *Store) Write(ctx context.Context, d *definition.Definition) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	data, err := definition.Marshal(d)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeInternal, err, "encode %s", d)
	}
	path := s.Path(d.Kind, d.Name, d.Version)
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return "", errors.Wrap(errors.ErrCodeInternal, err, "write %s", d)
	}
	s.logger.Debug("wrote definition", "tier", s.name, "path", path)
	return path, nil
}

// Remove deletes one version of kind/name, and the name directory when no
// other version is left. Removing a missing version is not an error.
func (s *Store) Remove(ctx context.Context, kind definition.Kind, name, ver string) error {
	if err := errors.ValidateName(name); err != nil {
		return err
	}
	dir := filepath.Dir(s.Path(kind, name, ver))
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "remove %s@%s", definition.ID(kind, name), ver)
	}
	// Fails while other versions remain.
	_ = os.Remove(filepath.Dir(dir))
	s.logger.Debug("removed definition", "tier", s.name, "path", dir)
	return nil
}

// Exists reports whether kind/name has any version in this tier.
func (s *Store) Exists(ctx context.Context, kind definition.Kind, name string) (bool, error) {
	versions, err := s.Versions(ctx, kind, name)
	return len(versions) > 0, err
}
