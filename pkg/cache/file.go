package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/matzehuels/forge/pkg/errors"
)

// FileBackend stores each entry as a JSON file. Files are sharded into
// subdirectories by the first two hex characters of the key's SHA-256.
type FileBackend struct {
	dir string
}

// NewFileBackend creates a file backend rooted at dir, creating it if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeCache, err, "create cache directory %s", dir)
	}
	return &FileBackend{dir: dir}, nil
}

// Dir returns the cache directory.
func (b *FileBackend) Dir() string { return b.dir }

// Load reads the entry file for key.
func (b *FileBackend) Load(ctx context.Context, key string) (*Entry, error) {
	return b.read(b.path(key), key)
}

func (b *FileBackend) read(path, key string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrap(errors.ErrCodeCacheCorrupt, err, "decode %s", path)
	}
	if key != "" && e.Key != key {
		return nil, errors.New(errors.ErrCodeCacheCorrupt, "entry at %s belongs to %q", path, e.Key)
	}
	return &e, nil
}

// Save writes the entry to a temporary file and renames it into place, so
// readers in other processes never see a partial file.
func (b *FileBackend) Save(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	path := b.path(e.Key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Delete removes the entry file for key.
func (b *FileBackend) Delete(ctx context.Context, key string) error {
	err := os.Remove(b.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Keys walks the cache directory. Files that cannot be decoded are removed,
// since their key is unknown and they could never be cleared otherwise.
func (b *FileBackend) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(b.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		e, err := b.read(path, "")
		if errors.Is(err, errors.ErrCodeCacheCorrupt) {
			_ = os.Remove(path)
			return nil
		}
		if err != nil || e == nil {
			return err
		}
		keys = append(keys, e.Key)
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return keys, err
}

// Close does nothing for the file backend.
func (b *FileBackend) Close() error {
	return nil
}

// path converts a key to its entry file.
func (b *FileBackend) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	hash := hex.EncodeToString(sum[:])
	return filepath.Join(b.dir, hash[:2], hash[2:]+".json")
}

var _ Backend = (*FileBackend)(nil)
