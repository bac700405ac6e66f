package zarr

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
)

const (
	MemoryStoreType = "MemoryStore"
	LocalStoreType  = "LocalStore"
	dirPermBits     = 0755
	filePermBits    = 0644
)

// Store is the backing key/value byte store. Keys are slash separated
// paths. Get returns an error marked ErrNotFound for missing keys, Put is an
// atomic replace of the whole object and Delete of a missing key succeeds.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, val []byte) error
	Delete(key string) error
	Type() string
}

type MemoryStore struct {
	lk   sync.Mutex
	data map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: map[string][]byte{},
	}
}

func (s *MemoryStore) Type() string { return MemoryStoreType }

func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	d, ok := s.data[key]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "key %q", key)
	}
	return append([]byte(nil), d...), nil
}

func (s *MemoryStore) Put(key string, val []byte) error {
	d := append([]byte(nil), val...)
	s.lk.Lock()
	defer s.lk.Unlock()
	s.data[key] = d
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	delete(s.data, key)
	return nil
}

// Len returns the number of objects held.
func (s *MemoryStore) Len() int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return len(s.data)
}

type LocalStore struct {
	base string
	// NoSync skips fsync before rename. Only for tests and scratch data.
	NoSync bool
}

var _ Store = (*LocalStore)(nil)

func NewLocalStore(base string) (*LocalStore, error) {
	base, err := filepath.Abs(base)
	if err != nil {
		return nil, errors.Wrap(err, "resolving store base")
	}
	if err := os.MkdirAll(base, dirPermBits); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "creating store base %q", base), ErrStorageFailure)
	}

	return &LocalStore{
		base: base,
	}, nil
}

func (s *LocalStore) Type() string { return LocalStoreType }

// Base returns the absolute directory the store is rooted at.
func (s *LocalStore) Base() string { return s.base }

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.base, filepath.FromSlash(key))
}

func (s *LocalStore) Get(key string) ([]byte, error) {
	d, err := os.ReadFile(s.path(key))
	if err != nil {
		if oserror.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "key %q", key)
		}
		return nil, err
	}
	return d, nil
}

// Put writes val to a temp file in the destination directory and renames it
// over the target, so readers see either the old or the new object.
func (s *LocalStore) Put(key string, val []byte) error {
	path := s.path(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPermBits); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(filePermBits); err != nil {
		return err
	}
	if _, err := tmp.Write(val); err != nil {
		return err
	}
	if !s.NoSync {
		if err := tmp.Sync(); err != nil {
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	success = true
	return nil
}

func (s *LocalStore) Delete(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !oserror.IsNotExist(err) {
		return err
	}
	return nil
}

// Path is a normalized logical path inside a store.
type Path []string

// NewPath normalizes a posix-like path: backslashes become slashes, leading
// and trailing slashes are stripped and runs of slashes collapse. "." and
// ".." segments are rejected.
func NewPath(posix string) (Path, error) {
	posix = strings.ReplaceAll(posix, "\\", "/")
	var p Path
	for _, seg := range strings.Split(posix, "/") {
		switch seg {
		case "":
			continue
		case ".", "..":
			return nil, invalidConfigf("invalid path segment %q in %q", seg, posix)
		}
		p = append(p, seg)
	}
	return p, nil
}

func (p Path) String() string {
	return strings.Join(p, "/")
}

// Join returns a new path; p is never modified.
func (p Path) Join(elems ...string) Path {
	out := make(Path, 0, len(p)+len(elems))
	out = append(out, p...)
	return append(out, elems...)
}

// Key returns the store key for the path joined with elems.
func (p Path) Key(elems ...string) string {
	return p.Join(elems...).String()
}
