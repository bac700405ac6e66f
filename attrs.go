package zarr

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/maps"
)

// metadataStore is the string key/value sidecar of an array. The whole
// document is read on first use and rewritten on every change.
type metadataStore struct {
	store Store
	key   string

	mu     sync.Mutex
	loaded bool
	attrs  map[string]string
}

func newMetadataStore(store Store, root Path) *metadataStore {
	return &metadataStore{store: store, key: root.Key(string(MTAttributes))}
}

func (s *metadataStore) load() error {
	if s.loaded {
		return nil
	}
	data, err := s.store.Get(s.key)
	switch {
	case errors.Is(err, ErrNotFound):
		s.attrs = map[string]string{}
	case err != nil:
		return storageError(err, "get", s.key)
	default:
		if s.attrs, err = decodeAttributes(data); err != nil {
			return err
		}
	}
	s.loaded = true
	return nil
}

func (s *metadataStore) flush() error {
	data, err := json.Marshal(Attributes{CustomMetadata: s.attrs})
	if err != nil {
		return errors.Wrap(err, "encoding .zattrs")
	}
	return storageError(s.store.Put(s.key, data), "put", s.key)
}

// Get returns the value stored under key.
func (s *metadataStore) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return "", err
	}
	v, ok := s.attrs[key]
	if !ok {
		return "", errors.Wrapf(ErrNotFound, "metadata key %q", key)
	}
	return v, nil
}

// GetInto copies the value into buf followed by a zero terminator and
// returns the value length.
func (s *metadataStore) GetInto(key string, buf []byte) (int, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	if len(buf) < len(v)+1 {
		return 0, bufferTooSmallf("metadata key %q: value needs %d bytes, buffer has %d", key, len(v)+1, len(buf))
	}
	n := copy(buf, v)
	buf[n] = 0
	return n, nil
}

// Set stores value under key and persists the document before returning.
// If the write fails the previous value is restored in memory.
func (s *metadataStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	prev, had := s.attrs[key]
	s.attrs[key] = value
	if err := s.flush(); err != nil {
		s.restore(key, prev, had)
		return err
	}
	return nil
}

// Delete removes key. Deleting a missing key returns ErrNotFound.
func (s *metadataStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	prev, had := s.attrs[key]
	if !had {
		return errors.Wrapf(ErrNotFound, "metadata key %q", key)
	}
	delete(s.attrs, key)
	if err := s.flush(); err != nil {
		s.restore(key, prev, had)
		return err
	}
	return nil
}

func (s *metadataStore) restore(key, prev string, had bool) {
	if had {
		s.attrs[key] = prev
	} else {
		delete(s.attrs, key)
	}
}

// Keys returns every key in lexicographic order.
func (s *metadataStore) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	keys := maps.Keys(s.attrs)
	slices.Sort(keys)
	return keys, nil
}

// reset drops the in-memory document; the next access reloads it.
func (s *metadataStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	s.attrs = nil
}
