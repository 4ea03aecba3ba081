// Package objectstore implements the content-addressed blob store backing
// each index scope. Blobs live at objects/<digest[:2]>/<digest> under the
// scope root; the two-level prefix keeps directory fan-out bounded.
package objectstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/orket/orket/pkg/canonical"
	"github.com/orket/orket/pkg/fsatomic"
)

var (
	// ErrInvalidDigest flags a digest that is not 64 lowercase hex chars.
	ErrInvalidDigest = errors.New("invalid object digest")
	// ErrNotFound is returned by GetJSON for absent objects.
	ErrNotFound = errors.New("object not found")
)

// Store is a content-addressed object store scoped to one directory tree
// (a staging turn scope or the committed scope).
type Store struct {
	scopeRoot string
}

// New returns a store rooted at scopeRoot. Directories are created lazily on
// first put.
func New(scopeRoot string) *Store {
	return &Store{scopeRoot: scopeRoot}
}

// ObjectsDir returns the directory holding the fan-out tree. Promotion
// merges one scope's tree into another by copying this directory.
func (s *Store) ObjectsDir() string {
	return filepath.Join(s.scopeRoot, "objects")
}

func (s *Store) objectPath(digest string) string {
	return filepath.Join(s.ObjectsDir(), digest[:2], digest)
}

// Put writes data under its digest via temp file plus rename. A pre-existing
// object with the same digest is a successful put: content addressing means
// the bytes already there are the bytes being written, short of a sha256
// collision.
func (s *Store) Put(digest string, data []byte) error {
	if !validDigest(digest) {
		return fmt.Errorf("%w: %q", ErrInvalidDigest, digest)
	}
	path := s.objectPath(digest)
	if fsatomic.Exists(path) {
		return nil
	}
	return fsatomic.WriteFile(path, data)
}

// Get returns the object's bytes. An absent object is not a fault: it
// returns (nil, nil) so callers can treat absence as a visibility outcome.
func (s *Store) Get(digest string) ([]byte, error) {
	if !validDigest(digest) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDigest, digest)
	}
	data, err := os.ReadFile(s.objectPath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read object %s: %w", digest, err)
	}
	return data, nil
}

// Has reports whether the object is present.
func (s *Store) Has(digest string) bool {
	if !validDigest(digest) {
		return false
	}
	return fsatomic.Exists(s.objectPath(digest))
}

// PutCanonical digests v (non-semantic keys stripped), stores the canonical
// bytes, and returns the digest. The stored bytes always hash to their own
// name.
func (s *Store) PutCanonical(v any) (string, error) {
	data, err := canonical.DigestBytes(v)
	if err != nil {
		return "", err
	}
	digest := canonical.StructuralDigest(data)
	if err := s.Put(digest, data); err != nil {
		return "", err
	}
	return digest, nil
}

// GetJSON fetches and decodes an object. Unlike Get, absence here is an
// error: callers asking for JSON expect the referenced record to exist.
func (s *Store) GetJSON(digest string) (any, error) {
	data, err := s.Get(digest)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	v, err := canonical.DecodeJSON(data)
	if err != nil {
		return nil, fmt.Errorf("decode object %s: %w", digest, err)
	}
	return v, nil
}

func validDigest(d string) bool {
	if len(d) != 64 {
		return false
	}
	for i := 0; i < len(d); i++ {
		c := d[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
