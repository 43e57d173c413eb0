package model

import (
	"fmt"
	"sort"
	"strings"
)

// DocumentKey identifies a single document by its slash-separated resource
// path, e.g. "rooms/eros/messages/1". A valid key always has an even number
// of segments: alternating collection IDs and document IDs.
type DocumentKey struct {
	path string
}

// NewDocumentKey parses a path into a DocumentKey.
func NewDocumentKey(path string) (DocumentKey, error) {
	segments := strings.Split(path, "/")
	if len(segments)%2 != 0 {
		return DocumentKey{}, fmt.Errorf("document key %q must have an even number of segments", path)
	}
	for _, s := range segments {
		if s == "" {
			return DocumentKey{}, fmt.Errorf("document key %q contains an empty segment", path)
		}
	}
	return DocumentKey{path: path}, nil
}

// MustKey is NewDocumentKey for keys known to be valid, typically literals.
func MustKey(path string) DocumentKey {
	key, err := NewDocumentKey(path)
	if err != nil {
		panic(err)
	}
	return key
}

// IsZero reports whether the key is the zero value.
func (k DocumentKey) IsZero() bool {
	return k.path == ""
}

// Segments returns the path segments of the key.
func (k DocumentKey) Segments() []string {
	if k.path == "" {
		return nil
	}
	return strings.Split(k.path, "/")
}

// ID returns the document ID (the last path segment).
func (k DocumentKey) ID() string {
	segments := k.Segments()
	if len(segments) == 0 {
		return ""
	}
	return segments[len(segments)-1]
}

// CollectionPath returns the path of the collection containing the document.
func (k DocumentKey) CollectionPath() string {
	i := strings.LastIndex(k.path, "/")
	if i < 0 {
		return ""
	}
	return k.path[:i]
}

// CollectionGroup returns the ID of the immediately enclosing collection.
func (k DocumentKey) CollectionGroup() string {
	segments := k.Segments()
	if len(segments) < 2 {
		return ""
	}
	return segments[len(segments)-2]
}

// HasCollectionID reports whether any enclosing collection has the given ID.
func (k DocumentKey) HasCollectionID(id string) bool {
	segments := k.Segments()
	for i := 0; i < len(segments)-1; i += 2 {
		if segments[i] == id {
			return true
		}
	}
	return false
}

// Compare orders keys segment-wise, so "users/a" sorts before "users-x/a"
// regardless of the byte values around the separator.
func (k DocumentKey) Compare(other DocumentKey) int {
	a, b := k.Segments(), other.Segments()
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := strings.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func (k DocumentKey) String() string {
	return k.path
}

// MarshalText encodes the key as its path for storage.
func (k DocumentKey) MarshalText() ([]byte, error) {
	return []byte(k.path), nil
}

// UnmarshalText decodes a stored path back into a key.
func (k *DocumentKey) UnmarshalText(data []byte) error {
	key, err := NewDocumentKey(string(data))
	if err != nil {
		return err
	}
	*k = key
	return nil
}

// DocumentKeySet is an unordered set of document keys.
type DocumentKeySet map[DocumentKey]struct{}

// NewDocumentKeySet builds a set from the given keys.
func NewDocumentKeySet(keys ...DocumentKey) DocumentKeySet {
	s := make(DocumentKeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Add inserts a key into the set.
func (s DocumentKeySet) Add(key DocumentKey) {
	s[key] = struct{}{}
}

// Remove deletes a key from the set.
func (s DocumentKeySet) Remove(key DocumentKey) {
	delete(s, key)
}

// Has reports whether the set contains the key.
func (s DocumentKeySet) Has(key DocumentKey) bool {
	_, ok := s[key]
	return ok
}

// Clone returns an independent copy of the set.
func (s DocumentKeySet) Clone() DocumentKeySet {
	c := make(DocumentKeySet, len(s))
	for k := range s {
		c[k] = struct{}{}
	}
	return c
}

// SortedKeys returns the members in key order.
func (s DocumentKeySet) SortedKeys() []DocumentKey {
	keys := make([]DocumentKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys
}
