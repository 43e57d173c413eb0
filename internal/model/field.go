package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FieldPath addresses a (possibly nested) field inside a document, e.g.
// ["address", "city"] for "address.city".
type FieldPath []string

// ParseFieldPath splits a dotted path into segments.
func ParseFieldPath(dotted string) (FieldPath, error) {
	if dotted == "" {
		return nil, fmt.Errorf("field path must not be empty")
	}
	segments := strings.Split(dotted, ".")
	for _, s := range segments {
		if s == "" {
			return nil, fmt.Errorf("field path %q contains an empty segment", dotted)
		}
	}
	return FieldPath(segments), nil
}

// MustFieldPath is ParseFieldPath for paths known to be valid.
func MustFieldPath(dotted string) FieldPath {
	p, err := ParseFieldPath(dotted)
	if err != nil {
		panic(err)
	}
	return p
}

func (p FieldPath) String() string {
	return strings.Join(p, ".")
}

// Equal reports segment-wise equality.
func (p FieldPath) Equal(other FieldPath) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// IsPrefixOf reports whether p is a (non-strict) prefix of other.
func (p FieldPath) IsPrefixOf(other FieldPath) bool {
	if len(p) > len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// FieldMask is the set of field paths written by a patch mutation.
type FieldMask []FieldPath

// Covers reports whether the mask contains a path that is equal to or a
// prefix of the given path.
func (m FieldMask) Covers(path FieldPath) bool {
	for _, p := range m {
		if p.IsPrefixOf(path) {
			return true
		}
	}
	return false
}

// Union merges two masks, dropping duplicate paths.
func (m FieldMask) Union(other FieldMask) FieldMask {
	out := append(FieldMask(nil), m...)
	for _, p := range other {
		dup := false
		for _, q := range out {
			if q.Equal(p) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, p)
		}
	}
	return out
}

// ObjectValue is a document's field tree, always rooted at a map value.
type ObjectValue struct {
	root Value
}

// NewObjectValue wraps a field map.
func NewObjectValue(fields map[string]Value) ObjectValue {
	return ObjectValue{root: MapValue(fields)}
}

// EmptyObjectValue returns an object with no fields.
func EmptyObjectValue() ObjectValue {
	return NewObjectValue(nil)
}

// Fields exposes the top-level field map. Callers must not mutate it.
func (o ObjectValue) Fields() map[string]Value {
	return o.root.Map
}

// Field resolves a field path, reporting whether it exists.
func (o ObjectValue) Field(path FieldPath) (Value, bool) {
	current := o.root
	for _, segment := range path {
		if current.Kind != MapKind {
			return Value{}, false
		}
		next, ok := current.Map[segment]
		if !ok {
			return Value{}, false
		}
		current = next
	}
	return current, true
}

// Set writes a value at the path, creating intermediate maps as needed.
func (o *ObjectValue) Set(path FieldPath, value Value) {
	if len(path) == 0 {
		panic("cannot set the object root")
	}
	o.ensureRoot()
	parent := o.parentMap(path, true)
	parent[path[len(path)-1]] = value
}

// Delete removes the value at the path if present.
func (o *ObjectValue) Delete(path FieldPath) {
	if len(path) == 0 {
		panic("cannot delete the object root")
	}
	o.ensureRoot()
	parent := o.parentMap(path, false)
	if parent != nil {
		delete(parent, path[len(path)-1])
	}
}

func (o *ObjectValue) ensureRoot() {
	if o.root.Kind != MapKind || o.root.Map == nil {
		o.root = MapValue(nil)
	}
}

// parentMap walks to the map holding the final path segment. With create set
// it replaces non-map intermediates; otherwise it returns nil when the walk
// dead-ends.
func (o *ObjectValue) parentMap(path FieldPath, create bool) map[string]Value {
	current := o.root.Map
	for _, segment := range path[:len(path)-1] {
		next, ok := current[segment]
		if !ok || next.Kind != MapKind || next.Map == nil {
			if !create {
				return nil
			}
			next = MapValue(nil)
			current[segment] = next
		}
		current = next.Map
	}
	return current
}

// Clone returns a deep copy.
func (o ObjectValue) Clone() ObjectValue {
	return ObjectValue{root: o.root.Clone()}
}

// Equal reports order-equality of two objects.
func (o ObjectValue) Equal(other ObjectValue) bool {
	return ValuesEqual(o.root, other.root)
}

// MarshalJSON encodes the underlying map value.
func (o ObjectValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.root)
}

// UnmarshalJSON decodes a stored map value.
func (o *ObjectValue) UnmarshalJSON(data []byte) error {
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.Kind != MapKind {
		return fmt.Errorf("object value must decode to a map, got kind %d", v.Kind)
	}
	o.root = v
	return nil
}
