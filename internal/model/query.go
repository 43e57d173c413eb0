package model

import (
	"fmt"
	"strings"
)

// Operator is a field-filter comparison operator.
type Operator string

const (
	OpLessThan           Operator = "<"
	OpLessThanOrEqual    Operator = "<="
	OpEqual              Operator = "=="
	OpNotEqual           Operator = "!="
	OpGreaterThanOrEqual Operator = ">="
	OpGreaterThan        Operator = ">"
	OpArrayContains      Operator = "array-contains"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not-in"
)

// FieldFilter is one predicate over a document field.
type FieldFilter struct {
	Field FieldPath `json:"field"`
	Op    Operator  `json:"op"`
	Value Value     `json:"value"`
}

// Matches evaluates the filter against a document.
func (f FieldFilter) Matches(doc Document) bool {
	v, ok := doc.Data.Field(f.Field)
	switch f.Op {
	case OpArrayContains:
		if !ok || v.Kind != ArrayKind {
			return false
		}
		for _, e := range v.Array {
			if ValuesEqual(e, f.Value) {
				return true
			}
		}
		return false
	case OpIn:
		if !ok || f.Value.Kind != ArrayKind {
			return false
		}
		for _, e := range f.Value.Array {
			if ValuesEqual(v, e) {
				return true
			}
		}
		return false
	case OpNotIn:
		if !ok || f.Value.Kind != ArrayKind {
			return false
		}
		for _, e := range f.Value.Array {
			if ValuesEqual(v, e) {
				return false
			}
		}
		return true
	case OpNotEqual:
		// Missing fields never match, mirroring server semantics.
		return ok && v.Kind == f.Value.Kind && !ValuesEqual(v, f.Value)
	default:
		if !ok {
			return false
		}
		// Range comparisons only match values of the same type band.
		if f.Op != OpEqual && v.Kind.typeOrder() != f.Value.Kind.typeOrder() {
			return false
		}
		c := CompareValues(v, f.Value)
		switch f.Op {
		case OpLessThan:
			return c < 0
		case OpLessThanOrEqual:
			return c <= 0
		case OpEqual:
			return c == 0
		case OpGreaterThanOrEqual:
			return c >= 0
		case OpGreaterThan:
			return c > 0
		default:
			panic(fmt.Sprintf("unknown operator %q", f.Op))
		}
	}
}

// Direction orders query results.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// OrderBy is one ordering clause.
type OrderBy struct {
	Field FieldPath `json:"field"`
	Dir   Direction `json:"dir"`
}

// Query is the canonicalized form of a listen or read query: a collection
// path or collection-group ID plus filters, ordering and an optional limit.
type Query struct {
	// Path is the parent resource path. For collection queries it names the
	// collection; for collection-group queries it is empty.
	Path string `json:"path,omitempty"`
	// CollectionGroup queries every collection with this ID.
	CollectionGroup string        `json:"collectionGroup,omitempty"`
	Filters         []FieldFilter `json:"filters,omitempty"`
	OrderBys        []OrderBy     `json:"orderBys,omitempty"`
	// Limit bounds the result count; zero means unlimited.
	Limit int64 `json:"limit,omitempty"`
}

// NewCollectionQuery queries all documents directly under path.
func NewCollectionQuery(path string) Query {
	return Query{Path: path}
}

// NewCollectionGroupQuery queries every collection named id.
func NewCollectionGroupQuery(id string) Query {
	return Query{CollectionGroup: id}
}

// WithFilter appends a field filter.
func (q Query) WithFilter(field FieldPath, op Operator, value Value) Query {
	q.Filters = append(append([]FieldFilter(nil), q.Filters...), FieldFilter{Field: field, Op: op, Value: value})
	return q
}

// WithOrderBy appends an ordering clause.
func (q Query) WithOrderBy(field FieldPath, dir Direction) Query {
	q.OrderBys = append(append([]OrderBy(nil), q.OrderBys...), OrderBy{Field: field, Dir: dir})
	return q
}

// WithLimit bounds the result count.
func (q Query) WithLimit(n int64) Query {
	q.Limit = n
	return q
}

// IsDocumentQuery reports whether the query addresses exactly one document:
// an even-segment path with no filters or limit.
func (q Query) IsDocumentQuery() bool {
	if q.CollectionGroup != "" || len(q.Filters) > 0 || q.Limit != 0 {
		return false
	}
	return len(strings.Split(q.Path, "/"))%2 == 0 && q.Path != ""
}

// DocumentKey returns the key addressed by a document query.
func (q Query) DocumentKey() DocumentKey {
	return MustKey(q.Path)
}

// CanonicalID is a stable identifier: equal queries share one target.
func (q Query) CanonicalID() string {
	var b strings.Builder
	b.WriteString(q.Path)
	if q.CollectionGroup != "" {
		b.WriteString("|cg:")
		b.WriteString(q.CollectionGroup)
	}
	b.WriteString("|f:")
	for _, f := range q.Filters {
		fmt.Fprintf(&b, "%s%s%v,", f.Field, f.Op, f.Value)
	}
	b.WriteString("|ob:")
	for _, o := range q.OrderBys {
		b.WriteString(o.Field.String())
		if o.Dir == Descending {
			b.WriteString(" desc")
		} else {
			b.WriteString(" asc")
		}
		b.WriteString(",")
	}
	if q.Limit != 0 {
		fmt.Fprintf(&b, "|l:%d", q.Limit)
	}
	return b.String()
}

// Matches reports whether a document belongs to the query's result set,
// ignoring the limit.
func (q Query) Matches(doc Document) bool {
	if !doc.IsFound() {
		return false
	}
	if q.CollectionGroup != "" {
		if doc.Key.CollectionGroup() != q.CollectionGroup {
			return false
		}
	} else if doc.Key.CollectionPath() != q.Path {
		return false
	}
	for _, f := range q.Filters {
		if !f.Matches(doc) {
			return false
		}
	}
	// Documents missing an ordered-by field are excluded.
	for _, o := range q.OrderBys {
		if _, ok := doc.Data.Field(o.Field); !ok {
			return false
		}
	}
	return true
}

// Comparator returns the document ordering for query results: the orderBy
// clauses in turn, then the key as the final tiebreak.
func (q Query) Comparator() func(a, b Document) int {
	orderBys := q.OrderBys
	return func(a, b Document) int {
		for _, o := range orderBys {
			av, _ := a.Data.Field(o.Field)
			bv, _ := b.Data.Field(o.Field)
			c := CompareValues(av, bv)
			if o.Dir == Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return a.Key.Compare(b.Key)
	}
}
