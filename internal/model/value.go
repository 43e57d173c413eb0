package model

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ValueKind discriminates the Value variants.
type ValueKind int

const (
	NullKind ValueKind = iota
	BooleanKind
	IntegerKind
	DoubleKind
	TimestampKind
	StringKind
	BytesKind
	ArrayKind
	MapKind
)

// typeOrder positions each kind in the cross-type total order: null < bool <
// number < timestamp < string < bytes < array < map. Integers and doubles
// share one numeric band.
func (k ValueKind) typeOrder() int {
	switch k {
	case NullKind:
		return 0
	case BooleanKind:
		return 1
	case IntegerKind, DoubleKind:
		return 2
	case TimestampKind:
		return 3
	case StringKind:
		return 4
	case BytesKind:
		return 5
	case ArrayKind:
		return 6
	case MapKind:
		return 7
	default:
		panic(fmt.Sprintf("unknown value kind %d", k))
	}
}

// Value is a document field value. Exactly the payload matching Kind is
// meaningful; the rest stay at their zero values.
type Value struct {
	Kind  ValueKind        `json:"kind"`
	Bool  bool             `json:"bool,omitempty"`
	Int   int64            `json:"int,omitempty"`
	Float float64          `json:"float,omitempty"`
	Time  time.Time        `json:"time,omitzero"`
	Str   string           `json:"str,omitempty"`
	Bytes []byte           `json:"bytes,omitempty"`
	Array []Value          `json:"array,omitempty"`
	Map   map[string]Value `json:"map,omitempty"`
}

// NullValue is the null value.
func NullValue() Value { return Value{Kind: NullKind} }

// BooleanValue wraps a bool.
func BooleanValue(b bool) Value { return Value{Kind: BooleanKind, Bool: b} }

// IntegerValue wraps an int64.
func IntegerValue(i int64) Value { return Value{Kind: IntegerKind, Int: i} }

// DoubleValue wraps a float64.
func DoubleValue(f float64) Value { return Value{Kind: DoubleKind, Float: f} }

// TimestampValue wraps a timestamp.
func TimestampValue(t time.Time) Value { return Value{Kind: TimestampKind, Time: t.UTC()} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{Kind: StringKind, Str: s} }

// BytesValue wraps a byte slice.
func BytesValue(b []byte) Value { return Value{Kind: BytesKind, Bytes: b} }

// ArrayValue wraps a list of values.
func ArrayValue(vs ...Value) Value { return Value{Kind: ArrayKind, Array: vs} }

// MapValue wraps a field map.
func MapValue(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{Kind: MapKind, Map: m}
}

// IsNumber reports whether the value is an integer or a double.
func (v Value) IsNumber() bool {
	return v.Kind == IntegerKind || v.Kind == DoubleKind
}

func (v Value) numeric() float64 {
	if v.Kind == IntegerKind {
		return float64(v.Int)
	}
	return v.Float
}

// CompareValues orders two values by the cross-type total order, then within
// a type by natural ordering.
func CompareValues(a, b Value) int {
	if d := a.Kind.typeOrder() - b.Kind.typeOrder(); d != 0 {
		if d < 0 {
			return -1
		}
		return 1
	}
	switch a.Kind.typeOrder() {
	case 0: // null
		return 0
	case 1:
		return compareBool(a.Bool, b.Bool)
	case 2:
		return compareNumber(a, b)
	case 3:
		return a.Time.Compare(b.Time)
	case 4:
		return strings.Compare(a.Str, b.Str)
	case 5:
		return bytes.Compare(a.Bytes, b.Bytes)
	case 6:
		return compareArrays(a.Array, b.Array)
	default:
		return compareMaps(a.Map, b.Map)
	}
}

// ValuesEqual reports order-equality of two values.
func ValuesEqual(a, b Value) bool {
	return CompareValues(a, b) == 0
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

func compareNumber(a, b Value) int {
	if a.Kind == IntegerKind && b.Kind == IntegerKind {
		switch {
		case a.Int < b.Int:
			return -1
		case a.Int > b.Int:
			return 1
		default:
			return 0
		}
	}
	af, bf := a.numeric(), b.numeric()
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func compareArrays(a, b []Value) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := CompareValues(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

func compareMaps(a, b map[string]Value) int {
	ak, bk := sortedMapKeys(a), sortedMapKeys(b)
	for i := 0; i < len(ak) && i < len(bk); i++ {
		if c := strings.Compare(ak[i], bk[i]); c != 0 {
			return c
		}
		if c := CompareValues(a[ak[i]], b[bk[i]]); c != 0 {
			return c
		}
	}
	return len(ak) - len(bk)
}

func sortedMapKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of the value.
func (v Value) Clone() Value {
	c := v
	if v.Bytes != nil {
		c.Bytes = append([]byte(nil), v.Bytes...)
	}
	if v.Array != nil {
		c.Array = make([]Value, len(v.Array))
		for i, e := range v.Array {
			c.Array[i] = e.Clone()
		}
	}
	if v.Map != nil {
		c.Map = make(map[string]Value, len(v.Map))
		for k, e := range v.Map {
			c.Map[k] = e.Clone()
		}
	}
	return c
}
