package record

import (
	"encoding/json"
	"strings"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	// KindNull is an explicit null or an unset Value.
	KindNull Kind = iota
	// KindScalar holds a string, json.Number, or bool.
	KindScalar
	// KindObject holds an ordered mapping of field name to Value.
	KindObject
	// KindTable holds an ordered sequence of rows. Rows are normally
	// objects mapping column name to scalar, but malformed extractions
	// can place scalars here too.
	KindTable
)

// Value is one node of a record tree. Records are schema-shaped but not
// schema-enforced: fields can be missing, null, or of an unexpected kind,
// and correctness is judged round over round rather than by typing.
type Value struct {
	kind   Kind
	scalar any // string | json.Number | bool
	obj    *Object
	table  []Value
}

// Null returns the null Value.
func Null() Value {
	return Value{kind: KindNull}
}

// String returns a scalar Value holding s.
func String(s string) Value {
	return Value{kind: KindScalar, scalar: s}
}

// Number returns a scalar Value holding n.
func Number(n json.Number) Value {
	return Value{kind: KindScalar, scalar: n}
}

// Bool returns a scalar Value holding b.
func Bool(b bool) Value {
	return Value{kind: KindScalar, scalar: b}
}

// FromObject wraps an Object as a Value.
func FromObject(o *Object) Value {
	if o == nil {
		o = NewObject()
	}
	return Value{kind: KindObject, obj: o}
}

// Table returns a table Value holding the given rows.
func Table(rows ...Value) Value {
	return Value{kind: KindTable, table: rows}
}

// Kind reports which variant the Value holds.
func (v Value) Kind() Kind {
	return v.kind
}

// Scalar returns the underlying scalar. Nil unless Kind is KindScalar.
func (v Value) Scalar() any {
	if v.kind != KindScalar {
		return nil
	}
	return v.scalar
}

// Object returns the underlying ordered object, or nil.
func (v Value) Object() *Object {
	if v.kind != KindObject {
		return nil
	}
	return v.obj
}

// Rows returns the underlying table rows, or nil.
func (v Value) Rows() []Value {
	if v.kind != KindTable {
		return nil
	}
	return v.table
}

// IsEmpty reports whether the Value carries no usable content: null or a
// whitespace-only string. Column-shift analysis depends on this notion of
// emptiness to tell a vacated cell from a replaced one.
func (v Value) IsEmpty() bool {
	if v.kind == KindNull {
		return true
	}
	if v.kind == KindScalar {
		if s, ok := v.scalar.(string); ok {
			return strings.TrimSpace(s) == ""
		}
	}
	return false
}

// Equal reports deep equality. Scalars compare with numeric normalization:
// two json.Numbers are equal when they parse to the same float64, so
// "50000" and "50000.0" match.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindScalar:
		return scalarEqual(v.scalar, other.scalar)
	case KindObject:
		if v.obj.Len() != other.obj.Len() {
			return false
		}
		for _, key := range v.obj.Keys() {
			ov, ok := other.obj.Get(key)
			if !ok {
				return false
			}
			mv, _ := v.obj.Get(key)
			if !mv.Equal(ov) {
				return false
			}
		}
		return true
	case KindTable:
		if len(v.table) != len(other.table) {
			return false
		}
		for i := range v.table {
			if !v.table[i].Equal(other.table[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func scalarEqual(a, b any) bool {
	an, aok := a.(json.Number)
	bn, bok := b.(json.Number)
	if aok && bok {
		if af, err := an.Float64(); err == nil {
			if bf, err := bn.Float64(); err == nil {
				return af == bf
			}
		}
		return an.String() == bn.String()
	}
	return a == b
}

// Clone deep-copies the Value.
func (v Value) Clone() Value {
	switch v.kind {
	case KindObject:
		return FromObject(v.obj.Clone())
	case KindTable:
		rows := make([]Value, len(v.table))
		for i, r := range v.table {
			rows[i] = r.Clone()
		}
		return Value{kind: KindTable, table: rows}
	default:
		return v
	}
}

// Object is an insertion-ordered mapping of field name to Value.
type Object struct {
	keys []string
	vals map[string]Value
}

// NewObject creates an empty ordered object.
func NewObject() *Object {
	return &Object{vals: make(map[string]Value)}
}

// Set stores val under key, preserving the original insertion position for
// keys that already exist.
func (o *Object) Set(key string, val Value) {
	if _, exists := o.vals[key]; !exists {
		o.keys = append(o.keys, key)
	}
	o.vals[key] = val
}

// Get returns the value stored under key.
func (o *Object) Get(key string) (Value, bool) {
	if o == nil {
		return Null(), false
	}
	v, ok := o.vals[key]
	return v, ok
}

// Has reports whether key is present.
func (o *Object) Has(key string) bool {
	if o == nil {
		return false
	}
	_, ok := o.vals[key]
	return ok
}

// Delete removes key, preserving the order of the remaining keys.
func (o *Object) Delete(key string) {
	if _, ok := o.vals[key]; !ok {
		return
	}
	delete(o.vals, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the field names in insertion order.
func (o *Object) Keys() []string {
	if o == nil {
		return nil
	}
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// Len returns the number of fields.
func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}

// Clone deep-copies the object.
func (o *Object) Clone() *Object {
	c := &Object{
		keys: make([]string, len(o.keys)),
		vals: make(map[string]Value, len(o.vals)),
	}
	copy(c.keys, o.keys)
	for k, v := range o.vals {
		c.vals[k] = v.Clone()
	}
	return c
}
