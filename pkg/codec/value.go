// Package codec implements the canonical binary encoding of values and
// the zipped traversal: decoding, encoding and validating untyped node
// bytes by walking the declared schema type and the byte stream in
// lock-step. Nothing here fetches bond targets; a value decodes fully
// even when the subtrees it references are absent locally.
package codec

import (
	"fmt"

	"github.com/polyepoxide/polyepoxide/pkg/hash"
	"github.com/polyepoxide/polyepoxide/pkg/schema"
)

// Value is an in-memory decoded node. The concrete types below mirror
// the schema kinds one to one.
type Value interface {
	isValue()
}

type (
	// Bool is a boolean value.
	Bool bool
	// Uint8 through Int64 are sized integers.
	Uint8  uint8
	Uint16 uint16
	Uint32 uint32
	Uint64 uint64
	Int8   int8
	Int16  int16
	Int32  int32
	Int64  int64
	// String is UTF-8 text.
	String string
	// Bytes is a raw byte sequence.
	Bytes []byte
	// Sequence is a homogeneous list.
	Sequence []Value
	// Record holds field values in schema-declared order.
	Record []Value
	// Enum is the index of a unit variant.
	Enum uint64
	// Tuple holds element values in schema-declared positional order.
	Tuple []Value
	// Map is an unordered map. Its canonical form keeps entries in
	// strictly ascending order of their encoded keys; the codec rejects
	// any other order, so equal maps always produce equal bytes.
	Map []MapEntry
	// OrderedMap preserves insertion order. Keys must still be unique.
	OrderedMap []MapEntry
)

// MapEntry is one key/value pair of a Map or OrderedMap.
type MapEntry struct {
	Key   Value
	Value Value
}

// Tagged is a tagged-union value: a variant index plus its payload.
type Tagged struct {
	Variant uint64
	Value   Value
}

// Bond is a typed reference to another node: the target's hash and the
// hash of the target's schema type. Decoding a bond never resolves the
// target; resolution happens later through a solvent.
type Bond struct {
	Target hash.Hash
	Schema hash.Hash
}

func (Bool) isValue()       {}
func (Uint8) isValue()      {}
func (Uint16) isValue()     {}
func (Uint32) isValue()     {}
func (Uint64) isValue()     {}
func (Int8) isValue()       {}
func (Int16) isValue()      {}
func (Int32) isValue()      {}
func (Int64) isValue()      {}
func (String) isValue()     {}
func (Bytes) isValue()      {}
func (Sequence) isValue()   {}
func (Record) isValue()     {}
func (Enum) isValue()       {}
func (Tagged) isValue()     {}
func (Bond) isValue()       {}
func (Tuple) isValue()      {}
func (Map) isValue()        {}
func (OrderedMap) isValue() {}

// SchemaResolver supplies schema nodes by hash during traversal. The
// schema registry satisfies this.
type SchemaResolver interface {
	Get(h hash.Hash) (*schema.Type, error)
}

func kindOf(v Value) string {
	switch v.(type) {
	case Bool:
		return "bool"
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Uint64:
		return "uint64"
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case String:
		return "string"
	case Bytes:
		return "bytes"
	case Sequence:
		return "sequence"
	case Record:
		return "record"
	case Enum:
		return "enum"
	case Tagged:
		return "tagged"
	case Bond:
		return "bond"
	case Tuple:
		return "tuple"
	case Map:
		return "map"
	case OrderedMap:
		return "ordered map"
	}
	return fmt.Sprintf("%T", v)
}
