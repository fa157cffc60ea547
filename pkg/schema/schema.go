// Package schema implements the type descriptor layer. Every type is a
// content-addressed node of its own: compound types reference their
// nested types by hash, so schemas form a DAG stored alongside the data
// they describe and are synced by the same machinery.
package schema

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/polyepoxide/polyepoxide/pkg/hash"
)

// ErrMalformedNode is returned when bytes do not decode into a valid
// schema node.
var ErrMalformedNode = errors.New("schema: malformed node")

// Kind discriminates schema types. The values are part of the canonical
// node encoding and must never be renumbered.
type Kind uint8

const (
	KindBool   Kind = 0x01
	KindUint8  Kind = 0x02
	KindUint16 Kind = 0x03
	KindUint32 Kind = 0x04
	KindUint64 Kind = 0x05
	KindInt8   Kind = 0x06
	KindInt16  Kind = 0x07
	KindInt32  Kind = 0x08
	KindInt64  Kind = 0x09
	KindString Kind = 0x0a
	KindBytes  Kind = 0x0b

	KindSequence   Kind = 0x10
	KindRecord     Kind = 0x11
	KindEnum       Kind = 0x12
	KindTagged     Kind = 0x13
	KindBond       Kind = 0x14
	KindTuple      Kind = 0x15
	KindMap        Kind = 0x16
	KindOrderedMap Kind = 0x17
	KindSelfRef    Kind = 0x18
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindUint8:
		return "uint8"
	case KindUint16:
		return "uint16"
	case KindUint32:
		return "uint32"
	case KindUint64:
		return "uint64"
	case KindInt8:
		return "int8"
	case KindInt16:
		return "int16"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindSequence:
		return "sequence"
	case KindRecord:
		return "record"
	case KindEnum:
		return "enum"
	case KindTagged:
		return "tagged"
	case KindBond:
		return "bond"
	case KindTuple:
		return "tuple"
	case KindMap:
		return "map"
	case KindOrderedMap:
		return "ordered map"
	case KindSelfRef:
		return "self reference"
	}
	return fmt.Sprintf("kind(0x%02x)", uint8(k))
}

// IsPrimitive reports whether the kind carries no nested types.
func (k Kind) IsPrimitive() bool {
	return k >= KindBool && k <= KindBytes
}

// IsUint reports whether the kind is an unsigned sized integer.
func (k Kind) IsUint() bool {
	return k >= KindUint8 && k <= KindUint64
}

// IsInt reports whether the kind is a signed sized integer.
func (k Kind) IsInt() bool {
	return k >= KindInt8 && k <= KindInt64
}

// IntWidth returns the encoded width in bytes for sized integer kinds,
// or 0 for everything else.
func (k Kind) IntWidth() int {
	switch k {
	case KindUint8, KindInt8:
		return 1
	case KindUint16, KindInt16:
		return 2
	case KindUint32, KindInt32:
		return 4
	case KindUint64, KindInt64:
		return 8
	}
	return 0
}

// Field is one named member of a record or tagged union. Schema holds the
// hash of the member's type node.
type Field struct {
	Name   string
	Schema hash.Hash
}

// Type is a decoded schema node.
//
//   - primitives use only Kind
//   - Sequence and Bond use Elem (the element / target type hash)
//   - Record and Tagged use Fields (declaration order is canonical)
//   - Enum uses Variants (unit variants, declaration order is canonical)
//   - Tuple uses Elems (element types in positional order)
//   - Map and OrderedMap use Elem (key type) and Val (value type)
//   - SelfRef uses Level: the enclosing compound type it stands for,
//     counted from the nearest one (0 = immediate parent). It is how a
//     type refers to itself, since a node cannot contain its own hash.
type Type struct {
	Kind     Kind
	Elem     hash.Hash
	Val      hash.Hash
	Elems    []hash.Hash
	Fields   []Field
	Variants []string
	Level    uint32
}

// Refs returns the hashes of all directly referenced schema nodes. These
// are the node's dependencies for closure checking.
func (t *Type) Refs() []hash.Hash {
	switch t.Kind {
	case KindSequence, KindBond:
		return []hash.Hash{t.Elem}
	case KindMap, KindOrderedMap:
		return []hash.Hash{t.Elem, t.Val}
	case KindTuple:
		refs := make([]hash.Hash, len(t.Elems))
		copy(refs, t.Elems)
		return refs
	case KindRecord, KindTagged:
		refs := make([]hash.Hash, 0, len(t.Fields))
		for _, f := range t.Fields {
			refs = append(refs, f.Schema)
		}
		return refs
	}
	return nil
}

// Hash returns the content hash of the type's canonical node encoding.
func (t *Type) Hash() (hash.Hash, error) {
	b, err := EncodeNode(t)
	if err != nil {
		return hash.Zero, err
	}
	return hash.Sum(b), nil
}

// EncodeNode produces the canonical byte encoding of a schema node:
// one kind byte followed by the kind-specific payload. Field and variant
// order is the declaration order, which makes the encoding deterministic.
func EncodeNode(t *Type) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(t.Kind))

	switch {
	case t.Kind.IsPrimitive():
		// no payload
	case t.Kind == KindSequence || t.Kind == KindBond:
		buf.Write(t.Elem[:])
	case t.Kind == KindRecord || t.Kind == KindTagged:
		if len(t.Fields) == 0 {
			return nil, fmt.Errorf("schema: %s needs at least one field", t.Kind)
		}
		writeUvarint(&buf, uint64(len(t.Fields)))
		for _, f := range t.Fields {
			if f.Name == "" {
				return nil, fmt.Errorf("schema: %s field with empty name", t.Kind)
			}
			writeUvarint(&buf, uint64(len(f.Name)))
			buf.WriteString(f.Name)
			buf.Write(f.Schema[:])
		}
	case t.Kind == KindEnum:
		if len(t.Variants) == 0 {
			return nil, errors.New("schema: enum needs at least one variant")
		}
		writeUvarint(&buf, uint64(len(t.Variants)))
		for _, v := range t.Variants {
			if v == "" {
				return nil, errors.New("schema: enum variant with empty name")
			}
			writeUvarint(&buf, uint64(len(v)))
			buf.WriteString(v)
		}
	case t.Kind == KindTuple:
		if len(t.Elems) == 0 {
			return nil, errors.New("schema: tuple needs at least one element")
		}
		writeUvarint(&buf, uint64(len(t.Elems)))
		for _, e := range t.Elems {
			buf.Write(e[:])
		}
	case t.Kind == KindMap || t.Kind == KindOrderedMap:
		buf.Write(t.Elem[:])
		buf.Write(t.Val[:])
	case t.Kind == KindSelfRef:
		writeUvarint(&buf, uint64(t.Level))
	default:
		return nil, fmt.Errorf("schema: cannot encode %s", t.Kind)
	}
	return buf.Bytes(), nil
}

// DecodeNode parses a canonical schema node. The whole input must be
// consumed; trailing bytes make the node malformed.
func DecodeNode(b []byte) (*Type, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedNode)
	}
	r := bytes.NewReader(b)
	kb, _ := r.ReadByte()
	t := &Type{Kind: Kind(kb)}

	switch {
	case t.Kind.IsPrimitive():
		// no payload
	case t.Kind == KindSequence || t.Kind == KindBond:
		if err := readHash(r, &t.Elem); err != nil {
			return nil, err
		}
	case t.Kind == KindRecord || t.Kind == KindTagged:
		n, err := readCount(r)
		if err != nil {
			return nil, err
		}
		t.Fields = make([]Field, 0, n)
		for i := uint64(0); i < n; i++ {
			name, err := readName(r)
			if err != nil {
				return nil, err
			}
			var h hash.Hash
			if err := readHash(r, &h); err != nil {
				return nil, err
			}
			t.Fields = append(t.Fields, Field{Name: name, Schema: h})
		}
	case t.Kind == KindEnum:
		n, err := readCount(r)
		if err != nil {
			return nil, err
		}
		t.Variants = make([]string, 0, n)
		for i := uint64(0); i < n; i++ {
			name, err := readName(r)
			if err != nil {
				return nil, err
			}
			t.Variants = append(t.Variants, name)
		}
	case t.Kind == KindTuple:
		n, err := readCount(r)
		if err != nil {
			return nil, err
		}
		t.Elems = make([]hash.Hash, 0, n)
		for i := uint64(0); i < n; i++ {
			var h hash.Hash
			if err := readHash(r, &h); err != nil {
				return nil, err
			}
			t.Elems = append(t.Elems, h)
		}
	case t.Kind == KindMap || t.Kind == KindOrderedMap:
		if err := readHash(r, &t.Elem); err != nil {
			return nil, err
		}
		if err := readHash(r, &t.Val); err != nil {
			return nil, err
		}
	case t.Kind == KindSelfRef:
		lvl, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated self reference level", ErrMalformedNode)
		}
		if lvl > uint64(^uint32(0)) {
			return nil, fmt.Errorf("%w: self reference level %d out of range", ErrMalformedNode, lvl)
		}
		t.Level = uint32(lvl)
	default:
		return nil, fmt.Errorf("%w: unknown kind 0x%02x", ErrMalformedNode, kb)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedNode, r.Len())
	}
	return t, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readCount(r *bytes.Reader) (uint64, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, fmt.Errorf("%w: truncated count", ErrMalformedNode)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: zero count", ErrMalformedNode)
	}
	if n > uint64(r.Len()) {
		return 0, fmt.Errorf("%w: count %d exceeds remaining bytes", ErrMalformedNode, n)
	}
	return n, nil
}

func readName(r *bytes.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", fmt.Errorf("%w: truncated name length", ErrMalformedNode)
	}
	if n == 0 || n > uint64(r.Len()) {
		return "", fmt.Errorf("%w: bad name length %d", ErrMalformedNode, n)
	}
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil {
		return "", fmt.Errorf("%w: truncated name", ErrMalformedNode)
	}
	if !utf8.Valid(buf) {
		return "", fmt.Errorf("%w: name is not valid UTF-8", ErrMalformedNode)
	}
	return string(buf), nil
}

func readHash(r *bytes.Reader, h *hash.Hash) error {
	if r.Len() < hash.Size {
		return fmt.Errorf("%w: truncated hash", ErrMalformedNode)
	}
	_, _ = r.Read(h[:])
	return nil
}
