package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/polyepoxide/polyepoxide/pkg/hash"
	"github.com/polyepoxide/polyepoxide/pkg/schema"
)

// ErrMalformed is returned when bytes do not match the shape their
// declared schema demands: wrong length, invalid tag, unknown variant,
// truncated field, trailing data. Callers that need to distinguish these
// cases can inspect the message; the taxonomy treats them as one kind.
var ErrMalformed = errors.New("codec: malformed encoding")

// Decode parses canonical bytes under the declared type. The entire
// input must be consumed; trailing bytes are malformed. The returned
// value re-encodes to exactly the input bytes.
func Decode(b []byte, t *schema.Type, res SchemaResolver) (Value, error) {
	cur := &cursor{buf: b}
	v, err := decodeFrom(cur, t, res, nil)
	if err != nil {
		return nil, err
	}
	if cur.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, cur.remaining())
	}
	return v, nil
}

// cursor walks the raw byte stream while the decoder walks the schema
// tree; the two advance in lock-step.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.off
}

func (c *cursor) take(n int) ([]byte, error) {
	if n < 0 || c.remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrMalformed, n, c.remaining())
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

func (c *cursor) uvarint() (uint64, error) {
	v, n := binary.Uvarint(c.buf[c.off:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: truncated varint", ErrMalformed)
	}
	c.off += n
	return v, nil
}

// path tracks the compound types entered so far; self references resolve
// against it.
func decodeFrom(c *cursor, t *schema.Type, res SchemaResolver, path []*schema.Type) (Value, error) {
	switch t.Kind {
	case schema.KindBool:
		b, err := c.take(1)
		if err != nil {
			return nil, err
		}
		switch b[0] {
		case 0x00:
			return Bool(false), nil
		case 0x01:
			return Bool(true), nil
		}
		return nil, fmt.Errorf("%w: byte 0x%02x outside bool domain", ErrMalformed, b[0])

	case schema.KindUint8, schema.KindUint16, schema.KindUint32, schema.KindUint64,
		schema.KindInt8, schema.KindInt16, schema.KindInt32, schema.KindInt64:
		return decodeInt(c, t.Kind)

	case schema.KindString:
		n, err := c.uvarint()
		if err != nil {
			return nil, err
		}
		if n > uint64(c.remaining()) {
			return nil, fmt.Errorf("%w: string length %d exceeds remaining %d", ErrMalformed, n, c.remaining())
		}
		b, err := c.take(int(n))
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(b) {
			return nil, fmt.Errorf("%w: string is not valid UTF-8", ErrMalformed)
		}
		return String(b), nil

	case schema.KindBytes:
		n, err := c.uvarint()
		if err != nil {
			return nil, err
		}
		if n > uint64(c.remaining()) {
			return nil, fmt.Errorf("%w: bytes length %d exceeds remaining %d", ErrMalformed, n, c.remaining())
		}
		b, err := c.take(int(n))
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return Bytes(out), nil

	case schema.KindSequence:
		n, err := c.uvarint()
		if err != nil {
			return nil, err
		}
		if n > uint64(c.remaining()) {
			// Every element takes at least one byte; a larger count can
			// never be satisfied and would let a corrupt node force a
			// huge allocation.
			return nil, fmt.Errorf("%w: sequence count %d exceeds remaining %d bytes", ErrMalformed, n, c.remaining())
		}
		elem, err := res.Get(t.Elem)
		if err != nil {
			return nil, err
		}
		seq := make(Sequence, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := decodeFrom(c, elem, res, append(path, t))
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			seq = append(seq, v)
		}
		return seq, nil

	case schema.KindRecord:
		rec := make(Record, 0, len(t.Fields))
		for _, f := range t.Fields {
			if c.remaining() == 0 {
				return nil, fmt.Errorf("%w: stream exhausted before field %q", ErrMalformed, f.Name)
			}
			ft, err := res.Get(f.Schema)
			if err != nil {
				return nil, err
			}
			v, err := decodeFrom(c, ft, res, append(path, t))
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", f.Name, err)
			}
			rec = append(rec, v)
		}
		return rec, nil

	case schema.KindEnum:
		idx, err := c.uvarint()
		if err != nil {
			return nil, err
		}
		if idx >= uint64(len(t.Variants)) {
			return nil, fmt.Errorf("%w: enum tag %d has no variant (max %d)", ErrMalformed, idx, len(t.Variants)-1)
		}
		return Enum(idx), nil

	case schema.KindTagged:
		idx, err := c.uvarint()
		if err != nil {
			return nil, err
		}
		if idx >= uint64(len(t.Fields)) {
			return nil, fmt.Errorf("%w: union tag %d has no variant (max %d)", ErrMalformed, idx, len(t.Fields)-1)
		}
		vt, err := res.Get(t.Fields[idx].Schema)
		if err != nil {
			return nil, err
		}
		v, err := decodeFrom(c, vt, res, append(path, t))
		if err != nil {
			return nil, fmt.Errorf("variant %q: %w", t.Fields[idx].Name, err)
		}
		return Tagged{Variant: idx, Value: v}, nil

	case schema.KindBond:
		b, err := c.take(2 * hash.Size)
		if err != nil {
			return nil, err
		}
		var bond Bond
		copy(bond.Target[:], b[:hash.Size])
		copy(bond.Schema[:], b[hash.Size:])
		return bond, nil

	case schema.KindTuple:
		tup := make(Tuple, 0, len(t.Elems))
		for i, eh := range t.Elems {
			if c.remaining() == 0 {
				return nil, fmt.Errorf("%w: stream exhausted before element %d", ErrMalformed, i)
			}
			et, err := res.Get(eh)
			if err != nil {
				return nil, err
			}
			v, err := decodeFrom(c, et, res, append(path, t))
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			tup = append(tup, v)
		}
		return tup, nil

	case schema.KindMap, schema.KindOrderedMap:
		n, err := c.uvarint()
		if err != nil {
			return nil, err
		}
		if n > uint64(c.remaining()) {
			return nil, fmt.Errorf("%w: map count %d exceeds remaining %d bytes", ErrMalformed, n, c.remaining())
		}
		kt, err := res.Get(t.Elem)
		if err != nil {
			return nil, err
		}
		vt, err := res.Get(t.Val)
		if err != nil {
			return nil, err
		}
		entries := make([]MapEntry, 0, n)
		seen := make(map[string]struct{}, n)
		var prevKey string
		for i := uint64(0); i < n; i++ {
			start := c.off
			k, err := decodeFrom(c, kt, res, append(path, t))
			if err != nil {
				return nil, fmt.Errorf("entry %d key: %w", i, err)
			}
			key := string(c.buf[start:c.off])
			if _, ok := seen[key]; ok {
				return nil, fmt.Errorf("%w: duplicate map key at entry %d", ErrMalformed, i)
			}
			seen[key] = struct{}{}
			if t.Kind == schema.KindMap && i > 0 && prevKey > key {
				return nil, fmt.Errorf("%w: map keys out of canonical order at entry %d", ErrMalformed, i)
			}
			prevKey = key
			v, err := decodeFrom(c, vt, res, append(path, t))
			if err != nil {
				return nil, fmt.Errorf("entry %d value: %w", i, err)
			}
			entries = append(entries, MapEntry{Key: k, Value: v})
		}
		if t.Kind == schema.KindMap {
			return Map(entries), nil
		}
		return OrderedMap(entries), nil

	case schema.KindSelfRef:
		if uint64(t.Level) >= uint64(len(path)) {
			return nil, fmt.Errorf("%w: self reference level %d exceeds nesting depth %d",
				ErrMalformed, t.Level, len(path))
		}
		idx := len(path) - 1 - int(t.Level)
		return decodeFrom(c, path[idx], res, path[:idx])
	}
	return nil, fmt.Errorf("%w: cannot decode kind %s", ErrMalformed, t.Kind)
}

func decodeInt(c *cursor, k schema.Kind) (Value, error) {
	b, err := c.take(k.IntWidth())
	if err != nil {
		return nil, err
	}
	switch k {
	case schema.KindUint8:
		return Uint8(b[0]), nil
	case schema.KindUint16:
		return Uint16(binary.BigEndian.Uint16(b)), nil
	case schema.KindUint32:
		return Uint32(binary.BigEndian.Uint32(b)), nil
	case schema.KindUint64:
		return Uint64(binary.BigEndian.Uint64(b)), nil
	case schema.KindInt8:
		return Int8(b[0]), nil
	case schema.KindInt16:
		return Int16(binary.BigEndian.Uint16(b)), nil
	case schema.KindInt32:
		return Int32(binary.BigEndian.Uint32(b)), nil
	case schema.KindInt64:
		return Int64(binary.BigEndian.Uint64(b)), nil
	}
	return nil, fmt.Errorf("%w: not an integer kind %s", ErrMalformed, k)
}
