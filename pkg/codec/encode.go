package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/polyepoxide/polyepoxide/pkg/schema"
)

// ErrTypeMismatch is returned by Encode when a value does not have the
// shape its declared schema demands.
var ErrTypeMismatch = errors.New("codec: value does not match schema")

// Encode produces the canonical byte encoding of a value under its
// declared type. The same logical value always yields byte-identical
// output: fields in schema order, fixed-width integers per declared
// width, minimal uvarint lengths, no padding.
func Encode(v Value, t *schema.Type, res SchemaResolver) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeInto(&buf, v, t, res, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// path tracks the compound types entered so far; self references resolve
// against it.
func encodeInto(buf *bytes.Buffer, v Value, t *schema.Type, res SchemaResolver, path []*schema.Type) error {
	switch t.Kind {
	case schema.KindBool:
		b, ok := v.(Bool)
		if !ok {
			return mismatch(t, v)
		}
		if b {
			buf.WriteByte(0x01)
		} else {
			buf.WriteByte(0x00)
		}
		return nil

	case schema.KindUint8:
		x, ok := v.(Uint8)
		if !ok {
			return mismatch(t, v)
		}
		buf.WriteByte(byte(x))
		return nil
	case schema.KindUint16:
		x, ok := v.(Uint16)
		if !ok {
			return mismatch(t, v)
		}
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], uint16(x))
		buf.Write(tmp[:])
		return nil
	case schema.KindUint32:
		x, ok := v.(Uint32)
		if !ok {
			return mismatch(t, v)
		}
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(x))
		buf.Write(tmp[:])
		return nil
	case schema.KindUint64:
		x, ok := v.(Uint64)
		if !ok {
			return mismatch(t, v)
		}
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(x))
		buf.Write(tmp[:])
		return nil

	case schema.KindInt8:
		x, ok := v.(Int8)
		if !ok {
			return mismatch(t, v)
		}
		buf.WriteByte(byte(x))
		return nil
	case schema.KindInt16:
		x, ok := v.(Int16)
		if !ok {
			return mismatch(t, v)
		}
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], uint16(x))
		buf.Write(tmp[:])
		return nil
	case schema.KindInt32:
		x, ok := v.(Int32)
		if !ok {
			return mismatch(t, v)
		}
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(x))
		buf.Write(tmp[:])
		return nil
	case schema.KindInt64:
		x, ok := v.(Int64)
		if !ok {
			return mismatch(t, v)
		}
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(x))
		buf.Write(tmp[:])
		return nil

	case schema.KindString:
		s, ok := v.(String)
		if !ok {
			return mismatch(t, v)
		}
		if !utf8.ValidString(string(s)) {
			return fmt.Errorf("%w: string is not valid UTF-8", ErrTypeMismatch)
		}
		putUvarint(buf, uint64(len(s)))
		buf.WriteString(string(s))
		return nil

	case schema.KindBytes:
		b, ok := v.(Bytes)
		if !ok {
			return mismatch(t, v)
		}
		putUvarint(buf, uint64(len(b)))
		buf.Write(b)
		return nil

	case schema.KindSequence:
		seq, ok := v.(Sequence)
		if !ok {
			return mismatch(t, v)
		}
		elem, err := res.Get(t.Elem)
		if err != nil {
			return err
		}
		putUvarint(buf, uint64(len(seq)))
		for _, e := range seq {
			if err := encodeInto(buf, e, elem, res, append(path, t)); err != nil {
				return err
			}
		}
		return nil

	case schema.KindRecord:
		rec, ok := v.(Record)
		if !ok {
			return mismatch(t, v)
		}
		if len(rec) != len(t.Fields) {
			return fmt.Errorf("%w: record has %d values, schema declares %d fields",
				ErrTypeMismatch, len(rec), len(t.Fields))
		}
		for i, f := range t.Fields {
			ft, err := res.Get(f.Schema)
			if err != nil {
				return err
			}
			if err := encodeInto(buf, rec[i], ft, res, append(path, t)); err != nil {
				return fmt.Errorf("field %q: %w", f.Name, err)
			}
		}
		return nil

	case schema.KindEnum:
		e, ok := v.(Enum)
		if !ok {
			return mismatch(t, v)
		}
		if uint64(e) >= uint64(len(t.Variants)) {
			return fmt.Errorf("%w: enum variant %d out of %d", ErrTypeMismatch, e, len(t.Variants))
		}
		putUvarint(buf, uint64(e))
		return nil

	case schema.KindTagged:
		tg, ok := v.(Tagged)
		if !ok {
			return mismatch(t, v)
		}
		if tg.Variant >= uint64(len(t.Fields)) {
			return fmt.Errorf("%w: tagged variant %d out of %d", ErrTypeMismatch, tg.Variant, len(t.Fields))
		}
		vt, err := res.Get(t.Fields[tg.Variant].Schema)
		if err != nil {
			return err
		}
		putUvarint(buf, tg.Variant)
		if err := encodeInto(buf, tg.Value, vt, res, append(path, t)); err != nil {
			return fmt.Errorf("variant %q: %w", t.Fields[tg.Variant].Name, err)
		}
		return nil

	case schema.KindBond:
		b, ok := v.(Bond)
		if !ok {
			return mismatch(t, v)
		}
		buf.Write(b.Target[:])
		buf.Write(b.Schema[:])
		return nil

	case schema.KindTuple:
		tup, ok := v.(Tuple)
		if !ok {
			return mismatch(t, v)
		}
		if len(tup) != len(t.Elems) {
			return fmt.Errorf("%w: tuple has %d values, schema declares %d elements",
				ErrTypeMismatch, len(tup), len(t.Elems))
		}
		for i, eh := range t.Elems {
			et, err := res.Get(eh)
			if err != nil {
				return err
			}
			if err := encodeInto(buf, tup[i], et, res, append(path, t)); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		return nil

	case schema.KindMap, schema.KindOrderedMap:
		entries, err := mapEntries(t, v)
		if err != nil {
			return err
		}
		kt, err := res.Get(t.Elem)
		if err != nil {
			return err
		}
		vt, err := res.Get(t.Val)
		if err != nil {
			return err
		}
		putUvarint(buf, uint64(len(entries)))
		seen := make(map[string]struct{}, len(entries))
		var prevKey string
		for i, e := range entries {
			var kb bytes.Buffer
			if err := encodeInto(&kb, e.Key, kt, res, append(path, t)); err != nil {
				return fmt.Errorf("entry %d key: %w", i, err)
			}
			key := kb.String()
			if _, ok := seen[key]; ok {
				return fmt.Errorf("%w: duplicate map key at entry %d", ErrTypeMismatch, i)
			}
			seen[key] = struct{}{}
			if t.Kind == schema.KindMap && i > 0 && prevKey > key {
				return fmt.Errorf("%w: map keys not in canonical order at entry %d",
					ErrTypeMismatch, i)
			}
			prevKey = key
			buf.WriteString(key)
			if err := encodeInto(buf, e.Value, vt, res, append(path, t)); err != nil {
				return fmt.Errorf("entry %d value: %w", i, err)
			}
		}
		return nil

	case schema.KindSelfRef:
		if uint64(t.Level) >= uint64(len(path)) {
			return fmt.Errorf("%w: self reference level %d exceeds nesting depth %d",
				ErrTypeMismatch, t.Level, len(path))
		}
		idx := len(path) - 1 - int(t.Level)
		return encodeInto(buf, v, path[idx], res, path[:idx])
	}
	return fmt.Errorf("codec: cannot encode kind %s", t.Kind)
}

func mismatch(t *schema.Type, v Value) error {
	return fmt.Errorf("%w: schema %s, value %s", ErrTypeMismatch, t.Kind, kindOf(v))
}

func mapEntries(t *schema.Type, v Value) ([]MapEntry, error) {
	switch x := v.(type) {
	case Map:
		if t.Kind == schema.KindMap {
			return x, nil
		}
	case OrderedMap:
		if t.Kind == schema.KindOrderedMap {
			return x, nil
		}
	}
	return nil, mismatch(t, v)
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}
