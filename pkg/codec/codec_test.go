package codec_test

import (
	"testing"

	"github.com/polyepoxide/polyepoxide/pkg/codec"
	"github.com/polyepoxide/polyepoxide/pkg/hash"
	"github.com/polyepoxide/polyepoxide/pkg/schema"
	"github.com/polyepoxide/polyepoxide/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	reg *schema.Registry
	st  *store.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	return &fixture{reg: schema.NewRegistry(st), st: st}
}

// personSchema builds the canonical demo type:
// record { name: bytes, age: uint8 }.
func (f *fixture) personSchema(t *testing.T) hash.Hash {
	t.Helper()
	name, err := f.reg.Primitive(schema.KindBytes)
	require.NoError(t, err)
	age, err := f.reg.Primitive(schema.KindUint8)
	require.NoError(t, err)
	rec, err := f.reg.Record(
		schema.Field{Name: "name", Schema: name},
		schema.Field{Name: "age", Schema: age},
	)
	require.NoError(t, err)
	return rec
}

func (f *fixture) typeOf(t *testing.T, h hash.Hash) *schema.Type {
	t.Helper()
	ty, err := f.reg.Get(h)
	require.NoError(t, err)
	return ty
}

func TestPersonEncodesDeterministically(t *testing.T) {
	f := newFixture(t)
	ty := f.typeOf(t, f.personSchema(t))
	person := codec.Record{codec.Bytes("Al"), codec.Uint8(30)}

	b1, err := codec.Encode(person, ty, f.reg)
	require.NoError(t, err)
	b2, err := codec.Encode(person, ty, f.reg)
	require.NoError(t, err)

	assert.Equal(t, b1, b2)
	// Canonical layout: uvarint(2) "Al" then one age byte.
	assert.Equal(t, []byte{0x02, 'A', 'l', 0x1e}, b1)
	assert.Equal(t, hash.Sum(b1), hash.Sum(b2))
}

func TestPersonRoundTrip(t *testing.T) {
	f := newFixture(t)
	ty := f.typeOf(t, f.personSchema(t))
	person := codec.Record{codec.Bytes("Al"), codec.Uint8(30)}

	b, err := codec.Encode(person, ty, f.reg)
	require.NoError(t, err)

	got, err := codec.Decode(b, ty, f.reg)
	require.NoError(t, err)
	assert.Equal(t, codec.Value(person), got)

	// Re-encoding the decoded value reproduces the exact bytes.
	b2, err := codec.Encode(got, ty, f.reg)
	require.NoError(t, err)
	assert.Equal(t, b, b2)
}

func TestAgeOutsideUint8DomainFailsDecode(t *testing.T) {
	f := newFixture(t)
	ty := f.typeOf(t, f.personSchema(t))

	// 300 does not fit a u8 slot; the extra byte shifts the cursor and
	// the stream no longer matches the declared shape.
	raw := []byte{0x02, 'A', 'l', 0x01, 0x2c}
	_, err := codec.Decode(raw, ty, f.reg)
	assert.ErrorIs(t, err, codec.ErrMalformed)
}

func TestRoundTripAllPrimitives(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		kind schema.Kind
		val  codec.Value
	}{
		{schema.KindBool, codec.Bool(true)},
		{schema.KindBool, codec.Bool(false)},
		{schema.KindUint8, codec.Uint8(0xff)},
		{schema.KindUint16, codec.Uint16(0xbeef)},
		{schema.KindUint32, codec.Uint32(0xdeadbeef)},
		{schema.KindUint64, codec.Uint64(1<<63 + 7)},
		{schema.KindInt8, codec.Int8(-1)},
		{schema.KindInt16, codec.Int16(-12345)},
		{schema.KindInt32, codec.Int32(-7)},
		{schema.KindInt64, codec.Int64(-1 << 40)},
		{schema.KindString, codec.String("héllo wörld")},
		{schema.KindString, codec.String("")},
		{schema.KindBytes, codec.Bytes{0, 1, 2, 255}},
	}
	for _, tc := range cases {
		h, err := f.reg.Primitive(tc.kind)
		require.NoError(t, err)
		ty := f.typeOf(t, h)

		b, err := codec.Encode(tc.val, ty, f.reg)
		require.NoError(t, err, tc.kind.String())

		got, err := codec.Decode(b, ty, f.reg)
		require.NoError(t, err, tc.kind.String())
		assert.Equal(t, tc.val, got, tc.kind.String())
	}
}

func TestBoolRejectsOutOfDomainByte(t *testing.T) {
	f := newFixture(t)
	h, err := f.reg.Primitive(schema.KindBool)
	require.NoError(t, err)

	_, err = codec.Decode([]byte{0x02}, f.typeOf(t, h), f.reg)
	assert.ErrorIs(t, err, codec.ErrMalformed)
}

func TestStringRejectsInvalidUTF8(t *testing.T) {
	f := newFixture(t)
	h, err := f.reg.Primitive(schema.KindString)
	require.NoError(t, err)

	_, err = codec.Decode([]byte{0x02, 0xff, 0xfe}, f.typeOf(t, h), f.reg)
	assert.ErrorIs(t, err, codec.ErrMalformed)
}

func TestTrailingDataFailsDecode(t *testing.T) {
	f := newFixture(t)
	h, err := f.reg.Primitive(schema.KindUint8)
	require.NoError(t, err)

	_, err = codec.Decode([]byte{0x01, 0x02}, f.typeOf(t, h), f.reg)
	assert.ErrorIs(t, err, codec.ErrMalformed)
}

func TestExhaustedStreamFailsDecode(t *testing.T) {
	f := newFixture(t)
	ty := f.typeOf(t, f.personSchema(t))

	// name decodes, then the stream ends before age.
	_, err := codec.Decode([]byte{0x02, 'A', 'l'}, ty, f.reg)
	assert.ErrorIs(t, err, codec.ErrMalformed)
}

func TestEnumRoundTripAndUnknownVariant(t *testing.T) {
	f := newFixture(t)
	h, err := f.reg.EnumOf("red", "green", "blue")
	require.NoError(t, err)
	ty := f.typeOf(t, h)

	b, err := codec.Encode(codec.Enum(2), ty, f.reg)
	require.NoError(t, err)
	got, err := codec.Decode(b, ty, f.reg)
	require.NoError(t, err)
	assert.Equal(t, codec.Value(codec.Enum(2)), got)

	_, err = codec.Decode([]byte{0x03}, ty, f.reg)
	assert.ErrorIs(t, err, codec.ErrMalformed)
}

func TestTaggedUnionRoundTrip(t *testing.T) {
	f := newFixture(t)
	str, err := f.reg.Primitive(schema.KindString)
	require.NoError(t, err)
	num, err := f.reg.Primitive(schema.KindInt64)
	require.NoError(t, err)
	h, err := f.reg.Tagged(
		schema.Field{Name: "text", Schema: str},
		schema.Field{Name: "number", Schema: num},
	)
	require.NoError(t, err)
	ty := f.typeOf(t, h)

	v := codec.Tagged{Variant: 1, Value: codec.Int64(-99)}
	b, err := codec.Encode(v, ty, f.reg)
	require.NoError(t, err)
	got, err := codec.Decode(b, ty, f.reg)
	require.NoError(t, err)
	assert.Equal(t, codec.Value(v), got)

	// Tag beyond the declared variants.
	_, err = codec.Decode([]byte{0x05, 0x00}, ty, f.reg)
	assert.ErrorIs(t, err, codec.ErrMalformed)
}

func TestSequenceRoundTrip(t *testing.T) {
	f := newFixture(t)
	elem, err := f.reg.Primitive(schema.KindUint16)
	require.NoError(t, err)
	h, err := f.reg.SequenceOf(elem)
	require.NoError(t, err)
	ty := f.typeOf(t, h)

	v := codec.Sequence{codec.Uint16(1), codec.Uint16(2), codec.Uint16(3)}
	b, err := codec.Encode(v, ty, f.reg)
	require.NoError(t, err)
	got, err := codec.Decode(b, ty, f.reg)
	require.NoError(t, err)
	assert.Equal(t, codec.Value(v), got)
}

func TestSequenceRejectsAbsurdCount(t *testing.T) {
	f := newFixture(t)
	elem, err := f.reg.Primitive(schema.KindUint8)
	require.NoError(t, err)
	h, err := f.reg.SequenceOf(elem)
	require.NoError(t, err)

	// Claims 2^40 elements in a three-byte stream.
	raw := []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x20}
	_, err = codec.Decode(raw, f.typeOf(t, h), f.reg)
	assert.ErrorIs(t, err, codec.ErrMalformed)
}

func TestEncodeRejectsMismatchedValue(t *testing.T) {
	f := newFixture(t)
	h, err := f.reg.Primitive(schema.KindUint8)
	require.NoError(t, err)

	_, err = codec.Encode(codec.String("not a number"), f.typeOf(t, h), f.reg)
	assert.ErrorIs(t, err, codec.ErrTypeMismatch)
}

func TestBondDecodesWithoutTarget(t *testing.T) {
	f := newFixture(t)
	target := f.personSchema(t)
	bondTy, err := f.reg.BondTo(target)
	require.NoError(t, err)
	ty := f.typeOf(t, bondTy)

	bond := codec.Bond{Target: hash.Sum([]byte("absent node")), Schema: target}
	b, err := codec.Encode(bond, ty, f.reg)
	require.NoError(t, err)

	// Target was never stored; decoding still succeeds.
	got, err := codec.Decode(b, ty, f.reg)
	require.NoError(t, err)
	assert.Equal(t, codec.Value(bond), got)
}

func TestCollectBonds(t *testing.T) {
	f := newFixture(t)
	person := f.personSchema(t)
	bondTy, err := f.reg.BondTo(person)
	require.NoError(t, err)
	seqTy, err := f.reg.SequenceOf(bondTy)
	require.NoError(t, err)
	title, err := f.reg.Primitive(schema.KindString)
	require.NoError(t, err)
	bookTy, err := f.reg.Record(
		schema.Field{Name: "title", Schema: title},
		schema.Field{Name: "authors", Schema: seqTy},
	)
	require.NoError(t, err)
	ty := f.typeOf(t, bookTy)

	b1 := codec.Bond{Target: hash.Sum([]byte("alice")), Schema: person}
	b2 := codec.Bond{Target: hash.Sum([]byte("bob")), Schema: person}
	book := codec.Record{codec.String("of bonds"), codec.Sequence{b1, b2}}

	raw, err := codec.Encode(book, ty, f.reg)
	require.NoError(t, err)

	bonds, err := codec.CollectBonds(raw, ty, f.reg)
	require.NoError(t, err)
	assert.Equal(t, []codec.Bond{b1, b2}, bonds)
}

func TestTupleRoundTrip(t *testing.T) {
	f := newFixture(t)
	str, err := f.reg.Primitive(schema.KindString)
	require.NoError(t, err)
	u8, err := f.reg.Primitive(schema.KindUint8)
	require.NoError(t, err)
	h, err := f.reg.TupleOf(str, u8)
	require.NoError(t, err)
	ty := f.typeOf(t, h)

	v := codec.Tuple{codec.String("pair"), codec.Uint8(7)}
	b, err := codec.Encode(v, ty, f.reg)
	require.NoError(t, err)
	got, err := codec.Decode(b, ty, f.reg)
	require.NoError(t, err)
	assert.Equal(t, codec.Value(v), got)

	// Arity is fixed by the schema.
	_, err = codec.Encode(codec.Tuple{codec.String("lonely")}, ty, f.reg)
	assert.ErrorIs(t, err, codec.ErrTypeMismatch)
}

func TestMapCanonicalKeyOrder(t *testing.T) {
	f := newFixture(t)
	u8, err := f.reg.Primitive(schema.KindUint8)
	require.NoError(t, err)
	str, err := f.reg.Primitive(schema.KindString)
	require.NoError(t, err)
	h, err := f.reg.MapOf(u8, str)
	require.NoError(t, err)
	ty := f.typeOf(t, h)

	sorted := codec.Map{
		{Key: codec.Uint8(1), Value: codec.String("one")},
		{Key: codec.Uint8(2), Value: codec.String("two")},
	}
	b, err := codec.Encode(sorted, ty, f.reg)
	require.NoError(t, err)
	got, err := codec.Decode(b, ty, f.reg)
	require.NoError(t, err)
	assert.Equal(t, codec.Value(sorted), got)

	unsorted := codec.Map{
		{Key: codec.Uint8(2), Value: codec.String("two")},
		{Key: codec.Uint8(1), Value: codec.String("one")},
	}
	_, err = codec.Encode(unsorted, ty, f.reg)
	assert.ErrorIs(t, err, codec.ErrTypeMismatch)

	dup := codec.Map{
		{Key: codec.Uint8(1), Value: codec.String("one")},
		{Key: codec.Uint8(1), Value: codec.String("again")},
	}
	_, err = codec.Encode(dup, ty, f.reg)
	assert.ErrorIs(t, err, codec.ErrTypeMismatch)

	// Bytes carrying out-of-order keys are not canonical.
	raw := []byte{0x02, 0x02, 0x03, 't', 'w', 'o', 0x01, 0x03, 'o', 'n', 'e'}
	_, err = codec.Decode(raw, ty, f.reg)
	assert.ErrorIs(t, err, codec.ErrMalformed)
}

func TestOrderedMapPreservesInsertionOrder(t *testing.T) {
	f := newFixture(t)
	u8, err := f.reg.Primitive(schema.KindUint8)
	require.NoError(t, err)
	str, err := f.reg.Primitive(schema.KindString)
	require.NoError(t, err)
	h, err := f.reg.OrderedMapOf(u8, str)
	require.NoError(t, err)
	ty := f.typeOf(t, h)

	v := codec.OrderedMap{
		{Key: codec.Uint8(9), Value: codec.String("ninth")},
		{Key: codec.Uint8(1), Value: codec.String("first")},
	}
	b, err := codec.Encode(v, ty, f.reg)
	require.NoError(t, err)
	got, err := codec.Decode(b, ty, f.reg)
	require.NoError(t, err)
	assert.Equal(t, codec.Value(v), got)

	dup := codec.OrderedMap{
		{Key: codec.Uint8(9), Value: codec.String("ninth")},
		{Key: codec.Uint8(9), Value: codec.String("again")},
	}
	_, err = codec.Encode(dup, ty, f.reg)
	assert.ErrorIs(t, err, codec.ErrTypeMismatch)
}

// treeSchema builds record { label: uint8, children: sequence<selfref> }
// where the self reference points one level up, past the sequence, back
// to the record.
func (f *fixture) treeSchema(t *testing.T) hash.Hash {
	t.Helper()
	u8, err := f.reg.Primitive(schema.KindUint8)
	require.NoError(t, err)
	sr, err := f.reg.SelfRef(1)
	require.NoError(t, err)
	seq, err := f.reg.SequenceOf(sr)
	require.NoError(t, err)
	rec, err := f.reg.Record(
		schema.Field{Name: "label", Schema: u8},
		schema.Field{Name: "children", Schema: seq},
	)
	require.NoError(t, err)
	return rec
}

func TestSelfRefRecursiveRoundTrip(t *testing.T) {
	f := newFixture(t)
	ty := f.typeOf(t, f.treeSchema(t))

	leaf := func(n uint8) codec.Record {
		return codec.Record{codec.Uint8(n), codec.Sequence{}}
	}
	tree := codec.Record{
		codec.Uint8(1),
		codec.Sequence{
			leaf(2),
			codec.Record{codec.Uint8(3), codec.Sequence{leaf(4)}},
		},
	}

	b, err := codec.Encode(tree, ty, f.reg)
	require.NoError(t, err)
	got, err := codec.Decode(b, ty, f.reg)
	require.NoError(t, err)
	assert.Equal(t, codec.Value(tree), got)
}

func TestSelfRefWithoutEnclosingTypeFails(t *testing.T) {
	f := newFixture(t)
	h, err := f.reg.SelfRef(0)
	require.NoError(t, err)
	ty := f.typeOf(t, h)

	// At the top level there is nothing to refer back to.
	_, err = codec.Encode(codec.Uint8(1), ty, f.reg)
	assert.ErrorIs(t, err, codec.ErrTypeMismatch)
	_, err = codec.Decode([]byte{0x01}, ty, f.reg)
	assert.ErrorIs(t, err, codec.ErrMalformed)
}

func TestCollectBondsInMap(t *testing.T) {
	f := newFixture(t)
	person := f.personSchema(t)
	bondTy, err := f.reg.BondTo(person)
	require.NoError(t, err)
	u8, err := f.reg.Primitive(schema.KindUint8)
	require.NoError(t, err)
	mapTy, err := f.reg.MapOf(u8, bondTy)
	require.NoError(t, err)
	ty := f.typeOf(t, mapTy)

	b1 := codec.Bond{Target: hash.Sum([]byte("alice")), Schema: person}
	b2 := codec.Bond{Target: hash.Sum([]byte("bob")), Schema: person}
	v := codec.Map{
		{Key: codec.Uint8(1), Value: b1},
		{Key: codec.Uint8(2), Value: b2},
	}

	raw, err := codec.Encode(v, ty, f.reg)
	require.NoError(t, err)

	bonds, err := codec.CollectBonds(raw, ty, f.reg)
	require.NoError(t, err)
	assert.Equal(t, []codec.Bond{b1, b2}, bonds)
}

func TestDeps(t *testing.T) {
	f := newFixture(t)
	person := f.personSchema(t)
	bondTy, err := f.reg.BondTo(person)
	require.NoError(t, err)
	ty := f.typeOf(t, bondTy)

	target := hash.Sum([]byte("a person node"))
	raw, err := codec.Encode(codec.Bond{Target: target, Schema: person}, ty, f.reg)
	require.NoError(t, err)

	deps, bonds, err := codec.Deps(raw, bondTy, f.reg)
	require.NoError(t, err)
	assert.Len(t, bonds, 1)
	assert.Contains(t, deps, bondTy, "own schema hash")
	assert.Contains(t, deps, target, "bond target")
	assert.Contains(t, deps, person, "bond target schema")
}
