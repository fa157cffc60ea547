// Package blob stores large byte streams as DAGs: the stream is split
// into content-defined chunks, each chunk becomes a bytes node, and a
// root record bonds them together. Identical chunks across blobs land
// on the same hash and are stored once.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	boxochunker "github.com/ipfs/boxo/chunker"

	"github.com/polyepoxide/polyepoxide/pkg/cell"
	"github.com/polyepoxide/polyepoxide/pkg/codec"
	"github.com/polyepoxide/polyepoxide/pkg/hash"
	"github.com/polyepoxide/polyepoxide/pkg/schema"
	"github.com/polyepoxide/polyepoxide/pkg/store"
)

const chunkSize = 256 * 1024

// Schemas holds the persisted type hashes a blob DAG is built from.
type Schemas struct {
	// Chunk is the bytes type each chunk node carries.
	Chunk hash.Hash
	// Root is the blob root record: {length uint64, chunks sequence of
	// bonds to chunk nodes}.
	Root hash.Hash
}

// DeclareSchemas persists the blob types into the registry. Idempotent;
// repeated calls land on the same hashes.
func DeclareSchemas(reg *schema.Registry) (Schemas, error) {
	chunkT, err := reg.Primitive(schema.KindBytes)
	if err != nil {
		return Schemas{}, err
	}
	u64T, err := reg.Primitive(schema.KindUint64)
	if err != nil {
		return Schemas{}, err
	}
	bondT, err := reg.BondTo(chunkT)
	if err != nil {
		return Schemas{}, err
	}
	seqT, err := reg.SequenceOf(bondT)
	if err != nil {
		return Schemas{}, err
	}
	rootT, err := reg.Record(
		schema.Field{Name: "length", Schema: u64T},
		schema.Field{Name: "chunks", Schema: seqT},
	)
	if err != nil {
		return Schemas{}, err
	}
	return Schemas{Chunk: chunkT, Root: rootT}, nil
}

// Write splits the reader into chunks and commits the resulting DAG.
// Chunks are committed before the root, so an interrupted write leaves
// only orphan-free chunk nodes behind. Returns the root hash.
func Write(st store.Store, reg *schema.Registry, r io.Reader) (hash.Hash, error) {
	schemas, err := DeclareSchemas(reg)
	if err != nil {
		return hash.Zero, err
	}
	chunkTyp, err := reg.Get(schemas.Chunk)
	if err != nil {
		return hash.Zero, err
	}

	splitter := boxochunker.NewRabin(r, chunkSize)
	var (
		bonds  codec.Sequence
		length uint64
	)
	for {
		data, err := splitter.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			return hash.Zero, fmt.Errorf("blob: chunk: %w", err)
		}
		length += uint64(len(data))

		b, err := codec.Encode(codec.Bytes(data), chunkTyp, reg)
		if err != nil {
			return hash.Zero, err
		}
		h := hash.Sum(b)
		err = st.PutBatch([]store.Node{
			{Hash: h, Bytes: b, Deps: []hash.Hash{schemas.Chunk}},
		})
		if err != nil {
			return hash.Zero, err
		}
		bonds = append(bonds, codec.Bond{Target: h, Schema: schemas.Chunk})
	}

	rootTyp, err := reg.Get(schemas.Root)
	if err != nil {
		return hash.Zero, err
	}
	rb, err := codec.Encode(codec.Record{codec.Uint64(length), bonds}, rootTyp, reg)
	if err != nil {
		return hash.Zero, err
	}
	rootHash := hash.Sum(rb)
	deps, _, err := codec.Deps(rb, schemas.Root, reg)
	if err != nil {
		return hash.Zero, err
	}
	err = st.PutBatch([]store.Node{
		{Hash: rootHash, Bytes: rb, Deps: deps},
	})
	if err != nil {
		return hash.Zero, err
	}
	return rootHash, nil
}

// Read streams a blob back by loading its root and dereferencing the
// chunk bonds one by one through the solvent. Chunks held by remotes
// are fetched on demand.
func Read(ctx context.Context, sol *cell.Solvent, root hash.Hash) (io.Reader, error) {
	schemas, err := DeclareSchemas(sol.Registry())
	if err != nil {
		return nil, err
	}
	v, err := sol.Cell(root, schemas.Root).Load(ctx)
	if err != nil {
		return nil, err
	}
	rec, ok := v.(codec.Record)
	if !ok || len(rec) != 2 {
		return nil, fmt.Errorf("blob: %s is not a blob root", root.Short())
	}
	length, ok := rec[0].(codec.Uint64)
	if !ok {
		return nil, fmt.Errorf("blob: %s has a malformed length field", root.Short())
	}
	chunks, ok := rec[1].(codec.Sequence)
	if !ok {
		return nil, fmt.Errorf("blob: %s has a malformed chunk list", root.Short())
	}

	return &reader{ctx: ctx, sol: sol, chunks: chunks, want: uint64(length)}, nil
}

// ReadAll is Read followed by draining the stream.
func ReadAll(ctx context.Context, sol *cell.Solvent, root hash.Hash) ([]byte, error) {
	r, err := Read(ctx, sol, root)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

type reader struct {
	ctx    context.Context
	sol    *cell.Solvent
	chunks codec.Sequence
	next   int
	cur    bytes.Reader
	read   uint64
	want   uint64
}

func (r *reader) Read(p []byte) (int, error) {
	for r.cur.Len() == 0 {
		if r.next >= len(r.chunks) {
			if r.read != r.want {
				return 0, fmt.Errorf(
					"blob: length mismatch: root declares %d bytes, chunks held %d",
					r.want, r.read)
			}
			return 0, io.EOF
		}
		bond, ok := r.chunks[r.next].(codec.Bond)
		if !ok {
			return 0, fmt.Errorf("blob: chunk %d is not a bond", r.next)
		}
		r.next++
		v, err := r.sol.CellFor(bond).Load(r.ctx)
		if err != nil {
			return 0, err
		}
		data, ok := v.(codec.Bytes)
		if !ok {
			return 0, fmt.Errorf("blob: chunk %s is not bytes", bond.Target.Short())
		}
		r.read += uint64(len(data))
		r.cur.Reset(data)
	}
	return r.cur.Read(p)
}
