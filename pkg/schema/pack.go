package schema

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/polyepoxide/polyepoxide/pkg/hash"
	"github.com/polyepoxide/polyepoxide/pkg/store"
)

// Schema packs serialize a schema closure as a single zstd stream so a
// device can be seeded with its type layer offline, before any peer sync.
// Pack layout (inside the compressed stream):
//
//	uvarint node count
//	per node: uvarint length, canonical schema node bytes
//
// Hashes are not written; the importer recomputes them, so a corrupted
// pack cannot smuggle bytes under a wrong hash.

const maxPackNode = 1 << 20 // 1 MB; schema nodes are tiny, anything bigger is corrupt

// ExportPack writes the closure of the given schema roots.
func (r *Registry) ExportPack(w io.Writer, roots ...hash.Hash) error {
	var ordered [][]byte
	seen := make(map[hash.Hash]struct{})

	var walk func(h hash.Hash) error
	walk = func(h hash.Hash) error {
		if _, ok := seen[h]; ok {
			return nil
		}
		seen[h] = struct{}{}
		b, err := r.st.Get(h)
		if err != nil {
			return fmt.Errorf("schema: export %s: %w", h.Short(), err)
		}
		t, err := DecodeNode(b)
		if err != nil {
			return fmt.Errorf("schema: export %s: %w", h.Short(), err)
		}
		for _, ref := range t.Refs() {
			if err := walk(ref); err != nil {
				return err
			}
		}
		ordered = append(ordered, b)
		return nil
	}
	for _, root := range roots {
		if err := walk(root); err != nil {
			return err
		}
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("schema: open pack writer: %w", err)
	}
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(ordered)))
	for _, b := range ordered {
		writeUvarint(&buf, uint64(len(b)))
		buf.Write(b)
	}
	if _, err := zw.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("schema: write pack: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("schema: close pack: %w", err)
	}
	return nil
}

// ImportPack reads a pack and commits all contained schema nodes in one
// closure-checked batch. Returns the imported hashes.
func (r *Registry) ImportPack(rd io.Reader) ([]hash.Hash, error) {
	zr, err := zstd.NewReader(rd)
	if err != nil {
		return nil, fmt.Errorf("schema: open pack reader: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("schema: read pack: %w", err)
	}
	br := bytes.NewReader(raw)
	count, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated pack count", ErrMalformedNode)
	}

	batch := make([]store.Node, 0, count)
	hashes := make([]hash.Hash, 0, count)
	for i := uint64(0); i < count; i++ {
		n, err := binary.ReadUvarint(br)
		if err != nil || n == 0 || n > maxPackNode || n > uint64(br.Len()) {
			return nil, fmt.Errorf("%w: bad pack entry length", ErrMalformedNode)
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(br, b); err != nil {
			return nil, fmt.Errorf("%w: truncated pack entry", ErrMalformedNode)
		}
		t, err := DecodeNode(b)
		if err != nil {
			return nil, err
		}
		h := hash.Sum(b)
		batch = append(batch, store.Node{Hash: h, Bytes: b, Deps: t.Refs()})
		hashes = append(hashes, h)
	}
	if br.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing pack bytes", ErrMalformedNode, br.Len())
	}

	if err := r.st.PutBatch(batch); err != nil {
		return nil, fmt.Errorf("schema: import pack: %w", err)
	}
	return hashes, nil
}
