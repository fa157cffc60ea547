package cell

import (
	"context"
	"sync"

	"github.com/polyepoxide/polyepoxide/pkg/codec"
	"github.com/polyepoxide/polyepoxide/pkg/hash"
)

// Cell is a lazy, typed handle over a stored node. Its identity is the
// node hash; the decoded value is produced on first Load and cached for
// the cell's lifetime. Descendant nodes stay separate lazy handles;
// loading a cell never pulls in the subtrees behind its bonds.
type Cell struct {
	hash       hash.Hash
	schemaHash hash.Hash
	solvent    *Solvent

	mu     sync.Mutex
	value  codec.Value
	loaded bool
}

// Bond is the decoded typed reference, re-exported so resolution-layer
// callers need not import the codec.
type Bond = codec.Bond

// CellFor constructs a lazy cell from a bond. No I/O happens here;
// resolution is deferred until Load.
func (s *Solvent) CellFor(b Bond) *Cell {
	return s.Cell(b.Target, b.Schema)
}

// Cell constructs a lazy cell for a hash and its declared schema hash.
func (s *Solvent) Cell(h, schemaHash hash.Hash) *Cell {
	return &Cell{hash: h, schemaHash: schemaHash, solvent: s}
}

// Hash returns the cell's identity.
func (c *Cell) Hash() hash.Hash {
	return c.hash
}

// SchemaHash returns the hash of the cell's declared type.
func (c *Cell) SchemaHash() hash.Hash {
	return c.schemaHash
}

// Load resolves and decodes the cell's value: local store first, then
// remotes in priority order, hash-verified before decoding. The result
// is cached on the cell and in the solvent's shared value cache.
func (c *Cell) Load(ctx context.Context) (codec.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.value, nil
	}
	if v, ok := c.solvent.cache.Get(c.hash); ok {
		c.value, c.loaded = v, true
		return v, nil
	}

	b, err := c.solvent.Resolve(ctx, c.hash)
	if err != nil {
		return nil, err
	}
	t, err := c.solvent.Type(ctx, c.schemaHash)
	if err != nil {
		return nil, err
	}
	v, err := codec.Decode(b, t, resolver{ctx: ctx, s: c.solvent})
	if err != nil {
		return nil, err
	}

	c.value, c.loaded = v, true
	c.solvent.cache.Add(c.hash, v)
	return v, nil
}

// Loaded reports whether the value has been resolved already.
func (c *Cell) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}
