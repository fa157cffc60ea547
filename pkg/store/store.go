// Package store defines the content-addressed node store: an append-only
// table mapping hash to canonical bytes. Writes go through PutBatch, which
// enforces the dependency-closure invariant: a node may only be committed
// if every hash it references is already in the store, part of the same
// batch, or deliberately elided by a selective-sync decision.
package store

import (
	"errors"
	"fmt"

	"github.com/polyepoxide/polyepoxide/pkg/hash"
)

var (
	// ErrNotFound is returned when a hash is absent from the store.
	ErrNotFound = errors.New("store: node not found")
	// ErrIncompleteBatch is returned when a batch references a dependency
	// that is neither present in the store nor part of the batch. Nothing
	// is committed in that case.
	ErrIncompleteBatch = errors.New("store: batch missing dependencies")
	// ErrHashMismatch is returned when a batch entry's bytes do not
	// digest to its declared hash. Nothing is committed in that case;
	// write-once storage would make a poisoned slot permanent.
	ErrHashMismatch = errors.New("store: node bytes do not match hash")
)

// Node is one entry of a PutBatch. Bytes are the node's canonical
// encoding; Hash must equal hash.Sum(Bytes). Deps lists every hash the
// bytes reference (bond targets, their schema hashes, and the node's own
// schema hash) as computed by the codec layer. Elided lists deps a
// selective sync chose to leave behind; the store accepts their absence.
type Node struct {
	Hash   hash.Hash
	Bytes  []byte
	Deps   []hash.Hash
	Elided []hash.Hash
}

// Store is the local content-addressed node store. Implementations must
// support concurrent readers and serialize PutBatch calls. Entries are
// write-once: PutBatch never mutates an existing entry, and re-inserting
// a present hash is a no-op.
type Store interface {
	// Has reports whether the hash is present.
	Has(h hash.Hash) (bool, error)
	// Get returns the bytes stored under the hash, or ErrNotFound.
	Get(h hash.Hash) ([]byte, error)
	// PutBatch atomically inserts all nodes of the batch, or nothing.
	// Returns ErrIncompleteBatch if the closure invariant would break.
	PutBatch(batch []Node) error
	// Close releases the underlying resources.
	Close() error
}

// VerifyBatch recomputes every entry's digest and rejects the batch on
// the first mismatch. Every implementation runs this on every PutBatch,
// so forged bytes are refused no matter which ingress (local write,
// wire Put, pack import) carried them.
func VerifyBatch(batch []Node) error {
	for _, n := range batch {
		if hash.Sum(n.Bytes) != n.Hash {
			return fmt.Errorf("%w: %s", ErrHashMismatch, n.Hash.Short())
		}
	}
	return nil
}

// CheckClosure verifies the closure precondition of a batch against a
// presence oracle. It is shared by the in-memory and persistent stores so
// both apply identical semantics.
func CheckClosure(batch []Node, present func(hash.Hash) (bool, error)) error {
	inBatch := make(map[hash.Hash]struct{}, len(batch))
	for _, n := range batch {
		inBatch[n.Hash] = struct{}{}
	}
	for _, n := range batch {
		elided := make(map[hash.Hash]struct{}, len(n.Elided))
		for _, e := range n.Elided {
			elided[e] = struct{}{}
		}
		for _, dep := range n.Deps {
			if _, ok := inBatch[dep]; ok {
				continue
			}
			if _, ok := elided[dep]; ok {
				continue
			}
			ok, err := present(dep)
			if err != nil {
				return err
			}
			if !ok {
				return ErrIncompleteBatch
			}
		}
	}
	return nil
}
