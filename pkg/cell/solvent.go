// Package cell implements the lazy resolution layer: a Cell is a typed
// handle over a node that may not be locally present, and a Solvent is
// the resolution context composing the local store with remote peers.
// Dereferencing a bond costs nothing until the value is actually needed.
package cell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/polyepoxide/polyepoxide/pkg/codec"
	"github.com/polyepoxide/polyepoxide/pkg/hash"
	"github.com/polyepoxide/polyepoxide/pkg/schema"
	"github.com/polyepoxide/polyepoxide/pkg/store"
)

var (
	// ErrHashMismatch means a store returned bytes that do not hash to
	// the requested identity. This is fatal for the request: the source
	// is corrupt or malicious, and the bytes are never accepted.
	ErrHashMismatch = errors.New("cell: fetched bytes do not match requested hash")
	// ErrUnavailable means neither the local store nor any configured
	// remote could supply the node.
	ErrUnavailable = errors.New("cell: node unavailable")
)

// Fetcher retrieves node bytes from a remote peer. The transport client
// implements this. A missing node surfaces as store.ErrNotFound.
type Fetcher interface {
	Fetch(ctx context.Context, h hash.Hash) ([]byte, error)
}

const defaultValueCache = 4096

// Solvent resolves hashes into verified bytes and decoded values. The
// local store is always consulted first; remotes are tried in the
// configured priority order, first success wins. A solvent holds no
// per-cell state beyond the shared decoded-value cache.
type Solvent struct {
	local   store.Store
	reg     *schema.Registry
	remotes []Fetcher
	cache   *lru.Cache[hash.Hash, codec.Value]
	log     *slog.Logger
}

// Option configures a Solvent.
type Option func(*Solvent)

// WithRemotes sets the remote stores, in priority order.
func WithRemotes(remotes ...Fetcher) Option {
	return func(s *Solvent) { s.remotes = remotes }
}

// WithLogger injects a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Solvent) { s.log = l }
}

// WithValueCacheSize overrides the decoded-value cache capacity.
func WithValueCacheSize(n int) Option {
	return func(s *Solvent) {
		s.cache, _ = lru.New[hash.Hash, codec.Value](n)
	}
}

// NewSolvent creates a solvent over a local store and schema registry.
func NewSolvent(local store.Store, reg *schema.Registry, opts ...Option) *Solvent {
	s := &Solvent{local: local, reg: reg, log: slog.Default()}
	s.cache, _ = lru.New[hash.Hash, codec.Value](defaultValueCache)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Registry returns the schema registry the solvent decodes against.
func (s *Solvent) Registry() *schema.Registry {
	return s.reg
}

// Resolve returns the verified canonical bytes for a hash. Local bytes
// are trusted because every PutBatch ingress rehashes them before
// committing; remote bytes are rehashed here before being returned.
// Remote fetches are served from memory only.
// Persisting them is the sync engine's job, because a lone node written
// locally would break the closure invariant.
func (s *Solvent) Resolve(ctx context.Context, h hash.Hash) ([]byte, error) {
	b, err := s.local.Get(h)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	var lastErr error
	for i, remote := range s.remotes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := remote.Fetch(ctx, h)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			s.log.Debug("remote resolve failed",
				"hash", h.Short(), "remote", i, "err", err)
			lastErr = err
			continue
		}
		if hash.Sum(b) != h {
			// Never fall through to another peer after a verification
			// failure; surface the corruption immediately.
			return nil, fmt.Errorf("%w: remote %d for %s", ErrHashMismatch, i, h.Short())
		}
		return b, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, h.Short(), lastErr)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnavailable, h.Short())
}

// Type resolves a schema node by hash: registry first, then the same
// local-then-remote path as any other node. This lets a metadata-only
// replica decode values whose schemas it has not synced yet.
func (s *Solvent) Type(ctx context.Context, h hash.Hash) (*schema.Type, error) {
	t, err := s.reg.Get(h)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	b, rerr := s.Resolve(ctx, h)
	if rerr != nil {
		return nil, rerr
	}
	return schema.DecodeNode(b)
}

// resolver adapts a solvent (plus a context) to codec.SchemaResolver.
type resolver struct {
	ctx context.Context
	s   *Solvent
}

func (r resolver) Get(h hash.Hash) (*schema.Type, error) {
	return r.s.Type(r.ctx, h)
}
