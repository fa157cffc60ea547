// Package dagsync replicates node DAGs between replicas. Transfers are
// dependency-first: a node is committed only after every subtree it
// references has landed, so an interrupted sync can never leave a store
// holding a parent without its children. Schema nodes travel through
// the same mechanism as data nodes.
package dagsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polyepoxide/polyepoxide/pkg/codec"
	"github.com/polyepoxide/polyepoxide/pkg/hash"
	"github.com/polyepoxide/polyepoxide/pkg/schema"
	"github.com/polyepoxide/polyepoxide/pkg/store"
)

var (
	// ErrPeerUnavailable marks transient transport failures. Operations
	// wrapped in it are retried with backoff; anything else is final.
	ErrPeerUnavailable = errors.New("dagsync: peer unavailable")
	// ErrHashMismatch means a peer served bytes that do not match the
	// requested hash. Fatal, never retried against the same peer.
	ErrHashMismatch = errors.New("dagsync: peer bytes do not match requested hash")
)

// Peer is the remote side of a sync. The transport client implements
// this over the wire; LocalPeer implements it over an in-process store.
type Peer interface {
	// Has reports presence for each requested hash, in order.
	Has(ctx context.Context, hashes []hash.Hash) ([]bool, error)
	// Get returns the canonical bytes stored under the hash, or
	// store.ErrNotFound.
	Get(ctx context.Context, h hash.Hash) ([]byte, error)
	// Put stores a batch under the peer's usual closure-checked,
	// write-once semantics.
	Put(ctx context.Context, nodes []store.Node) error
}

// SkipFunc decides whether a bond target is pulled. It sees the
// target's hash and its declared type and runs purely locally; peers
// never learn which predicate a replica uses. Skipped targets are
// recorded as elided on the referencing node so the local closure check
// knows their absence is deliberate.
type SkipFunc func(h hash.Hash, t *schema.Type) bool

const (
	defaultRetries = 3
	defaultBackoff = 250 * time.Millisecond
)

// Engine drives pulls and pushes against one local store.
type Engine struct {
	local   store.Store
	reg     *schema.Registry
	log     *slog.Logger
	skip    SkipFunc
	retries int
	backoff time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithSkipFunc installs a selective-sync predicate for pulls.
func WithSkipFunc(f SkipFunc) Option {
	return func(e *Engine) { e.skip = f }
}

// WithLogger injects a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithRetry overrides the retry count and initial backoff applied to
// peer operations that fail with ErrPeerUnavailable.
func WithRetry(retries int, backoff time.Duration) Option {
	return func(e *Engine) {
		e.retries = retries
		e.backoff = backoff
	}
}

// New creates a sync engine over the local store and schema registry.
func New(local store.Store, reg *schema.Registry, opts ...Option) *Engine {
	e := &Engine{
		local:   local,
		reg:     reg,
		log:     slog.Default(),
		retries: defaultRetries,
		backoff: defaultBackoff,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Pull replicates the DAG rooted at root (declared schema schemaHash)
// from the peer into the local store. Subtrees already present locally
// are not transferred again. Returns nil when the root was already
// present.
func (e *Engine) Pull(ctx context.Context, p Peer, root, schemaHash hash.Hash) error {
	start := time.Now()
	if err := e.pullNode(ctx, p, root, schemaHash); err != nil {
		return err
	}
	e.log.Info("pull complete",
		"root", root.Short(), "took", time.Since(start))
	return nil
}

func (e *Engine) pullNode(ctx context.Context, p Peer, h, schemaHash hash.Hash) error {
	if err := e.pullSchema(ctx, p, schemaHash); err != nil {
		return err
	}
	ok, err := e.local.Has(h)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	b, err := e.fetch(ctx, p, h)
	if err != nil {
		return err
	}
	deps, bonds, err := codec.Deps(b, schemaHash, e.reg)
	if err != nil {
		return fmt.Errorf("dagsync: decode %s: %w", h.Short(), err)
	}

	var elided []hash.Hash
	for _, bond := range bonds {
		// The target's schema is part of the dependency set whether or
		// not the target itself is pulled.
		if err := e.pullSchema(ctx, p, bond.Schema); err != nil {
			return err
		}
		if e.skip != nil {
			t, err := e.reg.Get(bond.Schema)
			if err != nil {
				return err
			}
			if e.skip(bond.Target, t) {
				elided = append(elided, bond.Target)
				continue
			}
		}
		if err := e.pullNode(ctx, p, bond.Target, bond.Schema); err != nil {
			return err
		}
	}

	// Children landed in their own batches above, so committing the
	// parent now keeps the store closure-complete at every point.
	return e.local.PutBatch([]store.Node{{
		Hash: h, Bytes: b, Deps: deps, Elided: elided,
	}})
}

// pullSchema replicates a schema subtree. Schema nodes self-describe,
// so they decode without any registry lookup.
func (e *Engine) pullSchema(ctx context.Context, p Peer, h hash.Hash) error {
	ok, err := e.local.Has(h)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	b, err := e.fetch(ctx, p, h)
	if err != nil {
		return err
	}
	t, err := schema.DecodeNode(b)
	if err != nil {
		return fmt.Errorf("dagsync: schema %s: %w", h.Short(), err)
	}
	for _, ref := range t.Refs() {
		if err := e.pullSchema(ctx, p, ref); err != nil {
			return err
		}
	}
	return e.local.PutBatch([]store.Node{{Hash: h, Bytes: b, Deps: t.Refs()}})
}

// fetch gets one node from the peer with retry and hash verification.
func (e *Engine) fetch(ctx context.Context, p Peer, h hash.Hash) ([]byte, error) {
	var b []byte
	err := e.withRetry(ctx, func() error {
		var err error
		b, err = p.Get(ctx, h)
		return err
	})
	if err != nil {
		return nil, err
	}
	if hash.Sum(b) != h {
		return nil, fmt.Errorf("%w: %s", ErrHashMismatch, h.Short())
	}
	return b, nil
}

// Push replicates the local DAG rooted at root (declared schema
// schemaHash) to the peer. Subtrees the peer already holds are not
// transferred. Locally elided subtrees stay elided on the wire.
func (e *Engine) Push(ctx context.Context, p Peer, root, schemaHash hash.Hash) error {
	start := time.Now()
	if err := e.pushNode(ctx, p, root, schemaHash); err != nil {
		return err
	}
	e.log.Info("push complete",
		"root", root.Short(), "took", time.Since(start))
	return nil
}

func (e *Engine) pushNode(ctx context.Context, p Peer, h, schemaHash hash.Hash) error {
	if err := e.pushSchema(ctx, p, schemaHash); err != nil {
		return err
	}
	remote, err := e.peerHas(ctx, p, h)
	if err != nil {
		return err
	}
	if remote {
		return nil
	}

	b, err := e.local.Get(h)
	if err != nil {
		return err
	}
	deps, bonds, err := codec.Deps(b, schemaHash, e.reg)
	if err != nil {
		return fmt.Errorf("dagsync: decode %s: %w", h.Short(), err)
	}

	var elided []hash.Hash
	for _, bond := range bonds {
		if err := e.pushSchema(ctx, p, bond.Schema); err != nil {
			return err
		}
		ok, err := e.local.Has(bond.Target)
		if err != nil {
			return err
		}
		if !ok {
			// Absent locally means it was elided on pull; the peer's
			// closure check needs to hear that explicitly.
			elided = append(elided, bond.Target)
			continue
		}
		if err := e.pushNode(ctx, p, bond.Target, bond.Schema); err != nil {
			return err
		}
	}

	return e.putRemote(ctx, p, store.Node{
		Hash: h, Bytes: b, Deps: deps, Elided: elided,
	})
}

func (e *Engine) pushSchema(ctx context.Context, p Peer, h hash.Hash) error {
	remote, err := e.peerHas(ctx, p, h)
	if err != nil {
		return err
	}
	if remote {
		return nil
	}
	b, err := e.local.Get(h)
	if err != nil {
		return err
	}
	t, err := schema.DecodeNode(b)
	if err != nil {
		return fmt.Errorf("dagsync: schema %s: %w", h.Short(), err)
	}
	for _, ref := range t.Refs() {
		if err := e.pushSchema(ctx, p, ref); err != nil {
			return err
		}
	}
	return e.putRemote(ctx, p, store.Node{Hash: h, Bytes: b, Deps: t.Refs()})
}

func (e *Engine) peerHas(ctx context.Context, p Peer, h hash.Hash) (bool, error) {
	var found bool
	err := e.withRetry(ctx, func() error {
		res, err := p.Has(ctx, []hash.Hash{h})
		if err != nil {
			return err
		}
		if len(res) != 1 {
			return fmt.Errorf("dagsync: has returned %d results for 1 hash", len(res))
		}
		found = res[0]
		return nil
	})
	return found, err
}

func (e *Engine) putRemote(ctx context.Context, p Peer, n store.Node) error {
	return e.withRetry(ctx, func() error {
		return p.Put(ctx, []store.Node{n})
	})
}

// withRetry runs op, retrying with doubling backoff while the failure
// is ErrPeerUnavailable.
func (e *Engine) withRetry(ctx context.Context, op func() error) error {
	backoff := e.backoff
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !errors.Is(err, ErrPeerUnavailable) {
			return err
		}
		if attempt >= e.retries {
			return err
		}
		e.log.Debug("peer unavailable, retrying",
			"attempt", attempt+1, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
