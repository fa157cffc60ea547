package schema

import (
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/polyepoxide/polyepoxide/pkg/hash"
	"github.com/polyepoxide/polyepoxide/pkg/store"
)

const defaultCacheSize = 1024

// Registry persists schema nodes in a node store and hands out decoded
// types. Put is idempotent: resubmitting an identical structure lands on
// the same hash and the store's write-once semantics make it a no-op.
// Decoded types are kept in an LRU cache because the traversal engine
// asks for the same handful of types over and over.
type Registry struct {
	st    store.Store
	cache *lru.Cache[hash.Hash, *Type]
	log   *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	cacheSize int
	log       *slog.Logger
}

// WithCacheSize overrides the decoded-type cache capacity.
func WithCacheSize(n int) RegistryOption {
	return func(c *registryConfig) { c.cacheSize = n }
}

// WithLogger injects a structured logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(c *registryConfig) { c.log = l }
}

// NewRegistry creates a registry over the given store.
func NewRegistry(st store.Store, opts ...RegistryOption) *Registry {
	cfg := registryConfig{cacheSize: defaultCacheSize}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}
	cache, _ := lru.New[hash.Hash, *Type](cfg.cacheSize)
	return &Registry{st: st, cache: cache, log: cfg.log}
}

// Put persists a type node. Its nested type references must already be in
// the store (the builder helpers guarantee that); otherwise the closure
// check rejects the write with store.ErrIncompleteBatch.
func (r *Registry) Put(t *Type) (hash.Hash, error) {
	b, err := EncodeNode(t)
	if err != nil {
		return hash.Zero, err
	}
	h := hash.Sum(b)
	if _, ok := r.cache.Get(h); ok {
		return h, nil
	}
	err = r.st.PutBatch([]store.Node{{Hash: h, Bytes: b, Deps: t.Refs()}})
	if err != nil {
		return hash.Zero, fmt.Errorf("schema: put %s: %w", h.Short(), err)
	}
	r.cache.Add(h, t)
	return h, nil
}

// Get returns the decoded type stored under the hash, or
// store.ErrNotFound when the schema node is absent locally.
func (r *Registry) Get(h hash.Hash) (*Type, error) {
	if t, ok := r.cache.Get(h); ok {
		return t, nil
	}
	b, err := r.st.Get(h)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("schema %s: %w", h.Short(), store.ErrNotFound)
		}
		return nil, err
	}
	t, err := DecodeNode(b)
	if err != nil {
		// A stored node that fails to decode as a schema means the hash
		// does not name a schema node at all.
		return nil, fmt.Errorf("schema %s: %w", h.Short(), err)
	}
	r.cache.Add(h, t)
	return t, nil
}

// Has reports whether the schema node is present locally.
func (r *Registry) Has(h hash.Hash) (bool, error) {
	if _, ok := r.cache.Get(h); ok {
		return true, nil
	}
	return r.st.Has(h)
}

// Builder helpers. Each persists the type it describes and returns its
// hash, so nested hashes are always available when composing types
// bottom-up.

// Primitive persists a primitive type node.
func (r *Registry) Primitive(k Kind) (hash.Hash, error) {
	if !k.IsPrimitive() {
		return hash.Zero, fmt.Errorf("schema: %s is not primitive", k)
	}
	return r.Put(&Type{Kind: k})
}

// SequenceOf persists a sequence type over the given element type.
func (r *Registry) SequenceOf(elem hash.Hash) (hash.Hash, error) {
	return r.Put(&Type{Kind: KindSequence, Elem: elem})
}

// BondTo persists a bond type referencing the given target type.
func (r *Registry) BondTo(target hash.Hash) (hash.Hash, error) {
	return r.Put(&Type{Kind: KindBond, Elem: target})
}

// Record persists a record type with the given ordered fields.
func (r *Registry) Record(fields ...Field) (hash.Hash, error) {
	return r.Put(&Type{Kind: KindRecord, Fields: fields})
}

// Tagged persists a tagged-union type with the given ordered variants.
func (r *Registry) Tagged(variants ...Field) (hash.Hash, error) {
	return r.Put(&Type{Kind: KindTagged, Fields: variants})
}

// EnumOf persists a unit-variant enum type.
func (r *Registry) EnumOf(names ...string) (hash.Hash, error) {
	return r.Put(&Type{Kind: KindEnum, Variants: names})
}

// TupleOf persists a fixed-size tuple type with positional element types.
func (r *Registry) TupleOf(elems ...hash.Hash) (hash.Hash, error) {
	return r.Put(&Type{Kind: KindTuple, Elems: elems})
}

// MapOf persists an unordered map type. Entries are canonically sorted
// by encoded key.
func (r *Registry) MapOf(key, val hash.Hash) (hash.Hash, error) {
	return r.Put(&Type{Kind: KindMap, Elem: key, Val: val})
}

// OrderedMapOf persists a map type that preserves insertion order.
func (r *Registry) OrderedMapOf(key, val hash.Hash) (hash.Hash, error) {
	return r.Put(&Type{Kind: KindOrderedMap, Elem: key, Val: val})
}

// SelfRef persists a self-reference type standing for the enclosing
// compound type level levels above its use site (0 = immediate parent).
// It is the only way to declare a recursive type: a node cannot embed
// its own hash, so recursion is expressed positionally instead.
func (r *Registry) SelfRef(level uint32) (hash.Hash, error) {
	return r.Put(&Type{Kind: KindSelfRef, Level: level})
}
