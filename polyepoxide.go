// Package polyepoxide is a content-addressed, schema-aware data store
// with offline-first peer sync. Nodes are immutable byte strings named
// by their hash; schemas are nodes themselves; references between nodes
// are typed bonds that resolve lazily. Replication preserves the
// dependency closure, so a replica never holds a node whose referenced
// subtrees are neither present nor deliberately elided.
package polyepoxide

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polyepoxide/polyepoxide/internal/badgerstore"
	"github.com/polyepoxide/polyepoxide/internal/transport"
	"github.com/polyepoxide/polyepoxide/pkg/blob"
	"github.com/polyepoxide/polyepoxide/pkg/cell"
	"github.com/polyepoxide/polyepoxide/pkg/codec"
	"github.com/polyepoxide/polyepoxide/pkg/dagsync"
	"github.com/polyepoxide/polyepoxide/pkg/hash"
	"github.com/polyepoxide/polyepoxide/pkg/schema"
	"github.com/polyepoxide/polyepoxide/pkg/store"
)

var (
	ErrNotStarted = errors.New("polyepoxide: database not started")
	ErrClosed     = errors.New("polyepoxide: database closed")
	ErrNoPeers    = errors.New("polyepoxide: no peers configured")
)

// DB is the main database handle. It owns the node store, the schema
// registry, the resolution layer and the sync machinery.
type DB struct {
	log    *slog.Logger
	config Config

	stMu sync.RWMutex
	st   store.Store

	reg     *schema.Registry
	solvent *cell.Solvent
	engine  *dagsync.Engine
	server  *transport.Server
	clients []*transport.Client

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New constructs a database handle. New does no heavy I/O and starts no
// goroutines; call Start to open the store and bring up the transport.
func New(conf Config) (*DB, error) {
	if conf.Logger == nil {
		conf.Logger = defaultLogger(conf.Debug)
	}
	return &DB{log: conf.Logger, config: conf}, nil
}

// Start opens the store, builds the resolution and sync layers, and
// starts serving peers when a listen address is configured. Safe to
// call multiple times; only the first call has effect.
func (db *DB) Start(ctx context.Context) error {
	var startErr error
	db.startOnce.Do(func() {
		st, err := db.openStore()
		if err != nil {
			startErr = err
			return
		}
		db.stMu.Lock()
		db.st = st
		db.stMu.Unlock()

		db.reg = schema.NewRegistry(st, schema.WithLogger(db.log))

		for _, addr := range db.config.Peers {
			c, err := transport.NewClient(addr, db.log)
			if err != nil {
				startErr = fmt.Errorf("peer %s: %w", addr, err)
				return
			}
			db.clients = append(db.clients, c)
		}
		fetchers := make([]cell.Fetcher, len(db.clients))
		for i, c := range db.clients {
			fetchers[i] = c
		}
		db.solvent = cell.NewSolvent(st, db.reg,
			cell.WithRemotes(fetchers...),
			cell.WithLogger(db.log))
		db.engine = dagsync.New(st, db.reg, dagsync.WithLogger(db.log))

		if db.config.ListenAddr != "" {
			srv, err := transport.NewServer(db.config.ListenAddr, st, db.log)
			if err != nil {
				startErr = err
				return
			}
			srv.Start()
			db.server = srv
			db.log.Info("serving peers", "addr", srv.Addr())
		}

		db.started.Store(true)
		db.log.Info("database started")
	})
	return startErr
}

func (db *DB) openStore() (store.Store, error) {
	if len(db.config.Paths) == 0 {
		db.log.Info("no data path configured, using in-memory store")
		return store.NewMemory(), nil
	}
	return badgerstore.Open(badgerstore.Config{
		Path:          db.config.Paths[0],
		MinimumFreeGB: db.config.MinimumFreeGB,
		Logger:        db.log,
	})
}

// Run starts the database, blocks until ctx is canceled, then performs
// a bounded graceful shutdown. A convenience for services.
func (db *DB) Run(ctx context.Context) error {
	if err := db.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return db.Close(shutdownCtx)
}

// Close shuts down the transport and releases the store. Idempotent.
func (db *DB) Close(_ context.Context) error {
	var closeErr error
	db.closeOnce.Do(func() {
		if db.server != nil {
			if err := db.server.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close server: %w", err))
			}
		}
		for _, c := range db.clients {
			if err := c.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close client %s: %w", c.Addr(), err))
			}
		}
		db.stMu.Lock()
		st := db.st
		db.st = nil
		db.stMu.Unlock()
		if st != nil {
			if err := st.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close store: %w", err))
			}
		}
		db.log.Info("database closed")
	})
	return closeErr
}

func (db *DB) storeHandle() (store.Store, error) {
	if !db.started.Load() {
		return nil, ErrNotStarted
	}
	db.stMu.RLock()
	st := db.st
	db.stMu.RUnlock()
	if st == nil {
		return nil, ErrClosed
	}
	return st, nil
}

// Registry returns the schema registry.
func (db *DB) Registry() *schema.Registry {
	return db.reg
}

// Solvent returns the resolution layer.
func (db *DB) Solvent() *cell.Solvent {
	return db.solvent
}

// Put encodes a value against its schema and commits it together with
// the closure bookkeeping. Returns the node hash.
func (db *DB) Put(ctx context.Context, v codec.Value, schemaHash hash.Hash) (hash.Hash, error) {
	if err := ctx.Err(); err != nil {
		return hash.Zero, err
	}
	st, err := db.storeHandle()
	if err != nil {
		return hash.Zero, err
	}
	t, err := db.reg.Get(schemaHash)
	if err != nil {
		return hash.Zero, err
	}
	b, err := codec.Encode(v, t, db.reg)
	if err != nil {
		return hash.Zero, err
	}
	h := hash.Sum(b)
	deps, _, err := codec.Deps(b, schemaHash, db.reg)
	if err != nil {
		return hash.Zero, err
	}
	err = st.PutBatch([]store.Node{{Hash: h, Bytes: b, Deps: deps}})
	if err != nil {
		return hash.Zero, err
	}
	return h, nil
}

// Cell returns a lazy handle over a stored or remote node.
func (db *DB) Cell(h, schemaHash hash.Hash) (*cell.Cell, error) {
	if !db.started.Load() {
		return nil, ErrNotStarted
	}
	return db.solvent.Cell(h, schemaHash), nil
}

// Load resolves and decodes a node in one step.
func (db *DB) Load(ctx context.Context, h, schemaHash hash.Hash) (codec.Value, error) {
	c, err := db.Cell(h, schemaHash)
	if err != nil {
		return nil, err
	}
	return c.Load(ctx)
}

// Pull replicates the DAG rooted at root from the configured peers,
// trying each in priority order until one succeeds.
func (db *DB) Pull(ctx context.Context, root, schemaHash hash.Hash) error {
	return db.eachPeer(ctx, func(p dagsync.Peer) error {
		return db.engine.Pull(ctx, p, root, schemaHash)
	})
}

// PullWith is Pull with a selective-sync predicate. The predicate runs
// purely locally; peers never see it.
func (db *DB) PullWith(ctx context.Context, root, schemaHash hash.Hash, skip dagsync.SkipFunc) error {
	st, err := db.storeHandle()
	if err != nil {
		return err
	}
	e := dagsync.New(st, db.reg,
		dagsync.WithLogger(db.log), dagsync.WithSkipFunc(skip))
	return db.eachPeer(ctx, func(p dagsync.Peer) error {
		return e.Pull(ctx, p, root, schemaHash)
	})
}

// Push replicates the local DAG rooted at root to the first reachable
// peer.
func (db *DB) Push(ctx context.Context, root, schemaHash hash.Hash) error {
	return db.eachPeer(ctx, func(p dagsync.Peer) error {
		return db.engine.Push(ctx, p, root, schemaHash)
	})
}

func (db *DB) eachPeer(ctx context.Context, op func(dagsync.Peer) error) error {
	if !db.started.Load() {
		return ErrNotStarted
	}
	if len(db.clients) == 0 {
		return ErrNoPeers
	}
	var lastErr error
	for _, c := range db.clients {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(c)
		if err == nil {
			return nil
		}
		if !errors.Is(err, dagsync.ErrPeerUnavailable) {
			return err
		}
		db.log.Warn("peer unavailable, trying next", "peer", c.Addr(), "err", err)
		lastErr = err
	}
	return lastErr
}

// WriteBlob stores a byte stream as a chunked DAG and returns its root.
func (db *DB) WriteBlob(ctx context.Context, r io.Reader) (hash.Hash, error) {
	if err := ctx.Err(); err != nil {
		return hash.Zero, err
	}
	st, err := db.storeHandle()
	if err != nil {
		return hash.Zero, err
	}
	return blob.Write(st, db.reg, r)
}

// ReadBlob streams a blob back, fetching remote chunks on demand.
func (db *DB) ReadBlob(ctx context.Context, root hash.Hash) (io.Reader, error) {
	if !db.started.Load() {
		return nil, ErrNotStarted
	}
	return blob.Read(ctx, db.solvent, root)
}

// ListenAddr returns the transport listen address, or empty when the
// database does not serve peers.
func (db *DB) ListenAddr() string {
	if db.server == nil {
		return ""
	}
	return db.server.Addr()
}
