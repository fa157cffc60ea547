// Package badgerstore is the persistent node store. It keeps canonical
// node bytes in badger keyed by content hash, with the same write-once,
// closure-checked batch semantics as the in-memory store.
package badgerstore

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/polyepoxide/polyepoxide/pkg/hash"
	"github.com/polyepoxide/polyepoxide/pkg/store"
)

// Config configures the badger-backed store.
type Config struct {
	// Path is the data directory.
	Path string
	// MinimumFreeGB refuses to open when the volume holding Path has
	// less free space. 0 disables the check.
	MinimumFreeGB uint
	// Logger is an optional structured logger. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Store is a persistent content-addressed node store.
type Store struct {
	db  *badger.DB
	log *slog.Logger

	// batchMu serializes PutBatch so two overlapping batches can never
	// interleave a partial commit with another's closure check.
	batchMu sync.Mutex

	readOps  uint64
	writeOps uint64
}

// Open opens (or creates) the store at the configured path.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Path == "" {
		return nil, errors.New("badgerstore: path must be set")
	}
	if cfg.MinimumFreeGB > 0 {
		if err := checkFreeSpace(cfg.Path, cfg.MinimumFreeGB, cfg.Logger); err != nil {
			return nil, err
		}
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.Logger = nil
	opts.Compression = options.ZSTD
	opts.ValueLogFileSize = 1024 * 1024 * 100
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open %s: %w", cfg.Path, err)
	}
	cfg.Logger.Info("node store opened", "path", cfg.Path)
	return &Store{db: db, log: cfg.Logger}, nil
}

func (s *Store) Has(h hash.Hash) (bool, error) {
	atomic.AddUint64(&s.readOps, 1)
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(h[:])
		if err == nil {
			found = true
			return nil
		}
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	return found, err
}

func (s *Store) Get(h hash.Hash) ([]byte, error) {
	atomic.AddUint64(&s.readOps, 1)
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(h[:])
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("badgerstore: get %s: %w", h.Short(), err)
	}
	return value, nil
}

// PutBatch commits the batch in a single badger transaction: either
// every node lands or none does. The closure check runs inside the same
// transaction, so a concurrent batch cannot invalidate it.
func (s *Store) PutBatch(batch []store.Node) error {
	if err := store.VerifyBatch(batch); err != nil {
		return err
	}

	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		present := func(h hash.Hash) (bool, error) {
			_, err := txn.Get(h[:])
			if err == nil {
				return true, nil
			}
			if errors.Is(err, badger.ErrKeyNotFound) {
				return false, nil
			}
			return false, err
		}
		if err := store.CheckClosure(batch, present); err != nil {
			return err
		}
		for _, n := range batch {
			ok, err := present(n.Hash)
			if err != nil {
				return err
			}
			if ok {
				continue // write-once
			}
			atomic.AddUint64(&s.writeOps, 1)
			if err := txn.Set(n.Hash[:], n.Bytes); err != nil {
				return fmt.Errorf("badgerstore: set %s: %w", n.Hash.Short(), err)
			}
		}
		return nil
	})
}

// Stats returns the read and write operation counters.
func (s *Store) Stats() (reads, writes uint64) {
	return atomic.LoadUint64(&s.readOps), atomic.LoadUint64(&s.writeOps)
}

// Clean flushes badger, flattens the LSM tree and runs value log GC.
func (s *Store) Clean() error {
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("badgerstore: sync: %w", err)
	}
	if err := s.db.Flatten(runtime.NumCPU()); err != nil {
		return fmt.Errorf("badgerstore: flatten: %w", err)
	}
	if err := s.db.RunValueLogGC(0.1); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("badgerstore: value log gc: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.Clean(); err != nil {
		s.log.Warn("cleanup before close failed", "err", err)
	}
	return s.db.Close()
}
