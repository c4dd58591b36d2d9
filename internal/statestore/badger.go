package statestore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	badgerStatePrefix = "s/"
	badgerHeightKey   = "m/height"
)

// BadgerConfig holds configuration for a BadgerStore.
type BadgerConfig struct {
	// Path is the directory for database files. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Useful for tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval is how often value-log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio that triggers a rewrite.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns production defaults for the given path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// BadgerStore persists ledger state in an embedded BadgerDB.
// It implements the Store interface.
type BadgerStore struct {
	db     *badger.DB
	mu     sync.Mutex // serialises Apply
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger
}

// badgerLogger adapts zap to BadgerDB's Logger interface.
type badgerLogger struct{ s *zap.SugaredLogger }

func (l badgerLogger) Errorf(f string, a ...interface{})   { l.s.Errorf(f, a...) }
func (l badgerLogger) Warningf(f string, a ...interface{}) { l.s.Warnf(f, a...) }
func (l badgerLogger) Infof(f string, a ...interface{})    { l.s.Debugf(f, a...) }
func (l badgerLogger) Debugf(f string, a ...interface{})   { l.s.Debugf(f, a...) }

// OpenBadger opens (creating if needed) a BadgerDB with the given config.
// The returned DB may be shared between a BadgerStore and a history log.
func OpenBadger(cfg BadgerConfig, logger *zap.Logger) (*badger.DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger path is required for a persistent store")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(badgerLogger{s: logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}

// NewBadgerStore wraps an open BadgerDB. When cfg.GCInterval is positive and
// the database is on disk, a background value-log GC loop is started and
// stopped by Close.
func NewBadgerStore(db *badger.DB, cfg BadgerConfig, logger *zap.Logger) *BadgerStore {
	s := &BadgerStore{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC failed", zap.Error(err))
			}
		}
	}
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, key string) (*VersionedValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *VersionedValue
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := badgerRead(txn, key)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil || out.Deleted {
		return nil, ErrNotFound
	}
	return out, nil
}

// Version implements Store.
func (s *BadgerStore) Version(ctx context.Context, key string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var version uint64
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := badgerRead(txn, key)
		if err != nil {
			return err
		}
		if v != nil {
			version = v.Version
		}
		return nil
	})
	return version, err
}

// Range implements Store.
func (s *BadgerStore) Range(ctx context.Context, start, end string, fn func(*VersionedValue) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerStatePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(badgerStatePrefix + start)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := string(it.Item().Key()[len(badgerStatePrefix):])
			if end != "" && key >= end {
				return nil
			}
			var v VersionedValue
			if err := it.Item().Value(func(raw []byte) error {
				return json.Unmarshal(raw, &v)
			}); err != nil {
				return fmt.Errorf("decode %q: %w", key, err)
			}
			if v.Deleted {
				continue
			}
			if err := fn(&v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Apply implements Store.
func (s *BadgerStore) Apply(ctx context.Context, b *Batch) ([]*VersionedValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*VersionedValue
	err := s.db.Update(func(txn *badger.Txn) error {
		height, err := badgerHeight(txn)
		if err != nil {
			return err
		}
		if err := checkBatch(b, height); err != nil {
			return err
		}
		for _, r := range b.Reads {
			v, err := badgerRead(txn, r.Key)
			if err != nil {
				return err
			}
			var current uint64
			if v != nil {
				current = v.Version
			}
			if current != r.Version {
				return &ConflictError{Key: r.Key, Expected: r.Version, Actual: current}
			}
		}

		out = make([]*VersionedValue, 0, len(b.Writes))
		for _, w := range b.Writes {
			prev, err := badgerRead(txn, w.Key)
			if err != nil {
				return err
			}
			var prevVersion uint64
			if prev != nil {
				prevVersion = prev.Version
			}
			nv := next(prevVersion, w, b)
			raw, err := json.Marshal(nv)
			if err != nil {
				return fmt.Errorf("encode %q: %w", w.Key, err)
			}
			if err := txn.Set([]byte(badgerStatePrefix+w.Key), raw); err != nil {
				return fmt.Errorf("set %q: %w", w.Key, err)
			}
			out = append(out, nv)
		}

		var hb [8]byte
		binary.BigEndian.PutUint64(hb[:], b.Height)
		return txn.Set([]byte(badgerHeightKey), hb[:])
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Height implements Store.
func (s *BadgerStore) Height(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var h uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		h, err = badgerHeight(txn)
		return err
	})
	return h, err
}

// Close stops the GC loop. The underlying DB is owned by the caller of
// OpenBadger and is not closed here.
func (s *BadgerStore) Close() error {
	if s.stop != nil {
		close(s.stop)
		<-s.done
		s.stop = nil
	}
	return nil
}

// badgerRead returns the stored envelope for key, or nil when absent.
func badgerRead(txn *badger.Txn, key string) (*VersionedValue, error) {
	item, err := txn.Get([]byte(badgerStatePrefix + key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	var v VersionedValue
	if err := item.Value(func(raw []byte) error {
		return json.Unmarshal(raw, &v)
	}); err != nil {
		return nil, fmt.Errorf("decode %q: %w", key, err)
	}
	return &v, nil
}

func badgerHeight(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get([]byte(badgerHeightKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get height: %w", err)
	}
	var h uint64
	err = item.Value(func(raw []byte) error {
		if len(raw) != 8 {
			return fmt.Errorf("height record has %d bytes", len(raw))
		}
		h = binary.BigEndian.Uint64(raw)
		return nil
	})
	return h, err
}
