package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Key layout inside the shared BadgerDB:
//
//	h/<idx:8>                 → stored entry
//	hk/<key>\x00<version:8>   → idx:8
//	hm/tip                    → idx:8
const (
	badgerEntryPrefix = "h/"
	badgerKeyPrefix   = "hk/"
	badgerTipKey      = "hm/tip"
)

// storedEntry is the on-disk form of an Entry. Value is kept as raw bytes so
// that re-encoding never alters the hashed payload.
type storedEntry struct {
	Index       int       `json:"index"`
	Key         string    `json:"key"`
	Version     uint64    `json:"version"`
	TxID        string    `json:"txId"`
	BlockHeight uint64    `json:"blockHeight"`
	Timestamp   time.Time `json:"timestamp"`
	IsDelete    bool      `json:"isDelete"`
	Value       []byte    `json:"value,omitempty"`
	DataHash    string    `json:"dataHash"`
	PrevHash    string    `json:"prevHash"`
	Hash        string    `json:"hash"`
}

// BadgerLog persists the History Log in an embedded BadgerDB, typically the
// same DB a statestore.BadgerStore uses. It implements the Log interface.
type BadgerLog struct {
	db     *badger.DB
	mu     sync.Mutex // serialises Append
	logger *zap.Logger
}

// NewBadgerLog wraps an open BadgerDB and writes the genesis entry if the log
// is empty.
func NewBadgerLog(db *badger.DB, logger *zap.Logger) (*BadgerLog, error) {
	l := &BadgerLog{db: db, logger: logger}
	err := db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(badgerTipKey))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return putEntry(txn, genesis())
	})
	if err != nil {
		return nil, fmt.Errorf("initialise history: %w", err)
	}
	return l, nil
}

// Append implements Log.
func (l *BadgerLog) Append(ctx context.Context, r Record) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var out *Entry
	err := l.db.Update(func(txn *badger.Txn) error {
		last, err := lastForKey(txn, r.Key)
		if err != nil {
			return err
		}
		existing, err := checkNext(r, last)
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing
			return nil
		}

		tip, err := readTip(txn)
		if err != nil {
			return err
		}
		prev, err := readEntry(txn, tip)
		if err != nil {
			return err
		}
		out = newEntry(r, tip+1, prev.Hash)
		if err := putEntry(txn, out); err != nil {
			return err
		}
		var idx [8]byte
		binary.BigEndian.PutUint64(idx[:], uint64(out.Index))
		return txn.Set(versionKey(r.Key, r.Version), idx[:])
	})
	if err != nil {
		return nil, err
	}
	l.logger.Debug("history entry appended",
		zap.Int("idx", out.Index),
		zap.String("key", out.Key),
		zap.Uint64("version", out.Version),
	)
	return out, nil
}

// ForKey implements Log.
func (l *BadgerLog) ForKey(ctx context.Context, key string) ([]*Entry, error) {
	out := []*Entry{}
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix(key)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var idx uint64
			if err := it.Item().Value(func(raw []byte) error {
				idx = binary.BigEndian.Uint64(raw)
				return nil
			}); err != nil {
				return err
			}
			e, err := readEntry(txn, int(idx))
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// LastVersion implements Log.
func (l *BadgerLog) LastVersion(_ context.Context, key string) (uint64, error) {
	var version uint64
	err := l.db.View(func(txn *badger.Txn) error {
		last, err := lastForKey(txn, key)
		if last != nil {
			version = last.Version
		}
		return err
	})
	return version, err
}

// Get implements Log.
func (l *BadgerLog) Get(_ context.Context, index int) (*Entry, error) {
	var out *Entry
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = readEntry(txn, index)
		return err
	})
	return out, err
}

// Len implements Log.
func (l *BadgerLog) Len(_ context.Context) (int, error) {
	var n int
	err := l.db.View(func(txn *badger.Txn) error {
		tip, err := readTip(txn)
		n = tip + 1
		return err
	})
	return n, err
}

// Verify implements Log.
func (l *BadgerLog) Verify(ctx context.Context) error {
	return l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerEntryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		var prev *Entry
		expect := 0
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			curr, err := decodeEntry(it.Item())
			if err != nil {
				return err
			}
			if curr.Index != expect {
				return fmt.Errorf("%w: expected index %d, found %d", ErrTampered, expect, curr.Index)
			}
			if err := checkLink(prev, curr); err != nil {
				return err
			}
			prev = curr
			expect++
		}
		return nil
	})
}

// Root implements Log.
func (l *BadgerLog) Root(_ context.Context) (string, error) {
	var hash string
	err := l.db.View(func(txn *badger.Txn) error {
		tip, err := readTip(txn)
		if err != nil {
			return err
		}
		e, err := readEntry(txn, tip)
		if err != nil {
			return err
		}
		hash = e.Hash
		return nil
	})
	return hash, err
}

func entryKey(index int) []byte {
	k := make([]byte, len(badgerEntryPrefix)+8)
	copy(k, badgerEntryPrefix)
	binary.BigEndian.PutUint64(k[len(badgerEntryPrefix):], uint64(index))
	return k
}

func keyPrefix(key string) []byte {
	return []byte(badgerKeyPrefix + key + "\x00")
}

func versionKey(key string, version uint64) []byte {
	p := keyPrefix(key)
	k := make([]byte, len(p)+8)
	copy(k, p)
	binary.BigEndian.PutUint64(k[len(p):], version)
	return k
}

func putEntry(txn *badger.Txn, e *Entry) error {
	raw, err := json.Marshal(storedEntry{
		Index: e.Index, Key: e.Key, Version: e.Version, TxID: e.TxID,
		BlockHeight: e.BlockHeight, Timestamp: e.Timestamp, IsDelete: e.IsDelete,
		Value: e.Value, DataHash: e.DataHash, PrevHash: e.PrevHash, Hash: e.Hash,
	})
	if err != nil {
		return fmt.Errorf("encode history entry %d: %w", e.Index, err)
	}
	if err := txn.Set(entryKey(e.Index), raw); err != nil {
		return err
	}
	var tip [8]byte
	binary.BigEndian.PutUint64(tip[:], uint64(e.Index))
	return txn.Set([]byte(badgerTipKey), tip[:])
}

func readEntry(txn *badger.Txn, index int) (*Entry, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	item, err := txn.Get(entryKey(index))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	if err != nil {
		return nil, err
	}
	return decodeEntry(item)
}

func decodeEntry(item *badger.Item) (*Entry, error) {
	var s storedEntry
	if err := item.Value(func(raw []byte) error {
		return json.Unmarshal(raw, &s)
	}); err != nil {
		return nil, fmt.Errorf("decode history entry: %w", err)
	}
	e := &Entry{
		Index: s.Index, Key: s.Key, Version: s.Version, TxID: s.TxID,
		BlockHeight: s.BlockHeight, Timestamp: s.Timestamp.UTC(), IsDelete: s.IsDelete,
		DataHash: s.DataHash, PrevHash: s.PrevHash, Hash: s.Hash,
	}
	if len(s.Value) > 0 {
		e.Value = s.Value
	}
	return e, nil
}

func readTip(txn *badger.Txn) (int, error) {
	item, err := txn.Get([]byte(badgerTipKey))
	if err != nil {
		return 0, fmt.Errorf("read history tip: %w", err)
	}
	var tip int
	err = item.Value(func(raw []byte) error {
		tip = int(binary.BigEndian.Uint64(raw))
		return nil
	})
	return tip, err
}

// lastForKey returns the newest entry for key, or nil.
func lastForKey(txn *badger.Txn, key string) (*Entry, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = keyPrefix(key)
	opts.Reverse = true
	it := txn.NewIterator(opts)
	defer it.Close()

	// Reverse iteration seeks to the largest key <= the seek key.
	seek := append(keyPrefix(key), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	it.Seek(seek)
	if !it.Valid() {
		return nil, nil
	}
	var idx uint64
	if err := it.Item().Value(func(raw []byte) error {
		idx = binary.BigEndian.Uint64(raw)
		return nil
	}); err != nil {
		return nil, err
	}
	return readEntry(txn, int(idx))
}
