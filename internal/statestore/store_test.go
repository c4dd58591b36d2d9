package statestore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/providerledger/internal/statestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var ctx = context.Background()

// backends returns a fresh instance of every embedded Store implementation.
func backends(t *testing.T) map[string]statestore.Store {
	t.Helper()

	cfg := statestore.BadgerConfig{InMemory: true}
	db, err := statestore.OpenBadger(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return map[string]statestore.Store{
		"memory": statestore.NewMemoryStore(),
		"badger": statestore.NewBadgerStore(db, cfg, zap.NewNop()),
	}
}

func put(key, value string) statestore.Write {
	return statestore.Write{Key: key, Value: []byte(value)}
}

func TestStore_ApplyAndGet(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			out, err := s.Apply(ctx, &statestore.Batch{
				TxID: "tx1", Height: 1, Timestamp: ts,
				Reads:  []statestore.Read{{Key: "P1", Version: 0}},
				Writes: []statestore.Write{put("P1", `{"a":1}`)},
			})
			require.NoError(t, err)
			require.Len(t, out, 1)
			assert.Equal(t, uint64(1), out[0].Version)

			got, err := s.Get(ctx, "P1")
			require.NoError(t, err)
			assert.Equal(t, `{"a":1}`, string(got.Value))
			assert.Equal(t, uint64(1), got.Version)
			assert.Equal(t, "tx1", got.TxID)
			assert.Equal(t, uint64(1), got.BlockHeight)
			assert.True(t, ts.Equal(got.Timestamp))

			h, err := s.Height(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), h)
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "nope")
			assert.ErrorIs(t, err, statestore.ErrNotFound)

			v, err := s.Version(ctx, "nope")
			require.NoError(t, err)
			assert.Zero(t, v)
		})
	}
}

func TestStore_VersionsIncreaseByOne(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := uint64(1); i <= 5; i++ {
				out, err := s.Apply(ctx, &statestore.Batch{
					TxID: "tx", Height: i,
					Reads:  []statestore.Read{{Key: "K", Version: i - 1}},
					Writes: []statestore.Write{put("K", "v")},
				})
				require.NoError(t, err)
				assert.Equal(t, i, out[0].Version)
			}
		})
	}
}

func TestStore_StaleReadRejectsWholeBatch(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Apply(ctx, &statestore.Batch{
				TxID: "tx1", Height: 1,
				Writes: []statestore.Write{put("A", "a1"), put("B", "b1")},
			})
			require.NoError(t, err)

			// Reads A at the current version but B at a stale one.
			_, err = s.Apply(ctx, &statestore.Batch{
				TxID: "tx2", Height: 2,
				Reads: []statestore.Read{{Key: "A", Version: 1}, {Key: "B", Version: 0}},
				Writes: []statestore.Write{
					put("A", "a2"), put("B", "b2"),
				},
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, statestore.ErrVersionMismatch)

			var conflict *statestore.ConflictError
			require.True(t, errors.As(err, &conflict))
			assert.Equal(t, "B", conflict.Key)
			assert.Equal(t, uint64(0), conflict.Expected)
			assert.Equal(t, uint64(1), conflict.Actual)

			// Neither key moved.
			a, err := s.Get(ctx, "A")
			require.NoError(t, err)
			assert.Equal(t, "a1", string(a.Value))
			assert.Equal(t, uint64(1), a.Version)
			b, err := s.Get(ctx, "B")
			require.NoError(t, err)
			assert.Equal(t, uint64(1), b.Version)
		})
	}
}

func TestStore_DeleteKeepsVersion(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Apply(ctx, &statestore.Batch{TxID: "tx1", Height: 1, Writes: []statestore.Write{put("K", "v")}})
			require.NoError(t, err)
			out, err := s.Apply(ctx, &statestore.Batch{TxID: "tx2", Height: 2, Writes: []statestore.Write{{Key: "K", IsDelete: true}}})
			require.NoError(t, err)
			assert.True(t, out[0].Deleted)
			assert.Equal(t, uint64(2), out[0].Version)

			_, err = s.Get(ctx, "K")
			assert.ErrorIs(t, err, statestore.ErrNotFound)

			v, err := s.Version(ctx, "K")
			require.NoError(t, err)
			assert.Equal(t, uint64(2), v, "tombstone keeps the version so the key is never reused")
		})
	}
}

func TestStore_Range(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Apply(ctx, &statestore.Batch{
				TxID: "tx1", Height: 1,
				Writes: []statestore.Write{put("c", "3"), put("a", "1"), put("b", "2"), put("~x", "meta")},
			})
			require.NoError(t, err)
			_, err = s.Apply(ctx, &statestore.Batch{TxID: "tx2", Height: 2, Writes: []statestore.Write{{Key: "b", IsDelete: true}}})
			require.NoError(t, err)

			var keys []string
			require.NoError(t, s.Range(ctx, "", "~", func(v *statestore.VersionedValue) error {
				keys = append(keys, v.Key)
				return nil
			}))
			assert.Equal(t, []string{"a", "c"}, keys)

			keys = nil
			require.NoError(t, s.Range(ctx, "b", "", func(v *statestore.VersionedValue) error {
				keys = append(keys, v.Key)
				return nil
			}))
			assert.Equal(t, []string{"c", "~x"}, keys)
		})
	}
}

func TestStore_RejectsHeightRegressionAndDuplicateWrites(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Apply(ctx, &statestore.Batch{TxID: "tx1", Height: 5, Writes: []statestore.Write{put("K", "v")}})
			require.NoError(t, err)

			_, err = s.Apply(ctx, &statestore.Batch{TxID: "tx2", Height: 4, Writes: []statestore.Write{put("K", "v")}})
			assert.ErrorIs(t, err, statestore.ErrHeightRegression)

			_, err = s.Apply(ctx, &statestore.Batch{TxID: "tx3", Height: 6, Writes: []statestore.Write{put("K", "1"), put("K", "2")}})
			assert.Error(t, err)

			v, err := s.Version(ctx, "K")
			require.NoError(t, err)
			assert.Equal(t, uint64(1), v)
		})
	}
}

// Two transactions that both read version V of a key race to commit; exactly
// one wins.
func TestStore_ConcurrentConflictingApply(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Apply(ctx, &statestore.Batch{TxID: "seed", Height: 1, Writes: []statestore.Write{put("K", "v1")}})
			require.NoError(t, err)

			var wg sync.WaitGroup
			results := make([]error, 8)
			for i := range results {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, results[i] = s.Apply(ctx, &statestore.Batch{
						TxID: "racer", Height: 2,
						Reads:  []statestore.Read{{Key: "K", Version: 1}},
						Writes: []statestore.Write{put("K", "v2")},
					})
				}(i)
			}
			wg.Wait()

			wins := 0
			for _, err := range results {
				if err == nil {
					wins++
					continue
				}
				assert.ErrorIs(t, err, statestore.ErrVersionMismatch)
			}
			assert.Equal(t, 1, wins)
		})
	}
}
