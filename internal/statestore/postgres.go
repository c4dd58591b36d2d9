package statestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// applyLockKey is a stable PostgreSQL advisory lock key used to serialise
// Apply across every process sharing the database.
const applyLockKey = int64(1_207_114_221)

// PostgresStore persists ledger state to PostgreSQL (see migrations/).
// It implements the Store interface.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key string) (*VersionedValue, error) {
	v, err := scanValue(s.pool.QueryRow(ctx,
		`SELECT key, value, version, tx_id, block_height, ts, deleted
		 FROM ledger_state WHERE key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	if v.Deleted {
		return nil, ErrNotFound
	}
	return v, nil
}

// Version implements Store.
func (s *PostgresStore) Version(ctx context.Context, key string) (uint64, error) {
	var version int64
	err := s.pool.QueryRow(ctx, `SELECT version FROM ledger_state WHERE key = $1`, key).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("version %q: %w", key, err)
	}
	return uint64(version), nil
}

// Range implements Store.
func (s *PostgresStore) Range(ctx context.Context, start, end string, fn func(*VersionedValue) error) error {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value, version, tx_id, block_height, ts, deleted
		 FROM ledger_state
		 WHERE NOT deleted AND key >= $1 AND ($2 = '' OR key < $2)
		 ORDER BY key`, start, end)
	if err != nil {
		return fmt.Errorf("range query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return fmt.Errorf("scan state row: %w", err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Apply implements Store. The read-set check and every write happen inside a
// single transaction holding a transaction-scoped advisory lock.
func (s *PostgresStore) Apply(ctx context.Context, b *Batch) ([]*VersionedValue, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", applyLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var height int64
	if err := tx.QueryRow(ctx,
		`SELECT value FROM ledger_meta WHERE name = 'height'`,
	).Scan(&height); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read height: %w", err)
	}
	if err := checkBatch(b, uint64(height)); err != nil {
		return nil, err
	}

	for _, r := range b.Reads {
		current, err := txVersion(ctx, tx, r.Key)
		if err != nil {
			return nil, err
		}
		if current != r.Version {
			return nil, &ConflictError{Key: r.Key, Expected: r.Version, Actual: current}
		}
	}

	out := make([]*VersionedValue, 0, len(b.Writes))
	for _, w := range b.Writes {
		prev, err := txVersion(ctx, tx, w.Key)
		if err != nil {
			return nil, err
		}
		nv := next(prev, w, b)
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_state (key, value, version, tx_id, block_height, ts, deleted)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (key) DO UPDATE SET
			   value = EXCLUDED.value, version = EXCLUDED.version, tx_id = EXCLUDED.tx_id,
			   block_height = EXCLUDED.block_height, ts = EXCLUDED.ts, deleted = EXCLUDED.deleted`,
			nv.Key, nv.Value, int64(nv.Version), nv.TxID, int64(nv.BlockHeight), nv.Timestamp, nv.Deleted,
		); err != nil {
			return nil, fmt.Errorf("write %q: %w", w.Key, err)
		}
		out = append(out, nv)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_meta (name, value) VALUES ('height', $1)
		 ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`, int64(b.Height),
	); err != nil {
		return nil, fmt.Errorf("write height: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit state tx: %w", err)
	}

	s.logger.Debug("state batch applied",
		zap.String("tx_id", b.TxID),
		zap.Uint64("height", b.Height),
		zap.Int("writes", len(out)),
	)
	return out, nil
}

// Height implements Store.
func (s *PostgresStore) Height(ctx context.Context) (uint64, error) {
	var height int64
	err := s.pool.QueryRow(ctx, `SELECT value FROM ledger_meta WHERE name = 'height'`).Scan(&height)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read height: %w", err)
	}
	return uint64(height), nil
}

// Close implements Store. The pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func txVersion(ctx context.Context, tx pgx.Tx, key string) (uint64, error) {
	var version int64
	err := tx.QueryRow(ctx,
		`SELECT version FROM ledger_state WHERE key = $1 FOR UPDATE`, key,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read version %q: %w", key, err)
	}
	return uint64(version), nil
}

// scanValue reads one ledger_state row from a pgx.Row or pgx.Rows.
func scanValue(row pgx.Row) (*VersionedValue, error) {
	var v VersionedValue
	var version, height int64
	if err := row.Scan(&v.Key, &v.Value, &version, &v.TxID, &height, &v.Timestamp, &v.Deleted); err != nil {
		return nil, err
	}
	v.Version = uint64(version)
	v.BlockHeight = uint64(height)
	v.Timestamp = v.Timestamp.UTC()
	return &v, nil
}
