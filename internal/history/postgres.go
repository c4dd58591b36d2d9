package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent Append calls. The value is arbitrary but must be consistent
// across all peers sharing the database.
const advisoryLockKey = int64(1_159_876_543)

const entryColumns = `idx, key, version, tx_id, block_height, timestamp, is_delete, value, data_hash, prev_hash, hash`

// PostgresLog persists the History Log to PostgreSQL (see migrations/).
// It implements the Log interface.
type PostgresLog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLog creates a PostgresLog backed by the given connection pool.
func NewPostgresLog(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLog {
	return &PostgresLog{pool: pool, logger: logger}
}

// Append implements Log.
// It acquires a PostgreSQL advisory lock, reads the key's last version and the
// chain tail, computes the new entry hash, and inserts it, all within a single
// transaction.
func (l *PostgresLog) Append(ctx context.Context, r Record) (*Entry, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	last, err := scanEntry(tx.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_history
		 WHERE key = $1 AND idx > 0 ORDER BY version DESC LIMIT 1`, r.Key))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read last version of %q: %w", r.Key, err)
	}
	existing, err := checkNext(r, last)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	var prevIdx int
	var prevHash string
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM ledger_history ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, fmt.Errorf("read history tail: %w", err)
	}

	entry := newEntry(r, prevIdx+1, prevHash)
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_history (`+entryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.Index, entry.Key, int64(entry.Version), entry.TxID, int64(entry.BlockHeight),
		entry.Timestamp, entry.IsDelete, []byte(entry.Value),
		entry.DataHash, entry.PrevHash, entry.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert history entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit history tx: %w", err)
	}

	l.logger.Debug("history entry appended",
		zap.Int("idx", entry.Index),
		zap.String("key", entry.Key),
		zap.Uint64("version", entry.Version),
	)
	return entry, nil
}

// ForKey implements Log.
func (l *PostgresLog) ForKey(ctx context.Context, key string) ([]*Entry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_history
		 WHERE key = $1 AND idx > 0 ORDER BY version ASC`, key)
	if err != nil {
		return nil, fmt.Errorf("query history for %q: %w", key, err)
	}
	defer rows.Close()

	out := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastVersion implements Log.
func (l *PostgresLog) LastVersion(ctx context.Context, key string) (uint64, error) {
	var version int64
	if err := l.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM ledger_history WHERE key = $1 AND idx > 0`, key,
	).Scan(&version); err != nil {
		return 0, fmt.Errorf("last version of %q: %w", key, err)
	}
	return uint64(version), nil
}

// Get implements Log.
func (l *PostgresLog) Get(ctx context.Context, index int) (*Entry, error) {
	e, err := scanEntry(l.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_history WHERE idx = $1`, index))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	if err != nil {
		return nil, fmt.Errorf("get history entry %d: %w", index, err)
	}
	return e, nil
}

// Len implements Log.
func (l *PostgresLog) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_history").Scan(&n); err != nil {
		return 0, fmt.Errorf("count history entries: %w", err)
	}
	return n, nil
}

// Verify implements Log. It streams all rows ordered by idx and validates
// the hash chain. O(n) in log length.
func (l *PostgresLog) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_history ORDER BY idx ASC`)
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan history row: %w", err)
		}
		if err := checkLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return rows.Err()
}

// Root implements Log.
func (l *PostgresLog) Root(ctx context.Context) (string, error) {
	var hash string
	if err := l.pool.QueryRow(ctx,
		"SELECT hash FROM ledger_history ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get history root: %w", err)
	}
	return hash, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var version, height int64
	var value []byte
	if err := row.Scan(
		&e.Index, &e.Key, &version, &e.TxID, &height,
		&e.Timestamp, &e.IsDelete, &value,
		&e.DataHash, &e.PrevHash, &e.Hash,
	); err != nil {
		return nil, err
	}
	e.Version = uint64(version)
	e.BlockHeight = uint64(height)
	e.Timestamp = e.Timestamp.UTC()
	if len(value) > 0 {
		e.Value = value
	}
	return &e, nil
}
