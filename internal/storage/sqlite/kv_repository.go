package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/italolelis/offline_sync/internal/storage"
)

// KVRepository implements storage.KeyValueStore on a single SQLite table.
type KVRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ storage.KeyValueStore = (*KVRepository)(nil)

func NewKVRepository(db *sqlx.DB) *KVRepository {
	return &KVRepository{db: db, now: time.Now}
}

type kvRow struct {
	Key       string `db:"key"`
	Value     []byte `db:"value"`
	UpdatedAt int64  `db:"updated_at"`
}

// Put inserts or replaces the value stored under key.
func (r *KVRepository) Put(ctx context.Context, key string, value []byte) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO kv_entries (key, value, updated_at)
		VALUES (:key, :value, :updated_at)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, kvRow{Key: key, Value: value, UpdatedAt: r.now().UnixMilli()})
	if err != nil {
		return translateError(fmt.Errorf("failed to put %s: %w", key, err))
	}

	return nil
}

// Get returns the value stored under key or storage.ErrNotFound.
func (r *KVRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte

	err := r.db.GetContext(ctx, &value, `SELECT value FROM kv_entries WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}

	return value, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (r *KVRepository) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	return nil
}

// List returns the records whose key starts with prefix.
func (r *KVRepository) List(ctx context.Context, prefix string) ([]storage.Record, error) {
	var rows []kvRow

	err := r.db.SelectContext(ctx, &rows, `
		SELECT key, value, updated_at
		FROM kv_entries
		WHERE substr(key, 1, ?) = ?
		ORDER BY key
	`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s*: %w", prefix, err)
	}

	records := make([]storage.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, storage.Record{Key: row.Key, Value: row.Value})
	}

	return records, nil
}

// translateError maps SQLITE_FULL to storage.ErrQuotaExceeded.
func translateError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrFull {
		return fmt.Errorf("%w: %w", storage.ErrQuotaExceeded, err)
	}

	return err
}
