package sqlite

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/italolelis/offline_sync/internal/storage"
	"github.com/italolelis/offline_sync/internal/telemetry"
)

// InstrumentedKVRepository wraps KVRepository with telemetry.
type InstrumentedKVRepository struct {
	repo      *KVRepository
	telemetry *telemetry.Telemetry
}

var _ storage.KeyValueStore = (*InstrumentedKVRepository)(nil)

// NewInstrumentedKVRepository creates a new instrumented key/value repository.
func NewInstrumentedKVRepository(db *sqlx.DB, tel *telemetry.Telemetry) *InstrumentedKVRepository {
	return &InstrumentedKVRepository{
		repo:      NewKVRepository(db),
		telemetry: tel,
	}
}

func (r *InstrumentedKVRepository) Put(ctx context.Context, key string, value []byte) error {
	return r.telemetry.InstrumentStoreOperation(ctx, "put", func(ctx context.Context) error {
		return r.repo.Put(ctx, key, value)
	})
}

func (r *InstrumentedKVRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var result []byte

	err := r.telemetry.InstrumentStoreOperation(ctx, "get", func(ctx context.Context) error {
		var err error
		result, err = r.repo.Get(ctx, key)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedKVRepository) Delete(ctx context.Context, key string) error {
	return r.telemetry.InstrumentStoreOperation(ctx, "delete", func(ctx context.Context) error {
		return r.repo.Delete(ctx, key)
	})
}

func (r *InstrumentedKVRepository) List(ctx context.Context, prefix string) ([]storage.Record, error) {
	var result []storage.Record

	err := r.telemetry.InstrumentStoreOperation(ctx, "list", func(ctx context.Context) error {
		var err error
		result, err = r.repo.List(ctx, prefix)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
