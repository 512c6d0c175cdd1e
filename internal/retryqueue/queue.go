// Package retryqueue keeps a durable, TTL-bounded list of downloads to retry
// once connectivity returns.
package retryqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/offline_sync/internal/logctx"
	"github.com/italolelis/offline_sync/internal/storage"
	"github.com/italolelis/offline_sync/internal/telemetry"
)

const (
	// KeyPrefix namespaces queue records in the shared key/value store.
	KeyPrefix = "pending-download-"

	// DefaultTTL is how long a queued download stays eligible for retry.
	DefaultTTL = 7 * 24 * time.Hour
)

// Entry is a persisted download waiting for a retry.
type Entry struct {
	ItemKey   string    `json:"itemKey"`
	BasePath  string    `json:"basePath"`
	QueuedAt  time.Time `json:"queuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the entry is past its expiry at now.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt.Before(now)
}

// Key returns the store key for an item.
func Key(itemKey string) string {
	return KeyPrefix + itemKey
}

// Option configures a Queue.
type Option func(*Queue)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(q *Queue) {
		if ttl > 0 {
			q.ttl = ttl
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// WithTelemetry records the pending queue size after each read.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(q *Queue) {
		q.telemetry = tel
	}
}

// Queue is the background retry queue. A Queue built with a nil store models
// a host without background retry support: every Enqueue returns false.
type Queue struct {
	store     storage.KeyValueStore
	ttl       time.Duration
	now       func() time.Time
	telemetry *telemetry.Telemetry
}

func New(store storage.KeyValueStore, opts ...Option) *Queue {
	q := &Queue{
		store: store,
		ttl:   DefaultTTL,
		now:   time.Now,
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Supported reports whether background retry is available on this host.
func (q *Queue) Supported() bool {
	return q != nil && q.store != nil
}

// TTL returns the configured time-to-live.
func (q *Queue) TTL() time.Duration {
	return q.ttl
}

// Enqueue persists a retry entry for itemKey. Failures are logged and reported
// as false; a lost entry is not fatal to the caller.
func (q *Queue) Enqueue(ctx context.Context, itemKey, basePath string) bool {
	ctx = logctx.WithItemKey(ctx, itemKey)
	logger := logctx.LoggerFromContext(ctx)

	if !q.Supported() {
		logger.DebugContext(ctx, "background retry not supported, not queueing download")

		return false
	}

	queuedAt := q.now().UTC()
	entry := Entry{
		ItemKey:   itemKey,
		BasePath:  basePath,
		QueuedAt:  queuedAt,
		ExpiresAt: queuedAt.Add(q.ttl),
	}

	value, err := json.Marshal(entry)
	if err != nil {
		logger.ErrorContext(ctx, "failed to encode retry entry", "err", err)

		return false
	}

	if err := q.store.Put(ctx, Key(itemKey), value); err != nil {
		if errors.Is(err, storage.ErrQuotaExceeded) {
			logger.WarnContext(ctx, "storage quota exceeded, download not queued for retry", "err", err)
		} else {
			logger.ErrorContext(ctx, "failed to persist retry entry", "err", err)
		}

		return false
	}

	logger.InfoContext(ctx, "download queued for background retry", "expires_at", entry.ExpiresAt)

	return true
}

// ListPending returns the entries that are still valid. Expired and
// unreadable entries are purged as a side effect and left out of the result.
func (q *Queue) ListPending(ctx context.Context) ([]Entry, error) {
	if !q.Supported() {
		return nil, nil
	}

	valid, _, err := q.scan(ctx)
	if err != nil {
		return nil, err
	}

	q.telemetry.RecordRetryQueueSize(ctx, len(valid))

	return valid, nil
}

// SweepExpired purges expired and unreadable entries and returns how many
// were removed.
func (q *Queue) SweepExpired(ctx context.Context) (int, error) {
	if !q.Supported() {
		return 0, nil
	}

	valid, purged, err := q.scan(ctx)
	if err != nil {
		return purged, err
	}

	q.telemetry.RecordRetryQueueSize(ctx, len(valid))

	return purged, nil
}

// Dequeue removes the entry for itemKey.
func (q *Queue) Dequeue(ctx context.Context, itemKey string) error {
	if !q.Supported() {
		return nil
	}

	if err := q.store.Delete(ctx, Key(itemKey)); err != nil {
		return fmt.Errorf("failed to dequeue %s: %w", itemKey, err)
	}

	return nil
}

func (q *Queue) scan(ctx context.Context) ([]Entry, int, error) {
	logger := logctx.LoggerFromContext(ctx)

	records, err := q.store.List(ctx, KeyPrefix)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list retry entries: %w", err)
	}

	now := q.now()
	valid := make([]Entry, 0, len(records))
	purged := 0

	for _, rec := range records {
		entry, reason := decodeEntry(rec)
		if reason == "" && entry.Expired(now) {
			reason = "expired"
		}

		if reason == "" {
			valid = append(valid, entry)

			continue
		}

		if err := q.store.Delete(ctx, rec.Key); err != nil {
			logger.ErrorContext(ctx, "failed to purge retry entry", "key", rec.Key, "reason", reason, "err", err)

			continue
		}

		logger.DebugContext(ctx, "purged retry entry", "key", rec.Key, "reason", reason)

		purged++
	}

	return valid, purged, nil
}

// decodeEntry returns the entry or a non-empty reason why it is unusable.
func decodeEntry(rec storage.Record) (Entry, string) {
	var entry Entry
	if err := json.Unmarshal(rec.Value, &entry); err != nil {
		return Entry{}, "corrupt"
	}

	if entry.ItemKey == "" || entry.ExpiresAt.IsZero() || Key(entry.ItemKey) != rec.Key {
		return Entry{}, "corrupt"
	}

	return entry, ""
}
