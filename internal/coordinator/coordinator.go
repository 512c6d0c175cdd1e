// Package coordinator owns the lifecycle of offline downloads. It sends
// commands to the caching worker, tracks every active item from the worker's
// notifications and publishes progress to the event bus.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/offline_sync/internal/events"
	"github.com/italolelis/offline_sync/internal/logctx"
	"github.com/italolelis/offline_sync/internal/protocol"
	"github.com/italolelis/offline_sync/internal/retryqueue"
	"github.com/italolelis/offline_sync/internal/telemetry"
	"github.com/italolelis/offline_sync/internal/transport"
)

const DefaultReadyTimeout = 5 * time.Second

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithReadyTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.readyTimeout = d
		}
	}
}

func WithCommandTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.commandTimeout = d
	}
}

// WithRetryQueue enables the background retry fallback.
func WithRetryQueue(q *retryqueue.Queue) Option {
	return func(c *Coordinator) {
		c.queue = q
	}
}

// WithConnectivity supplies the online signal used to classify failures.
func WithConnectivity(online func() bool) Option {
	return func(c *Coordinator) {
		if online != nil {
			c.online = online
		}
	}
}

// WithRetryParallel bounds how many queued downloads RetryPending runs at once.
func WithRetryParallel(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.retryParallel = n
		}
	}
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(c *Coordinator) {
		c.telemetry = tel
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// Coordinator is safe for concurrent use. Downloads of different items run
// concurrently; a second request for an item that is still active is rejected.
type Coordinator struct {
	bus            *events.Bus
	queue          *retryqueue.Queue
	telemetry      *telemetry.Telemetry
	messenger      *transport.Messenger
	online         func() bool
	now            func() time.Time
	readyTimeout   time.Duration
	commandTimeout time.Duration
	retryParallel  int

	connectMu sync.Mutex
	retrying  atomic.Bool

	mu        sync.Mutex
	conn      transport.Connection
	downloads map[string]*download
}

func New(bus *events.Bus, opts ...Option) *Coordinator {
	c := &Coordinator{
		bus:           bus,
		queue:         retryqueue.New(nil),
		online:        func() bool { return true },
		now:           time.Now,
		readyTimeout:  DefaultReadyTimeout,
		retryParallel: 2,
		downloads:     make(map[string]*download),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.messenger = transport.NewMessenger(c.activeWorker, c.commandTimeout, c.telemetry)

	return c
}

// Initialize connects to the worker and waits until it reports ready.
// Calling it again while a worker is connected is a no-op. Concurrent calls
// share one connection attempt.
func (c *Coordinator) Initialize(ctx context.Context, locator transport.Locator) error {
	logger := logctx.LoggerFromContext(ctx)

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.Initialized() {
		return nil
	}

	conn, err := locator.Locate(ctx)
	if errors.Is(err, transport.ErrUnsupported) {
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}

	if err != nil {
		return fmt.Errorf("failed to locate worker: %w", err)
	}

	go c.listen(context.WithoutCancel(ctx), conn)

	timer := time.NewTimer(c.readyTimeout)
	defer timer.Stop()

	select {
	case <-conn.Ready():
	case <-conn.Done():
		return fmt.Errorf("%w: worker hung up before it was ready", ErrTransportUnavailable)
	case <-timer.C:
		conn.Close()

		return fmt.Errorf("%w after %s", ErrReadyTimeout, c.readyTimeout)
	case <-ctx.Done():
		conn.Close()

		return ctx.Err()
	}

	c.mu.Lock()
	// The listener only clears c.conn after Done is closed, so a dead
	// connection must never be installed.
	select {
	case <-conn.Done():
		c.mu.Unlock()

		return fmt.Errorf("%w: worker hung up before it was ready", ErrTransportUnavailable)
	default:
	}

	c.conn = conn
	c.mu.Unlock()

	logger.InfoContext(ctx, "worker ready")

	return nil
}

// Initialized reports whether a worker is currently connected.
func (c *Coordinator) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn != nil
}

// Close drops the worker connection. Active downloads fail with
// ErrTransportUnavailable once the notification stream ends.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	return conn.Close()
}

// Begin starts downloading itemKey and returns a handle to wait on. It fails
// immediately with an *AlreadyInProgressError when the item is already active.
func (c *Coordinator) Begin(ctx context.Context, itemKey, basePath string) (*Pending, error) {
	if itemKey == "" {
		return nil, ErrEmptyItemKey
	}

	ctx = logctx.WithItemKey(ctx, itemKey)
	logger := logctx.LoggerFromContext(ctx)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()

		return nil, ErrNotInitialized
	}

	if _, ok := c.downloads[itemKey]; ok {
		c.mu.Unlock()

		return nil, &AlreadyInProgressError{ItemKey: itemKey}
	}

	d := newDownload(itemKey, basePath, c.now())
	c.downloads[itemKey] = d
	c.mu.Unlock()

	c.telemetry.IncrementActiveDownloads(ctx)

	logger.InfoContext(ctx, "download requested", "base_path", basePath)

	if _, err := c.messenger.Send(ctx, protocol.CacheBegin{ItemKey: itemKey, BasePath: basePath}, 0); err != nil {
		err = unavailable(err)

		// A lost connection or a cancel may have settled d while the send
		// was waiting; that outcome is the one the caller sees.
		if !c.settle(ctx, d, StatusFailed, err) {
			return nil, (&Pending{c: c, d: d}).result()
		}

		return nil, err
	}

	return &Pending{c: c, d: d}, nil
}

// DownloadBible downloads itemKey and blocks until the worker reports the
// outcome. The item's state is always gone when it returns.
func (c *Coordinator) DownloadBible(ctx context.Context, itemKey, basePath string) error {
	p, err := c.Begin(ctx, itemKey, basePath)
	if err != nil {
		return err
	}

	return p.Wait(ctx)
}

// CancelDownload cancels an active download. It returns false when itemKey is
// not being downloaded.
func (c *Coordinator) CancelDownload(ctx context.Context, itemKey string) (bool, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()

		return false, ErrNotInitialized
	}

	d := c.downloads[itemKey]
	c.mu.Unlock()

	if d == nil {
		return false, nil
	}

	return c.cancel(logctx.WithItemKey(ctx, itemKey), d), nil
}

// cancel settles d as cancelled first so the waiting caller is released
// without waiting on the worker, then asks the worker to stop.
func (c *Coordinator) cancel(ctx context.Context, d *download) bool {
	logger := logctx.LoggerFromContext(ctx)

	if !c.settle(ctx, d, StatusCancelled, ErrCancelled) {
		return false
	}

	if _, err := c.messenger.Send(ctx, protocol.CacheCancel{ItemKey: d.itemKey}, 0); err != nil {
		logger.WarnContext(ctx, "failed to ask worker to cancel download", "err", err)
	}

	return true
}

// ClearCache asks the worker to purge the whole cache. Active downloads are
// left alone.
func (c *Coordinator) ClearCache(ctx context.Context) error {
	if !c.Initialized() {
		return ErrNotInitialized
	}

	reply, err := transport.Call[protocol.ClearedReply](ctx, c.messenger, protocol.ClearAll{})
	if err != nil {
		return fmt.Errorf("failed to clear cache: %w", unavailable(err))
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "cache cleared", "items_cleared", reply.ItemsCleared)

	c.bus.Publish(ctx, events.CacheClearedEvent{ItemsCleared: reply.ItemsCleared})

	return nil
}

// GetCacheStatus returns the worker's cache summary, or a zero value when the
// worker cannot be asked.
func (c *Coordinator) GetCacheStatus(ctx context.Context) CacheStatus {
	if !c.Initialized() {
		return CacheStatus{}
	}

	reply, err := transport.Call[protocol.StatusReply](ctx, c.messenger, protocol.GetStatus{})
	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to get cache status", "err", err)

		return CacheStatus{}
	}

	return CacheStatus{ChapterCount: reply.ChapterCount, SizeBytes: reply.SizeBytes}
}

// GetItemCacheStatus returns the cache summary of one item, or an empty
// status when the worker cannot be asked.
func (c *Coordinator) GetItemCacheStatus(ctx context.Context, itemKey, basePath string) ItemCacheStatus {
	empty := ItemCacheStatus{ItemKey: itemKey}

	if !c.Initialized() {
		return empty
	}

	ctx = logctx.WithItemKey(ctx, itemKey)

	reply, err := transport.Call[protocol.ItemStatusReply](ctx, c.messenger, protocol.GetItemStatus{
		ItemKey:  itemKey,
		BasePath: basePath,
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to get item cache status", "err", err)

		return empty
	}

	return ItemCacheStatus{
		ItemKey:        itemKey,
		CachedChapters: reply.CachedChapters,
		CachedBooks:    reply.CachedBooks,
		TotalChapters:  reply.TotalChapters,
		IsFullyCached:  reply.IsFullyCached,
	}
}

// GetDownloadProgress returns the in-memory state of every active download.
func (c *Coordinator) GetDownloadProgress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := Progress{
		InProgress: len(c.downloads) > 0,
		ActiveKeys: make([]string, 0, len(c.downloads)),
		Items:      make(map[string]ItemProgress, len(c.downloads)),
	}

	for key, d := range c.downloads {
		p.ActiveKeys = append(p.ActiveKeys, key)
		p.Items[key] = ItemProgress{
			ItemKey:   key,
			Status:    d.status,
			Completed: d.completed,
			Total:     d.total,
			Percent:   events.Percent(d.completed, d.total),
		}
	}

	sort.Strings(p.ActiveKeys)

	return p
}

func (c *Coordinator) activeWorker() transport.Worker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	return c.conn
}

func (c *Coordinator) lookup(itemKey string) *download {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.downloads[itemKey]
}

// settle moves d to a terminal status, removes it from the state map and
// publishes its completion. It returns false if d had already settled.
func (c *Coordinator) settle(ctx context.Context, d *download, status Status, err error) bool {
	c.mu.Lock()
	if d.status.Terminal() {
		c.mu.Unlock()

		return false
	}

	d.status = status
	d.err = err

	if c.downloads[d.itemKey] == d {
		delete(c.downloads, d.itemKey)
	}
	c.mu.Unlock()

	close(d.done)

	c.telemetry.DecrementActiveDownloads(ctx)
	c.telemetry.RecordDownload(ctx, status.String(), c.now().Sub(d.startedAt))

	ctx = logctx.WithItemKey(ctx, d.itemKey)
	logger := logctx.LoggerFromContext(ctx)

	ev := events.CompleteEvent{ItemKey: d.itemKey, Success: status == StatusCompleted}

	switch status {
	case StatusCompleted:
		logger.InfoContext(ctx, "download completed")
	case StatusCancelled:
		ev.Cancelled = true
		ev.Error = err.Error()

		logger.InfoContext(ctx, "download cancelled")
	default:
		ev.Error = err.Error()

		logger.ErrorContext(ctx, "download failed", "err", err)
	}

	c.bus.Publish(ctx, ev)

	return true
}
