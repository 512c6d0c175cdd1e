package coordinator

import (
	"context"
	"fmt"

	"github.com/italolelis/offline_sync/internal/events"
	"github.com/italolelis/offline_sync/internal/logctx"
	"github.com/italolelis/offline_sync/internal/protocol"
	"github.com/italolelis/offline_sync/internal/transport"
)

// listen consumes conn's notifications until the worker goes away.
func (c *Coordinator) listen(ctx context.Context, conn transport.Connection) {
	for n := range conn.Notifications() {
		c.handle(ctx, n)
	}

	c.connectionLost(ctx, conn)
}

func (c *Coordinator) handle(ctx context.Context, n protocol.Notification) {
	logger := logctx.LoggerFromContext(ctx)

	switch n := n.(type) {
	case protocol.Progress:
		c.progress(ctx, n)
	case protocol.Complete:
		d := c.lookup(n.ItemKey)
		if d == nil {
			logger.DebugContext(ctx, "ignoring completion of inactive download", "item_key", n.ItemKey)

			return
		}

		c.mu.Lock()
		if n.ItemCount > d.total {
			d.total = n.ItemCount
		}
		d.completed = d.total
		c.mu.Unlock()

		c.settle(ctx, d, StatusCompleted, nil)
	case protocol.Failure:
		d := c.lookup(n.ItemKey)
		if d == nil {
			logger.DebugContext(ctx, "ignoring failure of inactive download", "item_key", n.ItemKey)

			return
		}

		c.settle(ctx, d, StatusFailed, &transport.WorkerError{
			Command: protocol.TypeCacheBegin,
			ItemKey: n.ItemKey,
			Message: n.Error,
		})
	case protocol.Cleared:
		logger.InfoContext(ctx, "worker cleared cache", "items_cleared", n.ItemsCleared)

		c.bus.Publish(ctx, events.CacheClearedEvent{ItemsCleared: n.ItemsCleared})
	default:
		logger.WarnContext(ctx, "unhandled notification", "type", n.NotificationType())
	}
}

func (c *Coordinator) progress(ctx context.Context, n protocol.Progress) {
	c.mu.Lock()

	d := c.downloads[n.ItemKey]
	if d == nil || d.status.Terminal() {
		c.mu.Unlock()

		logctx.LoggerFromContext(ctx).DebugContext(ctx, "ignoring progress of inactive download", "item_key", n.ItemKey)

		return
	}

	d.status = StatusInProgress
	if n.Completed > d.completed {
		d.completed = n.Completed
	}

	if n.Total > 0 {
		d.total = n.Total
	}

	ev := events.ProgressEvent{
		ItemKey:   d.itemKey,
		Completed: d.completed,
		Total:     d.total,
		Percent:   events.Percent(d.completed, d.total),
	}
	c.mu.Unlock()

	c.bus.Publish(ctx, ev)
}

// connectionLost fails every active download when the current worker's
// notification stream ends.
func (c *Coordinator) connectionLost(ctx context.Context, conn transport.Connection) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()

		return
	}

	c.conn = nil

	active := make([]*download, 0, len(c.downloads))
	for _, d := range c.downloads {
		active = append(active, d)
	}
	c.mu.Unlock()

	logctx.LoggerFromContext(ctx).WarnContext(ctx, "worker connection lost", "active_downloads", len(active))

	for _, d := range active {
		c.settle(ctx, d, StatusFailed, fmt.Errorf("%w: worker went away", ErrTransportUnavailable))
	}
}
