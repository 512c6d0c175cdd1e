// Package transport carries single request/response exchanges between the
// coordinator and the caching worker.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/italolelis/offline_sync/internal/logctx"
	"github.com/italolelis/offline_sync/internal/protocol"
	"github.com/italolelis/offline_sync/internal/telemetry"
)

// DefaultTimeout bounds a single request/response exchange.
const DefaultTimeout = 30 * time.Second

// Worker accepts commands. Post must deliver at most one reply on the given
// channel; the channel is buffered so a late reply never blocks the worker.
// Post's context ends when the sender stops waiting, and its deadline bounds
// the write itself.
type Worker interface {
	Post(ctx context.Context, env protocol.Envelope, reply chan<- protocol.Reply) error

	// Done is closed when the worker goes away. Sends waiting on a reply
	// fail with ErrConnectionClosed.
	Done() <-chan struct{}
}

// Connection is an established link to a worker.
type Connection interface {
	Worker

	// Notifications streams unsolicited worker messages. It is closed when the
	// worker goes away.
	Notifications() <-chan protocol.Notification

	// Ready is closed once the worker reports that it can accept commands.
	Ready() <-chan struct{}

	Close() error
}

// Locator finds and connects to the worker. It returns ErrUnsupported when the
// host has no way of reaching one.
type Locator interface {
	Locate(ctx context.Context) (Connection, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context) (Connection, error)

func (f LocatorFunc) Locate(ctx context.Context) (Connection, error) {
	return f(ctx)
}

// Messenger sends commands to whichever worker is currently active.
type Messenger struct {
	active    func() Worker
	timeout   time.Duration
	telemetry *telemetry.Telemetry
}

// NewMessenger creates a messenger. active returns nil while no worker
// controls the session.
func NewMessenger(active func() Worker, timeout time.Duration, tel *telemetry.Telemetry) *Messenger {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Messenger{
		active:    active,
		timeout:   timeout,
		telemetry: tel,
	}
}

// Send transmits cmd over a fresh single-use reply channel and waits for the
// reply, the timeout, the worker going away or ctx, whichever comes first. The
// timeout covers the write as well as the wait. A zero timeout uses the
// messenger default.
func (m *Messenger) Send(ctx context.Context, cmd protocol.Command, timeout time.Duration) (json.RawMessage, error) {
	var data json.RawMessage

	err := m.telemetry.InstrumentCommand(ctx, string(cmd.CommandType()), func(ctx context.Context) error {
		var err error
		data, err = m.send(ctx, cmd, timeout)

		return err
	})

	return data, err
}

func (m *Messenger) send(ctx context.Context, cmd protocol.Command, timeout time.Duration) (json.RawMessage, error) {
	logger := logctx.LoggerFromContext(ctx).With("command", cmd.CommandType())

	w := m.active()
	if w == nil {
		return nil, ErrNoActiveWorker
	}

	if timeout <= 0 {
		timeout = m.timeout
	}

	env, err := protocol.Encode(cmd)
	if err != nil {
		return nil, err
	}

	// Cancelled on return so the worker side can drop the reply registration.
	postCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply := make(chan protocol.Reply, 1)

	timedOut := func() error {
		logger.WarnContext(ctx, "worker did not reply in time", "timeout", timeout)

		return &TimeoutError{Command: cmd.CommandType(), After: timeout}
	}

	if err := w.Post(postCtx, env, reply); err != nil {
		if ctx.Err() == nil && (errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(postCtx.Err(), context.DeadlineExceeded)) {
			return nil, timedOut()
		}

		return nil, fmt.Errorf("failed to post %s: %w", cmd.CommandType(), err)
	}

	select {
	case r := <-reply:
		if r.Error != "" {
			return nil, &WorkerError{Command: cmd.CommandType(), ItemKey: itemKeyOf(cmd), Message: r.Error}
		}

		return r.Data, nil
	case <-w.Done():
		return nil, fmt.Errorf("%s: %w", cmd.CommandType(), ErrConnectionClosed)
	case <-postCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		return nil, timedOut()
	}
}

// Call sends cmd and decodes the reply payload into R.
func Call[R any](ctx context.Context, m *Messenger, cmd protocol.Command) (R, error) {
	var out R

	data, err := m.Send(ctx, cmd, 0)
	if err != nil {
		return out, err
	}

	if len(data) == 0 {
		return out, nil
	}

	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to decode %s reply: %w", cmd.CommandType(), err)
	}

	return out, nil
}

func itemKeyOf(cmd protocol.Command) string {
	switch c := cmd.(type) {
	case protocol.CacheBegin:
		return c.ItemKey
	case protocol.CacheCancel:
		return c.ItemKey
	case protocol.GetItemStatus:
		return c.ItemKey
	}

	return ""
}
