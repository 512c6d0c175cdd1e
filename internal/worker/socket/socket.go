// Package socket connects to a caching worker that listens on a unix socket
// and speaks newline-delimited JSON envelopes.
package socket

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/italolelis/offline_sync/internal/logctx"
	"github.com/italolelis/offline_sync/internal/protocol"
	"github.com/italolelis/offline_sync/internal/transport"
)

const (
	// TypeReady is sent once by the worker when it accepts commands.
	TypeReady = "READY"
	// TypeReply carries the answer to the command with the same id.
	TypeReply = "REPLY"

	DefaultDialTimeout = 10 * time.Second

	maxFrameSize = 1 << 20
)

// Locator dials the worker socket.
type Locator struct {
	path        string
	dialTimeout time.Duration
}

var _ transport.Locator = (*Locator)(nil)

func NewLocator(path string, dialTimeout time.Duration) *Locator {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}

	return &Locator{path: path, dialTimeout: dialTimeout}
}

// Locate dials the socket, retrying with exponential backoff until the dial
// timeout elapses. An empty path means this host has no worker.
func (l *Locator) Locate(ctx context.Context) (transport.Connection, error) {
	logger := logctx.LoggerFromContext(ctx).With("socket", l.path)

	if l.path == "" {
		return nil, transport.ErrUnsupported
	}

	nc, err := backoff.Retry(ctx, func() (net.Conn, error) {
		var d net.Dialer

		return d.DialContext(ctx, "unix", l.path)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(l.dialTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug("worker not reachable yet, retrying", "err", err, "retry_in", next)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial worker socket %s: %w", l.path, err)
	}

	logger.Info("connected to worker")

	c := newConn(nc)
	go c.readLoop(context.WithoutCancel(ctx))

	return c, nil
}

// conn multiplexes single-use reply channels over one socket.
type conn struct {
	nc net.Conn

	writeMu sync.Mutex
	enc     *json.Encoder

	mu      sync.Mutex
	pending map[string]chan<- protocol.Reply

	notifications chan protocol.Notification
	ready         chan struct{}
	readyOnce     sync.Once
	closed        chan struct{}
	closeOnce     sync.Once
}

func newConn(nc net.Conn) *conn {
	return &conn{
		nc:            nc,
		enc:           json.NewEncoder(nc),
		pending:       make(map[string]chan<- protocol.Reply),
		notifications: make(chan protocol.Notification, 64),
		ready:         make(chan struct{}),
		closed:        make(chan struct{}),
	}
}

// Post writes env with a fresh id. The write gives up at ctx's deadline. The
// reply registration is dropped when ctx ends, so a reply arriving after that
// is discarded.
func (c *conn) Post(ctx context.Context, env protocol.Envelope, reply chan<- protocol.Reply) error {
	select {
	case <-c.closed:
		return transport.ErrConnectionClosed
	default:
	}

	env.ID = uuid.NewString()

	c.mu.Lock()
	c.pending[env.ID] = reply
	c.mu.Unlock()

	context.AfterFunc(ctx, func() { c.unregister(env.ID) })

	deadline, _ := ctx.Deadline()

	c.writeMu.Lock()
	err := c.nc.SetWriteDeadline(deadline)
	if err == nil {
		err = c.enc.Encode(env)
	}
	c.writeMu.Unlock()

	if err != nil {
		c.unregister(env.ID)

		return fmt.Errorf("failed to write %s frame: %w", env.Type, err)
	}

	return nil
}

func (c *conn) Notifications() <-chan protocol.Notification { return c.notifications }

func (c *conn) Ready() <-chan struct{} { return c.ready }

func (c *conn) Done() <-chan struct{} { return c.closed }

// Close hangs up. Senders still waiting on a reply are released through Done.
func (c *conn) Close() error {
	var err error

	c.closeOnce.Do(func() {
		err = c.nc.Close()

		c.mu.Lock()
		clear(c.pending)
		c.mu.Unlock()

		close(c.closed)
	})

	return err
}

func (c *conn) unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, id)
}

func (c *conn) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

func (c *conn) readLoop(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	defer close(c.notifications)
	defer c.Close()

	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		var env protocol.Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			logger.Warn("skipping malformed worker frame", "err", err)

			continue
		}

		switch env.Type {
		case TypeReady:
			c.readyOnce.Do(func() { close(c.ready) })
		case TypeReply:
			c.deliver(ctx, env)
		default:
			n, err := protocol.DecodeNotification(env)
			if err != nil {
				logger.Warn("skipping unreadable worker notification", "type", env.Type, "err", err)

				continue
			}

			select {
			case c.notifications <- n:
			case <-c.closed:
				return
			}
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Error("worker connection read failed", "err", err)

		return
	}

	logger.Info("worker connection closed")
}

func (c *conn) deliver(ctx context.Context, env protocol.Envelope) {
	c.mu.Lock()
	reply, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.mu.Unlock()

	if !ok {
		logctx.LoggerFromContext(ctx).Debug("discarding reply nobody waits for", "id", env.ID)

		return
	}

	select {
	case reply <- protocol.Reply{Data: env.Data, Error: env.Error}:
	default:
	}
}
