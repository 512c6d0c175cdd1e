package socket

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/offline_sync/internal/protocol"
	"github.com/italolelis/offline_sync/internal/transport"
)

// fakeServer is a worker on a unix socket. handle returns the frames to send
// back for each received frame; a nil slice hangs up.
type fakeServer struct {
	path string
	ln   net.Listener
}

func startServer(t *testing.T, greeting []string, handle func(env protocol.Envelope) []any) *fakeServer {
	t.Helper()

	dir, err := os.MkdirTemp("", "ws")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "w.sock")

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()

		for _, line := range greeting {
			if _, err := nc.Write([]byte(line + "\n")); err != nil {
				return
			}
		}

		enc := json.NewEncoder(nc)
		scanner := bufio.NewScanner(nc)

		for scanner.Scan() {
			var env protocol.Envelope
			if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
				return
			}

			frames := handle(env)
			if frames == nil {
				return
			}

			for _, frame := range frames {
				if err := enc.Encode(frame); err != nil {
					return
				}
			}
		}
	}()

	return &fakeServer{path: path, ln: ln}
}

func reply(id string, data any) protocol.Envelope {
	raw, _ := json.Marshal(data)

	return protocol.Envelope{ID: id, Type: TypeReply, Data: raw}
}

func notification(n protocol.Notification) protocol.Envelope {
	env, _ := protocol.EncodeNotification(n)

	return env
}

func connect(t *testing.T, path string) transport.Connection {
	t.Helper()

	conn, err := NewLocator(path, time.Second).Locate(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	select {
	case <-conn.Ready():
	case <-time.After(time.Second):
		t.Fatal("worker never became ready")
	}

	return conn
}

func TestLocate_EmptyPathIsUnsupported(t *testing.T) {
	_, err := NewLocator("", 0).Locate(context.Background())
	assert.ErrorIs(t, err, transport.ErrUnsupported)
}

func TestLocate_GivesUpAfterDialTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.sock")

	_, err := NewLocator(path, 50*time.Millisecond).Locate(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, transport.ErrUnsupported)
}

func TestConn_RequestReplyAndNotifications(t *testing.T) {
	srv := startServer(t, []string{`not json`, `{"type":"READY"}`}, func(env protocol.Envelope) []any {
		switch protocol.CommandType(env.Type) {
		case protocol.TypeGetStatus:
			return []any{reply(env.ID, protocol.StatusReply{ChapterCount: 1189, SizeBytes: 2048})}
		case protocol.TypeCacheBegin:
			return []any{
				reply(env.ID, nil),
				notification(protocol.Progress{ItemKey: "kjv", Completed: 5, Total: 10}),
				protocol.Envelope{Type: "BOGUS"},
				notification(protocol.Complete{ItemKey: "kjv", ItemCount: 10}),
			}
		case protocol.TypeClearAll:
			return []any{protocol.Envelope{ID: env.ID, Type: TypeReply, Error: "cache busy"}}
		}

		return nil
	})

	wc := connect(t, srv.path)
	m := transport.NewMessenger(func() transport.Worker { return wc }, time.Second, nil)
	ctx := context.Background()

	status, err := transport.Call[protocol.StatusReply](ctx, m, protocol.GetStatus{})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusReply{ChapterCount: 1189, SizeBytes: 2048}, status)

	_, err = m.Send(ctx, protocol.ClearAll{}, 0)
	var werr *transport.WorkerError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "cache busy", werr.Message)

	_, err = m.Send(ctx, protocol.CacheBegin{ItemKey: "kjv", BasePath: "/content"}, 0)
	require.NoError(t, err)

	var got []protocol.Notification
	for len(got) < 2 {
		select {
		case n := <-wc.Notifications():
			got = append(got, n)
		case <-time.After(time.Second):
			t.Fatal("missing notifications")
		}
	}

	assert.Equal(t, []protocol.Notification{
		protocol.Progress{ItemKey: "kjv", Completed: 5, Total: 10},
		protocol.Complete{ItemKey: "kjv", ItemCount: 10},
	}, got)
}

func TestConn_LateReplyIsDiscarded(t *testing.T) {
	release := make(chan string, 1)

	srv := startServer(t, []string{`{"type":"READY"}`}, func(env protocol.Envelope) []any {
		if protocol.CommandType(env.Type) == protocol.TypeGetStatus {
			release <- env.ID

			return []any{}
		}

		// Any other command flushes the late reply for GET_STATUS first.
		return []any{reply(<-release, protocol.StatusReply{ChapterCount: 1}), reply(env.ID, nil)}
	})

	wc := connect(t, srv.path)
	m := transport.NewMessenger(func() transport.Worker { return wc }, 30*time.Millisecond, nil)
	ctx := context.Background()

	_, err := m.Send(ctx, protocol.GetStatus{}, 0)
	require.ErrorIs(t, err, transport.ErrTimeout)

	require.Eventually(t, func() bool {
		return wc.(*conn).pendingCount() == 0
	}, time.Second, 5*time.Millisecond)

	_, err = m.Send(ctx, protocol.CacheCancel{ItemKey: "kjv"}, time.Second)
	require.NoError(t, err)
	assert.Zero(t, wc.(*conn).pendingCount())
}

func TestConn_ServerHangupClosesNotifications(t *testing.T) {
	srv := startServer(t, []string{`{"type":"READY"}`}, func(protocol.Envelope) []any { return nil })

	wc := connect(t, srv.path)

	require.NoError(t, wc.Post(context.Background(), protocol.Envelope{Type: string(protocol.TypeGetStatus)}, make(chan protocol.Reply, 1)))

	select {
	case _, ok := <-wc.Notifications():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("notifications not closed after hangup")
	}
}

func TestConn_HangupReleasesWaitingSend(t *testing.T) {
	srv := startServer(t, []string{`{"type":"READY"}`}, func(protocol.Envelope) []any { return nil })

	wc := connect(t, srv.path)
	m := transport.NewMessenger(func() transport.Worker { return wc }, time.Minute, nil)

	start := time.Now()
	_, err := m.Send(context.Background(), protocol.CacheBegin{ItemKey: "kjv", BasePath: "/content"}, 0)

	require.ErrorIs(t, err, transport.ErrConnectionClosed)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Eventually(t, func() bool {
		return wc.(*conn).pendingCount() == 0
	}, time.Second, 5*time.Millisecond)

	err = wc.Post(context.Background(), protocol.Envelope{Type: string(protocol.TypeGetStatus)}, make(chan protocol.Reply, 1))
	assert.ErrorIs(t, err, transport.ErrConnectionClosed)
}

func TestConn_PostGivesUpAtDeadline(t *testing.T) {
	// Nobody reads the other end, so the write blocks.
	local, remote := net.Pipe()
	defer remote.Close()

	c := newConn(local)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Post(ctx, protocol.Envelope{Type: string(protocol.TypeGetStatus)}, make(chan protocol.Reply, 1))

	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, c.pendingCount())
}
