package coordinator

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/italolelis/offline_sync/internal/protocol"
	"github.com/italolelis/offline_sync/internal/transport"
)

// fakeWorker is a scripted transport.Connection. Replies come from respond;
// notifications are pushed with notify, which returns once the coordinator
// has picked them up.
type fakeWorker struct {
	mu      sync.Mutex
	posted  []protocol.Envelope
	respond func(env protocol.Envelope) (protocol.Reply, bool)

	notifications chan protocol.Notification
	ready         chan struct{}
	done          chan struct{}
	closeOnce     sync.Once
}

func newFakeWorker() *fakeWorker {
	w := &fakeWorker{
		notifications: make(chan protocol.Notification),
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
	}
	w.respond = w.defaultReply

	return w
}

func (w *fakeWorker) Post(_ context.Context, env protocol.Envelope, reply chan<- protocol.Reply) error {
	w.mu.Lock()
	w.posted = append(w.posted, env)
	respond := w.respond
	w.mu.Unlock()

	if r, ok := respond(env); ok {
		reply <- r
	}

	return nil
}

func (w *fakeWorker) Notifications() <-chan protocol.Notification { return w.notifications }
func (w *fakeWorker) Ready() <-chan struct{}                      { return w.ready }
func (w *fakeWorker) Done() <-chan struct{}                       { return w.done }

// Close hangs up the way the socket transport does: Done first, then the
// notification stream.
func (w *fakeWorker) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		close(w.notifications)
	})

	return nil
}

func (w *fakeWorker) markReady() { close(w.ready) }

func (w *fakeWorker) setRespond(fn func(env protocol.Envelope) (protocol.Reply, bool)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.respond = fn
}

// notify hands n to the coordinator and then waits until it was handled.
func (w *fakeWorker) notify(n protocol.Notification) {
	w.notifications <- n
	w.sync()
}

// sync returns once every notification sent before it has been handled.
// The listener handles one notification at a time, so a second receive
// implies the previous handle call finished.
func (w *fakeWorker) sync() {
	w.notifications <- protocol.Progress{ItemKey: "\x00sync"}
}

func (w *fakeWorker) commands() []protocol.CommandType {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]protocol.CommandType, 0, len(w.posted))
	for _, env := range w.posted {
		out = append(out, protocol.CommandType(env.Type))
	}

	return out
}

func (w *fakeWorker) defaultReply(env protocol.Envelope) (protocol.Reply, bool) {
	switch protocol.CommandType(env.Type) {
	case protocol.TypeClearAll:
		return protocol.Reply{Data: mustJSON(protocol.ClearedReply{ItemsCleared: 3})}, true
	case protocol.TypeGetStatus:
		return protocol.Reply{Data: mustJSON(protocol.StatusReply{ChapterCount: 1189, SizeBytes: 4 << 20})}, true
	case protocol.TypeGetItemStatus:
		var req protocol.GetItemStatus
		_ = json.Unmarshal(env.Data, &req)

		return protocol.Reply{Data: mustJSON(protocol.ItemStatusReply{
			ItemKey:        req.ItemKey,
			CachedChapters: 1189,
			CachedBooks:    66,
			TotalChapters:  1189,
			IsFullyCached:  true,
		})}, true
	default:
		return protocol.Reply{}, true
	}
}

func (w *fakeWorker) locator() transport.Locator {
	return transport.LocatorFunc(func(context.Context) (transport.Connection, error) {
		return w, nil
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}

	return b
}
