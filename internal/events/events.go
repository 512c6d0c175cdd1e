// Package events fans coordinator notifications out to UI subscribers.
package events

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/italolelis/offline_sync/internal/logctx"
	"github.com/italolelis/offline_sync/internal/telemetry"
)

// Kind names an event type.
type Kind string

const (
	KindProgress     Kind = "progress"
	KindComplete     Kind = "complete"
	KindCacheCleared Kind = "cacheCleared"
)

// Event is one of ProgressEvent, CompleteEvent or CacheClearedEvent.
type Event interface {
	Kind() Kind
	event()
}

type ProgressEvent struct {
	ItemKey   string `json:"itemKey"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Percent   int    `json:"percent"`
}

// CompleteEvent reports the end of a download. Success is false for failed
// and cancelled downloads; Cancelled tells them apart.
type CompleteEvent struct {
	ItemKey   string `json:"itemKey"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

type CacheClearedEvent struct {
	ItemsCleared int `json:"itemsCleared"`
}

func (ProgressEvent) Kind() Kind     { return KindProgress }
func (CompleteEvent) Kind() Kind     { return KindComplete }
func (CacheClearedEvent) Kind() Kind { return KindCacheCleared }

func (ProgressEvent) event()     {}
func (CompleteEvent) event()     {}
func (CacheClearedEvent) event() {}

// Percent returns completed/total as a whole percentage, 0 when total is 0.
func Percent(completed, total int) int {
	if total <= 0 {
		return 0
	}

	p := completed * 100 / total
	if p > 100 {
		return 100
	}

	return p
}

// Handler receives published events.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus delivers events synchronously to subscribers in subscription order.
// Events published before a subscriber registers are not replayed.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64

	telemetry *telemetry.Telemetry
}

func NewBus(tel *telemetry.Telemetry) *Bus {
	return &Bus{telemetry: tel}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, handler: h})

	var once sync.Once

	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// OnProgress subscribes to progress events only.
func (b *Bus) OnProgress(h func(ProgressEvent)) func() {
	return b.Subscribe(func(e Event) {
		if p, ok := e.(ProgressEvent); ok {
			h(p)
		}
	})
}

// OnComplete subscribes to completion events only.
func (b *Bus) OnComplete(h func(CompleteEvent)) func() {
	return b.Subscribe(func(e Event) {
		if c, ok := e.(CompleteEvent); ok {
			h(c)
		}
	})
}

// OnCacheCleared subscribes to cache cleared events only.
func (b *Bus) OnCacheCleared(h func(CacheClearedEvent)) func() {
	return b.Subscribe(func(e Event) {
		if c, ok := e.(CacheClearedEvent); ok {
			h(c)
		}
	})
}

// Publish delivers e to every current subscriber. A panicking subscriber is
// logged and skipped.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	b.telemetry.RecordEvent(ctx, string(e.Kind()))

	for _, s := range subs {
		b.deliver(ctx, s, e)
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs)
}

func (b *Bus) deliver(ctx context.Context, s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).Error("event subscriber panicked",
				"kind", e.Kind(),
				"subscriber", s.id,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))

			b.telemetry.RecordSubscriberPanic(ctx, string(e.Kind()))
		}
	}()

	s.handler(e)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)

			return
		}
	}
}
