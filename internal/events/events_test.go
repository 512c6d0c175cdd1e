package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversInSubscriptionOrder(t *testing.T) {
	bus := NewBus(nil)

	var order []string

	bus.Subscribe(func(Event) { order = append(order, "first") })
	bus.Subscribe(func(Event) { order = append(order, "second") })
	bus.Subscribe(func(Event) { order = append(order, "third") })

	bus.Publish(context.Background(), CacheClearedEvent{ItemsCleared: 2})

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestBus_PanickingSubscriberDoesNotAbortDelivery(t *testing.T) {
	bus := NewBus(nil)

	var got []Event

	bus.Subscribe(func(Event) { panic("subscriber blew up") })
	bus.Subscribe(func(e Event) { got = append(got, e) })

	require.NotPanics(t, func() {
		bus.Publish(context.Background(), CompleteEvent{ItemKey: "kjv", Success: true})
	})

	assert.Equal(t, []Event{CompleteEvent{ItemKey: "kjv", Success: true}}, got)
}

func TestBus_NoBuffering(t *testing.T) {
	bus := NewBus(nil)

	bus.Publish(context.Background(), ProgressEvent{ItemKey: "kjv", Completed: 1, Total: 2, Percent: 50})

	var got []Event
	bus.Subscribe(func(e Event) { got = append(got, e) })

	assert.Empty(t, got)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	unsubscribe := bus.Subscribe(func(Event) { calls++ })
	keep := bus.Subscribe(func(Event) {})

	bus.Publish(context.Background(), CacheClearedEvent{})
	unsubscribe()
	unsubscribe() // idempotent
	bus.Publish(context.Background(), CacheClearedEvent{})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, bus.Len())

	keep()
	assert.Equal(t, 0, bus.Len())
}

func TestBus_TypedSubscriptions(t *testing.T) {
	bus := NewBus(nil)

	var (
		progress []ProgressEvent
		complete []CompleteEvent
		cleared  []CacheClearedEvent
	)

	bus.OnProgress(func(e ProgressEvent) { progress = append(progress, e) })
	bus.OnComplete(func(e CompleteEvent) { complete = append(complete, e) })
	bus.OnCacheCleared(func(e CacheClearedEvent) { cleared = append(cleared, e) })

	ctx := context.Background()
	bus.Publish(ctx, ProgressEvent{ItemKey: "kjv", Completed: 5, Total: 10, Percent: 50})
	bus.Publish(ctx, CompleteEvent{ItemKey: "kjv", Cancelled: true})
	bus.Publish(ctx, CacheClearedEvent{ItemsCleared: 7})

	assert.Equal(t, []ProgressEvent{{ItemKey: "kjv", Completed: 5, Total: 10, Percent: 50}}, progress)
	assert.Equal(t, []CompleteEvent{{ItemKey: "kjv", Cancelled: true}}, complete)
	assert.Equal(t, []CacheClearedEvent{{ItemsCleared: 7}}, cleared)
}

func TestPercent(t *testing.T) {
	tests := []struct {
		completed, total, want int
	}{
		{0, 0, 0},
		{5, 10, 50},
		{1, 3, 33},
		{10, 10, 100},
		{12, 10, 100},
		{3, -1, 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Percent(tt.completed, tt.total), "Percent(%d, %d)", tt.completed, tt.total)
	}
}
