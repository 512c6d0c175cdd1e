package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMonitor_EmptyURLIsAlwaysOnline(t *testing.T) {
	m := NewMonitor("", 0)

	assert.True(t, m.Check(context.Background()))
	assert.True(t, m.Online())
}

func TestMonitor_TransitionsFireReconnect(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	m := NewMonitor(srv.URL, 0)

	var reconnects atomic.Int32
	m.OnReconnect(func(context.Context) { reconnects.Add(1) })

	ctx := context.Background()

	assert.True(t, m.Check(ctx))
	assert.Zero(t, reconnects.Load(), "staying online is not a reconnect")

	status.Store(http.StatusServiceUnavailable)
	assert.False(t, m.Check(ctx))
	assert.False(t, m.Online())

	// A 404 still proves the network works.
	status.Store(http.StatusNotFound)
	assert.True(t, m.Check(ctx))
	assert.True(t, m.Online())
	assert.Equal(t, int32(1), reconnects.Load())
}

func TestMonitor_UnreachableGoesOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	m := NewMonitor(url, 0)

	assert.False(t, m.Check(context.Background()))
	assert.False(t, m.Online())
}
