package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledTelemetry_IsNoop(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()

	// None of these may panic without instruments.
	tel.RecordDownload(ctx, "completed", time.Second)
	tel.IncrementActiveDownloads(ctx)
	tel.DecrementActiveDownloads(ctx)
	tel.RecordWorkerCommand(ctx, "GET_STATUS", "success", time.Millisecond)
	tel.RecordEvent(ctx, "progress")
	tel.RecordRetryQueueSize(ctx, 3)

	called := false
	err = tel.InstrumentCommand(ctx, "GET_STATUS", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, tel.Shutdown(ctx))
}

func TestNilTelemetry_IsNoop(t *testing.T) {
	var tel *Telemetry

	ctx := context.Background()
	wantErr := errors.New("boom")

	err := tel.InstrumentStoreOperation(ctx, "put", func(ctx context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	tel.RecordQueueOperation(ctx, "put", "error", time.Millisecond)
	tel.RecordSubscriberPanic(ctx, "complete")
	assert.Nil(t, tel.MeterProvider())
	assert.NotNil(t, tel.Tracer())
	assert.NoError(t, tel.Shutdown(ctx))
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, "success", statusOf(nil))
	assert.Equal(t, "error", statusOf(errors.New("x")))
}
