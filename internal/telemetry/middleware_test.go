package telemetry

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/offline_sync/internal/logctx"
)

func TestRequestID_GeneratesAndPropagates(t *testing.T) {
	var seen string

	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "upstream-id")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "upstream-id", seen)
	assert.Equal(t, "upstream-id", rec.Header().Get(RequestIDHeader))
}

func TestHTTPLogging_LevelFollowsStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{status: http.StatusOK, level: `"level":"INFO"`},
		{status: http.StatusConflict, level: `"level":"WARN"`},
		{status: http.StatusBadGateway, level: `"level":"ERROR"`},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))

			h := RequestID(HTTPLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("ok"))
			})))

			req := httptest.NewRequest(http.MethodGet, "/cache", nil)
			req = req.WithContext(logctx.WithLogger(req.Context(), logger))

			h.ServeHTTP(httptest.NewRecorder(), req)

			out := buf.String()
			assert.Contains(t, out, tt.level)
			assert.Contains(t, out, `"path":"/cache"`)
			assert.Contains(t, out, `"request_id":`)
			assert.Contains(t, out, `"bytes":2`)
		})
	}
}

func TestHTTPMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(NewHTTPMiddleware(&Telemetry{}).Middleware)
	r.Get("/bibles/{itemKey}/cache", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bibles/{itemKey}/cache", routePattern(r))
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bibles/kjv/cache", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(http.StatusAccepted))
	assert.Equal(t, "3xx", statusClass(http.StatusFound))
	assert.Equal(t, "4xx", statusClass(http.StatusNotFound))
	assert.Equal(t, "5xx", statusClass(http.StatusServiceUnavailable))
	assert.Equal(t, "unknown", statusClass(0))
}

func TestResponseWriter_FirstHeaderWins(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := wrapResponseWriter(rec)

	rw.WriteHeader(http.StatusCreated)
	rw.WriteHeader(http.StatusInternalServerError)

	assert.Equal(t, http.StatusCreated, rw.status)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Same(t, rw, wrapResponseWriter(rw))
}
