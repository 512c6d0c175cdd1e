package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/italolelis/offline_sync/internal/coordinator"
	"github.com/italolelis/offline_sync/internal/events"
	"github.com/italolelis/offline_sync/internal/logctx"
	"github.com/italolelis/offline_sync/internal/retryqueue"
)

const eventBuffer = 64

// Coordinator is the part of *coordinator.Coordinator the API uses.
type Coordinator interface {
	StartWithRetryFallback(ctx context.Context, itemKey, basePath string) (<-chan coordinator.Outcome, error)
	CancelDownload(ctx context.Context, itemKey string) (bool, error)
	ClearCache(ctx context.Context) error
	GetCacheStatus(ctx context.Context) coordinator.CacheStatus
	GetItemCacheStatus(ctx context.Context, itemKey, basePath string) coordinator.ItemCacheStatus
	GetDownloadProgress() coordinator.Progress
}

// PendingLister lists queued retries.
type PendingLister interface {
	ListPending(ctx context.Context) ([]retryqueue.Entry, error)
}

type downloadRequest struct {
	BasePath string `json:"basePath"`
}

type downloadResponse struct {
	ItemKey string `json:"itemKey"`
	Status  string `json:"status"`
}

type cacheStatusResponse struct {
	coordinator.CacheStatus
	Size string `json:"size"`
}

type queueEntryResponse struct {
	retryqueue.Entry
	ExpiresIn string `json:"expiresIn"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// streamedEvent is one line of the /events stream.
type streamedEvent struct {
	Kind events.Kind  `json:"kind"`
	Data events.Event `json:"data"`
}

// OfflineHandler exposes the download coordinator to the UI.
type OfflineHandler struct {
	coordinator Coordinator
	queue       PendingLister
	bus         *events.Bus
	username    string
	password    string
}

// NewOfflineHandler creates the handler. Basic auth is enforced when username
// is not empty.
func NewOfflineHandler(c Coordinator, queue PendingLister, bus *events.Bus, username, password string) *OfflineHandler {
	return &OfflineHandler{
		coordinator: c,
		queue:       queue,
		bus:         bus,
		username:    username,
		password:    password,
	}
}

func (h *OfflineHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Route("/bibles/{itemKey}", func(r chi.Router) {
		r.Post("/download", h.HandleDownload)
		r.Delete("/download", h.HandleCancel)
		r.Get("/cache", h.HandleItemCacheStatus)
	})

	r.Get("/cache", h.HandleCacheStatus)
	r.Delete("/cache", h.HandleClearCache)
	r.Get("/downloads", h.HandleDownloadProgress)
	r.Get("/queue", h.HandleQueue)
	r.Get("/events", h.HandleEvents)

	return r
}

// HandleDownload starts a download and answers before it finishes. Failures
// after the start are queued for retry when they look like connectivity
// problems.
func (h *OfflineHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	itemKey := chi.URLParam(r, "itemKey")
	ctx := logctx.WithItemKey(r.Context(), itemKey)
	logger := logctx.LoggerFromContext(ctx)

	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		logger.WarnContext(ctx, "failed to decode download request", "err", err)
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	// The download outlives the request.
	outcome, err := h.coordinator.StartWithRetryFallback(context.WithoutCancel(ctx), itemKey, req.BasePath)
	if err != nil {
		writeCoordinatorError(w, err)

		return
	}

	go func() {
		o := <-outcome

		switch {
		case o.Success:
			logger.DebugContext(ctx, "background download finished")
		case o.Queued:
			logger.InfoContext(ctx, "background download queued for retry")
		default:
			logger.WarnContext(ctx, "background download failed", "err", o.Err)
		}
	}()

	writeJSON(ctx, w, http.StatusAccepted, downloadResponse{ItemKey: itemKey, Status: "accepted"})
}

func (h *OfflineHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	itemKey := chi.URLParam(r, "itemKey")

	cancelled, err := h.coordinator.CancelDownload(r.Context(), itemKey)
	if err != nil {
		writeCoordinatorError(w, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (h *OfflineHandler) HandleItemCacheStatus(w http.ResponseWriter, r *http.Request) {
	itemKey := chi.URLParam(r, "itemKey")
	basePath := r.URL.Query().Get("basePath")

	writeJSON(r.Context(), w, http.StatusOK, h.coordinator.GetItemCacheStatus(r.Context(), itemKey, basePath))
}

func (h *OfflineHandler) HandleCacheStatus(w http.ResponseWriter, r *http.Request) {
	status := h.coordinator.GetCacheStatus(r.Context())

	writeJSON(r.Context(), w, http.StatusOK, cacheStatusResponse{
		CacheStatus: status,
		Size:        humanize.Bytes(uint64(max(status.SizeBytes, 0))),
	})
}

func (h *OfflineHandler) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.ClearCache(r.Context()); err != nil {
		writeCoordinatorError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *OfflineHandler) HandleDownloadProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, h.coordinator.GetDownloadProgress())
}

func (h *OfflineHandler) HandleQueue(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	entries, err := h.queue.ListPending(r.Context())
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to list queued downloads", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list queued downloads")

		return
	}

	resp := make([]queueEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, queueEntryResponse{Entry: e, ExpiresIn: humanize.Time(e.ExpiresAt)})
	}

	writeJSON(r.Context(), w, http.StatusOK, resp)
}

// HandleEvents streams bus events as newline-delimited JSON until the client
// goes away. Events are dropped for a client that cannot keep up.
func (h *OfflineHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")

		return
	}

	ch := make(chan events.Event, eventBuffer)

	unsubscribe := h.bus.Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
			logger.WarnContext(ctx, "event stream client too slow, dropping event", "kind", e.Kind())
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			if err := enc.Encode(streamedEvent{Kind: e.Kind(), Data: e}); err != nil {
				logger.DebugContext(ctx, "event stream closed", "err", err)

				return
			}

			flusher.Flush()
		}
	}
}

func (h *OfflineHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid authorization format")

			return
		}

		if username != h.username || password != h.password {
			writeError(w, http.StatusUnauthorized, "invalid username or password")

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeCoordinatorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrAlreadyInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, coordinator.ErrEmptyItemKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, coordinator.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}

var _ Coordinator = (*coordinator.Coordinator)(nil)
