package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/offline_sync/internal/logctx"
)

const (
	DefaultInterval = 30 * time.Second
	probeTimeout    = 5 * time.Second
)

// Monitor probes a URL periodically and tracks whether the host is online.
// With an empty URL the host is always considered online.
type Monitor struct {
	url      string
	interval time.Duration
	client   *http.Client

	online atomic.Bool

	mu          sync.Mutex
	onReconnect []func(context.Context)
}

func NewMonitor(url string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}

	m := &Monitor{
		url:      url,
		interval: interval,
		client: &http.Client{
			Timeout:   probeTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	m.online.Store(true)

	return m
}

// Online reports the result of the last probe.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// OnReconnect registers fn to run whenever the host goes from offline to
// online. Callbacks run on the monitor goroutine.
func (m *Monitor) OnReconnect(fn func(context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onReconnect = append(m.onReconnect, fn)
}

// Check probes once and updates the online flag.
func (m *Monitor) Check(ctx context.Context) bool {
	logger := logctx.LoggerFromContext(ctx)

	if m.url == "" {
		return true
	}

	err := m.probe(ctx)
	online := err == nil

	was := m.online.Swap(online)

	switch {
	case was && !online:
		logger.Warn("connectivity lost", "url", m.url, "err", err)
	case !was && online:
		logger.Info("connectivity restored", "url", m.url)

		m.mu.Lock()
		callbacks := append([]func(context.Context){}, m.onReconnect...)
		m.mu.Unlock()

		for _, fn := range callbacks {
			fn(ctx)
		}
	}

	return online
}

// Run probes every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if m.url == "" {
		<-ctx.Done()

		return nil
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.url, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Any answer from the server proves the network path works.
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}

	return nil
}
