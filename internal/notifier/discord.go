package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/offline_sync/internal/events"
	"github.com/italolelis/offline_sync/internal/logctx"
)

const sendTimeout = 10 * time.Second

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		WebhookURL: webhookURL,
		Client: &http.Client{
			Timeout:   sendTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// FormatCompletion renders a completion event as a chat message.
func FormatCompletion(e events.CompleteEvent) string {
	switch {
	case e.Success:
		return "✅ Offline download finished: " + e.ItemKey
	case e.Cancelled:
		return "⏹️ Offline download cancelled: " + e.ItemKey
	default:
		return "❌ Offline download failed: " + e.ItemKey + " (" + e.Error + ")"
	}
}

// Attach sends a message for every completion published on bus. Messages are
// sent from their own goroutine so a slow webhook never stalls the bus.
func Attach(ctx context.Context, bus *events.Bus, n Notifier) (unsubscribe func()) {
	logger := logctx.LoggerFromContext(ctx)

	return bus.OnComplete(func(e events.CompleteEvent) {
		go func() {
			if err := n.Notify(ctx, FormatCompletion(e)); err != nil {
				logger.Error("failed to send notification", "item_key", e.ItemKey, "err", err)
			}
		}()
	})
}
