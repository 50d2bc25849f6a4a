package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/carpool/internal/models"
)

// WebhookPublisher posts every event as JSON to an HTTP endpoint, e.g. the
// notification backend that pushes to member devices.
type WebhookPublisher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewWebhookPublisher(endpoint, key string) *WebhookPublisher {
	return &WebhookPublisher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (w *WebhookPublisher) Publish(ctx context.Context, e models.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Key != "" {
		req.Header.Set("Authorization", "Bearer "+w.Key)
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", e.Type, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: unexpected status %d", e.Type, resp.StatusCode)
	}
	return nil
}
