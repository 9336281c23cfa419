package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Pusher delivers an event to a user who has no live websocket.
type Pusher interface {
	Push(ctx context.Context, userID string, ev Event) error
}

// HTTPPusher posts events to a push provider endpoint, bearer-authenticated
// when a key is configured.
type HTTPPusher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewHTTPPusher(endpoint, key string) *HTTPPusher {
	return &HTTPPusher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *HTTPPusher) Push(ctx context.Context, userID string, ev Event) error {
	body := map[string]any{"message": map[string]any{"user_id": userID, "data": ev}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
