package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HistoryClient fetches a room's persisted conversation.
type HistoryClient struct {
	base   string
	client *http.Client
}

// NewHistoryClient builds a client against the chat service at base, e.g.
// "http://localhost:8080".
func NewHistoryClient(base string, client *http.Client) *HistoryClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HistoryClient{base: base, client: client}
}

// Fetch returns the room's history in chronological order. A room with no
// history yields an empty slice, never nil, so callers can range and append
// without a nil check.
func (h *HistoryClient) Fetch(ctx context.Context, roomID string) ([]Message, error) {
	u := fmt.Sprintf("%s/chat/history/%s", h.base, url.PathEscape(roomID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch chat history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch chat history: unexpected status %d", resp.StatusCode)
	}

	var msgs []Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode chat history: %w", err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}
