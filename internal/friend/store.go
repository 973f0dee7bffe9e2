package friend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Invitation status values accepted by the friend store.
const (
	StatusPending = "Pending"
	StatusAccept  = "Accept"
	StatusDecline = "Decline"
)

// Invitation is the friend-store record for one request and its outcome.
type Invitation struct {
	RequesterID string    `json:"requester_id"`
	ReceiverID  string    `json:"receiver_id"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"time_stamp"`
}

// StoreClient talks to the friend store over HTTP.
type StoreClient struct {
	base   string
	client *http.Client
}

// NewStoreClient builds a client for the store at base, e.g.
// "http://localhost:8080".
func NewStoreClient(base string, client *http.Client) *StoreClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &StoreClient{base: base, client: client}
}

// AddInvitation records an invitation under the receiver's friend list via
// POST /users/{receiver}/friends.
func (s *StoreClient) AddInvitation(ctx context.Context, inv Invitation) error {
	body, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("encode invitation: %w", err)
	}

	u := fmt.Sprintf("%s/users/%s/friends", s.base, url.PathEscape(inv.ReceiverID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("friend store: %w", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("friend store: unexpected status %d", resp.StatusCode)
	}
	return nil
}
