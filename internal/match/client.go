// Package match implements the matchmaking client: enqueue, then poll the
// status endpoint until the service pairs two waiting users into a room.
package match

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultPollInterval is how often the status endpoint is polled while
// waiting for a partner.
const DefaultPollInterval = 2 * time.Second

// Status values reported by the matchmaking service.
const (
	StatusWaiting = "waiting"
	StatusMatched = "matched"
)

// Result is a completed match: the shared room and the peer in it.
type Result struct {
	RoomID string
	PeerID string
}

// statusResponse is the wire format shared by the enqueue and poll
// endpoints.
type statusResponse struct {
	Status string `json:"status"`
	RoomID string `json:"room_id,omitempty"`
	PeerID string `json:"peer_id,omitempty"`
}

// Client talks to the matchmaking service.
type Client struct {
	base     string
	client   *http.Client
	interval time.Duration
	log      *slog.Logger
}

// NewClient builds a matchmaking client. interval <= 0 selects the default
// poll interval.
func NewClient(base string, httpClient *http.Client, interval time.Duration, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{base: base, client: httpClient, interval: interval, log: logger}
}

// Enqueue registers userID as waiting for a partner. When a partner was
// already waiting the match resolves immediately and the result is
// returned; (nil, nil) means enqueued and still waiting.
func (c *Client) Enqueue(ctx context.Context, userID string) (*Result, error) {
	body, err := json.Marshal(struct {
		UserID string `json:"user_id"`
	}{userID})
	if err != nil {
		return nil, fmt.Errorf("encode match request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/match", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("matchmaking: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("matchmaking: unexpected status %d", resp.StatusCode)
	}

	var sr statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode match response: %w", err)
	}
	return c.resolve(sr, userID)
}

// Poll asks once whether userID has been matched. A waiting answer returns
// (nil, nil).
func (c *Client) Poll(ctx context.Context, userID string) (*Result, error) {
	u := fmt.Sprintf("%s/match/status/%s", c.base, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("matchmaking: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("matchmaking: unexpected status %d", resp.StatusCode)
	}

	var sr statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode match status: %w", err)
	}
	return c.resolve(sr, userID)
}

func (c *Client) resolve(sr statusResponse, userID string) (*Result, error) {
	switch sr.Status {
	case StatusWaiting:
		return nil, nil
	case StatusMatched:
		if sr.PeerID != "" {
			return &Result{RoomID: sr.RoomID, PeerID: sr.PeerID}, nil
		}
		// Older services omit peer_id; recover it from the room name.
		peer, err := PeerFromRoom(sr.RoomID, userID)
		if err != nil {
			return nil, err
		}
		return &Result{RoomID: sr.RoomID, PeerID: peer}, nil
	default:
		return nil, fmt.Errorf("unknown match status %q", sr.Status)
	}
}

// Wait enqueues userID and polls until a match arrives or ctx is canceled.
func (c *Client) Wait(ctx context.Context, userID string) (Result, error) {
	res, err := c.Enqueue(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	if res != nil {
		return *res, nil
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		res, err := c.Poll(ctx, userID)
		if err != nil {
			// Transient poll failures keep the wait alive; cancellation
			// ends it.
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			c.log.Warn("match poll failed", "err", err)
		} else if res != nil {
			return *res, nil
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// PeerFromRoom extracts the other participant from a room id of the form
// "userA_userB".
func PeerFromRoom(roomID, selfID string) (string, error) {
	parts := strings.Split(roomID, "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("malformed room id %q", roomID)
	}
	switch selfID {
	case parts[0]:
		return parts[1], nil
	case parts[1]:
		return parts[0], nil
	default:
		return "", fmt.Errorf("room %q does not contain %q", roomID, selfID)
	}
}
