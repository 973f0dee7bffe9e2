package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestMessageValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		msg  Message
		ok   bool
	}{
		{"complete", NewMessage("a_b", "a", "b", "hi"), true},
		{"missing room", Message{SenderID: "a", Content: "hi"}, false},
		{"missing sender", Message{RoomID: "a_b", Content: "hi"}, false},
		{"empty content", Message{RoomID: "a_b", SenderID: "a"}, false},
	} {
		err := tc.msg.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestNewMessageAssignsIdentity(t *testing.T) {
	a := NewMessage("a_b", "a", "b", "one")
	b := NewMessage("a_b", "a", "b", "two")
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("ids not unique: %q vs %q", a.ID, b.ID)
	}
	if a.Timestamp.IsZero() {
		t.Fatalf("timestamp not set")
	}
}

func TestLogSeedOnce(t *testing.T) {
	l := NewLog(nil)
	l.Seed([]Message{{ID: "1"}, {ID: "2"}})
	l.Seed([]Message{{ID: "3"}})
	if l.Len() != 2 {
		t.Fatalf("len = %d, want 2 (second seed ignored)", l.Len())
	}
}

func TestLogSeedPrependsHistory(t *testing.T) {
	l := NewLog(nil)
	// A live message can land before the history fetch returns.
	l.Append(Message{ID: "live"})
	l.Seed([]Message{{ID: "h1"}, {ID: "h2"}})

	got := l.Snapshot()
	want := []string{"h1", "h2", "live"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("msg[%d].ID = %q, want %q", i, got[i].ID, id)
		}
	}
}

func TestLogAppendFiresCallback(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	l := NewLog(func(m Message) {
		mu.Lock()
		got = append(got, m.ID)
		mu.Unlock()
	})
	l.Append(Message{ID: "a"})
	l.Append(Message{ID: "b"})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("callback order = %v", got)
	}
}

func TestHistoryClientNullBecomesEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/history/a_b" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("null"))
	}))
	defer srv.Close()

	msgs, err := NewHistoryClient(srv.URL, srv.Client()).Fetch(context.Background(), "a_b")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Fatalf("msgs = %#v, want empty non-nil slice", msgs)
	}
}

func TestHistoryClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := NewHistoryClient(srv.URL, srv.Client()).Fetch(context.Background(), "a_b"); err == nil {
		t.Fatalf("expected error on 502")
	}
}

// chatHarness is an in-process chat service: history over HTTP plus a
// websocket endpoint that records what clients send and can push messages
// back down.
type chatHarness struct {
	t       *testing.T
	srv     *httptest.Server
	history []Message

	mu       sync.Mutex
	received []Message
	conn     *websocket.Conn
	connCh   chan struct{}
}

func newChatHarness(t *testing.T, history []Message) *chatHarness {
	h := &chatHarness{t: t, history: history, connCh: make(chan struct{})}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/chat/history/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h.history)
	})
	mux.HandleFunc("/ws/chat/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		h.mu.Lock()
		h.conn = conn
		h.mu.Unlock()
		close(h.connCh)
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			h.mu.Lock()
			h.received = append(h.received, msg)
			h.mu.Unlock()
		}
	})

	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *chatHarness) wsURL(room string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/chat/" + room
}

func (h *chatHarness) push(t *testing.T, msg Message) {
	t.Helper()
	select {
	case <-h.connCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("no client connected")
	}
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached")
}

func TestDeliverySeedsHistoryThenStreams(t *testing.T) {
	h := newChatHarness(t, []Message{
		{ID: "h1", RoomID: "a_b", SenderID: "bob", Content: "old"},
	})

	d, err := Connect(context.Background(), Config{
		RoomID:   "a_b",
		LocalID:  "alice",
		RemoteID: "bob",
		HTTPBase: h.srv.URL,
		WSURL:    h.wsURL("a_b"),
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer d.Close()

	if d.Messages().Len() != 1 {
		t.Fatalf("history not seeded: len = %d", d.Messages().Len())
	}

	h.push(t, Message{ID: "l1", RoomID: "a_b", SenderID: "bob", Content: "new"})
	waitFor(t, func() bool { return d.Messages().Len() == 2 })

	got := d.Messages().Snapshot()
	if got[0].ID != "h1" || got[1].ID != "l1" {
		t.Fatalf("order = [%s %s], want [h1 l1]", got[0].ID, got[1].ID)
	}
}

func TestDeliverySendIsOptimistic(t *testing.T) {
	h := newChatHarness(t, nil)

	d, err := Connect(context.Background(), Config{
		RoomID:   "a_b",
		LocalID:  "alice",
		RemoteID: "bob",
		HTTPBase: h.srv.URL,
		WSURL:    h.wsURL("a_b"),
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer d.Close()

	msg, err := d.Send("hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	// Local echo is immediate, before any server round trip.
	if d.Messages().Len() != 1 {
		t.Fatalf("optimistic append missing: len = %d", d.Messages().Len())
	}

	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.received) == 1
	})
	h.mu.Lock()
	wire := h.received[0]
	h.mu.Unlock()
	if wire.ID != msg.ID || wire.SenderID != "alice" || wire.ReceiverID != "bob" || wire.Content != "hello" {
		t.Fatalf("wire message = %+v", wire)
	}
}

func TestDeliveryIgnoresOwnEcho(t *testing.T) {
	h := newChatHarness(t, nil)

	d, err := Connect(context.Background(), Config{
		RoomID:   "a_b",
		LocalID:  "alice",
		RemoteID: "bob",
		HTTPBase: h.srv.URL,
		WSURL:    h.wsURL("a_b"),
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer d.Close()

	msg, err := d.Send("hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	h.push(t, msg)
	h.push(t, Message{ID: "r1", RoomID: "a_b", SenderID: "bob", Content: "reply"})
	waitFor(t, func() bool { return d.Messages().Len() == 2 })

	got := d.Messages().Snapshot()
	if got[0].ID != msg.ID || got[1].ID != "r1" {
		t.Fatalf("echo was duplicated: %v", got)
	}
}

func TestDeliveryRejectsEmptyContent(t *testing.T) {
	h := newChatHarness(t, nil)

	d, err := Connect(context.Background(), Config{
		RoomID:   "a_b",
		LocalID:  "alice",
		RemoteID: "bob",
		HTTPBase: h.srv.URL,
		WSURL:    h.wsURL("a_b"),
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer d.Close()

	if _, err := d.Send(""); err == nil {
		t.Fatalf("Send with empty content should fail")
	}
	if d.Messages().Len() != 0 {
		t.Fatalf("rejected message was appended")
	}
}

func TestDeliveryCloseIsIdempotent(t *testing.T) {
	h := newChatHarness(t, nil)

	d, err := Connect(context.Background(), Config{
		RoomID:   "a_b",
		LocalID:  "alice",
		RemoteID: "bob",
		HTTPBase: h.srv.URL,
		WSURL:    h.wsURL("a_b"),
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("read loop did not exit after Close")
	}
}
