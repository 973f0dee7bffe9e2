package call

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

	"github.com/duovoice/duocall/internal/chat"
	"github.com/duovoice/duocall/internal/media"
	"github.com/duovoice/duocall/internal/negotiate"
	"github.com/duovoice/duocall/internal/signal"
)

// relayHarness is an in-process stand-in for the dev relay: a signaling
// room that broadcasts every envelope to all members including the sender,
// plus chat history and chat stream endpoints.
type relayHarness struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	signals []*websocket.Conn
	chats   []*websocket.Conn
}

func newRelayHarness(t *testing.T) *relayHarness {
	h := &relayHarness{t: t}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/call/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.signals = append(h.signals, conn)
		h.mu.Unlock()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			h.mu.Lock()
			for _, member := range h.signals {
				_ = member.WriteMessage(msgType, data)
			}
			h.mu.Unlock()
		}
	})
	mux.HandleFunc("/chat/history/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]chat.Message{})
	})
	mux.HandleFunc("/ws/chat/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.chats = append(h.chats, conn)
		h.mu.Unlock()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			h.mu.Lock()
			for _, member := range h.chats {
				if member != conn {
					_ = member.WriteMessage(msgType, data)
				}
			}
			h.mu.Unlock()
		}
	})

	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *relayHarness) httpBase() string { return h.srv.URL }

func (h *relayHarness) wsBase() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *relayHarness) config(localID, remoteID string, withChat bool) Config {
	cfg := Config{
		RoomID:    "alice_bob",
		LocalID:   localID,
		RemoteID:  remoteID,
		SignalURL: h.wsBase() + "/call/alice_bob",
		Media:     media.NewStaticSource(false),
	}
	if withChat {
		cfg.ChatHTTPBase = h.httpBase()
		cfg.ChatWSURL = h.wsBase() + "/ws/chat/alice_bob"
	}
	return cfg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not reached")
}

func TestTwoPartiesNegotiateToStable(t *testing.T) {
	h := newRelayHarness(t)
	ctx := context.Background()

	alice, err := Join(ctx, h.config("alice", "bob", false))
	if err != nil {
		t.Fatalf("alice Join: %v", err)
	}
	defer alice.Close()

	bob, err := Join(ctx, h.config("bob", "alice", false))
	if err != nil {
		t.Fatalf("bob Join: %v", err)
	}
	defer bob.Close()

	waitFor(t, func() bool {
		return alice.Negotiator().Session().State == negotiate.Stable &&
			bob.Negotiator().Session().State == negotiate.Stable
	})

	if !alice.Negotiator().Offerer() {
		t.Fatalf("alice should offer: lexicographically smaller id")
	}
	if bob.Negotiator().Offerer() {
		t.Fatalf("bob should answer")
	}
}

func TestFriendHandshakeAcrossRelay(t *testing.T) {
	h := newRelayHarness(t)
	ctx := context.Background()

	var (
		mu        sync.Mutex
		requested string
		resolved  *bool
	)
	aliceCfg := h.config("alice", "bob", false)
	aliceCfg.OnFriendResult = func(accepted bool) {
		mu.Lock()
		resolved = &accepted
		mu.Unlock()
	}
	bobCfg := h.config("bob", "alice", false)
	bobCfg.OnFriendRequest = func(from string) {
		mu.Lock()
		requested = from
		mu.Unlock()
	}

	alice, err := Join(ctx, aliceCfg)
	if err != nil {
		t.Fatalf("alice Join: %v", err)
	}
	defer alice.Close()
	bob, err := Join(ctx, bobCfg)
	if err != nil {
		t.Fatalf("bob Join: %v", err)
	}
	defer bob.Close()

	if err := alice.Friends().Request(); err != nil {
		t.Fatalf("Request: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return requested == "alice"
	})

	if err := bob.Friends().Accept(ctx); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return resolved != nil && *resolved
	})
}

func TestAssistRelayAcrossRelay(t *testing.T) {
	h := newRelayHarness(t)
	ctx := context.Background()

	var (
		mu    sync.Mutex
		texts []string
		ended bool
	)
	bobCfg := h.config("bob", "alice", false)
	bobCfg.OnAssistText = func(text string) {
		mu.Lock()
		texts = append(texts, text)
		mu.Unlock()
	}
	bobCfg.OnAssistEnd = func() {
		mu.Lock()
		ended = true
		mu.Unlock()
	}

	alice, err := Join(ctx, h.config("alice", "bob", false))
	if err != nil {
		t.Fatalf("alice Join: %v", err)
	}
	defer alice.Close()
	bob, err := Join(ctx, bobCfg)
	if err != nil {
		t.Fatalf("bob Join: %v", err)
	}
	defer bob.Close()

	if err := alice.Assist().Open("spell it out"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := alice.Assist().SetText("HI"); err != nil {
		t.Fatalf("SetText: %v", err)
	}
	if err := alice.Assist().End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(texts) == 1 && texts[0] == "HI" && ended
	})
}

func TestChatFlowsThroughCall(t *testing.T) {
	h := newRelayHarness(t)
	ctx := context.Background()

	var (
		mu       sync.Mutex
		bobGot   []chat.Message
		aliceGot []chat.Message
	)
	aliceCfg := h.config("alice", "bob", true)
	aliceCfg.OnChatMessage = func(m chat.Message) {
		mu.Lock()
		aliceGot = append(aliceGot, m)
		mu.Unlock()
	}
	bobCfg := h.config("bob", "alice", true)
	bobCfg.OnChatMessage = func(m chat.Message) {
		mu.Lock()
		bobGot = append(bobGot, m)
		mu.Unlock()
	}

	alice, err := Join(ctx, aliceCfg)
	if err != nil {
		t.Fatalf("alice Join: %v", err)
	}
	defer alice.Close()
	bob, err := Join(ctx, bobCfg)
	if err != nil {
		t.Fatalf("bob Join: %v", err)
	}
	defer bob.Close()

	if _, err := alice.Chat().Send("hello bob"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		// Alice sees her optimistic echo, bob the delivered message.
		return len(aliceGot) == 1 && len(bobGot) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if bobGot[0].Content != "hello bob" || bobGot[0].SenderID != "alice" {
		t.Fatalf("bob got %+v", bobGot[0])
	}
}

func TestJoinFailsOnBadChatEndpoint(t *testing.T) {
	h := newRelayHarness(t)

	cfg := h.config("alice", "bob", true)
	cfg.ChatHTTPBase = "http://127.0.0.1:1"
	cfg.ChatWSURL = "ws://127.0.0.1:1/ws/chat/alice_bob"

	if _, err := Join(context.Background(), cfg); err == nil {
		t.Fatalf("Join should fail when chat history is unreachable")
	}
}

func TestJoinRequiresIdentifiers(t *testing.T) {
	h := newRelayHarness(t)
	for _, strip := range []func(*Config){
		func(c *Config) { c.RoomID = "" },
		func(c *Config) { c.LocalID = "" },
		func(c *Config) { c.RemoteID = "" },
	} {
		cfg := h.config("alice", "bob", false)
		strip(&cfg)
		if _, err := Join(context.Background(), cfg); err == nil {
			t.Fatalf("Join accepted an incomplete config")
		}
	}
}

func TestJoinAcceptsOpaqueRoomID(t *testing.T) {
	h := newRelayHarness(t)
	cfg := h.config("alice", "bob", false)
	cfg.RoomID = "7f3c9a2e"
	c, err := Join(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	_ = c.Close()
}

func TestCloseTearsDownEverything(t *testing.T) {
	h := newRelayHarness(t)
	ctx := context.Background()

	c, err := Join(ctx, h.config("alice", "bob", true))
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("dispatch loop did not exit")
	}
	if got := c.Negotiator().Session().State; got != negotiate.Closed {
		t.Fatalf("negotiator state = %s, want closed", got)
	}
	if err := c.Negotiator().Start(ctx); err == nil {
		t.Fatalf("negotiator reusable after Close")
	}
	select {
	case <-c.Chat().Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("chat read loop did not exit")
	}
}

func TestRelayLossEndsCall(t *testing.T) {
	h := newRelayHarness(t)
	ctx := context.Background()

	c, err := Join(ctx, h.config("alice", "bob", false))
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer c.Close()

	h.mu.Lock()
	for _, conn := range h.signals {
		_ = conn.Close()
	}
	h.mu.Unlock()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("call did not end after relay loss")
	}
	waitFor(t, func() bool {
		return c.Negotiator().Session().State == negotiate.Closed
	})
}

// envelopeRoundTrip pins the call-level wire format: what one member sends
// is exactly what the other parses.
func TestEnvelopeRoundTripThroughRelay(t *testing.T) {
	h := newRelayHarness(t)
	ctx := context.Background()

	dial := func(id string) *signal.Channel {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, h.wsBase()+"/call/alice_bob", nil)
		if err != nil {
			t.Fatalf("%s dial: %v", id, err)
		}
		return signal.NewChannel(conn, nil, nil)
	}
	alice := dial("alice")
	defer alice.Close()
	bob := dial("bob")
	defer bob.Close()

	want := signal.Envelope{Kind: signal.KindAssistRequest, Sender: "alice", Prompt: "hey"}
	if err := alice.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-bob.Inbound():
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("envelope not relayed")
	}
}
