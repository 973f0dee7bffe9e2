// Package relayserver is the development backend for duocall clients: a
// per-room signaling relay, chat delivery with persistence, matchmaking,
// and the friend store, behind one HTTP listener.
package relayserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/duovoice/duocall/internal/chat"
	"github.com/duovoice/duocall/internal/friend"
	"github.com/duovoice/duocall/internal/match"
	"github.com/duovoice/duocall/internal/metrics"
	"github.com/duovoice/duocall/internal/ratelimit"
)

const writeWait = 1 * time.Second

// Limits bound what one websocket connection may do.
type Limits struct {
	// MessagesPerSecond refills each connection's send budget.
	MessagesPerSecond int64
	// Burst is the bucket capacity.
	Burst int64
	// MaxFrameBytes caps a single inbound frame.
	MaxFrameBytes int64
}

// DefaultLimits suit a two-party room.
var DefaultLimits = Limits{
	MessagesPerSecond: 50,
	Burst:             100,
	MaxFrameBytes:     64 * 1024,
}

// Config wires one Server.
type Config struct {
	Store   *Store
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Limits  Limits
	Clock   ratelimit.Clock
}

// Server carries the relay's shared state; Handler exposes it as HTTP.
type Server struct {
	store   *Store
	log     *slog.Logger
	m       *metrics.Metrics
	limits  Limits
	clock   ratelimit.Clock
	matcher *Matchmaker

	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room // keyed by "signal/"+id or "chat/"+id
}

// room is one broadcast group of websocket members.
type room struct {
	mu      sync.Mutex
	members map[*member]struct{}
}

type member struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	bucket  *ratelimit.TokenBucket
}

func (mb *member) write(msgType int, data []byte) error {
	mb.writeMu.Lock()
	defer mb.writeMu.Unlock()
	_ = mb.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return mb.conn.WriteMessage(msgType, data)
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limits := cfg.Limits
	if limits.MessagesPerSecond == 0 {
		limits = DefaultLimits
	}
	return &Server{
		store:   cfg.Store,
		log:     logger,
		m:       cfg.Metrics,
		limits:  limits,
		clock:   cfg.Clock,
		matcher: NewMatchmaker(),
		upgrader: websocket.Upgrader{
			// The dev relay takes browser connections from any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}
}

// Handler returns the relay's HTTP surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.m != nil {
		r.Method(http.MethodGet, "/metrics", metrics.PrometheusHandler(s.m))
	}

	r.Get("/call/{room}", s.handleSignal)
	r.Get("/ws/chat/{room}", s.handleChat)
	r.Get("/chat/history/{room}", s.handleHistory)

	r.Post("/match", s.handleMatch)
	r.Get("/match/status/{userID}", s.handleMatchStatus)

	r.Post("/users/{userID}/friends", s.handleAddFriend)
	r.Get("/users/{userID}/friends", s.handleListFriends)

	return r
}

func (s *Server) room(key string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[key]
	if !ok {
		rm = &room{members: make(map[*member]struct{})}
		s.rooms[key] = rm
	}
	return rm
}

func (rm *room) join(mb *member) {
	rm.mu.Lock()
	rm.members[mb] = struct{}{}
	rm.mu.Unlock()
}

func (rm *room) leave(mb *member) {
	rm.mu.Lock()
	delete(rm.members, mb)
	rm.mu.Unlock()
}

// broadcast fans one frame out to the room. except skips that member; nil
// delivers to everyone, the sender included.
func (rm *room) broadcast(msgType int, data []byte, except *member) {
	rm.mu.Lock()
	members := make([]*member, 0, len(rm.members))
	for mb := range rm.members {
		if mb != except {
			members = append(members, mb)
		}
	}
	rm.mu.Unlock()

	for _, mb := range members {
		_ = mb.write(msgType, data)
	}
}

// handleSignal relays envelopes verbatim to every room member, the sender
// included. Clients filter their own echoes; the relay stays a dumb pipe.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	rm := s.room("signal/" + roomID)
	mb := &member{
		conn:   conn,
		bucket: ratelimit.NewTokenBucket(s.clock, s.limits.Burst, s.limits.MessagesPerSecond),
	}
	rm.join(mb)
	defer func() {
		rm.leave(mb)
		_ = conn.Close()
	}()

	conn.SetReadLimit(s.limits.MaxFrameBytes)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !mb.bucket.Allow(1) {
			s.count(metrics.DropRateLimited)
			s.log.Warn("rate limited signaling frame", "room", roomID)
			continue
		}
		rm.broadcast(msgType, data, nil)
	}
}

// handleChat persists each message and delivers it to the other members.
// Senders already hold their copy from the optimistic local append.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	rm := s.room("chat/" + roomID)
	mb := &member{
		conn:   conn,
		bucket: ratelimit.NewTokenBucket(s.clock, s.limits.Burst, s.limits.MessagesPerSecond),
	}
	rm.join(mb)
	defer func() {
		rm.leave(mb)
		_ = conn.Close()
	}()

	conn.SetReadLimit(s.limits.MaxFrameBytes)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !mb.bucket.Allow(1) {
			s.count(metrics.DropRateLimited)
			continue
		}

		var msg chat.Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Validate() != nil {
			s.count(metrics.DropMalformedEnvelope)
			s.log.Warn("dropping malformed chat message", "room", roomID, "err", err)
			continue
		}
		if msg.RoomID != roomID {
			s.count(metrics.DropMalformedEnvelope)
			continue
		}

		if s.store != nil {
			if err := s.store.SaveMessage(r.Context(), msg); err != nil {
				s.log.Error("persist chat message", "err", err)
			}
		}
		rm.broadcast(websocket.TextMessage, data, mb)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")

	msgs := []chat.Message{}
	if s.store != nil {
		var err error
		msgs, err = s.store.History(r.Context(), roomID)
		if err != nil {
			s.log.Error("load chat history", "err", err)
			http.Error(w, "history unavailable", http.StatusInternalServerError)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.UserID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	s.matcher.Enqueue(in.UserID)
	s.writeMatchStatus(w, in.UserID)
}

func (s *Server) handleMatchStatus(w http.ResponseWriter, r *http.Request) {
	s.writeMatchStatus(w, chi.URLParam(r, "userID"))
}

func (s *Server) writeMatchStatus(w http.ResponseWriter, userID string) {
	roomID, peerID, matched := s.matcher.Status(userID)

	resp := struct {
		Status string `json:"status"`
		RoomID string `json:"room_id,omitempty"`
		PeerID string `json:"peer_id,omitempty"`
	}{Status: match.StatusWaiting}
	if matched {
		resp.Status = match.StatusMatched
		resp.RoomID = roomID
		resp.PeerID = peerID
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddFriend(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var inv friend.Invitation
	if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
		http.Error(w, "invalid invitation", http.StatusBadRequest)
		return
	}
	if inv.ReceiverID == "" {
		inv.ReceiverID = userID
	}
	if inv.ReceiverID != userID || inv.RequesterID == "" {
		http.Error(w, "invitation does not match user", http.StatusBadRequest)
		return
	}
	switch inv.Status {
	case friend.StatusPending, friend.StatusAccept, friend.StatusDecline:
	default:
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}
	if inv.Timestamp.IsZero() {
		inv.Timestamp = time.Now().UTC()
	}

	if s.store != nil {
		if err := s.store.SaveInvitation(r.Context(), inv); err != nil {
			s.log.Error("persist friend invitation", "err", err)
			http.Error(w, "store unavailable", http.StatusInternalServerError)
			return
		}
	}
	s.writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) handleListFriends(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	invs := []friend.Invitation{}
	if s.store != nil {
		var err error
		invs, err = s.store.Invitations(r.Context(), userID)
		if err != nil {
			s.log.Error("load friend invitations", "err", err)
			http.Error(w, "store unavailable", http.StatusInternalServerError)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, invs)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write response", "err", err)
	}
}

func (s *Server) count(name string) {
	if s.m != nil {
		s.m.Inc(name)
	}
}

// ListenAndServe runs the relay until ctx is canceled, then drains with a
// short grace period.
func ListenAndServe(ctx context.Context, addr string, s *Server) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
