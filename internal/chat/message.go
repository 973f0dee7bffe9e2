// Package chat implements the text-chat side channel of a call: message
// history, a live websocket delivery loop, and an append-only local log.
//
// Chat deliberately does not ride the signaling channel. It has its own
// room-scoped websocket plus an HTTP history endpoint, so messages survive
// renegotiation and reconnects of the media path.
package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the chat wire format, shared by the history endpoint and the
// live websocket.
type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"time_stamp"`
}

// NewMessage builds an outgoing message with a fresh id and timestamp.
func NewMessage(roomID, senderID, receiverID, content string) Message {
	return Message{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Timestamp:  time.Now().UTC(),
	}
}

// Validate rejects messages that cannot be routed or displayed.
func (m Message) Validate() error {
	if m.RoomID == "" {
		return fmt.Errorf("message missing room_id")
	}
	if m.SenderID == "" {
		return fmt.Errorf("message missing sender_id")
	}
	if m.Content == "" {
		return fmt.Errorf("message missing content")
	}
	return nil
}
