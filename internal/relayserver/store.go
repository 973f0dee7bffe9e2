package relayserver

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/duovoice/duocall/internal/chat"
	"github.com/duovoice/duocall/internal/friend"
)

// Store persists chat history and friend invitations in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates the relay database in dir. ":memory:" as dir
// selects an in-memory database for tests.
func OpenStore(dir string) (*Store, error) {
	dsn := ":memory:"
	if dir != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dir, "relay.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_messages (
			id          TEXT PRIMARY KEY,
			room_id     TEXT NOT NULL,
			sender_id   TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			content     TEXT NOT NULL,
			time_stamp  DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chat_room ON chat_messages (room_id, time_stamp);

		CREATE TABLE IF NOT EXISTS friend_invitations (
			requester_id TEXT NOT NULL,
			receiver_id  TEXT NOT NULL,
			status       TEXT NOT NULL,
			time_stamp   DATETIME NOT NULL,
			PRIMARY KEY (requester_id, receiver_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveMessage appends one chat message. Redelivered ids are ignored.
func (s *Store) SaveMessage(ctx context.Context, msg chat.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, room_id, sender_id, receiver_id, content, time_stamp)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, msg.ID, msg.RoomID, msg.SenderID, msg.ReceiverID, msg.Content, msg.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("save chat message: %w", err)
	}
	return nil
}

// History returns a room's messages in chronological order.
func (s *Store) History(ctx context.Context, roomID string) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, sender_id, receiver_id, content, time_stamp
		FROM chat_messages
		WHERE room_id = ?
		ORDER BY time_stamp, id
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("load chat history: %w", err)
	}
	defer rows.Close()

	msgs := []chat.Message{}
	for rows.Next() {
		var (
			m  chat.Message
			ts time.Time
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.ReceiverID, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.Timestamp = ts.UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SaveInvitation upserts one friend invitation; a later Accept or Decline
// overwrites the Pending row.
func (s *Store) SaveInvitation(ctx context.Context, inv friend.Invitation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO friend_invitations (requester_id, receiver_id, status, time_stamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (requester_id, receiver_id)
		DO UPDATE SET status = excluded.status, time_stamp = excluded.time_stamp
	`, inv.RequesterID, inv.ReceiverID, inv.Status, inv.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("save friend invitation: %w", err)
	}
	return nil
}

// Invitations returns every invitation addressed to userID.
func (s *Store) Invitations(ctx context.Context, userID string) ([]friend.Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT requester_id, receiver_id, status, time_stamp
		FROM friend_invitations
		WHERE receiver_id = ?
		ORDER BY time_stamp
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("load friend invitations: %w", err)
	}
	defer rows.Close()

	invs := []friend.Invitation{}
	for rows.Next() {
		var (
			inv friend.Invitation
			ts  time.Time
		)
		if err := rows.Scan(&inv.RequesterID, &inv.ReceiverID, &inv.Status, &ts); err != nil {
			return nil, fmt.Errorf("scan friend invitation: %w", err)
		}
		inv.Timestamp = ts.UTC()
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}
