package chat

import "sync"

// Log is the append-only local view of a room's conversation. History is
// seeded once, then live messages append in arrival order; nothing is ever
// reordered or removed.
type Log struct {
	mu     sync.Mutex
	msgs   []Message
	seeded bool

	// onAppend fires for every appended message, under no lock.
	onAppend func(Message)
}

// NewLog builds an empty log. onAppend may be nil.
func NewLog(onAppend func(Message)) *Log {
	return &Log{onAppend: onAppend}
}

// Seed installs fetched history before any live message. Seeding twice is
// ignored so a reconnect cannot duplicate history.
func (l *Log) Seed(history []Message) {
	l.mu.Lock()
	if l.seeded {
		l.mu.Unlock()
		return
	}
	l.seeded = true
	l.msgs = append(history[:len(history):len(history)], l.msgs...)
	l.mu.Unlock()
}

// Append adds one live message to the end of the log.
func (l *Log) Append(msg Message) {
	l.mu.Lock()
	l.msgs = append(l.msgs, msg)
	cb := l.onAppend
	l.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

// Len returns the number of messages in the log.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

// Snapshot returns a copy of the log in order.
func (l *Log) Snapshot() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}
