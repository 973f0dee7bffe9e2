package relayserver

import (
	"sync"
)

// Matchmaker pairs waiting users first-come first-served. Room ids are
// "userA_userB" with the earlier-queued user first, matching what clients
// split on to find their peer.
type Matchmaker struct {
	mu      sync.Mutex
	waiting []string
	rooms   map[string]string // user id -> room id
	peers   map[string]string // user id -> matched peer
}

func NewMatchmaker() *Matchmaker {
	return &Matchmaker{rooms: make(map[string]string), peers: make(map[string]string)}
}

// Enqueue adds userID to the queue, pairing immediately when a partner is
// already waiting. Re-enqueueing a waiting or matched user is a no-op.
func (m *Matchmaker) Enqueue(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, matched := m.rooms[userID]; matched {
		return
	}
	for _, w := range m.waiting {
		if w == userID {
			return
		}
	}

	if len(m.waiting) > 0 {
		partner := m.waiting[0]
		m.waiting = m.waiting[1:]
		room := partner + "_" + userID
		m.rooms[partner] = room
		m.rooms[userID] = room
		m.peers[partner] = userID
		m.peers[userID] = partner
		return
	}
	m.waiting = append(m.waiting, userID)
}

// Status reports userID's room and peer, or ("", "") while still waiting.
// A match is consumed by the lookup staying valid; users leave the table
// only via Forget.
func (m *Matchmaker) Status(userID string) (roomID, peerID string, matched bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[userID]
	return room, m.peers[userID], ok
}

// Forget removes userID from the queue and the match table.
func (m *Matchmaker) Forget(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, userID)
	delete(m.peers, userID)
	for i, w := range m.waiting {
		if w == userID {
			m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
			break
		}
	}
}
