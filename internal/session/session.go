// Package session implements the session manager: membership, fingerprint
// verification, token lifecycle, and idle eviction for the realtime broker.
package session

import (
	"sync"
	"time"
)

// ClientHandle is the broker's handle for emitting events to exactly one
// connection. The session manager never interprets it, only stores it.
type ClientHandle interface {
	// Emit sends a single named event with a JSON-shaped payload to this
	// connection only.
	Emit(event string, payload any)
}

// Client is a single connection's membership record within a Session.
type Client struct {
	ClientID     string
	ClientName   string
	ConnectedAt  time.Time
	LastActivity time.Time
	Handle       ClientHandle
	Token        string
}

// Session is a named room whose members share a passphrase, represented
// server-side only by its fingerprint.
type Session struct {
	ID           string
	Fingerprint  []byte
	CreatedAt    time.Time
	LastActivity time.Time

	mu      sync.RWMutex
	clients map[string]*Client
}

func newSession(id string, fingerprint []byte) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		Fingerprint:  fingerprint,
		CreatedAt:    now,
		LastActivity: now,
		clients:      make(map[string]*Client),
	}
}

// ClientCount returns the number of clients currently joined.
func (s *Session) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Clients returns a snapshot of the current membership. Mutating the
// returned slice does not affect the session.
func (s *Session) Clients() []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// GetClient looks up a member by clientID.
func (s *Session) GetClient(clientID string) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	return c, ok
}

func (s *Session) addClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ClientID] = c
}

func (s *Session) removeClient(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, clientID)
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivity = time.Now()
}

func (s *Session) idleSince() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastActivity, len(s.clients) == 0
}
