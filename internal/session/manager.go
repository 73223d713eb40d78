package session

import (
	"sync"
	"time"

	"github.com/kenneth/cryptorelay/internal/apperror"
	"github.com/kenneth/cryptorelay/internal/crypto"
)

// JoinResult is returned by Manager.Join on success.
type JoinResult struct {
	Token   string
	Members []*Client
}

// Manager owns the in-memory session table. A single mutex serializes
// getOrCreate so concurrent first-joins to the same sessionId can never
// produce two sessions with different fingerprints — the table itself is
// the atomic "INSERT OR IGNORE" the design calls for.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty session table.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Join implements joinSession: create-if-absent with the caller's
// fingerprint, or verify the caller's fingerprint against an existing
// session's, in constant time. On success the client is registered with a
// freshly minted token.
func (m *Manager) Join(sessionID string, fingerprint []byte, clientID, clientName string, handle ClientHandle) (*JoinResult, error) {
	if !crypto.ValidFingerprint(fingerprint) {
		return nil, apperror.New(apperror.KindBadRequest, "fingerprint too short")
	}

	m.mu.Lock()
	sess, existed := m.sessions[sessionID]
	if !existed {
		sess = newSession(sessionID, fingerprint)
		m.sessions[sessionID] = sess
	}
	m.mu.Unlock()

	if existed {
		if !crypto.FingerprintsEqual(sess.Fingerprint, fingerprint) {
			return nil, apperror.New(apperror.KindInvalidPassphrase, "fingerprint does not match session")
		}
	}

	token, err := crypto.NewToken()
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "mint session token", err)
	}

	now := time.Now()
	client := &Client{
		ClientID:     clientID,
		ClientName:   clientName,
		ConnectedAt:  now,
		LastActivity: now,
		Handle:       handle,
		Token:        token,
	}
	sess.addClient(client)
	sess.touch()

	return &JoinResult{Token: token, Members: sess.Clients()}, nil
}

// ValidateToken reports whether token is the live token for (sessionID,
// clientID). Any mismatch — unknown session, unknown client, wrong token —
// returns false via the same constant-time path.
func (m *Manager) ValidateToken(sessionID, clientID, token string) bool {
	sess := m.GetSession(sessionID)
	if sess == nil {
		return false
	}
	client, ok := sess.GetClient(clientID)
	if !ok {
		return false
	}
	return crypto.TokensEqual(client.Token, token)
}

// RemoveClient implements removeClientFromSession: idempotent, safe if the
// client or session is already gone.
func (m *Manager) RemoveClient(sessionID, clientID string) {
	sess := m.GetSession(sessionID)
	if sess == nil {
		return
	}
	sess.removeClient(clientID)
	sess.touch()
}

// GetSession implements getSession.
func (m *Manager) GetSession(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// Touch refreshes a session's lastActivity, used by ping handling.
func (m *Manager) Touch(sessionID string) bool {
	sess := m.GetSession(sessionID)
	if sess == nil {
		return false
	}
	sess.touch()
	return true
}

// SessionIDs returns a snapshot of every session currently tracked, for the
// periodic eviction sweep to walk.
func (m *Manager) SessionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// ExpireIdle implements expireIdle: drops every session that is empty and
// has been idle for longer than expiry. Returns the expired session ids so
// the caller can optionally trigger cleanupAllSessionContent for each.
func (m *Manager) ExpireIdle(now time.Time, expiry time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []string
	for id, sess := range m.sessions {
		lastActivity, empty := sess.idleSince()
		if empty && now.Sub(lastActivity) > expiry {
			delete(m.sessions, id)
			expired = append(expired, id)
		}
	}
	return expired
}
