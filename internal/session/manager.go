package session

import (
	"log"
	"sync"

	"github.com/nonomal/ourboard/internal/models"
	"github.com/nonomal/ourboard/internal/registry"
)

// DefaultHistoryChunkSize bounds how many history entries travel in one
// board.init.diff chunk during catch-up.
const DefaultHistoryChunkSize = 100

// Manager tracks one UserSession per connection and routes events between
// sessions and board states. It is the only component that attaches or
// detaches sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*UserSession

	registry  *registry.Registry
	boards    BoardInfoStore
	history   HistoryReplayer
	verifier  TokenVerifier
	text      TextReplicator
	chunkSize int
	// wsBaseURL is the externally visible socket base, used in redirect
	// denials when a client joins a board through the wrong socket.
	wsBaseURL string
}

// NewManager creates a session manager. verifier and text may be nil: logins
// then fail cleanly and no text-replication resources are tracked.
func NewManager(reg *registry.Registry, boards BoardInfoStore, history HistoryReplayer, verifier TokenVerifier, text TextReplicator, wsBaseURL string) *Manager {
	return &Manager{
		sessions:  map[string]*UserSession{},
		registry:  reg,
		boards:    boards,
		history:   history,
		verifier:  verifier,
		text:      text,
		chunkSize: DefaultHistoryChunkSize,
		wsBaseURL: wsBaseURL,
	}
}

// SetHistoryChunkSize overrides the catch-up chunk size.
func (m *Manager) SetHistoryChunkSize(n int) {
	if n > 0 {
		m.chunkSize = n
	}
}

// StartSession registers a new session with a fresh id and a default
// unidentified identity. allowedBoardID pins which board this connection may
// join; empty allows any.
func (m *Manager) StartSession(allowedBoardID string) *UserSession {
	s := newUserSession(allowedBoardID)
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	log.Printf("Session %s started (%s)", s.id, s.UserInfo().Nickname)
	return s
}

// GetSession looks a session up by id.
func (m *Manager) GetSession(sessionID string) *UserSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// SessionCount reports the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// EndSession removes the session from its board (broadcasting a left notice
// to the rest of that board), releases its collaborative-text resources and
// forgets it. Safe to call twice; the second call is a no-op.
func (m *Manager) EndSession(s *UserSession) {
	m.mu.Lock()
	_, known := m.sessions[s.id]
	delete(m.sessions, s.id)
	m.mu.Unlock()
	if !known {
		return
	}

	if entry := s.detachBoard(); entry != nil {
		if state := m.registry.Peek(entry.BoardID); state != nil {
			state.Detach(s.id)
			state.Broadcast(models.BoardLeft{
				Action:    models.ActionBoardLeft,
				BoardID:   entry.BoardID,
				SessionID: s.id,
			}, "")
		} else {
			log.Printf("Board state %s not found when ending session %s", entry.BoardID, s.id)
		}
	}
	if m.text != nil {
		m.text.ReleaseSession(s.id)
	}
	s.Close()
	log.Printf("Session %s ended", s.id)
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*UserSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		m.EndSession(s)
	}
	log.Println("✓ Session manager shutdown complete")
}
