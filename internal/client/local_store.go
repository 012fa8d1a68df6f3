package client

import (
	"sync"

	"github.com/nonomal/ourboard/internal/models"
)

// StoredBoard is the unit of local persistence: the last confirmed server
// shadow and the not-yet-transmitted queue. The sent buffer is deliberately
// absent: an unacknowledged bundle's fate is unknown after a crash, so on
// resume those events are treated as never sent.
type StoredBoard struct {
	BoardID      string                     `json:"boardId"`
	ServerShadow *models.Board              `json:"serverShadow"`
	Queue        []models.BoardHistoryEntry `json:"queue"`
}

// LocalStore persists board state across client restarts.
type LocalStore interface {
	Load(boardID string) (*StoredBoard, error)
	Save(state StoredBoard) error
	Clear(boardID string) error
}

// MemoryLocalStore is an in-process LocalStore, used by tests and by embedded
// clients that don't need crash recovery.
type MemoryLocalStore struct {
	mu     sync.Mutex
	boards map[string]StoredBoard
}

func NewMemoryLocalStore() *MemoryLocalStore {
	return &MemoryLocalStore{boards: map[string]StoredBoard{}}
}

func (m *MemoryLocalStore) Load(boardID string) (*StoredBoard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.boards[boardID]
	if !ok {
		return nil, nil
	}
	copied := state
	copied.ServerShadow = state.ServerShadow.Clone()
	copied.Queue = append([]models.BoardHistoryEntry(nil), state.Queue...)
	return &copied, nil
}

func (m *MemoryLocalStore) Save(state StoredBoard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state.ServerShadow = state.ServerShadow.Clone()
	state.Queue = append([]models.BoardHistoryEntry(nil), state.Queue...)
	m.boards[state.BoardID] = state
	return nil
}

func (m *MemoryLocalStore) Clear(boardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.boards, boardID)
	return nil
}
