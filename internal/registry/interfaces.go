package registry

import (
	"context"

	"github.com/nonomal/ourboard/internal/models"
)

// BoardStore is what the registry needs from board snapshot storage.
type BoardStore interface {
	GetByID(ctx context.Context, id string) (*models.Board, error)
	Save(ctx context.Context, board *models.Board) error
}

// HistoryStore is what the registry needs from the durable event log. The
// read side exists because the log, not the snapshot, is the source of truth:
// a load must replay any entries the last snapshot save missed.
type HistoryStore interface {
	AppendBatch(ctx context.Context, boardID string, entries []models.BoardHistoryEntry) error
	GetHistoryAfter(ctx context.Context, boardID string, afterSerial, untilSerial int64, chunkSize int, fn func([]models.BoardHistoryEntry) error) error
	LatestSerial(ctx context.Context, boardID string) (int64, error)
}

// Subscriber is an attached session, seen from the board's side. SendEvent
// must never block: implementations queue to a buffered channel or to the
// session's catch-up buffer.
type Subscriber interface {
	SessionID() string
	SendEvent(event any)
}
