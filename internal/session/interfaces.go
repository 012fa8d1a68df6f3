package session

import (
	"context"

	"github.com/nonomal/ourboard/internal/models"
)

// BoardInfoStore is what the manager needs from board snapshot storage when
// handling joins and rename bookkeeping.
type BoardInfoStore interface {
	Exists(ctx context.Context, id string) (bool, error)
	Rename(ctx context.Context, id, name string) error
}

// HistoryReplayer streams durable history in ordered chunks for catch-up.
// untilSerial is exclusive; entries at or above it are served from the
// in-memory tail instead.
type HistoryReplayer interface {
	GetHistoryAfter(ctx context.Context, boardID string, afterSerial, untilSerial int64, chunkSize int, fn func([]models.BoardHistoryEntry) error) error
}

// TokenVerifier turns an auth.login token into an authenticated identity.
// Token mechanics (OAuth, JWT) live outside this subsystem.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (models.UserInfo, error)
}

// TextReplicator is the external replicated-document service holding the
// collaborative free-text fields. The manager only ever tells it to release
// the resources tied to a session id.
type TextReplicator interface {
	ReleaseSession(sessionID string)
}
