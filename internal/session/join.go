package session

import (
	"context"
	"log"

	"github.com/nonomal/ourboard/internal/middleware"
	"github.com/nonomal/ourboard/internal/models"
	"github.com/nonomal/ourboard/internal/registry"

	"go.opentelemetry.io/otel/attribute"
)

/*
JOIN / CATCH-UP PROTOCOL

A joining session moves NEW -> (FRESH | BUFFERING) -> READY.

FRESH: no initAtSerial, or the serial gap is larger than the board itself.
The session gets one board.init with the whole document.

BUFFERING: the session is attached with buffering status before anything
asynchronous happens, then

 1. the in-memory tail (currentlyStoring + recentEvents past initAtSerial) is
    captured in the same critical section as the attach,
 2. older history is streamed from the durable log in ordered chunks
    (board.init.diff, last=false), bounded above by the tail so a chunk can
    never overlap an entry that got flushed mid-replay,
 3. the terminal chunk (last=true) carries the tail plus whatever was
    buffered while steps 1-2 ran, and flips the session to READY.

If the durable fetch fails the session falls back to a full snapshot and
still reaches READY; the client never sees a partial diff.
*/

func (m *Manager) handleJoin(ctx context.Context, s *UserSession, event *models.AppEvent) {
	ctx, span := middleware.StartSpan(ctx, "Session.Join",
		attribute.String("session.id", s.id),
		attribute.String("board.id", event.BoardID),
	)
	defer span.End()

	boardID := event.BoardID
	if s.allowedBoardID != "" && boardID != s.allowedBoardID {
		// Socket path and board id disagree: tell the client where to go.
		s.SendEvent(models.JoinDenied{
			Action:    models.ActionBoardJoinDenied,
			BoardID:   boardID,
			Reason:    models.DeniedRedirect,
			WSAddress: m.wsBaseURL + "/ws/board/" + boardID,
		})
		return
	}

	exists, err := m.boards.Exists(ctx, boardID)
	if err != nil {
		log.Printf("Failed to check board %s for join: %v", boardID, err)
		middleware.AddSpanError(ctx, err)
	}
	if err != nil || !exists {
		s.SendEvent(models.JoinDenied{
			Action:  models.ActionBoardJoinDenied,
			BoardID: boardID,
			Reason:  models.DeniedNotFound,
		})
		return
	}

	state, err := m.registry.Get(ctx, boardID)
	if err != nil {
		log.Printf("Failed to load board %s for join: %v", boardID, err)
		middleware.AddSpanError(ctx, err)
		s.SendEvent(models.JoinDenied{
			Action:  models.ActionBoardJoinDenied,
			BoardID: boardID,
			Reason:  models.DeniedNotFound,
		})
		return
	}

	// Access level is re-derived on every join, never cached across sessions.
	userInfo := s.UserInfo()
	accessLevel := models.CheckBoardAccess(state.AccessPolicy(), userInfo)
	if accessLevel == models.AccessNone {
		reason := models.DeniedUnauthorized
		if userInfo.UserType == models.UserAuthenticated {
			reason = models.DeniedForbidden
		}
		log.Printf("Access denied to board %s for session %s (%s)", boardID, s.id, reason)
		s.SendEvent(models.JoinDenied{
			Action:  models.ActionBoardJoinDenied,
			BoardID: boardID,
			Reason:  reason,
		})
		return
	}

	m.addSessionToBoard(ctx, state, s, accessLevel, event.InitAtSerial)
}

// addSessionToBoard runs the FRESH or BUFFERING path, then sends the join
// acknowledgment and the joined notices in both directions.
func (m *Manager) addSessionToBoard(ctx context.Context, state *registry.BoardState, s *UserSession, accessLevel models.AccessLevel, initAtSerial *int64) {
	boardID := state.ID()
	if previous := s.attachBoard(boardID, accessLevel); previous != nil && previous.BoardID != boardID {
		// A session attaches to at most one board at a time.
		if old := m.registry.Peek(previous.BoardID); old != nil {
			old.Detach(s.id)
			old.Broadcast(models.BoardLeft{
				Action:    models.ActionBoardLeft,
				BoardID:   previous.BoardID,
				SessionID: s.id,
			}, "")
		}
	}

	if state.PreferFreshInit(initAtSerial) {
		if initAtSerial != nil {
			log.Printf("Sending fresh board state for board %s instead of diff (client at serial %d)", boardID, *initAtSerial)
		}
		snapshot := state.AttachAndSnapshot(s)
		s.finishFresh(snapshot, accessLevel)
	} else {
		m.catchUpFromHistory(ctx, state, s, accessLevel, *initAtSerial)
	}

	s.SendEvent(models.JoinAck{
		Action:    models.ActionBoardJoinAck,
		BoardID:   boardID,
		SessionID: s.id,
		Nickname:  s.UserInfo().Nickname,
	})

	// Notify the new session of everyone on the board, then everyone else of
	// the new session.
	for _, sub := range state.Subscribers() {
		other := m.GetSession(sub.SessionID())
		if other == nil {
			continue
		}
		s.SendEvent(models.BoardJoined{
			Action:    models.ActionBoardJoined,
			BoardID:   boardID,
			SessionID: other.id,
			UserInfo:  other.UserInfo(),
		})
	}
	state.Broadcast(models.BoardJoined{
		Action:    models.ActionBoardJoined,
		BoardID:   boardID,
		SessionID: s.id,
		UserInfo:  s.UserInfo(),
	}, s.id)
}

func (m *Manager) catchUpFromHistory(ctx context.Context, state *registry.BoardState, s *UserSession, accessLevel models.AccessLevel, initAtSerial int64) {
	boardID := state.ID()
	attrs, tail, untilSerial := state.BeginCatchup(s, initAtSerial)

	log.Printf("Loading board history for board %s session at serial %d", boardID, initAtSerial)
	first := true
	err := m.history.GetHistoryAfter(ctx, boardID, initAtSerial, untilSerial, m.chunkSize, func(chunk []models.BoardHistoryEntry) error {
		s.SendEvent(models.BoardInitDiff{
			Action:          models.ActionBoardInitDiff,
			First:           first,
			Last:            false,
			BoardAttributes: attrs,
			RecentEvents:    chunk,
			InitAtSerial:    initAtSerial,
			AccessLevel:     accessLevel,
		})
		first = false
		return nil
	})
	if err != nil {
		log.Printf("Failed to bootstrap session %s on board %s at serial %d: %v. Sending full state.", s.id, boardID, initAtSerial, err)
		middleware.AddSpanError(ctx, err)
		s.finishFresh(state.Snapshot(), accessLevel)
		return
	}

	s.finishCatchup(attrs, initAtSerial, accessLevel, tail, first)
}
