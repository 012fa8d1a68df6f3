package session

import (
	"context"
	"log"

	"github.com/nonomal/ourboard/internal/models"
	"github.com/nonomal/ourboard/internal/protocol"
)

// HandleMessage decodes and dispatches one inbound frame. For an event bundle
// the acknowledgment is sent after every event has been processed, carrying
// the last serial accepted per board. A non-nil error means the frame was
// malformed and the caller must close the connection; everything else is
// handled (or dropped with a warning) in place.
func (m *Manager) HandleMessage(ctx context.Context, s *UserSession, raw []byte) error {
	msg, err := protocol.DecodeMessage(raw)
	if err != nil {
		return err
	}
	if msg.Bundle != nil {
		serials := map[string]int64{}
		for i := range msg.Bundle.Events {
			boardID, serial := m.dispatchEvent(ctx, s, &msg.Bundle.Events[i])
			if serial > 0 {
				serials[boardID] = serial
			}
		}
		s.SendEvent(models.Ack{
			Action:  models.ActionAck,
			AckID:   msg.Bundle.AckID,
			Serials: serials,
		})
		return nil
	}
	m.dispatchEvent(ctx, s, msg.Event)
	return nil
}

// dispatchEvent routes one event. It returns the board id and serial when the
// event was accepted as a persistable mutation, ("", 0) otherwise. Protocol
// violations (wrong board, missing access) are dropped with a warning and
// never crash the connection.
func (m *Manager) dispatchEvent(ctx context.Context, s *UserSession, event *models.AppEvent) (string, int64) {
	switch event.Action {
	case models.ActionBoardJoin:
		m.handleJoin(ctx, s, event)
		return "", 0
	case models.ActionNicknameSet:
		m.handleSetNickname(s, event.Nickname)
		return "", 0
	case models.ActionAuthLogin:
		m.handleLogin(ctx, s, event.Token)
		return "", 0
	case models.ActionAuthLogout:
		m.handleLogout(s)
		return "", 0
	case models.ActionPing:
		return "", 0
	case models.ActionCursorMove:
		m.handleCursorMove(s, event)
		return "", 0
	case models.ActionBringAllToMe:
		m.handleBringAllToMe(s, event)
		return "", 0
	}

	if event.IsBoardItemEvent() {
		return m.handleBoardItemEvent(ctx, s, event)
	}

	log.Printf("Unhandled event %q from session %s", event.Action, s.id)
	return "", 0
}

func (m *Manager) handleBoardItemEvent(ctx context.Context, s *UserSession, event *models.AppEvent) (string, int64) {
	entry := s.BoardSession()
	if entry == nil || !s.IsOnBoard(event.BoardID) {
		log.Printf("Session %s sent %q for board %s without being attached", s.id, event.Action, event.BoardID)
		return "", 0
	}
	// An attached session implies the board is resident; Peek keeps this path
	// free of storage I/O.
	state := m.registry.Peek(event.BoardID)
	if state == nil {
		log.Printf("Board %s not in memory for event %q", event.BoardID, event.Action)
		return "", 0
	}
	if !entry.AccessLevel.CanWrite() {
		log.Printf("Session %s tried to change read-only board %s", s.id, event.BoardID)
		return "", 0
	}
	if event.Action == models.ActionBoardSetAccessPolicy && entry.AccessLevel != models.AccessAdmin {
		log.Printf("Session %s tried to change access policy of board %s without admin access", s.id, event.BoardID)
		return "", 0
	}

	// Advisory lock bookkeeping. Granted even if another session holds the
	// lock (offline edits arrive late); writes are never rejected for it.
	switch event.Action {
	case models.ActionItemUnlock:
		state.ReleaseLock(event.TargetItemIDs(), s.id)
		return "", 0
	default:
		state.ObtainLock(event.TargetItemIDs(), s.id)
	}

	if !event.IsPersistable() {
		return "", 0
	}

	historyEntry := models.NewHistoryEntry(*event, s.UserInfo())
	serial, err := state.AcceptAndBroadcast(&historyEntry, s)
	if err != nil {
		log.Printf("Error applying event %q on board %s: %v -> forcing board refresh", event.Action, event.BoardID, err)
		s.SendEvent(models.ApplyFailed{Action: models.ActionApplyFailed})
		return "", 0
	}

	// The board name lives in its own column; keep it current between
	// snapshot flushes.
	if event.Action == models.ActionBoardRename {
		if err := m.boards.Rename(ctx, event.BoardID, event.Name); err != nil {
			log.Printf("Failed to update name column for board %s: %v", event.BoardID, err)
		}
	}

	return event.BoardID, serial
}

func (m *Manager) handleCursorMove(s *UserSession, event *models.AppEvent) {
	if event.Position == nil || !s.IsOnBoard(event.BoardID) {
		return
	}
	// Peek, never Get: cursor moves must not block on storage I/O.
	state := m.registry.Peek(event.BoardID)
	if state == nil {
		return
	}
	state.SetCursor(s.id, event.Position.X, event.Position.Y)
}

func (m *Manager) handleBringAllToMe(s *UserSession, event *models.AppEvent) {
	if !s.IsOnBoard(event.BoardID) {
		return
	}
	if event.SessionID != s.id {
		log.Printf("Incorrect sessionId in user.bringAllToMe from session %s", s.id)
		return
	}
	state := m.registry.Peek(event.BoardID)
	if state == nil {
		return
	}
	state.Broadcast(*event, s.id)
}

func (m *Manager) handleSetNickname(s *UserSession, nickname string) {
	if nickname == "" {
		return
	}
	info := s.UserInfo()
	info.Nickname = nickname
	info = s.SetUserInfo(info)
	m.broadcastUserInfo(s, info)
}

func (m *Manager) handleLogin(ctx context.Context, s *UserSession, token string) {
	if m.verifier == nil {
		s.SendEvent(models.AuthLoginResponse{Action: models.ActionAuthLoginResults, Success: false})
		return
	}
	info, err := m.verifier.Verify(ctx, token)
	if err != nil {
		log.Printf("Login failed for session %s: %v", s.id, err)
		s.SendEvent(models.AuthLoginResponse{Action: models.ActionAuthLoginResults, Success: false})
		return
	}
	info.UserType = models.UserAuthenticated
	info = s.SetUserInfo(info)
	log.Printf("%s logged in on session %s", info.Name, s.id)
	s.SendEvent(models.AuthLoginResponse{
		Action:  models.ActionAuthLoginResults,
		Success: true,
		UserID:  info.UserID,
	})
	m.broadcastUserInfo(s, info)
}

func (m *Manager) handleLogout(s *UserSession) {
	info := s.UserInfo()
	if info.UserType == models.UserAuthenticated {
		log.Printf("%s logged out on session %s", info.Name, s.id)
		s.SetUserInfo(models.AnonymousUser(info.Nickname))
	}
	s.Close()
}

// broadcastUserInfo tells everyone on the session's board (the session
// included) about an identity change.
func (m *Manager) broadcastUserInfo(s *UserSession, info models.UserInfo) {
	entry := s.BoardSession()
	if entry == nil {
		return
	}
	state := m.registry.Peek(entry.BoardID)
	if state == nil {
		return
	}
	state.Broadcast(models.UserInfoUpdate{
		Action:    models.ActionUserInfoSet,
		SessionID: s.id,
		UserInfo:  info,
	}, "")
}
