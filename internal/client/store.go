package client

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"

	"github.com/nonomal/ourboard/internal/models"
)

/*
CLIENT RECONCILIATION ENGINE

The client keeps three buffers next to the last state known to match the
server (the shadow):

  queue  local events not yet transmitted
  sent   local events transmitted, awaiting acknowledgment
  board  display state, always recomputed as fold(shadow, sent ++ queue)

Local edits apply optimistically to board; remote events apply to the shadow
first, after which the display board is recomputed, which logically rebases
the unacknowledged local edits on top. Remote changes are never reordered
relative to local ones, and the recomputation is a pure fold over discrete
operations, so replay stays associative and order-preserving.

At most one bundle is in flight per board: the first local edit goes straight
to sent and out the wire, everything after that queues until the ack.
*/

// Status is the engine's connection/join state.
type Status string

const (
	StatusNone      Status = "none"
	StatusJoining   Status = "joining"
	StatusBuffering Status = "buffering"
	StatusReady     Status = "ready"
	StatusOffline   Status = "offline"
)

// Store maintains one board's client-side state against a server connection.
type Store struct {
	mu      sync.Mutex
	boardID string
	send    func(event any) error
	local   LocalStore

	status       Status
	userInfo     models.UserInfo
	sessionID    string
	accessLevel  models.AccessLevel
	serverShadow *models.Board
	board        *models.Board
	queue        []models.BoardHistoryEntry
	sent         []models.BoardHistoryEntry
	ackCounter   int

	locks models.ItemLocks
}

// NewStore creates an engine for one board. send transmits one event to the
// server; local may be nil to disable crash recovery.
func NewStore(boardID string, send func(event any) error, local LocalStore) *Store {
	return &Store{
		boardID:  boardID,
		send:     send,
		local:    local,
		status:   StatusNone,
		userInfo: models.AnonymousUser("<unknown>"),
		locks:    models.ItemLocks{},
	}
}

// SetUserInfo sets the identity stamped onto local edits.
func (s *Store) SetUserInfo(info models.UserInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userInfo = info
}

// Connected transitions to joining and issues the join request, resuming from
// locally persisted state when available.
func (s *Store) Connected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serverShadow == nil && s.local != nil {
		stored, err := s.local.Load(s.boardID)
		if err != nil {
			log.Printf("Failed to load local board state for %s: %v", s.boardID, err)
		} else if stored != nil {
			s.serverShadow = stored.ServerShadow
			s.queue = append(stored.Queue, s.queue...)
			s.board = models.Fold(s.serverShadow, s.queue)
		}
	}
	s.status = StatusJoining
	join := models.AppEvent{Action: models.ActionBoardJoin, BoardID: s.boardID}
	if s.serverShadow != nil {
		serial := s.serverShadow.Serial
		join.InitAtSerial = &serial
	}
	s.transmit(join)
}

// Disconnected discards everything not confirmed durable: sent and queue are
// dropped and the display board resets to the shadow. Last acknowledgment
// wins; edits the server never confirmed are gone.
func (s *Store) Disconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusOffline
	s.sent = nil
	s.queue = nil
	if s.serverShadow != nil {
		s.board = s.serverShadow.Clone()
	}
}

// Dispatch applies a local edit optimistically and transmits it when no
// bundle is in flight.
func (s *Store) Dispatch(event models.AppEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := models.NewHistoryEntry(event, s.userInfo)
	s.queue = append(s.queue, entry)
	if s.board != nil {
		if err := s.board.Apply(entry); err != nil {
			log.Printf("Failed to apply local event %q: %v", event.Action, err)
		}
	}
	s.maybeSendBundle()
	s.persistLocal()
}

// Receive feeds one raw server frame into the engine.
func (s *Store) Receive(raw []byte) error {
	var probe struct {
		Action models.EventAction `json:"action"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("malformed server frame: %w", err)
	}

	switch probe.Action {
	case models.ActionBoardInit:
		var msg models.BoardInit
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("malformed board.init: %w", err)
		}
		s.OnInit(msg)
	case models.ActionBoardInitDiff:
		var msg models.BoardInitDiff
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("malformed board.init.diff: %w", err)
		}
		s.OnInitDiff(msg)
	case models.ActionAck:
		var msg models.Ack
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("malformed ack: %w", err)
		}
		s.OnAck(msg)
	case models.ActionApplyFailed:
		s.OnApplyFailed()
	case models.ActionBoardJoinAck:
		var msg models.JoinAck
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("malformed join ack: %w", err)
		}
		s.mu.Lock()
		s.sessionID = msg.SessionID
		s.mu.Unlock()
	case models.ActionBoardLocks:
		var msg models.BoardLocks
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("malformed board.locks: %w", err)
		}
		s.mu.Lock()
		s.locks = msg.Locks
		s.mu.Unlock()
	case models.ActionBoardJoined, models.ActionBoardLeft,
		models.ActionCursorPositions, models.ActionUserInfoSet,
		models.ActionAuthLoginResults:
		// Presence traffic; nothing to reconcile.
	default:
		var entry models.BoardHistoryEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("malformed server event: %w", err)
		}
		if !entry.IsPersistable() {
			log.Printf("Ignoring server event %q", probe.Action)
			return nil
		}
		s.OnRemoteEvent(entry)
	}
	return nil
}

// OnInit installs a full snapshot as the new shadow.
func (s *Store) OnInit(msg models.BoardInit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverShadow = msg.Board.Clone()
	s.accessLevel = msg.AccessLevel
	s.status = StatusReady
	s.recomputeBoard()
	s.maybeSendBundle()
	s.persistLocal()
}

// OnInitDiff folds one replay chunk into the shadow; the terminal chunk
// completes the join.
func (s *Store) OnInitDiff(msg models.BoardInitDiff) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serverShadow == nil {
		// A diff without a shadow to apply it to is unusable; ask for the
		// full document instead.
		log.Printf("Received board.init.diff without local shadow for %s, requesting full state", s.boardID)
		s.status = StatusJoining
		s.transmit(models.AppEvent{Action: models.ActionBoardJoin, BoardID: s.boardID})
		return
	}
	s.status = StatusBuffering
	s.accessLevel = msg.AccessLevel
	s.serverShadow.Name = msg.BoardAttributes.Name
	s.serverShadow.Width = msg.BoardAttributes.Width
	s.serverShadow.Height = msg.BoardAttributes.Height
	s.serverShadow.AccessPolicy = msg.BoardAttributes.AccessPolicy
	for _, entry := range msg.RecentEvents {
		if err := s.serverShadow.Apply(entry); err != nil {
			log.Printf("Failed to replay entry %d: %v", entry.Serial, err)
		}
	}
	if msg.Last {
		s.status = StatusReady
		s.recomputeBoard()
		s.maybeSendBundle()
		s.persistLocal()
	}
}

// OnAck advances the shadow past the acknowledged bundle and sends the next
// one if edits queued up in the meantime.
func (s *Store) OnAck(msg models.Ack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serverShadow == nil {
		// A resynchronization is in progress and already discarded the sent
		// buffer this ack refers to. The rejoin brings the full state anyway.
		return
	}
	serial, ok := msg.Serials[s.boardID]
	if !ok && len(msg.Serials) > 0 {
		return
	}
	for _, entry := range s.sent {
		if err := s.serverShadow.Apply(entry); err != nil {
			log.Printf("Failed to apply acked event %q to shadow: %v", entry.Action, err)
		}
	}
	if serial > 0 {
		s.serverShadow.Serial = serial
	}
	s.sent = nil
	s.recomputeBoard()
	s.maybeSendBundle()
	s.persistLocal()
}

// OnRemoteEvent applies another user's event to the shadow and rebases the
// local unacknowledged edits on top of the result.
func (s *Store) OnRemoteEvent(entry models.BoardHistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serverShadow == nil {
		return
	}
	if err := s.serverShadow.Apply(entry); err != nil {
		log.Printf("Failed to apply remote event %q: %v", entry.Action, err)
		return
	}
	s.recomputeBoard()
	s.persistLocal()
}

// OnApplyFailed discards all local assumptions and rejoins from scratch.
func (s *Store) OnApplyFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Printf("Server rejected an update on board %s, resynchronizing", s.boardID)
	s.sent = nil
	s.queue = nil
	s.serverShadow = nil
	s.board = nil
	s.status = StatusJoining
	if s.local != nil {
		if err := s.local.Clear(s.boardID); err != nil {
			log.Printf("Failed to clear local board state: %v", err)
		}
	}
	s.transmit(models.AppEvent{Action: models.ActionBoardJoin, BoardID: s.boardID})
}

// recomputeBoard rebuilds the display board: shadow with sent and queue
// replayed on top, in that order. Caller holds mu.
func (s *Store) recomputeBoard() {
	s.board = models.Fold(s.serverShadow, s.sent, s.queue)
}

// maybeSendBundle promotes the queue to sent and transmits it, provided the
// engine is ready and no bundle is awaiting acknowledgment. Caller holds mu.
func (s *Store) maybeSendBundle() {
	if s.status != StatusReady || len(s.sent) > 0 || len(s.queue) == 0 {
		return
	}
	s.sent = s.queue
	s.queue = nil
	s.ackCounter++
	events := make([]models.AppEvent, 0, len(s.sent))
	for _, entry := range s.sent {
		events = append(events, entry.AppEvent)
	}
	s.transmit(models.EventWrapper{
		AckID:  strconv.Itoa(s.ackCounter),
		Events: events,
	})
}

func (s *Store) transmit(event any) {
	if err := s.send(event); err != nil {
		log.Printf("Failed to send to server: %v", err)
	}
}

// persistLocal saves {shadow, queue} so a crash resumes cleanly. Caller
// holds mu.
func (s *Store) persistLocal() {
	if s.local == nil || s.serverShadow == nil {
		return
	}
	err := s.local.Save(StoredBoard{
		BoardID:      s.boardID,
		ServerShadow: s.serverShadow,
		Queue:        s.queue,
	})
	if err != nil {
		log.Printf("Failed to persist local board state: %v", err)
	}
}

// Board returns the current display state.
func (s *Store) Board() *models.Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.board.Clone()
}

// ServerShadow returns the last state confirmed identical to the server's.
func (s *Store) ServerShadow() *models.Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverShadow.Clone()
}

// Status returns the engine status.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// QueueLen and SentLen expose buffer depths for diagnostics.
func (s *Store) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Store) SentLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// Locks returns the latest advisory lock table received from the server.
func (s *Store) Locks() models.ItemLocks {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(models.ItemLocks, len(s.locks))
	for k, v := range s.locks {
		out[k] = v
	}
	return out
}

// SessionID returns the id assigned by the server at join, empty before.
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}
