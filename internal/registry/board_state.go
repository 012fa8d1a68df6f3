package registry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nonomal/ourboard/internal/middleware"
	"github.com/nonomal/ourboard/internal/models"

	"go.opentelemetry.io/otel/attribute"
)

/*
BOARD STATE CONCURRENCY

All mutations to one board's in-memory state (serial assignment, session
attach/detach, lock table, cursor positions, the presence timer) are
serialized by a single per-board mutex. Different boards share no mutable
state, so operations on different boards run fully in parallel.

Two rules keep the catch-up protocol correct:

 1. Accept and broadcast happen in one critical section. Serial order and
    per-recipient delivery order are therefore the same thing; two concurrent
    submitters can never reach a buffering session out of order.
 2. The catch-up capture (currentlyStoring + recentEvents) happens in the
    same critical section that attaches the session. The lock is held only
    across this synchronous capture, never across the durable-history fetch.
*/

// BoardState owns the authoritative in-memory image of one board.
type BoardState struct {
	mu sync.Mutex

	registry *Registry
	board    *models.Board

	// recentEvents holds entries accepted since the last flush started;
	// currentlyStoring is the batch in flight, nil while quiescent. Catch-up
	// reads currentlyStoring ++ recentEvents as the in-memory tail.
	recentEvents     []models.BoardHistoryEntry
	currentlyStoring []models.BoardHistoryEntry

	// Sessions that contributed events to each batch, so a failed flush can
	// tell exactly the affected clients to refresh.
	recentOrigins  map[string]Subscriber
	storingOrigins map[string]Subscriber

	subscribers []Subscriber

	locks        models.ItemLocks
	locksDirty   bool
	cursors      map[string]models.UserCursorPosition
	cursorsMoved bool
	// Single-slot debounce timer, armed on the first lock/cursor change and
	// cleared when it fires. Owned by mu like everything else on the board.
	presenceTimer *time.Timer
}

func newBoardState(r *Registry, board *models.Board) *BoardState {
	return &BoardState{
		registry:      r,
		board:         board,
		recentOrigins: map[string]Subscriber{},
		locks:         models.ItemLocks{},
		cursors:       map[string]models.UserCursorPosition{},
	}
}

// ID returns the board id. Immutable, no lock needed.
func (s *BoardState) ID() string {
	return s.board.ID
}

// Serial returns the serial of the last accepted mutation.
func (s *BoardState) Serial() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.board.Serial
}

// Snapshot returns a deep copy of the current board.
func (s *BoardState) Snapshot() *models.Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.board.Clone()
}

// AccessPolicy returns the board's current access policy.
func (s *BoardState) AccessPolicy() *models.AccessPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.board.AccessPolicy == nil {
		return nil
	}
	policy := *s.board.AccessPolicy
	return &policy
}

// AttachAndSnapshot attaches the subscriber and snapshots the board in one
// critical section, so nothing accepted between the two can be missing from
// both the snapshot and the subscriber's stream.
func (s *BoardState) AttachAndSnapshot(sub Subscriber) *models.Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachLocked(sub)
	return s.board.Clone()
}

// AcceptAndBroadcast assigns the next serial to the entry, applies it to the
// board, appends it to the in-memory tail, queues it to every subscriber
// except the originator and schedules persistence. Serial assignment and
// fan-out share one critical section so every recipient sees entries in
// serial order.
func (s *BoardState) AcceptAndBroadcast(entry *models.BoardHistoryEntry, origin Subscriber) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.Serial = s.board.Serial + 1
	if err := s.board.Apply(*entry); err != nil {
		entry.Serial = 0
		return 0, fmt.Errorf("failed to apply event %q: %w", entry.Action, err)
	}

	s.recentEvents = append(s.recentEvents, *entry)
	if origin != nil {
		s.recentOrigins[origin.SessionID()] = origin
	}
	for _, sub := range s.subscribers {
		if origin != nil && sub.SessionID() == origin.SessionID() {
			continue
		}
		sub.SendEvent(*entry)
	}

	s.maybeFlushLocked()
	return entry.Serial, nil
}

// maybeFlushLocked starts a background flush of the accumulated batch unless
// one is already in flight. Caller holds mu.
func (s *BoardState) maybeFlushLocked() {
	if s.currentlyStoring != nil || len(s.recentEvents) == 0 {
		return
	}
	s.currentlyStoring = s.recentEvents
	s.recentEvents = nil
	s.storingOrigins = s.recentOrigins
	s.recentOrigins = map[string]Subscriber{}
	snapshot := s.board.Clone()
	go s.flush(s.currentlyStoring, snapshot, s.storingOrigins)
}

// flush persists one batch. On failure the batch is put back in front of the
// pending events (the durable log must stay gap-free) and every session that
// contributed to it is told to refresh; in-memory state is left untouched.
func (s *BoardState) flush(batch []models.BoardHistoryEntry, snapshot *models.Board, origins map[string]Subscriber) {
	ctx, span := middleware.StartSpan(context.Background(), "BoardState.Flush",
		attribute.String("board.id", snapshot.ID),
		attribute.Int("batch.size", len(batch)),
	)
	defer span.End()

	err := s.registry.historyStore.AppendBatch(ctx, snapshot.ID, batch)
	if err == nil {
		if saveErr := s.registry.boardStore.Save(ctx, snapshot); saveErr != nil {
			// The log is complete, only the materialized snapshot lags. It
			// catches up on the next successful flush.
			log.Printf("Failed to save board %s snapshot at serial %d: %v", snapshot.ID, snapshot.Serial, saveErr)
			middleware.AddSpanError(ctx, saveErr)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentlyStoring = nil
	s.storingOrigins = nil
	if err != nil {
		log.Printf("Failed to store %d events for board %s: %v -> forcing refresh on affected clients", len(batch), snapshot.ID, err)
		middleware.AddSpanError(ctx, err)
		s.recentEvents = append(batch, s.recentEvents...)
		for id, sub := range origins {
			s.recentOrigins[id] = sub
			sub.SendEvent(models.ApplyFailed{Action: models.ActionApplyFailed})
		}
		return
	}
	s.maybeFlushLocked()
	s.evictIfIdleLocked()
}

// Attach adds a subscriber to the board's session set.
func (s *BoardState) Attach(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachLocked(sub)
}

func (s *BoardState) attachLocked(sub Subscriber) {
	for _, existing := range s.subscribers {
		if existing.SessionID() == sub.SessionID() {
			return
		}
	}
	s.subscribers = append(s.subscribers, sub)
}

// Detach removes a subscriber, drops its cursor, releases its advisory locks
// and evicts the board when it goes idle.
func (s *BoardState) Detach(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.subscribers[:0]
	for _, sub := range s.subscribers {
		if sub.SessionID() != sessionID {
			kept = append(kept, sub)
		}
	}
	s.subscribers = kept
	delete(s.cursors, sessionID)
	for itemID, holder := range s.locks {
		if holder == sessionID {
			delete(s.locks, itemID)
			s.locksDirty = true
		}
	}
	if s.locksDirty {
		s.armPresenceLocked()
	}
	s.evictIfIdleLocked()
}

// Subscribers returns a snapshot of the attached sessions.
func (s *BoardState) Subscribers() []Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subscriber, len(s.subscribers))
	copy(out, s.subscribers)
	return out
}

// Broadcast queues an ephemeral event to every subscriber except the one
// with excludeSessionID (empty string excludes nobody).
func (s *BoardState) Broadcast(event any, excludeSessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscribers {
		if excludeSessionID != "" && sub.SessionID() == excludeSessionID {
			continue
		}
		sub.SendEvent(event)
	}
}

// PreferFreshInit decides snapshot vs diff replay for a join: when the serial
// gap exceeds the number of live items, replaying costs more than shipping
// the whole document. A heuristic, not a contract.
func (s *BoardState) PreferFreshInit(initAtSerial *int64) bool {
	if initAtSerial == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	gap := s.board.Serial - *initAtSerial
	return gap > int64(len(s.board.Items))
}

// BeginCatchup atomically attaches the subscriber and captures the in-memory
// tail of events newer than initAtSerial. It returns the board attributes,
// the tail, and the exclusive upper bound for the durable-history fetch (the
// lowest serial covered by memory). Nothing may suspend between attach and
// capture, or the tail could miss or duplicate events relative to what gets
// buffered afterwards; holding mu across both gives exactly that guarantee.
func (s *BoardState) BeginCatchup(sub Subscriber, initAtSerial int64) (models.BoardAttributes, []models.BoardHistoryEntry, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachLocked(sub)

	var tail []models.BoardHistoryEntry
	for _, entry := range s.currentlyStoring {
		if entry.Serial > initAtSerial {
			tail = append(tail, entry)
		}
	}
	for _, entry := range s.recentEvents {
		if entry.Serial > initAtSerial {
			tail = append(tail, entry)
		}
	}

	untilSerial := s.board.Serial + 1
	if len(tail) > 0 {
		untilSerial = tail[0].Serial
	}
	return s.board.Attributes(), tail, untilSerial
}

// ObtainLock records an advisory lock on every target item for the session,
// overwriting any existing holder. Last writer wins: the lock is a UI hint
// for concurrent-edit intent, never consulted to reject writes.
func (s *BoardState) ObtainLock(itemIDs []string, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range itemIDs {
		if s.locks[id] != sessionID {
			s.locks[id] = sessionID
			s.locksDirty = true
		}
	}
	if s.locksDirty {
		s.armPresenceLocked()
	}
}

// ReleaseLock clears locks the session actually holds on the target items.
func (s *BoardState) ReleaseLock(itemIDs []string, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range itemIDs {
		if s.locks[id] == sessionID {
			delete(s.locks, id)
			s.locksDirty = true
		}
	}
	if s.locksDirty {
		s.armPresenceLocked()
	}
}

// SetCursor records a session's cursor position. Applied synchronously, only
// the broadcast is deferred.
func (s *BoardState) SetCursor(sessionID string, x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[sessionID] = models.UserCursorPosition{SessionID: sessionID, X: x, Y: y}
	s.cursorsMoved = true
	s.armPresenceLocked()
}

// armPresenceLocked arms the single-slot debounce timer. Changes within the
// window ride along with the armed broadcast; the timer rearms on the next
// change after firing.
func (s *BoardState) armPresenceLocked() {
	if s.presenceTimer != nil {
		return
	}
	s.presenceTimer = time.AfterFunc(s.registry.debounce, s.broadcastPresence)
}

func (s *BoardState) broadcastPresence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presenceTimer = nil

	if s.locksDirty {
		s.locksDirty = false
		locks := make(models.ItemLocks, len(s.locks))
		for id, holder := range s.locks {
			locks[id] = holder
		}
		msg := models.BoardLocks{Action: models.ActionBoardLocks, BoardID: s.board.ID, Locks: locks}
		for _, sub := range s.subscribers {
			sub.SendEvent(msg)
		}
	}
	if s.cursorsMoved {
		s.cursorsMoved = false
		positions := make(map[string]models.UserCursorPosition, len(s.cursors))
		for id, pos := range s.cursors {
			positions[id] = pos
		}
		msg := models.CursorPositions{Action: models.ActionCursorPositions, BoardID: s.board.ID, Positions: positions}
		for _, sub := range s.subscribers {
			sub.SendEvent(msg)
		}
	}
}

// evictIfIdleLocked drops the board from the registry once no sessions remain
// and persistence is quiescent. Callers re-look-up by id, so eviction is
// always safe; the next Get reloads from storage.
func (s *BoardState) evictIfIdleLocked() {
	if len(s.subscribers) == 0 && s.currentlyStoring == nil && len(s.recentEvents) == 0 {
		s.registry.evict(s.board.ID, s)
	}
}
