package session

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/nonomal/ourboard/internal/models"

	"github.com/segmentio/ksuid"
)

// BoardStatus tells whether a session attached to a board is safe to receive
// live broadcasts yet.
type BoardStatus string

const (
	// StatusBuffering: an asynchronous catch-up is in progress; history
	// entries meant for this session are queued, not transmitted.
	StatusBuffering BoardStatus = "buffering"
	// StatusReady: catch-up complete, events flow straight to the socket.
	StatusReady BoardStatus = "ready"
)

// BoardSessionEntry is the at-most-one board attachment of a session.
type BoardSessionEntry struct {
	BoardID        string
	Status         BoardStatus
	AccessLevel    models.AccessLevel
	bufferedEvents []models.BoardHistoryEntry
}

// UserSession is one record per websocket connection: identity, board
// attachment and the outbound frame queue consumed by the write pump.
type UserSession struct {
	id string
	// allowedBoardID pins the session to the board named in the socket path;
	// joining any other board gets a redirect denial.
	allowedBoardID string

	// Send carries marshaled frames to the write pump. Buffered so SendEvent
	// never blocks board critical sections.
	Send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	userInfo     models.UserInfo
	boardSession *BoardSessionEntry
}

func newUserSession(allowedBoardID string) *UserSession {
	return &UserSession{
		id:             ksuid.New().String(),
		allowedBoardID: allowedBoardID,
		Send:           make(chan []byte, 256),
		done:           make(chan struct{}),
		userInfo:       models.AnonymousUser("Anonymous " + randomProfession()),
	}
}

// SessionID returns the stable session id.
func (s *UserSession) SessionID() string {
	return s.id
}

// Done is closed when the session should shut its connection down.
func (s *UserSession) Done() <-chan struct{} {
	return s.done
}

// Close asks the write pump to close the underlying connection.
func (s *UserSession) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// UserInfo returns the current identity.
func (s *UserSession) UserInfo() models.UserInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userInfo
}

// SetUserInfo replaces the identity, returning the new value.
func (s *UserSession) SetUserInfo(info models.UserInfo) models.UserInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userInfo = info
	return s.userInfo
}

// BoardSession returns a copy of the current attachment, or nil.
func (s *UserSession) BoardSession() *BoardSessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boardSession == nil {
		return nil
	}
	entry := *s.boardSession
	entry.bufferedEvents = nil
	return &entry
}

// IsOnBoard reports whether the session is attached to the given board.
func (s *UserSession) IsOnBoard(boardID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boardSession != nil && s.boardSession.BoardID == boardID
}

// SendEvent queues an outbound event. History entries for a buffering session
// go to the catch-up buffer instead of the socket; everything else is
// transmitted immediately. This is what keeps catch-up data and live
// broadcasts from interleaving.
func (s *UserSession) SendEvent(event any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := event.(models.BoardHistoryEntry); ok {
		if bs := s.boardSession; bs != nil && bs.Status == StatusBuffering {
			bs.bufferedEvents = append(bs.bufferedEvents, entry)
			return
		}
	}
	s.enqueueLocked(event)
}

// enqueueLocked marshals and queues one frame. Caller holds mu, which is what
// serializes frame order across broadcasts and catch-up completion.
func (s *UserSession) enqueueLocked(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to marshal outbound event for session %s: %v", s.id, err)
		return
	}
	select {
	case s.Send <- payload:
	default:
		// Slow or dead consumer. Drop the connection instead of blocking
		// board processing behind it.
		log.Printf("Session %s send buffer full, closing connection", s.id)
		s.Close()
	}
}

// attachBoard begins a new attachment in buffering state, replacing any
// previous one. Returns the previous attachment so the caller can detach it
// from its board.
func (s *UserSession) attachBoard(boardID string, accessLevel models.AccessLevel) *BoardSessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.boardSession
	s.boardSession = &BoardSessionEntry{
		BoardID:     boardID,
		Status:      StatusBuffering,
		AccessLevel: accessLevel,
	}
	return previous
}

// detachBoard clears the attachment, returning what was attached.
func (s *UserSession) detachBoard() *BoardSessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.boardSession
	s.boardSession = nil
	return entry
}

// finishCatchup transmits the terminal diff chunk, carrying the in-memory
// tail captured at attach time plus everything buffered since, then flips the
// session to ready. Buffer drain and status flip share one critical section
// with the frame queue, so no live event can slip in front of the terminal
// chunk.
func (s *UserSession) finishCatchup(attrs models.BoardAttributes, initAtSerial int64, accessLevel models.AccessLevel, tail []models.BoardHistoryEntry, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bs := s.boardSession
	if bs == nil || bs.Status != StatusBuffering {
		return
	}
	final := make([]models.BoardHistoryEntry, 0, len(tail)+len(bs.bufferedEvents))
	final = append(final, tail...)
	final = append(final, bs.bufferedEvents...)
	bs.bufferedEvents = nil
	bs.Status = StatusReady
	s.enqueueLocked(models.BoardInitDiff{
		Action:          models.ActionBoardInitDiff,
		First:           first,
		Last:            true,
		BoardAttributes: attrs,
		RecentEvents:    final,
		InitAtSerial:    initAtSerial,
		AccessLevel:     accessLevel,
	})
}

// finishFresh transmits a full snapshot and flips the session to ready. Any
// entries buffered between snapshot capture and this call that are newer than
// the snapshot are flushed right behind it, in captured order. Also the
// fallback when a diff replay fails mid-flight: the client gets a whole
// consistent board instead of a partial diff.
func (s *UserSession) finishFresh(board *models.Board, accessLevel models.AccessLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bs := s.boardSession
	if bs == nil || bs.Status != StatusBuffering {
		return
	}
	s.enqueueLocked(models.BoardInit{
		Action:      models.ActionBoardInit,
		Board:       board,
		AccessLevel: accessLevel,
	})
	for _, entry := range bs.bufferedEvents {
		if entry.Serial > board.Serial {
			s.enqueueLocked(entry)
		}
	}
	bs.bufferedEvents = nil
	bs.Status = StatusReady
}
