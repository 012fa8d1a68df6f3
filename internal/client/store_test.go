package client_test

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/nonomal/ourboard/internal/client"
	"github.com/nonomal/ourboard/internal/models"
)

type wire struct {
	mu   sync.Mutex
	sent []any
}

func (w *wire) send(event any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent = append(w.sent, event)
	return nil
}

func (w *wire) all() []any {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]any, len(w.sent))
	copy(out, w.sent)
	return out
}

func (w *wire) lastBundle(t *testing.T) models.EventWrapper {
	t.Helper()
	var found *models.EventWrapper
	for _, e := range w.all() {
		if bundle, ok := e.(models.EventWrapper); ok {
			b := bundle
			found = &b
		}
	}
	if found == nil {
		t.Fatalf("no bundle transmitted")
	}
	return *found
}

func (w *wire) bundleCount() int {
	n := 0
	for _, e := range w.all() {
		if _, ok := e.(models.EventWrapper); ok {
			n++
		}
	}
	return n
}

func (w *wire) lastJoin(t *testing.T) models.AppEvent {
	t.Helper()
	var found *models.AppEvent
	for _, e := range w.all() {
		if event, ok := e.(models.AppEvent); ok && event.Action == models.ActionBoardJoin {
			ev := event
			found = &ev
		}
	}
	if found == nil {
		t.Fatalf("no join transmitted")
	}
	return *found
}

func receive(t *testing.T, s *client.Store, msg any) {
	t.Helper()
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal server frame: %v", err)
	}
	if err := s.Receive(raw); err != nil {
		t.Fatalf("receive: %v", err)
	}
}

func initBoard(t *testing.T, s *client.Store, board *models.Board) {
	t.Helper()
	receive(t, s, models.BoardInit{
		Action:      models.ActionBoardInit,
		Board:       board,
		AccessLevel: models.AccessAdmin,
	})
	if s.Status() != client.StatusReady {
		t.Fatalf("expected ready after init, got %s", s.Status())
	}
}

func serverEntry(boardID string, serial int64, items ...models.Item) models.BoardHistoryEntry {
	return models.BoardHistoryEntry{
		AppEvent: models.AppEvent{Action: models.ActionItemAdd, BoardID: boardID, Items: items},
		User:     models.AnonymousUser("someone else"),
		Serial:   serial,
	}
}

func addEvent(boardID string, item models.Item) models.AppEvent {
	return models.AppEvent{Action: models.ActionItemAdd, BoardID: boardID, Items: []models.Item{item}}
}

func TestAppliesEventFromServer(t *testing.T) {
	board := models.NewBoard("remote")
	w := &wire{}
	s := client.NewStore(board.ID, w.send, nil)
	s.Connected()
	initBoard(t, s, board)

	note := models.NewNote("from server", 1, 1)
	receive(t, s, serverEntry(board.ID, 1, note))

	if got := s.Board().Items[note.ID].Text; got != "from server" {
		t.Fatalf("remote event not applied, got %q", got)
	}
	if s.ServerShadow().Serial != 1 {
		t.Fatalf("shadow serial %d, want 1", s.ServerShadow().Serial)
	}
}

func TestLocalEventAckedByServer(t *testing.T) {
	board := models.NewBoard("local")
	w := &wire{}
	s := client.NewStore(board.ID, w.send, nil)
	s.Connected()
	initBoard(t, s, board)

	note := models.NewNote("mine", 2, 2)
	s.Dispatch(addEvent(board.ID, note))

	// Applied optimistically, transmitted, but not yet in the shadow.
	if _, ok := s.Board().Items[note.ID]; !ok {
		t.Fatalf("local event not applied to display board")
	}
	if _, ok := s.ServerShadow().Items[note.ID]; ok {
		t.Fatalf("unacked event leaked into the shadow")
	}
	bundle := w.lastBundle(t)
	if len(bundle.Events) != 1 || bundle.Events[0].Action != models.ActionItemAdd {
		t.Fatalf("unexpected bundle: %+v", bundle)
	}
	if s.SentLen() != 1 || s.QueueLen() != 0 {
		t.Fatalf("sent=%d queue=%d, want 1/0", s.SentLen(), s.QueueLen())
	}

	receive(t, s, models.Ack{
		Action:  models.ActionAck,
		AckID:   bundle.AckID,
		Serials: map[string]int64{board.ID: 1},
	})

	shadow := s.ServerShadow()
	if _, ok := shadow.Items[note.ID]; !ok {
		t.Fatalf("acked event missing from shadow")
	}
	if shadow.Serial != 1 {
		t.Fatalf("shadow serial %d, want 1", shadow.Serial)
	}
	if s.SentLen() != 0 {
		t.Fatalf("sent buffer not cleared by ack")
	}
}

func TestSecondEditQueuesBehindInflightBundle(t *testing.T) {
	board := models.NewBoard("queueing")
	w := &wire{}
	s := client.NewStore(board.ID, w.send, nil)
	s.Connected()
	initBoard(t, s, board)

	first := models.NewNote("first", 0, 0)
	second := models.NewNote("second", 1, 0)
	s.Dispatch(addEvent(board.ID, first))
	s.Dispatch(addEvent(board.ID, second))

	if w.bundleCount() != 1 {
		t.Fatalf("only one bundle may be in flight, got %d", w.bundleCount())
	}
	if s.SentLen() != 1 || s.QueueLen() != 1 {
		t.Fatalf("sent=%d queue=%d, want 1/1", s.SentLen(), s.QueueLen())
	}

	receive(t, s, models.Ack{
		Action:  models.ActionAck,
		AckID:   w.lastBundle(t).AckID,
		Serials: map[string]int64{board.ID: 1},
	})

	// The ack releases the queued edit as the next bundle.
	if w.bundleCount() != 2 {
		t.Fatalf("queued edit not transmitted after ack")
	}
	next := w.lastBundle(t)
	if len(next.Events) != 1 || next.Events[0].Items[0].ID != second.ID {
		t.Fatalf("second bundle wrong: %+v", next)
	}
}

func TestRebasesLocalEventWhenRemoteArrivesFirst(t *testing.T) {
	board := models.NewBoard("rebase")
	w := &wire{}
	s := client.NewStore(board.ID, w.send, nil)
	s.Connected()
	initBoard(t, s, board)

	mine := models.NewNote("mine", 0, 0)
	s.Dispatch(addEvent(board.ID, mine))

	theirs := models.NewNote("theirs", 5, 5)
	receive(t, s, serverEntry(board.ID, 1, theirs))

	// Shadow holds only the remote edit; the display board holds both, with
	// the local one replayed on top.
	shadow := s.ServerShadow()
	if _, ok := shadow.Items[theirs.ID]; !ok {
		t.Fatalf("remote event missing from shadow")
	}
	if _, ok := shadow.Items[mine.ID]; ok {
		t.Fatalf("local event must not be in the shadow before its ack")
	}
	displayed := s.Board()
	if len(displayed.Items) != 2 {
		t.Fatalf("display board has %d items, want 2", len(displayed.Items))
	}

	receive(t, s, models.Ack{
		Action:  models.ActionAck,
		AckID:   w.lastBundle(t).AckID,
		Serials: map[string]int64{board.ID: 2},
	})
	shadow = s.ServerShadow()
	if len(shadow.Items) != 2 || shadow.Serial != 2 {
		t.Fatalf("shadow after ack: %d items at serial %d, want 2 at 2", len(shadow.Items), shadow.Serial)
	}
}

func TestOfflineDiscardsUnconfirmedEdits(t *testing.T) {
	board := models.NewBoard("offline")
	confirmed := models.NewNote("confirmed", 0, 0)
	w := &wire{}
	s := client.NewStore(board.ID, w.send, client.NewMemoryLocalStore())
	s.Connected()
	initBoard(t, s, board)

	s.Dispatch(addEvent(board.ID, confirmed))
	receive(t, s, models.Ack{
		Action:  models.ActionAck,
		AckID:   w.lastBundle(t).AckID,
		Serials: map[string]int64{board.ID: 1},
	})

	inflight := models.NewNote("inflight", 1, 0)
	queued := models.NewNote("queued", 2, 0)
	s.Dispatch(addEvent(board.ID, inflight))
	s.Dispatch(addEvent(board.ID, queued))

	s.Disconnected()
	if s.Status() != client.StatusOffline {
		t.Fatalf("expected offline, got %s", s.Status())
	}
	displayed := s.Board()
	if len(displayed.Items) != 1 {
		t.Fatalf("unconfirmed edits must be discarded offline, got %d items", len(displayed.Items))
	}

	// Edits made while offline queue up locally.
	offline := models.NewNote("offline edit", 3, 0)
	s.Dispatch(addEvent(board.ID, offline))
	if _, ok := s.Board().Items[offline.ID]; !ok {
		t.Fatalf("offline edit not applied locally")
	}

	// Reconnecting resumes from the shadow's serial and resubmits the queue
	// once the server confirms the diff.
	s.Connected()
	join := w.lastJoin(t)
	if join.InitAtSerial == nil || *join.InitAtSerial != 1 {
		t.Fatalf("rejoin must resume at serial 1, got %v", join.InitAtSerial)
	}

	before := w.bundleCount()
	receive(t, s, models.BoardInitDiff{
		Action:          models.ActionBoardInitDiff,
		First:           true,
		Last:            true,
		BoardAttributes: board.Attributes(),
		InitAtSerial:    1,
		AccessLevel:     models.AccessAdmin,
	})
	if s.Status() != client.StatusReady {
		t.Fatalf("expected ready after terminal diff, got %s", s.Status())
	}
	if w.bundleCount() != before+1 {
		t.Fatalf("offline edit not resubmitted after rejoin")
	}
	resent := w.lastBundle(t)
	if len(resent.Events) != 1 || resent.Events[0].Items[0].ID != offline.ID {
		t.Fatalf("wrong events resubmitted: %+v", resent.Events)
	}
}

func TestDiffReplayAdvancesShadow(t *testing.T) {
	board := models.NewBoard("diff")
	w := &wire{}
	local := client.NewMemoryLocalStore()
	s := client.NewStore(board.ID, w.send, local)
	s.Connected()
	initBoard(t, s, board)
	s.Disconnected()

	missed := models.NewNote("missed", 0, 0)
	s.Connected()
	receive(t, s, models.BoardInitDiff{
		Action:          models.ActionBoardInitDiff,
		First:           true,
		Last:            true,
		BoardAttributes: models.BoardAttributes{ID: board.ID, Name: "renamed while away", Width: board.Width, Height: board.Height},
		RecentEvents:    []models.BoardHistoryEntry{serverEntry(board.ID, 1, missed)},
		InitAtSerial:    0,
		AccessLevel:     models.AccessAdmin,
	})

	shadow := s.ServerShadow()
	if _, ok := shadow.Items[missed.ID]; !ok {
		t.Fatalf("replayed entry missing from shadow")
	}
	if shadow.Serial != 1 || shadow.Name != "renamed while away" {
		t.Fatalf("shadow not advanced: serial %d name %q", shadow.Serial, shadow.Name)
	}
}

func TestDiffWithoutShadowRequestsFullState(t *testing.T) {
	board := models.NewBoard("no-shadow")
	w := &wire{}
	s := client.NewStore(board.ID, w.send, nil)
	s.Connected()

	receive(t, s, models.BoardInitDiff{
		Action:       models.ActionBoardInitDiff,
		First:        true,
		Last:         true,
		InitAtSerial: 3,
	})

	join := w.lastJoin(t)
	if join.InitAtSerial != nil {
		t.Fatalf("re-join after unusable diff must request the full document")
	}
	if s.Status() != client.StatusJoining {
		t.Fatalf("expected joining, got %s", s.Status())
	}
}

func TestApplyFailedResynchronizes(t *testing.T) {
	board := models.NewBoard("reject")
	w := &wire{}
	local := client.NewMemoryLocalStore()
	s := client.NewStore(board.ID, w.send, local)
	s.Connected()
	initBoard(t, s, board)
	s.Dispatch(addEvent(board.ID, models.NewNote("doomed", 0, 0)))

	receive(t, s, models.ApplyFailed{Action: models.ActionApplyFailed})

	if s.Status() != client.StatusJoining {
		t.Fatalf("expected joining after rejection, got %s", s.Status())
	}
	if s.SentLen() != 0 || s.QueueLen() != 0 {
		t.Fatalf("local buffers must be discarded")
	}
	join := w.lastJoin(t)
	if join.InitAtSerial != nil {
		t.Fatalf("resync must not resume from a discarded shadow")
	}
	stored, err := local.Load(board.ID)
	if err != nil || stored != nil {
		t.Fatalf("local persistence must be cleared, got %v, %v", stored, err)
	}
}

func TestAckAfterApplyFailedIsIgnored(t *testing.T) {
	board := models.NewBoard("late-ack")
	w := &wire{}
	s := client.NewStore(board.ID, w.send, nil)
	s.Connected()
	initBoard(t, s, board)
	s.Dispatch(addEvent(board.ID, models.NewNote("doomed", 0, 0)))
	bundle := w.lastBundle(t)

	// A rejection and an ack can race on the wire: the server rejects the
	// flush after acknowledging the bundle, or acknowledges a pipelined
	// bundle after the rejection. Either way the ack refers to state the
	// resync already discarded.
	receive(t, s, models.ApplyFailed{Action: models.ActionApplyFailed})
	receive(t, s, models.Ack{
		Action:  models.ActionAck,
		AckID:   bundle.AckID,
		Serials: map[string]int64{board.ID: 1},
	})

	if s.Status() != client.StatusJoining {
		t.Fatalf("stale ack must not interrupt the rejoin, status %s", s.Status())
	}
	if s.SentLen() != 0 || s.QueueLen() != 0 {
		t.Fatalf("stale ack must not revive discarded buffers")
	}

	// The rejoin completes normally afterwards.
	initBoard(t, s, board)
	if len(s.Board().Items) != 0 {
		t.Fatalf("rejected edit resurfaced after resync")
	}
}

func TestResumesQueueFromLocalStore(t *testing.T) {
	board := models.NewBoard("resume")
	local := client.NewMemoryLocalStore()

	w1 := &wire{}
	s1 := client.NewStore(board.ID, w1.send, local)
	s1.Connected()
	initBoard(t, s1, board)
	inflight := models.NewNote("inflight", 0, 0)
	queued := models.NewNote("queued", 1, 0)
	s1.Dispatch(addEvent(board.ID, inflight)) // promoted to sent, not persisted
	s1.Dispatch(addEvent(board.ID, queued))   // stays queued, persisted

	w2 := &wire{}
	s2 := client.NewStore(board.ID, w2.send, local)
	s2.Connected()

	join := w2.lastJoin(t)
	if join.InitAtSerial == nil || *join.InitAtSerial != 0 {
		t.Fatalf("resume must rejoin at the stored shadow serial, got %v", join.InitAtSerial)
	}
	if s2.QueueLen() != 1 {
		t.Fatalf("queue not restored, len %d", s2.QueueLen())
	}
	if _, ok := s2.Board().Items[queued.ID]; !ok {
		t.Fatalf("restored queue not reflected in display board")
	}
	// The in-flight bundle's fate was unknown at the crash; it is not replayed.
	if _, ok := s2.Board().Items[inflight.ID]; ok {
		t.Fatalf("unacknowledged sent events must not survive a restart")
	}
}

func TestLocksAndSessionTracking(t *testing.T) {
	board := models.NewBoard("presence")
	w := &wire{}
	s := client.NewStore(board.ID, w.send, nil)
	s.Connected()
	initBoard(t, s, board)

	receive(t, s, models.JoinAck{
		Action:    models.ActionBoardJoinAck,
		BoardID:   board.ID,
		SessionID: "session-9",
		Nickname:  "Anonymous Cartographer",
	})
	if s.SessionID() != "session-9" {
		t.Fatalf("session id not tracked, got %q", s.SessionID())
	}

	receive(t, s, models.BoardLocks{
		Action:  models.ActionBoardLocks,
		BoardID: board.ID,
		Locks:   models.ItemLocks{"item-1": "session-2"},
	})
	if s.Locks()["item-1"] != "session-2" {
		t.Fatalf("lock table not tracked: %v", s.Locks())
	}
}
