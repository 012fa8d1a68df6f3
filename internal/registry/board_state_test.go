package registry_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nonomal/ourboard/internal/models"
	"github.com/nonomal/ourboard/internal/registry"
)

type fakeBoardStore struct {
	mu           sync.Mutex
	boards       map[string]*models.Board
	gets         int
	delay        time.Duration
	saveFailures int
}

func newFakeBoardStore(boards ...*models.Board) *fakeBoardStore {
	s := &fakeBoardStore{boards: map[string]*models.Board{}}
	for _, b := range boards {
		s.boards[b.ID] = b.Clone()
	}
	return s
}

func (s *fakeBoardStore) GetByID(ctx context.Context, id string) (*models.Board, error) {
	s.mu.Lock()
	s.gets++
	delay := s.delay
	board, ok := s.boards[id]
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if !ok {
		return nil, fmt.Errorf("board %s not found", id)
	}
	return board.Clone(), nil
}

func (s *fakeBoardStore) Save(ctx context.Context, board *models.Board) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveFailures > 0 {
		s.saveFailures--
		return fmt.Errorf("simulated snapshot outage")
	}
	s.boards[board.ID] = board.Clone()
	return nil
}

func (s *fakeBoardStore) savedSerial(id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.boards[id]; ok {
		return b.Serial
	}
	return -1
}

type fakeHistoryStore struct {
	mu       sync.Mutex
	entries  []models.BoardHistoryEntry
	failures int
	block    chan struct{}
}

func (s *fakeHistoryStore) AppendBatch(ctx context.Context, boardID string, batch []models.BoardHistoryEntry) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return fmt.Errorf("simulated storage outage")
	}
	s.entries = append(s.entries, batch...)
	return nil
}

func (s *fakeHistoryStore) GetHistoryAfter(ctx context.Context, boardID string, afterSerial, untilSerial int64, chunkSize int, fn func([]models.BoardHistoryEntry) error) error {
	s.mu.Lock()
	var out []models.BoardHistoryEntry
	for _, e := range s.entries {
		if e.Serial > afterSerial && e.Serial < untilSerial {
			out = append(out, e)
		}
	}
	s.mu.Unlock()
	if len(out) == 0 {
		return nil
	}
	return fn(out)
}

func (s *fakeHistoryStore) LatestSerial(ctx context.Context, boardID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest int64
	for _, e := range s.entries {
		if e.Serial > latest {
			latest = e.Serial
		}
	}
	return latest, nil
}

func (s *fakeHistoryStore) serials() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Serial
	}
	return out
}

type fakeSubscriber struct {
	id     string
	mu     sync.Mutex
	events []any
}

func (f *fakeSubscriber) SessionID() string { return f.id }

func (f *fakeSubscriber) SendEvent(event any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeSubscriber) received() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeSubscriber) historyEntries() []models.BoardHistoryEntry {
	var out []models.BoardHistoryEntry
	for _, e := range f.received() {
		if entry, ok := e.(models.BoardHistoryEntry); ok {
			out = append(out, entry)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func addEvent(boardID string) *models.BoardHistoryEntry {
	note := models.NewNote("n", 0, 0)
	entry := models.NewHistoryEntry(models.AppEvent{
		Action:  models.ActionItemAdd,
		BoardID: boardID,
		Items:   []models.Item{note},
	}, models.AnonymousUser("tester"))
	return &entry
}

func loadState(t *testing.T, r *registry.Registry, boardID string) *registry.BoardState {
	t.Helper()
	state, err := r.Get(context.Background(), boardID)
	if err != nil {
		t.Fatalf("load board: %v", err)
	}
	return state
}

func TestAcceptAndBroadcast_SerialOrderUnderConcurrency(t *testing.T) {
	board := models.NewBoard("concurrent")
	boardStore := newFakeBoardStore(board)
	historyStore := &fakeHistoryStore{}
	r := registry.New(boardStore, historyStore, 0)

	state := loadState(t, r, board.ID)
	origin := &fakeSubscriber{id: "origin"}
	observer := &fakeSubscriber{id: "observer"}
	state.Attach(origin)
	state.Attach(observer)

	const n = 50
	serials := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serial, err := state.AcceptAndBroadcast(addEvent(board.ID), origin)
			if err != nil {
				t.Errorf("accept: %v", err)
				return
			}
			serials <- serial
		}()
	}
	wg.Wait()
	close(serials)

	seen := map[int64]bool{}
	for s := range serials {
		if seen[s] {
			t.Fatalf("serial %d assigned twice", s)
		}
		seen[s] = true
	}
	for s := int64(1); s <= n; s++ {
		if !seen[s] {
			t.Fatalf("serial %d never assigned", s)
		}
	}
	if got := state.Serial(); got != n {
		t.Fatalf("board serial %d, want %d", got, n)
	}

	entries := observer.historyEntries()
	if len(entries) != n {
		t.Fatalf("observer got %d entries, want %d", len(entries), n)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Serial != entries[i-1].Serial+1 {
			t.Fatalf("observer saw serial %d after %d", entries[i].Serial, entries[i-1].Serial)
		}
	}
	if len(origin.historyEntries()) != 0 {
		t.Fatalf("origin must not receive its own events")
	}

	waitFor(t, "all entries durable", func() bool { return len(historyStore.serials()) == n })
	waitFor(t, "snapshot saved", func() bool { return boardStore.savedSerial(board.ID) == n })
}

func TestFlush_FailureNotifiesOriginsAndRetriesGapFree(t *testing.T) {
	board := models.NewBoard("flaky")
	boardStore := newFakeBoardStore(board)
	historyStore := &fakeHistoryStore{failures: 1}
	r := registry.New(boardStore, historyStore, 0)

	state := loadState(t, r, board.ID)
	origin := &fakeSubscriber{id: "origin"}
	bystander := &fakeSubscriber{id: "bystander"}
	state.Attach(origin)
	state.Attach(bystander)

	if _, err := state.AcceptAndBroadcast(addEvent(board.ID), origin); err != nil {
		t.Fatalf("accept: %v", err)
	}

	waitFor(t, "origin notified of failed flush", func() bool {
		for _, e := range origin.received() {
			if failed, ok := e.(models.ApplyFailed); ok && failed.Action == models.ActionApplyFailed {
				return true
			}
		}
		return false
	})
	for _, e := range bystander.received() {
		if _, ok := e.(models.ApplyFailed); ok {
			t.Fatalf("bystander must not be told to refresh")
		}
	}

	// The next accepted event triggers a retry that carries the failed batch.
	if _, err := state.AcceptAndBroadcast(addEvent(board.ID), bystander); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitFor(t, "retry persists both entries", func() bool { return len(historyStore.serials()) == 2 })

	serials := historyStore.serials()
	if serials[0] != 1 || serials[1] != 2 {
		t.Fatalf("durable log has gaps: %v", serials)
	}
}

func TestBeginCatchup_CapturesTailAndBound(t *testing.T) {
	board := models.NewBoard("tail")
	boardStore := newFakeBoardStore(board)
	historyStore := &fakeHistoryStore{block: make(chan struct{})}
	r := registry.New(boardStore, historyStore, 0)

	state := loadState(t, r, board.ID)
	writer := &fakeSubscriber{id: "writer"}
	state.Attach(writer)

	// First accept starts a flush that stays in flight; the next two pile up
	// behind it.
	for i := 0; i < 3; i++ {
		if _, err := state.AcceptAndBroadcast(addEvent(board.ID), writer); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}

	_, tail, until := state.BeginCatchup(&fakeSubscriber{id: "s1"}, 1)
	if len(tail) != 2 || tail[0].Serial != 2 || tail[1].Serial != 3 {
		t.Fatalf("tail after serial 1: %v", serialsOf(tail))
	}
	if until != 2 {
		t.Fatalf("until %d, want 2", until)
	}

	_, tail, until = state.BeginCatchup(&fakeSubscriber{id: "s2"}, 0)
	if len(tail) != 3 || until != 1 {
		t.Fatalf("full tail: %v until %d", serialsOf(tail), until)
	}

	attrs, tail, until := state.BeginCatchup(&fakeSubscriber{id: "s3"}, 3)
	if len(tail) != 0 || until != 4 {
		t.Fatalf("caught-up client: tail %v until %d", serialsOf(tail), until)
	}
	if attrs.ID != board.ID {
		t.Fatalf("attrs for wrong board: %s", attrs.ID)
	}

	close(historyStore.block)
	waitFor(t, "flushes drain", func() bool { return len(historyStore.serials()) == 3 })
}

func TestPreferFreshInit(t *testing.T) {
	board := models.NewBoard("heuristic")
	for i := 0; i < 3; i++ {
		note := models.NewNote("n", 0, 0)
		board.Items[note.ID] = note
	}
	board.Serial = 10
	r := registry.New(newFakeBoardStore(board), &fakeHistoryStore{}, 0)
	state := loadState(t, r, board.ID)

	if !state.PreferFreshInit(nil) {
		t.Fatalf("no resume serial must mean fresh init")
	}
	small := int64(9)
	if state.PreferFreshInit(&small) {
		t.Fatalf("gap of 1 against 3 items must replay a diff")
	}
	large := int64(2)
	if !state.PreferFreshInit(&large) {
		t.Fatalf("gap of 8 against 3 items must ship the snapshot")
	}
}

func TestPresenceDebounce_CoalescesLockAndCursorTraffic(t *testing.T) {
	board := models.NewBoard("presence")
	r := registry.New(newFakeBoardStore(board), &fakeHistoryStore{}, 5*time.Millisecond)
	state := loadState(t, r, board.ID)
	sub := &fakeSubscriber{id: "watcher"}
	state.Attach(sub)

	state.ObtainLock([]string{"item-1"}, "holder")
	state.ObtainLock([]string{"item-2"}, "holder")
	state.SetCursor("holder", 3, 4)
	state.SetCursor("holder", 5, 6)

	waitFor(t, "debounced broadcast", func() bool {
		return countLockBroadcasts(sub) == 1 && countCursorBroadcasts(sub) == 1
	})

	var locks models.BoardLocks
	var cursors models.CursorPositions
	for _, e := range sub.received() {
		switch msg := e.(type) {
		case models.BoardLocks:
			locks = msg
		case models.CursorPositions:
			cursors = msg
		}
	}
	if len(locks.Locks) != 2 || locks.Locks["item-1"] != "holder" {
		t.Fatalf("coalesced lock table wrong: %v", locks.Locks)
	}
	if pos := cursors.Positions["holder"]; pos.X != 5 || pos.Y != 6 {
		t.Fatalf("cursor broadcast must carry the latest position, got %+v", pos)
	}

	// Quiet period, then one more change rearms the timer for one more round.
	time.Sleep(20 * time.Millisecond)
	state.ObtainLock([]string{"item-3"}, "holder")
	waitFor(t, "second broadcast", func() bool { return countLockBroadcasts(sub) == 2 })
}

func TestReleaseLock_OnlyHolderReleases(t *testing.T) {
	board := models.NewBoard("locks")
	r := registry.New(newFakeBoardStore(board), &fakeHistoryStore{}, 5*time.Millisecond)
	state := loadState(t, r, board.ID)
	sub := &fakeSubscriber{id: "watcher"}
	state.Attach(sub)

	state.ObtainLock([]string{"item-1"}, "holder")
	waitFor(t, "initial lock broadcast", func() bool { return countLockBroadcasts(sub) == 1 })

	state.ReleaseLock([]string{"item-1"}, "intruder")
	time.Sleep(20 * time.Millisecond)
	if countLockBroadcasts(sub) != 1 {
		t.Fatalf("release by a non-holder must not change the table")
	}

	state.ReleaseLock([]string{"item-1"}, "holder")
	waitFor(t, "release broadcast", func() bool { return countLockBroadcasts(sub) == 2 })
	broadcasts := lockBroadcasts(sub)
	if len(broadcasts[1].Locks) != 0 {
		t.Fatalf("lock survived release: %v", broadcasts[1].Locks)
	}
}

func TestDetach_ReleasesLocksAndEvictsIdleBoard(t *testing.T) {
	board := models.NewBoard("idle")
	r := registry.New(newFakeBoardStore(board), &fakeHistoryStore{}, 0)
	state := loadState(t, r, board.ID)

	sub := &fakeSubscriber{id: "only"}
	state.Attach(sub)
	state.ObtainLock([]string{"item-1"}, sub.SessionID())
	if r.BoardCount() != 1 {
		t.Fatalf("board not resident")
	}

	state.Detach(sub.SessionID())
	if r.Peek(board.ID) != nil {
		t.Fatalf("idle board must be evicted")
	}

	// A reload starts from storage with a clean lock table.
	state = loadState(t, r, board.ID)
	watcher := &fakeSubscriber{id: "watcher"}
	_, tail, _ := state.BeginCatchup(watcher, 0)
	if len(tail) != 0 {
		t.Fatalf("fresh load must have an empty tail, got %v", serialsOf(tail))
	}
}

func serialsOf(entries []models.BoardHistoryEntry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Serial
	}
	return out
}

func lockBroadcasts(sub *fakeSubscriber) []models.BoardLocks {
	var out []models.BoardLocks
	for _, e := range sub.received() {
		if msg, ok := e.(models.BoardLocks); ok {
			out = append(out, msg)
		}
	}
	return out
}

func countLockBroadcasts(sub *fakeSubscriber) int {
	return len(lockBroadcasts(sub))
}

func countCursorBroadcasts(sub *fakeSubscriber) int {
	n := 0
	for _, e := range sub.received() {
		if _, ok := e.(models.CursorPositions); ok {
			n++
		}
	}
	return n
}
