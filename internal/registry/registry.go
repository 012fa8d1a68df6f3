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

// DefaultPresenceDebounce batches lock and cursor broadcasts: a drag across
// ten items produces one board.locks message, not ten.
const DefaultPresenceDebounce = 20 * time.Millisecond

// Registry maps board ids to their single authoritative in-memory state.
// Board states are lazily populated from storage on first touch and evicted
// when idle; all other components hold ids and re-look-up per operation.
type Registry struct {
	mu      sync.Mutex
	boards  map[string]*BoardState
	loading map[string]chan struct{}

	boardStore   BoardStore
	historyStore HistoryStore
	debounce     time.Duration
}

// New creates a registry over the given stores.
func New(boardStore BoardStore, historyStore HistoryStore, debounce time.Duration) *Registry {
	if debounce <= 0 {
		debounce = DefaultPresenceDebounce
	}
	return &Registry{
		boards:       map[string]*BoardState{},
		loading:      map[string]chan struct{}{},
		boardStore:   boardStore,
		historyStore: historyStore,
		debounce:     debounce,
	}
}

// Get returns the board state, loading it from storage on first touch.
// Concurrent Gets for the same board share one load; loads for different
// boards never block each other.
func (r *Registry) Get(ctx context.Context, boardID string) (*BoardState, error) {
	for {
		r.mu.Lock()
		if state, ok := r.boards[boardID]; ok {
			r.mu.Unlock()
			return state, nil
		}
		inflight, ok := r.loading[boardID]
		if ok {
			r.mu.Unlock()
			select {
			case <-inflight:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		inflight = make(chan struct{})
		r.loading[boardID] = inflight
		r.mu.Unlock()

		state, err := r.load(ctx, boardID)

		r.mu.Lock()
		delete(r.loading, boardID)
		close(inflight)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		r.boards[boardID] = state
		r.mu.Unlock()
		return state, nil
	}
}

func (r *Registry) load(ctx context.Context, boardID string) (*BoardState, error) {
	ctx, span := middleware.StartSpan(ctx, "Registry.Load",
		attribute.String("board.id", boardID),
	)
	defer span.End()

	board, err := r.boardStore.GetByID(ctx, boardID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to load board %s: %w", boardID, err)
	}

	// The durable log may run ahead of the snapshot when a snapshot save
	// failed after its batch was appended. Serials are assigned as
	// board.Serial+1, so loading the stale snapshot as-is would re-issue
	// serials the log already holds. Replay the missing entries to bring the
	// snapshot up to the log's head.
	latest, err := r.historyStore.LatestSerial(ctx, boardID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to read log head for board %s: %w", boardID, err)
	}
	if latest > board.Serial {
		log.Printf("Board %s snapshot at serial %d lags the durable log at %d, replaying", boardID, board.Serial, latest)
		err := r.historyStore.GetHistoryAfter(ctx, boardID, board.Serial, latest+1, 0, func(chunk []models.BoardHistoryEntry) error {
			for _, entry := range chunk {
				if err := board.Apply(entry); err != nil {
					return fmt.Errorf("failed to replay entry %d: %w", entry.Serial, err)
				}
			}
			return nil
		})
		if err != nil {
			middleware.AddSpanError(ctx, err)
			return nil, fmt.Errorf("failed to reconcile board %s with its log: %w", boardID, err)
		}
		if board.Serial < latest {
			board.Serial = latest
		}
	}

	log.Printf("Board %s loaded into memory at serial %d", boardID, board.Serial)
	return newBoardState(r, board), nil
}

// Peek returns the board state only if it is already in memory. Synchronous,
// used for latency-sensitive ephemeral events (cursor moves, locks) so they
// never block on storage I/O.
func (r *Registry) Peek(boardID string) *BoardState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.boards[boardID]
}

// evict removes the state unless it has been replaced by a newer load.
func (r *Registry) evict(boardID string, state *BoardState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.boards[boardID] == state {
		delete(r.boards, boardID)
		log.Printf("Board %s evicted from memory", boardID)
	}
}

// PeekSnapshot returns a copy of the in-memory board, or nil when it is not
// resident. The HTTP API uses this so reads see un-flushed events.
func (r *Registry) PeekSnapshot(boardID string) *models.Board {
	state := r.Peek(boardID)
	if state == nil {
		return nil
	}
	return state.Snapshot()
}

// BoardCount reports how many boards are currently resident.
func (r *Registry) BoardCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.boards)
}
