package models

import (
	"fmt"
	"time"
)

// EventAction discriminates the AppEvent union on the wire.
type EventAction string

// Client -> server actions.
const (
	ActionBoardJoin            EventAction = "board.join"
	ActionItemAdd              EventAction = "item.add"
	ActionItemUpdate           EventAction = "item.update"
	ActionItemDelete           EventAction = "item.delete"
	ActionConnectionAdd        EventAction = "connection.add"
	ActionConnectionModify     EventAction = "connection.modify"
	ActionConnectionDelete     EventAction = "connection.delete"
	ActionBoardRename          EventAction = "board.rename"
	ActionBoardSetAccessPolicy EventAction = "board.setAccessPolicy"
	ActionCursorMove           EventAction = "cursor.move"
	ActionItemLock             EventAction = "item.lock"
	ActionItemUnlock           EventAction = "item.unlock"
	ActionNicknameSet          EventAction = "nickname.set"
	ActionAuthLogin            EventAction = "auth.login"
	ActionAuthLogout           EventAction = "auth.logout"
	ActionBringAllToMe         EventAction = "user.bringAllToMe"
	ActionPing                 EventAction = "ping"
	ActionBoardBootstrap       EventAction = "board.bootstrap"
)

// Server -> client actions.
const (
	ActionBoardJoinDenied  EventAction = "board.join.denied"
	ActionBoardJoinAck     EventAction = "board.join.ack"
	ActionBoardJoined      EventAction = "board.joined"
	ActionBoardLeft        EventAction = "board.left"
	ActionBoardInit        EventAction = "board.init"
	ActionBoardInitDiff    EventAction = "board.init.diff"
	ActionBoardLocks       EventAction = "board.locks"
	ActionCursorPositions  EventAction = "cursor.positions"
	ActionAck              EventAction = "ack"
	ActionApplyFailed      EventAction = "board.action.apply.failed"
	ActionUserInfoSet      EventAction = "userinfo.set"
	ActionAuthLoginResults EventAction = "auth.login.response"
)

// AppEvent is the tagged union of everything a client can send. One struct
// with optional fields keeps the union JSON-friendly and lets history entries
// carry any persistable payload; Action decides which fields are meaningful.
type AppEvent struct {
	Action        EventAction   `json:"action"`
	BoardID       string        `json:"boardId,omitempty"`
	Items         []Item        `json:"items,omitempty"`
	ItemIDs       []string      `json:"itemIds,omitempty"`
	Connections   []Connection  `json:"connections,omitempty"`
	ConnectionIDs []string      `json:"connectionIds,omitempty"`
	Name          string        `json:"name,omitempty"`
	AccessPolicy  *AccessPolicy `json:"accessPolicy,omitempty"`
	Position      *Point        `json:"position,omitempty"`
	InitAtSerial  *int64        `json:"initAtSerial,omitempty"`
	Nickname      string        `json:"nickname,omitempty"`
	Token         string        `json:"token,omitempty"`
	SessionID     string        `json:"sessionId,omitempty"`
	// Board is set only on board.bootstrap entries, which seed history for
	// boards that predate the event log.
	Board *Board `json:"board,omitempty"`
}

// IsBoardItemEvent reports whether the event targets board content or its
// advisory locks, i.e. requires an attached session and write access.
func (e *AppEvent) IsBoardItemEvent() bool {
	switch e.Action {
	case ActionItemAdd, ActionItemUpdate, ActionItemDelete,
		ActionConnectionAdd, ActionConnectionModify, ActionConnectionDelete,
		ActionBoardRename, ActionBoardSetAccessPolicy,
		ActionItemLock, ActionItemUnlock:
		return true
	}
	return false
}

// IsPersistable reports whether the event mutates the document and therefore
// gets a serial, is stored and is replayed. Lock events are board item events
// but ephemeral.
func (e *AppEvent) IsPersistable() bool {
	switch e.Action {
	case ActionItemAdd, ActionItemUpdate, ActionItemDelete,
		ActionConnectionAdd, ActionConnectionModify, ActionConnectionDelete,
		ActionBoardRename, ActionBoardSetAccessPolicy, ActionBoardBootstrap:
		return true
	}
	return false
}

// TargetItemIDs lists the item ids an event touches, for the advisory lock
// table.
func (e *AppEvent) TargetItemIDs() []string {
	ids := make([]string, 0, len(e.Items)+len(e.ItemIDs))
	for _, item := range e.Items {
		ids = append(ids, item.ID)
	}
	ids = append(ids, e.ItemIDs...)
	return ids
}

// BoardHistoryEntry is a persistable mutation: the event payload plus the
// acting identity and timestamp. Serial is assigned exactly once, by the
// board registry when the entry is accepted, never by the originator.
// Entries are immutable after that and are the unit of durable history.
type BoardHistoryEntry struct {
	AppEvent
	User      UserInfo `json:"user"`
	Timestamp string   `json:"timestamp"`
	Serial    int64    `json:"serial,omitempty"`
}

// NewHistoryEntry stamps an event with the acting user and current time.
func NewHistoryEntry(event AppEvent, user UserInfo) BoardHistoryEntry {
	return BoardHistoryEntry{
		AppEvent:  event,
		User:      user,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// BootstrapEntry wraps a full board snapshot as the first history entry of a
// board whose earlier history is not event-sourced.
func BootstrapEntry(board *Board) BoardHistoryEntry {
	return BoardHistoryEntry{
		AppEvent: AppEvent{
			Action:  ActionBoardBootstrap,
			BoardID: board.ID,
			Board:   board,
		},
		User:      SystemUser(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Serial:    board.Serial,
	}
}

// Apply folds one history entry into the board, advancing its serial when the
// entry carries one. This is the single reducer used by the server registry,
// by diff replay and by the client's rebase, so all three stay convergent.
func (b *Board) Apply(e BoardHistoryEntry) error {
	switch e.Action {
	case ActionItemAdd:
		for _, item := range e.Items {
			b.Items[item.ID] = item
		}
		b.Connections = append(b.Connections, e.Connections...)

	case ActionItemUpdate:
		for _, item := range e.Items {
			b.Items[item.ID] = item
		}

	case ActionItemDelete:
		for _, id := range e.ItemIDs {
			delete(b.Items, id)
		}
		b.Connections = filterConnections(b.Connections, func(c Connection) bool {
			return !connectionTouches(c, e.ItemIDs)
		})

	case ActionConnectionAdd:
		b.Connections = append(b.Connections, e.Connections...)

	case ActionConnectionModify:
		for _, mod := range e.Connections {
			for i := range b.Connections {
				if b.Connections[i].ID == mod.ID {
					b.Connections[i] = mod
				}
			}
		}

	case ActionConnectionDelete:
		b.Connections = filterConnections(b.Connections, func(c Connection) bool {
			for _, id := range e.ConnectionIDs {
				if c.ID == id {
					return false
				}
			}
			return true
		})

	case ActionBoardRename:
		b.Name = e.Name

	case ActionBoardSetAccessPolicy:
		b.AccessPolicy = e.AccessPolicy

	case ActionBoardBootstrap:
		if e.Board == nil {
			return fmt.Errorf("bootstrap entry without board payload")
		}
		snapshot := e.Board.Clone()
		b.Name = snapshot.Name
		b.Width = snapshot.Width
		b.Height = snapshot.Height
		b.Items = snapshot.Items
		b.Connections = snapshot.Connections
		b.AccessPolicy = snapshot.AccessPolicy

	default:
		return fmt.Errorf("cannot apply non-persistable event %q to board", e.Action)
	}

	if e.Serial > 0 {
		b.Serial = e.Serial
	}
	return nil
}

// Fold replays entries onto a clone of base, in order. Entries that fail to
// apply are skipped; replay of a prefix is always a valid board.
func Fold(base *Board, entries ...[]BoardHistoryEntry) *Board {
	out := base.Clone()
	for _, batch := range entries {
		for _, e := range batch {
			_ = out.Apply(e)
		}
	}
	return out
}

func filterConnections(conns []Connection, keep func(Connection) bool) []Connection {
	out := conns[:0]
	for _, c := range conns {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func connectionTouches(c Connection, itemIDs []string) bool {
	for _, id := range itemIDs {
		if c.From.ItemID == id || c.To.ItemID == id {
			return true
		}
	}
	return false
}
