package models

// Server-to-client messages. Each carries its Action tag explicitly so the
// session layer can marshal any of them with plain encoding/json.

// JoinDeniedReason tells the client why a board.join was rejected.
type JoinDeniedReason string

const (
	DeniedNotFound     JoinDeniedReason = "not-found"
	DeniedRedirect     JoinDeniedReason = "redirect"
	DeniedForbidden    JoinDeniedReason = "forbidden"
	DeniedUnauthorized JoinDeniedReason = "unauthorized"
)

type JoinDenied struct {
	Action    EventAction      `json:"action"`
	BoardID   string           `json:"boardId"`
	Reason    JoinDeniedReason `json:"reason"`
	WSAddress string           `json:"wsAddress,omitempty"`
}

type JoinAck struct {
	Action    EventAction `json:"action"`
	BoardID   string      `json:"boardId"`
	SessionID string      `json:"sessionId"`
	Nickname  string      `json:"nickname"`
}

// BoardJoined announces a session on the board, both to the newcomer (one per
// existing session) and to everyone else (for the newcomer).
type BoardJoined struct {
	Action    EventAction `json:"action"`
	BoardID   string      `json:"boardId"`
	SessionID string      `json:"sessionId"`
	UserInfo
}

type BoardLeft struct {
	Action    EventAction `json:"action"`
	BoardID   string      `json:"boardId"`
	SessionID string      `json:"sessionId"`
}

// BoardInit is the full-snapshot bootstrap for a freshly joining client.
type BoardInit struct {
	Action      EventAction `json:"action"`
	Board       *Board      `json:"board"`
	AccessLevel AccessLevel `json:"accessLevel"`
}

// BoardInitDiff is one chunk of a diff replay. The client receives zero or
// more chunks with Last=false followed by exactly one with Last=true, all
// internally serial-ordered, before any live broadcast.
type BoardInitDiff struct {
	Action          EventAction         `json:"action"`
	First           bool                `json:"first"`
	Last            bool                `json:"last"`
	BoardAttributes BoardAttributes     `json:"boardAttributes"`
	RecentEvents    []BoardHistoryEntry `json:"recentEvents"`
	InitAtSerial    int64               `json:"initAtSerial"`
	AccessLevel     AccessLevel         `json:"accessLevel"`
}

// ItemLocks maps item id to the session id holding the advisory lock.
type ItemLocks map[string]string

type BoardLocks struct {
	Action  EventAction `json:"action"`
	BoardID string      `json:"boardId"`
	Locks   ItemLocks   `json:"locks"`
}

// UserCursorPosition is one session's cursor on a board.
type UserCursorPosition struct {
	SessionID string  `json:"sessionId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

type CursorPositions struct {
	Action    EventAction                   `json:"action"`
	BoardID   string                        `json:"boardId"`
	Positions map[string]UserCursorPosition `json:"p"`
}

// Ack acknowledges one client bundle, mapping board id to the serial of the
// last event accepted from that bundle.
type Ack struct {
	Action  EventAction      `json:"action"`
	AckID   string           `json:"ackId"`
	Serials map[string]int64 `json:"serials"`
}

// ApplyFailed tells the originating client a mutation could not be committed
// and it must discard local assumptions and resynchronize.
type ApplyFailed struct {
	Action EventAction `json:"action"`
}

type UserInfoUpdate struct {
	Action    EventAction `json:"action"`
	SessionID string      `json:"sessionId"`
	UserInfo
}

type AuthLoginResponse struct {
	Action  EventAction `json:"action"`
	Success bool        `json:"success"`
	UserID  string      `json:"userId,omitempty"`
}

// EventWrapper is the client-to-server bundle envelope. All events in the
// client's sent buffer travel in one bundle; at most one bundle is in flight
// per board until its Ack arrives.
type EventWrapper struct {
	AckID  string     `json:"ackId"`
	Events []AppEvent `json:"events"`
}
