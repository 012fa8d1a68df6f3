package models

import (
	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// ItemType discriminates the board item variants.
type ItemType string

const (
	ItemNote      ItemType = "note"
	ItemText      ItemType = "text"
	ItemContainer ItemType = "container"
	ItemImage     ItemType = "image"
	ItemVideo     ItemType = "video"
)

// Item is a single element on a board. The variants share one struct and are
// distinguished by Type; fields that don't apply to a variant stay zero.
type Item struct {
	ID          string   `json:"id"`
	Type        ItemType `json:"type"`
	X           float64  `json:"x"`
	Y           float64  `json:"y"`
	Width       float64  `json:"width"`
	Height      float64  `json:"height"`
	Z           int      `json:"z"`
	Text        string   `json:"text,omitempty"`
	Color       string   `json:"color,omitempty"`
	ContainerID string   `json:"containerId,omitempty"`
	AssetID     string   `json:"assetId,omitempty"`
}

// ConnectionEndpoint is either an item id or a free point on the board.
type ConnectionEndpoint struct {
	ItemID string `json:"id,omitempty"`
	Point  *Point `json:"point,omitempty"`
}

// Connection is an arrow between two endpoints.
type Connection struct {
	ID   string             `json:"id"`
	From ConnectionEndpoint `json:"from"`
	To   ConnectionEndpoint `json:"to"`
}

// Point is a position on the board in board coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Board is the authoritative document. Serial is the sequence number of the
// last applied mutation, strictly increasing per board, starting at 0.
type Board struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Width        float64          `json:"width"`
	Height       float64          `json:"height"`
	Serial       int64            `json:"serial"`
	Items        map[string]Item  `json:"items"`
	Connections  []Connection     `json:"connections"`
	AccessPolicy *AccessPolicy    `json:"accessPolicy,omitempty"`
}

// BoardAttributes is board metadata without the item payload, used in diff
// replies where the client already holds the items.
type BoardAttributes struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Width        float64       `json:"width"`
	Height       float64       `json:"height"`
	AccessPolicy *AccessPolicy `json:"accessPolicy,omitempty"`
}

const (
	defaultBoardWidth  = 800
	defaultBoardHeight = 600
)

// NewBoard creates an empty board at serial 0 with a fresh KSUID.
func NewBoard(name string) *Board {
	return &Board{
		ID:          ksuid.New().String(),
		Name:        name,
		Width:       defaultBoardWidth,
		Height:      defaultBoardHeight,
		Serial:      0,
		Items:       map[string]Item{},
		Connections: []Connection{},
	}
}

// NewNote creates a note item at the given position with a fresh random id.
// Item ids are minted by whoever creates the item, so collisions across
// concurrent editors are avoided by using UUIDs rather than a counter.
func NewNote(text string, x, y float64) Item {
	return Item{
		ID:     uuid.NewString(),
		Type:   ItemNote,
		X:      x,
		Y:      y,
		Width:  5,
		Height: 5,
		Text:   text,
		Color:  "yellow",
	}
}

// NewConnection creates an arrow between two endpoints with a fresh id.
func NewConnection(from, to ConnectionEndpoint) Connection {
	return Connection{ID: uuid.NewString(), From: from, To: to}
}

// Attributes returns the board metadata sans items.
func (b *Board) Attributes() BoardAttributes {
	return BoardAttributes{
		ID:           b.ID,
		Name:         b.Name,
		Width:        b.Width,
		Height:       b.Height,
		AccessPolicy: b.AccessPolicy,
	}
}

// Clone returns a deep copy. The reconciliation engine recomputes its display
// board by folding local events onto a clone of the server shadow, so clones
// must never share mutable state with the original.
func (b *Board) Clone() *Board {
	if b == nil {
		return nil
	}
	out := *b
	out.Items = make(map[string]Item, len(b.Items))
	for id, item := range b.Items {
		out.Items[id] = item
	}
	out.Connections = make([]Connection, len(b.Connections))
	copy(out.Connections, b.Connections)
	if b.AccessPolicy != nil {
		policy := *b.AccessPolicy
		policy.AllowList = make([]AccessListEntry, len(b.AccessPolicy.AllowList))
		copy(policy.AllowList, b.AccessPolicy.AllowList)
		out.AccessPolicy = &policy
	}
	return &out
}
