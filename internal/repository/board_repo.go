package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nonomal/ourboard/internal/models"

	"gorm.io/gorm"
)

// BoardRow is the materialized snapshot of a board. Content is the JSON
// encoding of the full models.Board at Serial; Name is duplicated into its
// own column so listing and renames don't need to touch the blob.
type BoardRow struct {
	ID        string `gorm:"type:char(27);primaryKey"`
	Name      string `gorm:"type:text;not null"`
	Content   []byte `gorm:"type:bytea;not null"`
	Serial    int64  `gorm:"not null;default:0"`
	CreatedAt int64  `gorm:"autoCreateTime"`
	UpdatedAt int64  `gorm:"autoUpdateTime"`
}

func (BoardRow) TableName() string {
	return "boards"
}

// ErrBoardNotFound is returned when a board id has no row. Callers branch on
// it to answer joins with a not-found denial instead of an internal error.
var ErrBoardNotFound = fmt.Errorf("board not found")

// BoardRepositoryImpl handles board snapshot storage using GORM.
type BoardRepositoryImpl struct {
	db *gorm.DB
}

// NewBoardRepository creates a new board repository.
func NewBoardRepository(db *gorm.DB) *BoardRepositoryImpl {
	return &BoardRepositoryImpl{db: db}
}

// Create inserts the snapshot row for a new board at serial 0.
func (r *BoardRepositoryImpl) Create(ctx context.Context, board *models.Board) error {
	content, err := json.Marshal(board)
	if err != nil {
		return fmt.Errorf("failed to encode board: %w", err)
	}
	row := &BoardRow{
		ID:      board.ID,
		Name:    board.Name,
		Content: content,
		Serial:  board.Serial,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to create board: %w", err)
	}
	return nil
}

// GetByID loads and decodes a board snapshot.
func (r *BoardRepositoryImpl) GetByID(ctx context.Context, id string) (*models.Board, error) {
	var row BoardRow
	err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("%w: %s", ErrBoardNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get board: %w", err)
	}
	var board models.Board
	if err := json.Unmarshal(row.Content, &board); err != nil {
		return nil, fmt.Errorf("failed to decode board %s: %w", id, err)
	}
	// The serial column wins over whatever is inside the blob; the blob may
	// lag behind when a flush wrote events but the snapshot write was cut off.
	if row.Serial > board.Serial {
		board.Serial = row.Serial
	}
	return &board, nil
}

// Exists reports whether a board row is present, without decoding it.
func (r *BoardRepositoryImpl) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&BoardRow{}).Where("id = ?", id).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check board existence: %w", err)
	}
	return count > 0, nil
}

// Save overwrites the snapshot with the current in-memory board. Called from
// the registry's persistence flush, never from request handlers.
func (r *BoardRepositoryImpl) Save(ctx context.Context, board *models.Board) error {
	content, err := json.Marshal(board)
	if err != nil {
		return fmt.Errorf("failed to encode board: %w", err)
	}
	result := r.db.WithContext(ctx).Model(&BoardRow{}).Where("id = ?", board.ID).
		Updates(map[string]interface{}{
			"name":    board.Name,
			"content": content,
			"serial":  board.Serial,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to save board: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrBoardNotFound, board.ID)
	}
	return nil
}

// Rename updates only the convenience name column. The authoritative rename
// lives in the event log; this keeps listings readable between flushes.
func (r *BoardRepositoryImpl) Rename(ctx context.Context, id, name string) error {
	result := r.db.WithContext(ctx).Model(&BoardRow{}).Where("id = ?", id).
		Update("name", name)
	if result.Error != nil {
		return fmt.Errorf("failed to rename board: %w", result.Error)
	}
	return nil
}
