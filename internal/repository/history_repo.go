package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nonomal/ourboard/internal/models"

	"gorm.io/gorm"
)

// BoardEventRow stores one BoardHistoryEntry in the append-only log. The
// (board_id, serial) primary key is what makes the durable log gap-free
// detectable: inserting a duplicate serial fails instead of silently forking
// history.
type BoardEventRow struct {
	BoardID   string `gorm:"type:char(27);primaryKey"`
	Serial    int64  `gorm:"primaryKey;autoIncrement:false"`
	Payload   []byte `gorm:"type:bytea;not null"`
	CreatedAt int64  `gorm:"autoCreateTime"`
}

func (BoardEventRow) TableName() string {
	return "board_events"
}

// HistoryRepositoryImpl handles the durable event log using GORM.
type HistoryRepositoryImpl struct {
	db *gorm.DB
}

// NewHistoryRepository creates a new history repository.
func NewHistoryRepository(db *gorm.DB) *HistoryRepositoryImpl {
	return &HistoryRepositoryImpl{db: db}
}

// AppendBatch writes one persistence batch in a single transaction, so a
// failed flush leaves no partial tail in the log.
func (r *HistoryRepositoryImpl) AppendBatch(ctx context.Context, boardID string, entries []models.BoardHistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]BoardEventRow, 0, len(entries))
	for _, entry := range entries {
		payload, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to encode history entry %d: %w", entry.Serial, err)
		}
		rows = append(rows, BoardEventRow{
			BoardID: boardID,
			Serial:  entry.Serial,
			Payload: payload,
		})
	}
	if err := r.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("failed to append history batch: %w", err)
	}
	return nil
}

// GetHistoryAfter streams entries with afterSerial < serial < untilSerial in
// ascending order, calling fn once per chunk. The upper bound exists so a
// catch-up replay never overlaps the in-memory tail captured at join time,
// even if that tail gets flushed while the replay is still paging.
func (r *HistoryRepositoryImpl) GetHistoryAfter(ctx context.Context, boardID string, afterSerial, untilSerial int64, chunkSize int, fn func([]models.BoardHistoryEntry) error) error {
	if chunkSize <= 0 {
		chunkSize = 100
	}
	cursor := afterSerial
	for {
		var rows []BoardEventRow
		err := r.db.WithContext(ctx).
			Where("board_id = ? AND serial > ? AND serial < ?", boardID, cursor, untilSerial).
			Order("serial ASC").
			Limit(chunkSize).
			Find(&rows).Error
		if err != nil {
			return fmt.Errorf("failed to fetch board history: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		entries := make([]models.BoardHistoryEntry, 0, len(rows))
		for _, row := range rows {
			var entry models.BoardHistoryEntry
			if err := json.Unmarshal(row.Payload, &entry); err != nil {
				return fmt.Errorf("failed to decode history entry %d: %w", row.Serial, err)
			}
			entries = append(entries, entry)
		}
		if err := fn(entries); err != nil {
			return err
		}
		cursor = rows[len(rows)-1].Serial
		if len(rows) < chunkSize {
			return nil
		}
	}
}

// LatestSerial returns the highest serial in the log for a board, 0 when the
// log is empty.
func (r *HistoryRepositoryImpl) LatestSerial(ctx context.Context, boardID string) (int64, error) {
	var row BoardEventRow
	err := r.db.WithContext(ctx).
		Where("board_id = ?", boardID).
		Order("serial DESC").
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get latest serial: %w", err)
	}
	return row.Serial, nil
}
