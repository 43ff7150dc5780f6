package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"designCollab/backend/internal/collab"
)

// SessionRecording 一次录制的汇总（导出用，不会回读到在线状态）
type SessionRecording struct {
	ID           string `gorm:"primaryKey;type:varchar(64)"`
	SessionID    string `gorm:"index;type:varchar(64);not null"`
	StartedAt    time.Time
	StoppedAt    *time.Time
	EventCount   int
	CountsByType string `gorm:"type:text"` // JSON
	CreatedAt    time.Time
}

// RecordedEvent 录制中的单条事件，(recording_id, sequence) 唯一
type RecordedEvent struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	RecordingID string    `gorm:"uniqueIndex:idx_recording_seq;type:varchar(64);not null"`
	Sequence    uint64    `gorm:"uniqueIndex:idx_recording_seq;not null"`
	SessionID   string    `gorm:"index;type:varchar(64);not null"`
	UserID      string    `gorm:"type:varchar(64)"`
	Type        string    `gorm:"type:varchar(32);not null"`
	Payload     string    `gorm:"type:mediumtext"`
	OccurredAt  time.Time `gorm:"not null"`
}

type RecordingStore struct{ db *gorm.DB }

var _ collab.RecordingSink = (*RecordingStore)(nil)

func NewRecordingStore(db *gorm.DB) *RecordingStore {
	return &RecordingStore{db: db}
}

const insertBatchSize = 500

func (s *RecordingStore) SaveRecording(ctx context.Context, rec *collab.Recording) error {
	counts, err := json.Marshal(rec.CountsByType)
	if err != nil {
		return err
	}
	row := SessionRecording{
		ID:           rec.ID,
		SessionID:    rec.SessionID,
		StartedAt:    rec.StartedAt,
		StoppedAt:    rec.StoppedAt,
		EventCount:   len(rec.Events),
		CountsByType: string(counts),
	}
	events := make([]RecordedEvent, 0, len(rec.Events))
	for _, evt := range rec.Events {
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			return err
		}
		events = append(events, RecordedEvent{
			RecordingID: rec.ID,
			Sequence:    evt.Sequence,
			SessionID:   evt.SessionID,
			UserID:      evt.UserID,
			Type:        string(evt.Type),
			Payload:     string(payload),
			OccurredAt:  evt.Timestamp,
		})
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		return tx.CreateInBatches(events, insertBatchSize).Error
	})
	// 同一录制重复保存（重试）视为成功
	if isDuplicateKey(err) {
		return nil
	}
	return err
}

// GetRecording 没找到返回 nil, nil
func (s *RecordingStore) GetRecording(ctx context.Context, id string) (*SessionRecording, error) {
	var rec SessionRecording
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// ListEvents 按序号返回录制中的事件
func (s *RecordingStore) ListEvents(ctx context.Context, recordingID string, limit int) ([]RecordedEvent, error) {
	var out []RecordedEvent
	q := s.db.WithContext(ctx).Where("recording_id = ?", recordingID).Order("sequence ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
