package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/streamfair-backend/pkg/enums"
)

// WatchEvent is an append-only playback signal for a session.
type WatchEvent struct {
	ID               uuid.UUID            `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	SessionID        uuid.UUID            `gorm:"column:session_id;type:uuid;not null" json:"session_id"`
	EventType        enums.WatchEventType `gorm:"column:event_type;type:text;not null" json:"event_type"`
	TimestampSeconds float64              `gorm:"column:timestamp_seconds;not null" json:"timestamp_seconds"`
	Metadata         datatypes.JSON       `gorm:"column:metadata" json:"metadata"`
	CreatedAt        time.Time            `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (e *WatchEvent) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
