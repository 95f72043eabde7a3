package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/streamfair-backend/pkg/enums"
)

// WatchSession tracks one metered watch attempt of a video by an installation.
// DurationSeconds is the video length when the session started; owed and
// final amounts are priced against it, not the live catalog row.
type WatchSession struct {
	ID                 uuid.UUID           `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	InstallID          string              `gorm:"column:install_id;not null" json:"install_id"`
	VideoID            string              `gorm:"column:video_id;not null" json:"video_id"`
	Status             enums.SessionStatus `gorm:"column:status;type:text;not null;default:'active'" json:"status"`
	PriceQuotedCents   int64               `gorm:"column:price_quoted_cents;not null" json:"price_quoted"`
	PriceFinalCents    *int64              `gorm:"column:price_final_cents" json:"price_final"`
	DurationSeconds    int                 `gorm:"column:duration_seconds;not null;default:0" json:"duration_seconds"`
	SecondsWatched     int                 `gorm:"column:seconds_watched;not null;default:0" json:"seconds_watched"`
	AmountSettledCents int64               `gorm:"column:amount_settled_cents;not null;default:0" json:"amount_settled"`
	StartedAt          time.Time           `gorm:"column:started_at;not null" json:"started_at"`
	EndedAt            *time.Time          `gorm:"column:ended_at" json:"ended_at,omitempty"`
	LastProgressAt     *time.Time          `gorm:"column:last_progress_at" json:"last_progress_at,omitempty"`
	CreatedAt          time.Time           `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time           `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (s *WatchSession) BeforeCreate(*gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
