package models

import "time"

// Video is keyed by the hosting platform's video id.
type Video struct {
	ID                  string    `gorm:"column:id;primaryKey" json:"id"`
	Title               string    `gorm:"column:title;not null;default:''" json:"title"`
	Channel             string    `gorm:"column:channel;not null;default:''" json:"channel"`
	DurationSeconds     int       `gorm:"column:duration_seconds;not null;default:0" json:"duration_seconds"`
	AvgWatchRatio       float64   `gorm:"column:avg_watch_ratio;type:numeric(5,2);not null;default:100" json:"avg_watch_ratio"`
	ManualAvgWatchRatio *float64  `gorm:"column:manual_avg_watch_ratio;type:numeric(5,2)" json:"manual_avg_watch_ratio"`
	OverridePriceCents  *int64    `gorm:"column:override_price_cents" json:"override_price"`
	CreatedAt           time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}
