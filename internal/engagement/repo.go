package engagement

import (
	"context"

	"gorm.io/gorm"

	"github.com/angelmondragon/streamfair-backend/pkg/enums"
)

// completionStats is the aggregate over completed sessions of one video.
type completionStats struct {
	Completed int64   `gorm:"column:completed"`
	MeanRatio float64 `gorm:"column:mean_ratio"`
}

// Repository runs the completion aggregate the blend is computed from.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

// CompletionStats counts completed sessions and averages seconds/duration,
// using the duration snapshot taken when the session started and the catalog
// duration for rows without one. Zero-length sessions contribute 0.
func (r *Repository) CompletionStats(ctx context.Context, videoID string) (completionStats, error) {
	var stats completionStats
	err := r.db.WithContext(ctx).Raw(`
		SELECT
			COUNT(*) AS completed,
			COALESCE(AVG(
				CASE
					WHEN t.duration <= 0 THEN 0
					WHEN t.seconds_watched >= t.duration THEN 1.0
					ELSE t.seconds_watched * 1.0 / t.duration
				END
			), 0) AS mean_ratio
		FROM (
			SELECT
				ws.seconds_watched,
				CASE WHEN ws.duration_seconds > 0 THEN ws.duration_seconds ELSE v.duration_seconds END AS duration
			FROM watch_sessions ws
			JOIN videos v ON v.id = ws.video_id
			WHERE ws.video_id = ? AND ws.status = ?
		) t`,
		videoID, enums.SessionStatusCompleted,
	).Scan(&stats).Error
	return stats, err
}
