package videos

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/streamfair-backend/pkg/db/models"
	"github.com/angelmondragon/streamfair-backend/pkg/enums"
	"github.com/angelmondragon/streamfair-backend/pkg/pagination"
)

// Repository exposes video persistence operations.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx returns a repository bound to the provided transaction.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

func (r *Repository) FindByID(ctx context.Context, id string) (*models.Video, error) {
	var video models.Video
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&video).Error; err != nil {
		return nil, err
	}
	return &video, nil
}

// Upsert inserts a new video with full engagement, or refreshes only the
// metadata columns of an existing one. Ratios and overrides are never touched.
func (r *Repository) Upsert(ctx context.Context, video *models.Video) (*models.Video, error) {
	now := time.Now().UTC()
	row := &models.Video{
		ID:              video.ID,
		Title:           video.Title,
		Channel:         video.Channel,
		DurationSeconds: video.DurationSeconds,
		AvgWatchRatio:   100,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "channel", "duration_seconds", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		return nil, err
	}
	return r.FindByID(ctx, video.ID)
}

func (r *Repository) UpdateOverridePrice(ctx context.Context, id string, cents *int64) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Video{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"override_price_cents": cents,
			"updated_at":           time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

func (r *Repository) UpdateManualSeed(ctx context.Context, id string, seed *float64) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Video{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"manual_avg_watch_ratio": seed,
			"updated_at":             time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

func (r *Repository) UpdateAvgWatchRatio(ctx context.Context, id string, ratio float64) error {
	return r.db.WithContext(ctx).Model(&models.Video{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"avg_watch_ratio": ratio,
			"updated_at":      time.Now().UTC(),
		}).Error
}

type listQuery struct {
	limit  int
	cursor *pagination.Cursor
}

// List returns videos newest first using keyset pagination on created_at, id.
func (r *Repository) List(ctx context.Context, opts listQuery) ([]models.Video, error) {
	query := r.db.WithContext(ctx).Model(&models.Video{})
	if opts.cursor != nil {
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)", opts.cursor.At, opts.cursor.At, opts.cursor.Key)
	}

	var rows []models.Video
	if err := query.Order("created_at DESC").Order("id DESC").Limit(opts.limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// IDsWithCompletedSessions lists videos that have at least one completed
// session, used by the engagement sweep.
func (r *Repository) IDsWithCompletedSessions(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&models.WatchSession{}).
		Distinct("video_id").
		Where("status = ?", enums.SessionStatusCompleted).
		Order("video_id").
		Pluck("video_id", &ids).Error
	return ids, err
}
