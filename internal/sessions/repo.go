package sessions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/streamfair-backend/pkg/db/models"
	"github.com/angelmondragon/streamfair-backend/pkg/enums"
	"github.com/angelmondragon/streamfair-backend/pkg/pagination"
)

// Repository exposes watch session and watch event persistence.
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

func (r *Repository) Create(ctx context.Context, session *models.WatchSession) error {
	return r.db.WithContext(ctx).Create(session).Error
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.WatchSession, error) {
	var session models.WatchSession
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

// UpdateProgress raises seconds_watched on an active session. Lower values
// never overwrite a higher stored one.
func (r *Repository) UpdateProgress(ctx context.Context, id uuid.UUID, seconds int, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.WatchSession{}).
		Where("id = ? AND status = ? AND seconds_watched <= ?", id, enums.SessionStatusActive, seconds).
		Updates(map[string]any{
			"seconds_watched":  seconds,
			"last_progress_at": at,
			"updated_at":       at,
		})
	return res.RowsAffected, res.Error
}

func (r *Repository) TouchProgress(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.WatchSession{}).
		Where("id = ? AND status = ?", id, enums.SessionStatusActive).
		Updates(map[string]any{
			"last_progress_at": at,
			"updated_at":       at,
		}).Error
}

// AddSettled advances amount_settled_cents only if nobody moved it since
// settledBefore was read.
func (r *Repository) AddSettled(ctx context.Context, id uuid.UUID, settledBefore, delta int64) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.WatchSession{}).
		Where("id = ? AND status = ? AND amount_settled_cents = ?", id, enums.SessionStatusActive, settledBefore).
		Updates(map[string]any{
			"amount_settled_cents": gorm.Expr("amount_settled_cents + ?", delta),
			"updated_at":           time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

func (r *Repository) Complete(ctx context.Context, id uuid.UUID, seconds int, priceFinal int64, endedAt time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.WatchSession{}).
		Where("id = ? AND status = ?", id, enums.SessionStatusActive).
		Updates(map[string]any{
			"status":            enums.SessionStatusCompleted,
			"seconds_watched":   seconds,
			"price_final_cents": priceFinal,
			"ended_at":          endedAt,
			"updated_at":        endedAt,
		})
	return res.RowsAffected, res.Error
}

func (r *Repository) InsertEvent(ctx context.Context, event *models.WatchEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *Repository) ListEvents(ctx context.Context, sessionID uuid.UUID) ([]models.WatchEvent, error) {
	var rows []models.WatchEvent
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

type listQuery struct {
	limit  int
	cursor *pagination.Cursor
}

// HistoryRow is a session joined with the metadata of its video.
type HistoryRow struct {
	SessionID          uuid.UUID           `gorm:"column:session_id" json:"session_id"`
	VideoID            string              `gorm:"column:video_id" json:"video_id"`
	Title              string              `gorm:"column:title" json:"title"`
	Channel            string              `gorm:"column:channel" json:"channel"`
	DurationSeconds    int                 `gorm:"column:duration_seconds" json:"duration_seconds"`
	Status             enums.SessionStatus `gorm:"column:status" json:"status"`
	PriceQuotedCents   int64               `gorm:"column:price_quoted_cents" json:"price_quoted"`
	PriceFinalCents    *int64              `gorm:"column:price_final_cents" json:"price_final"`
	SecondsWatched     int                 `gorm:"column:seconds_watched" json:"seconds_watched"`
	AmountSettledCents int64               `gorm:"column:amount_settled_cents" json:"amount_settled"`
	StartedAt          time.Time           `gorm:"column:started_at" json:"started_at"`
	EndedAt            *time.Time          `gorm:"column:ended_at" json:"ended_at,omitempty"`
}

// ListByInstallation returns an installation's sessions newest first.
func (r *Repository) ListByInstallation(ctx context.Context, installID string, opts listQuery) ([]HistoryRow, error) {
	query := r.db.WithContext(ctx).
		Table("watch_sessions AS ws").
		Select(`ws.id AS session_id, ws.video_id, v.title, v.channel, v.duration_seconds,
			ws.status, ws.price_quoted_cents, ws.price_final_cents, ws.seconds_watched,
			ws.amount_settled_cents, ws.started_at, ws.ended_at`).
		Joins("JOIN videos v ON v.id = ws.video_id").
		Where("ws.install_id = ?", installID)
	if opts.cursor != nil {
		query = query.Where("(ws.started_at < ?) OR (ws.started_at = ? AND ws.id < ?)", opts.cursor.At, opts.cursor.At, opts.cursor.Key)
	}

	var rows []HistoryRow
	err := query.Order("ws.started_at DESC").Order("ws.id DESC").Limit(opts.limit).Scan(&rows).Error
	return rows, err
}

// ListRecent pages over all sessions for operators.
func (r *Repository) ListRecent(ctx context.Context, status *enums.SessionStatus, videoID string, opts listQuery) ([]models.WatchSession, error) {
	query := r.db.WithContext(ctx).Model(&models.WatchSession{})
	if status != nil {
		query = query.Where("status = ?", *status)
	}
	if videoID != "" {
		query = query.Where("video_id = ?", videoID)
	}
	if opts.cursor != nil {
		query = query.Where("(started_at < ?) OR (started_at = ? AND id < ?)", opts.cursor.At, opts.cursor.At, opts.cursor.Key)
	}

	var rows []models.WatchSession
	err := query.Order("started_at DESC").Order("id DESC").Limit(opts.limit).Find(&rows).Error
	return rows, err
}

// ListStaleActive returns active sessions whose last signal is older than
// cutoff, oldest first.
func (r *Repository) ListStaleActive(ctx context.Context, cutoff time.Time, limit int) ([]models.WatchSession, error) {
	var rows []models.WatchSession
	err := r.db.WithContext(ctx).
		Where("status = ?", enums.SessionStatusActive).
		Where("COALESCE(last_progress_at, started_at) < ?", cutoff).
		Order("started_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
