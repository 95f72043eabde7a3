package metering

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/streamfair-backend/pkg/db/models"
)

// Repository stores the append-only payment ledger.
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

func (r *Repository) Insert(ctx context.Context, entry *models.PaymentLedgerEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *Repository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.PaymentLedgerEntry, error) {
	var rows []models.PaymentLedgerEntry
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *Repository) SumBySession(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&models.PaymentLedgerEntry{}).
		Where("session_id = ?", sessionID).
		Select("COALESCE(SUM(amount_cents), 0)").
		Scan(&total).Error
	return total, err
}
