package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/streamfair-backend/pkg/enums"
)

// PaymentLedgerEntry records one successful settlement against a session.
// Entries are never updated; their sum per session equals amount_settled_cents.
type PaymentLedgerEntry struct {
	ID             uuid.UUID             `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	SessionID      uuid.UUID             `gorm:"column:session_id;type:uuid;not null" json:"session_id"`
	AmountCents    int64                 `gorm:"column:amount_cents;not null" json:"amount_cents"`
	LedgerAmount   string                `gorm:"column:ledger_amount;not null" json:"ledger_amount"`
	TransactionRef string                `gorm:"column:transaction_ref;not null" json:"transaction_ref"`
	Kind           enums.LedgerEntryKind `gorm:"column:kind;type:text;not null" json:"kind"`
	Provider       string                `gorm:"column:provider;not null" json:"provider"`
	IdempotencyKey string                `gorm:"column:idempotency_key;not null;uniqueIndex" json:"idempotency_key"`
	Memo           string                `gorm:"column:memo;not null" json:"memo"`
	CreatedAt      time.Time             `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (e *PaymentLedgerEntry) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
