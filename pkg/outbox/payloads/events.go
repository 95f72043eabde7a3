package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/streamfair-backend/pkg/enums"
)

// SessionStartedEvent is emitted when a viewer accepts a quote.
type SessionStartedEvent struct {
	SessionID        uuid.UUID `json:"session_id"`
	InstallID        string    `json:"install_id"`
	VideoID          string    `json:"video_id"`
	PriceQuotedCents int64     `json:"price_quoted_cents"`
	StartedAt        time.Time `json:"started_at"`
}

// SessionDeclinedEvent records a rejected quote.
type SessionDeclinedEvent struct {
	SessionID        uuid.UUID `json:"session_id"`
	InstallID        string    `json:"install_id"`
	VideoID          string    `json:"video_id"`
	PriceQuotedCents int64     `json:"price_quoted_cents"`
	DeclinedAt       time.Time `json:"declined_at"`
}

// SessionCompletedEvent carries the final bookkeeping of a session.
type SessionCompletedEvent struct {
	SessionID          uuid.UUID `json:"session_id"`
	InstallID          string    `json:"install_id"`
	VideoID            string    `json:"video_id"`
	SecondsWatched     int       `json:"seconds_watched"`
	PriceQuotedCents   int64     `json:"price_quoted_cents"`
	PriceFinalCents    int64     `json:"price_final_cents"`
	AmountSettledCents int64     `json:"amount_settled_cents"`
	EndedAt            time.Time `json:"ended_at"`
}

// PaymentSettledEvent is emitted for every confirmed ledger charge.
type PaymentSettledEvent struct {
	SessionID          uuid.UUID             `json:"session_id"`
	EntryID            uuid.UUID             `json:"entry_id"`
	Kind               enums.LedgerEntryKind `json:"kind"`
	AmountCents        int64                 `json:"amount_cents"`
	LedgerAmount       string                `json:"ledger_amount"`
	AmountSettledCents int64                 `json:"amount_settled_cents"`
	TransactionRef     string                `json:"transaction_ref"`
	Provider           string                `json:"provider"`
}

// EngagementRecomputedEvent reports a new blended ratio for a video.
type EngagementRecomputedEvent struct {
	VideoID           string   `json:"video_id"`
	PreviousRatio     float64  `json:"previous_ratio"`
	AvgWatchRatio     float64  `json:"avg_watch_ratio"`
	CompletedSessions int64    `json:"completed_sessions"`
	ManualSeed        *float64 `json:"manual_seed,omitempty"`
}
