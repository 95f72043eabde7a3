package analytics

import (
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/angelmondragon/streamfair-backend/pkg/enums"
	"github.com/angelmondragon/streamfair-backend/pkg/outbox/payloads"
)

// Envelope is a domain event received from the domain topic.
type Envelope struct {
	EventID      string
	EventType    enums.OutboxEventType
	AggregateKey string
	OccurredAt   time.Time
	InstallID    string
	Payload      json.RawMessage
}

// WatchFactRow is one row of the watch_facts table. Columns a given event
// does not carry stay null.
type WatchFactRow struct {
	EventID            string               `bigquery:"event_id"`
	EventType          string               `bigquery:"event_type"`
	OccurredAt         time.Time            `bigquery:"occurred_at"`
	SessionID          bigquery.NullString  `bigquery:"session_id"`
	InstallID          bigquery.NullString  `bigquery:"install_id"`
	VideoID            bigquery.NullString  `bigquery:"video_id"`
	SecondsWatched     bigquery.NullInt64   `bigquery:"seconds_watched"`
	PriceQuotedCents   bigquery.NullInt64   `bigquery:"price_quoted_cents"`
	PriceFinalCents    bigquery.NullInt64   `bigquery:"price_final_cents"`
	AmountCents        bigquery.NullInt64   `bigquery:"amount_cents"`
	AmountSettledCents bigquery.NullInt64   `bigquery:"amount_settled_cents"`
	AvgWatchRatio      bigquery.NullFloat64 `bigquery:"avg_watch_ratio"`
	Provider           bigquery.NullString  `bigquery:"provider"`
	TransactionRef     bigquery.NullString  `bigquery:"transaction_ref"`
	Payload            bigquery.NullJSON    `bigquery:"payload"`
}

// WatchFactsSchema is the table schema inferred from WatchFactRow.
func WatchFactsSchema() (bigquery.Schema, error) {
	return bigquery.InferSchema(WatchFactRow{})
}

// Project maps an envelope onto a fact row. Unknown event types are rejected
// so the caller can drop them.
func Project(env Envelope) (*WatchFactRow, error) {
	row := &WatchFactRow{
		EventID:    env.EventID,
		EventType:  string(env.EventType),
		OccurredAt: env.OccurredAt.UTC(),
		InstallID:  nullString(env.InstallID),
	}
	if len(env.Payload) > 0 {
		row.Payload = bigquery.NullJSON{Valid: true, JSONVal: string(env.Payload)}
	}

	switch env.EventType {
	case enums.EventSessionStarted:
		var p payloads.SessionStartedEvent
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		row.SessionID = nullString(p.SessionID.String())
		row.InstallID = nullString(p.InstallID)
		row.VideoID = nullString(p.VideoID)
		row.PriceQuotedCents = nullInt(p.PriceQuotedCents)
	case enums.EventSessionDeclined:
		var p payloads.SessionDeclinedEvent
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		row.SessionID = nullString(p.SessionID.String())
		row.InstallID = nullString(p.InstallID)
		row.VideoID = nullString(p.VideoID)
		row.PriceQuotedCents = nullInt(p.PriceQuotedCents)
	case enums.EventSessionCompleted:
		var p payloads.SessionCompletedEvent
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		row.SessionID = nullString(p.SessionID.String())
		row.InstallID = nullString(p.InstallID)
		row.VideoID = nullString(p.VideoID)
		row.SecondsWatched = nullInt(int64(p.SecondsWatched))
		row.PriceQuotedCents = nullInt(p.PriceQuotedCents)
		row.PriceFinalCents = nullInt(p.PriceFinalCents)
		row.AmountSettledCents = nullInt(p.AmountSettledCents)
	case enums.EventPaymentSettled:
		var p payloads.PaymentSettledEvent
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		row.SessionID = nullString(p.SessionID.String())
		row.AmountCents = nullInt(p.AmountCents)
		row.AmountSettledCents = nullInt(p.AmountSettledCents)
		row.Provider = nullString(p.Provider)
		row.TransactionRef = nullString(p.TransactionRef)
	case enums.EventEngagementRecomputed:
		var p payloads.EngagementRecomputedEvent
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		row.VideoID = nullString(p.VideoID)
		row.AvgWatchRatio = bigquery.NullFloat64{Float64: p.AvgWatchRatio, Valid: true}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, env.EventType)
	}
	return row, nil
}

// Save implements bigquery.ValueSaver. The event id doubles as insert id so
// BigQuery drops duplicate deliveries on a best-effort basis.
func (r *WatchFactRow) Save() (map[string]bigquery.Value, string, error) {
	schema, err := WatchFactsSchema()
	if err != nil {
		return nil, "", err
	}
	saver := &bigquery.StructSaver{Struct: r, Schema: schema, InsertID: r.EventID}
	return saver.Save()
}

func decode(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("empty payload for %s", env.EventType)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.EventType, err)
	}
	return nil
}

func nullString(v string) bigquery.NullString {
	return bigquery.NullString{StringVal: v, Valid: v != ""}
}

func nullInt(v int64) bigquery.NullInt64 {
	return bigquery.NullInt64{Int64: v, Valid: true}
}
