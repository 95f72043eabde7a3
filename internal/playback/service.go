// Package playback is the metered streaming core used by the HTTP layer. It
// ties pricing, the session state machine, reconciliation and engagement
// together.
package playback

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/streamfair-backend/internal/engagement"
	"github.com/angelmondragon/streamfair-backend/internal/metering"
	"github.com/angelmondragon/streamfair-backend/internal/pricing"
	"github.com/angelmondragon/streamfair-backend/internal/sessions"
	"github.com/angelmondragon/streamfair-backend/internal/settlement"
	"github.com/angelmondragon/streamfair-backend/internal/videos"
	"github.com/angelmondragon/streamfair-backend/pkg/db/models"
	"github.com/angelmondragon/streamfair-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/streamfair-backend/pkg/errors"
	"github.com/angelmondragon/streamfair-backend/pkg/logger"
	"github.com/angelmondragon/streamfair-backend/pkg/money"
	"github.com/angelmondragon/streamfair-backend/pkg/pagination"
)

type Service interface {
	Quote(ctx context.Context, videoID string, meta VideoMetadata) (*Quote, error)
	StartSession(ctx context.Context, installID, videoID string, quotedPrice int64) (*models.WatchSession, error)
	DeclineSession(ctx context.Context, installID, videoID string, quotedPrice int64) (*models.WatchSession, error)
	ReportProgress(ctx context.Context, sessionID uuid.UUID, report ProgressReport) (*ProgressResult, error)
	EndSession(ctx context.Context, sessionID uuid.UUID, secondsWatched int, credential string) (*EndResult, error)
	History(ctx context.Context, installID string, params pagination.Params) (*sessions.HistoryResult, error)

	ListVideos(ctx context.Context, params pagination.Params) (*videos.ListResult, error)
	SetOverridePrice(ctx context.Context, videoID string, cents *int64) (*models.Video, error)
	SetManualSeed(ctx context.Context, videoID string, seed *float64) (*engagement.Result, error)
	ListSessions(ctx context.Context, filter sessions.ListFilter, params pagination.Params) (*sessions.ListResult, error)
	SettlementStatus(ctx context.Context) (*settlement.Status, error)
}

type VideoMetadata struct {
	Title           string
	Channel         string
	DurationSeconds int
}

type Quote struct {
	VideoID         string  `json:"video_id"`
	PriceTotal      int64   `json:"price_total"`
	PricePerSecond  float64 `json:"price_per_second"`
	AvgWatchRatio   float64 `json:"avg_watch_ratio"`
	OverridePrice   *int64  `json:"override_price"`
	DurationSeconds int     `json:"duration_seconds"`
}

// ProgressReport is one client playback signal. Credential is the viewer's
// wallet account, when the client carries one.
type ProgressReport struct {
	Type             enums.WatchEventType
	TimestampSeconds float64
	Metadata         json.RawMessage
	Credential       string
}

// Payment is the visible result of one provider call.
type Payment struct {
	Success            bool   `json:"success"`
	TransactionRef     string `json:"transaction_ref,omitempty"`
	AmountCents        int64  `json:"amount_cents"`
	LedgerAmount       string `json:"ledger_amount"`
	AmountSettledCents int64  `json:"amount_settled_cents"`
	Error              string `json:"error,omitempty"`
}

type ProgressResult struct {
	Event   *models.WatchEvent `json:"event"`
	Payment *Payment           `json:"payment"`
}

type EndResult struct {
	Session       *models.WatchSession        `json:"session"`
	LedgerEntries []models.PaymentLedgerEntry `json:"ledger_entries"`
	FinalPayment  *Payment                    `json:"final_payment"`
}

type ServiceParams struct {
	Videos     videos.Service
	Sessions   sessions.Service
	Reconciler *metering.Reconciler
	Engagement engagement.Service
	Pricing    *pricing.Engine
	Logger     *logger.Logger
}

type service struct {
	videos     videos.Service
	sessions   sessions.Service
	reconciler *metering.Reconciler
	engagement engagement.Service
	pricing    *pricing.Engine
	logg       *logger.Logger
}

func NewService(params ServiceParams) (Service, error) {
	if params.Videos == nil {
		return nil, fmt.Errorf("videos service required")
	}
	if params.Sessions == nil {
		return nil, fmt.Errorf("sessions service required")
	}
	if params.Reconciler == nil {
		return nil, fmt.Errorf("reconciler required")
	}
	if params.Engagement == nil {
		return nil, fmt.Errorf("engagement service required")
	}
	if params.Pricing == nil {
		return nil, fmt.Errorf("pricing engine required")
	}
	return &service{
		videos:     params.Videos,
		sessions:   params.Sessions,
		reconciler: params.Reconciler,
		engagement: params.Engagement,
		pricing:    params.Pricing,
		logg:       params.Logger,
	}, nil
}

// Quote records the client's view of the video and prices it.
func (s *service) Quote(ctx context.Context, videoID string, meta VideoMetadata) (*Quote, error) {
	video, err := s.videos.Upsert(ctx, videos.UpsertInput{
		ID:              videoID,
		Title:           meta.Title,
		Channel:         meta.Channel,
		DurationSeconds: meta.DurationSeconds,
	})
	if err != nil {
		return nil, err
	}
	total := s.pricing.Price(video.AvgWatchRatio, video.OverridePriceCents)
	return &Quote{
		VideoID:         video.ID,
		PriceTotal:      total,
		PricePerSecond:  pricing.PerSecond(total, video.DurationSeconds),
		AvgWatchRatio:   video.AvgWatchRatio,
		OverridePrice:   video.OverridePriceCents,
		DurationSeconds: video.DurationSeconds,
	}, nil
}

func (s *service) StartSession(ctx context.Context, installID, videoID string, quotedPrice int64) (*models.WatchSession, error) {
	return s.sessions.Create(ctx, sessions.CreateInput{InstallID: installID, VideoID: videoID, PriceQuotedCents: quotedPrice})
}

func (s *service) DeclineSession(ctx context.Context, installID, videoID string, quotedPrice int64) (*models.WatchSession, error) {
	return s.sessions.Decline(ctx, sessions.CreateInput{InstallID: installID, VideoID: videoID, PriceQuotedCents: quotedPrice})
}

// ReportProgress appends the event to the audit log. Heartbeats also move
// progress and settle what is owed so far while the session is active.
func (s *service) ReportProgress(ctx context.Context, sessionID uuid.UUID, report ProgressReport) (*ProgressResult, error) {
	if !report.Type.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event type must be one of play, pause, seek, heartbeat, end")
	}
	if report.TimestampSeconds < 0 || math.IsNaN(report.TimestampSeconds) || math.IsInf(report.TimestampSeconds, 0) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "timestamp must be a non-negative number")
	}
	_, metadata, err := DecodeMetadata(report.Type, report.Metadata)
	if err != nil {
		return nil, err
	}
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}

	input := sessions.EventInput{
		SessionID:        sessionID,
		Type:             report.Type,
		TimestampSeconds: report.TimestampSeconds,
		Metadata:         metadata,
	}
	if report.Type != enums.WatchEventHeartbeat {
		event, err := s.sessions.AppendEvent(ctx, input)
		if err != nil {
			return nil, err
		}
		return &ProgressResult{Event: event}, nil
	}

	result := &ProgressResult{}
	err = s.reconciler.WithSession(ctx, sessionID, func(ctx context.Context) error {
		session, err := s.sessions.RecordProgress(ctx, sessionID, int(math.Floor(report.TimestampSeconds)))
		if err != nil {
			return err
		}
		if result.Event, err = s.sessions.AppendEvent(ctx, input); err != nil {
			return err
		}
		if session.Status != enums.SessionStatusActive {
			return nil
		}

		outcome, err := s.reconciler.Reconcile(ctx, metering.Input{
			Session:    session,
			Owed:       metering.StreamOwed(session.PriceQuotedCents, session.SecondsWatched, session.DurationSeconds),
			Kind:       enums.LedgerEntryStream,
			Memo:       metering.StreamMemo(session.ID, session.SecondsWatched),
			Credential: report.Credential,
		})
		if err != nil {
			return err
		}
		result.Payment = paymentFrom(outcome)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EndSession settles the final delta and completes the session. A failed
// final charge does not block completion; FinalPayment reports it.
func (s *service) EndSession(ctx context.Context, sessionID uuid.UUID, secondsWatched int, credential string) (*EndResult, error) {
	if secondsWatched < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "seconds watched must be >= 0")
	}

	result := &EndResult{}
	err := s.reconciler.WithSession(ctx, sessionID, func(ctx context.Context) error {
		session, err := s.sessions.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status != enums.SessionStatusActive {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "session already ended").
				WithDetails(map[string]any{"status": session.Status})
		}

		reported := secondsWatched
		if reported == 0 {
			reported = session.SecondsWatched
		}
		seconds := s.sessions.FinalSeconds(session, reported)

		outcome, err := s.reconciler.Reconcile(ctx, metering.Input{
			Session:    session,
			Owed:       metering.FinalOwed(session.PriceQuotedCents, seconds, session.DurationSeconds),
			Kind:       enums.LedgerEntryFinal,
			Memo:       metering.FinalMemo(session.ID),
			Credential: credential,
		})
		if err != nil {
			return err
		}
		result.FinalPayment = paymentFrom(outcome)

		result.Session, err = s.sessions.Finalize(ctx, sessionID, seconds)
		return err
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.engagement.Recompute(ctx, result.Session.VideoID); err != nil && s.logg != nil {
		logCtx := s.logg.WithVideoID(s.logg.WithSessionID(ctx, sessionID.String()), result.Session.VideoID)
		s.logg.Error(logCtx, "engagement recompute after completion failed", err)
	}

	entries, err := s.reconciler.Entries(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	result.LedgerEntries = entries
	return result, nil
}

func (s *service) History(ctx context.Context, installID string, params pagination.Params) (*sessions.HistoryResult, error) {
	return s.sessions.ListByInstallation(ctx, installID, params)
}

func (s *service) ListVideos(ctx context.Context, params pagination.Params) (*videos.ListResult, error) {
	return s.videos.List(ctx, params)
}

func (s *service) SetOverridePrice(ctx context.Context, videoID string, cents *int64) (*models.Video, error) {
	return s.videos.SetOverridePrice(ctx, videoID, cents)
}

func (s *service) SetManualSeed(ctx context.Context, videoID string, seed *float64) (*engagement.Result, error) {
	return s.engagement.SetManualSeed(ctx, strings.TrimSpace(videoID), seed)
}

func (s *service) ListSessions(ctx context.Context, filter sessions.ListFilter, params pagination.Params) (*sessions.ListResult, error) {
	return s.sessions.ListRecent(ctx, filter, params)
}

// SettlementStatus reports ledger balances when the provider can; others
// only report their name.
func (s *service) SettlementStatus(ctx context.Context) (*settlement.Status, error) {
	provider := s.reconciler.Provider()
	reporter, ok := provider.(settlement.StatusReporter)
	if !ok {
		return &settlement.Status{Provider: provider.Name(), Connected: true, Accounts: []settlement.AccountBalance{}}, nil
	}
	status, err := reporter.Status(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "settlement status")
	}
	return status, nil
}

func paymentFrom(outcome *metering.Outcome) *Payment {
	if outcome == nil || outcome.Payment == nil {
		return nil
	}
	// A success reports what was recorded; a failure reports what is still owed.
	amount := outcome.Recorded
	if !outcome.Payment.Success {
		amount = outcome.Delta - outcome.Recorded
	}
	return &Payment{
		Success:            outcome.Payment.Success,
		TransactionRef:     outcome.Payment.TransactionRef,
		AmountCents:        amount,
		LedgerAmount:       money.LedgerAmount(amount),
		AmountSettledCents: outcome.Session.AmountSettledCents,
		Error:              outcome.Payment.Error,
	}
}
