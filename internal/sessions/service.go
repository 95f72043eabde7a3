package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/streamfair-backend/internal/videos"
	"github.com/angelmondragon/streamfair-backend/pkg/db/models"
	"github.com/angelmondragon/streamfair-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/streamfair-backend/pkg/errors"
	"github.com/angelmondragon/streamfair-backend/pkg/logger"
	"github.com/angelmondragon/streamfair-backend/pkg/money"
	"github.com/angelmondragon/streamfair-backend/pkg/outbox"
	"github.com/angelmondragon/streamfair-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/streamfair-backend/pkg/pagination"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service is the watch session state machine. Sessions move active to
// completed, or are created directly as declined; terminal rows never change.
type Service interface {
	Create(ctx context.Context, input CreateInput) (*models.WatchSession, error)
	Decline(ctx context.Context, input CreateInput) (*models.WatchSession, error)
	Get(ctx context.Context, id uuid.UUID) (*models.WatchSession, error)
	RecordProgress(ctx context.Context, id uuid.UUID, seconds int) (*models.WatchSession, error)
	FinalSeconds(session *models.WatchSession, reported int) int
	Finalize(ctx context.Context, id uuid.UUID, finalSeconds int) (*models.WatchSession, error)
	AppendEvent(ctx context.Context, input EventInput) (*models.WatchEvent, error)
	ListEvents(ctx context.Context, id uuid.UUID) ([]models.WatchEvent, error)
	ListByInstallation(ctx context.Context, installID string, params pagination.Params) (*HistoryResult, error)
	ListRecent(ctx context.Context, filter ListFilter, params pagination.Params) (*ListResult, error)
	ListStaleActive(ctx context.Context, idleFor time.Duration, limit int) ([]models.WatchSession, error)
}

type CreateInput struct {
	InstallID        string
	VideoID          string
	PriceQuotedCents int64
}

// EventInput is one playback signal. Metadata is already validated JSON for
// the event type.
type EventInput struct {
	SessionID        uuid.UUID
	Type             enums.WatchEventType
	TimestampSeconds float64
	Metadata         json.RawMessage
}

type ListFilter struct {
	Status  *enums.SessionStatus
	VideoID string
}

type HistoryResult struct {
	Items      []HistoryRow `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type ListResult struct {
	Items      []models.WatchSession `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

// ProgressBound caps reported seconds by wall-clock time since start:
// elapsed*Rate + Slack. A zero Rate disables the cap.
type ProgressBound struct {
	Rate  float64
	Slack time.Duration
}

type ServiceParams struct {
	DB       txRunner
	Repo     *Repository
	Videos   *videos.Repository
	Outbox   eventEmitter
	Logger   *logger.Logger
	Progress ProgressBound
	Now      func() time.Time
}

type service struct {
	db       txRunner
	repo     *Repository
	videos   *videos.Repository
	outbox   eventEmitter
	logg     *logger.Logger
	progress ProgressBound
	now      func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db client required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("sessions repository required")
	}
	if params.Videos == nil {
		return nil, fmt.Errorf("videos repository required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.Progress.Rate < 0 {
		return nil, fmt.Errorf("progress rate must be >= 0")
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &service{
		db:       params.DB,
		repo:     params.Repo,
		videos:   params.Videos,
		outbox:   params.Outbox,
		logg:     params.Logger,
		progress: params.Progress,
		now:      now,
	}, nil
}

func (s *service) Create(ctx context.Context, input CreateInput) (*models.WatchSession, error) {
	video, err := s.validateCreate(ctx, input)
	if err != nil {
		return nil, err
	}

	now := s.now()
	session := &models.WatchSession{
		InstallID:        strings.TrimSpace(input.InstallID),
		VideoID:          input.VideoID,
		Status:           enums.SessionStatusActive,
		PriceQuotedCents: input.PriceQuotedCents,
		DurationSeconds:  video.DurationSeconds,
		StartedAt:        now,
		LastProgressAt:   &now,
	}
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.Create(ctx, session); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create session")
		}
		if err := repo.InsertEvent(ctx, &models.WatchEvent{
			SessionID: session.ID,
			EventType: enums.WatchEventPlay,
			Metadata:  datatypes.JSON(`{}`),
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record play event")
		}
		return s.emit(ctx, tx, session, enums.EventSessionStarted, payloads.SessionStartedEvent{
			SessionID:        session.ID,
			InstallID:        session.InstallID,
			VideoID:          session.VideoID,
			PriceQuotedCents: session.PriceQuotedCents,
			StartedAt:        session.StartedAt,
		})
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx, session, "watch session started")
	return session, nil
}

func (s *service) Decline(ctx context.Context, input CreateInput) (*models.WatchSession, error) {
	video, err := s.validateCreate(ctx, input)
	if err != nil {
		return nil, err
	}

	now := s.now()
	session := &models.WatchSession{
		InstallID:        strings.TrimSpace(input.InstallID),
		VideoID:          input.VideoID,
		Status:           enums.SessionStatusDeclined,
		PriceQuotedCents: input.PriceQuotedCents,
		DurationSeconds:  video.DurationSeconds,
		StartedAt:        now,
		EndedAt:          &now,
	}
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, session); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create declined session")
		}
		return s.emit(ctx, tx, session, enums.EventSessionDeclined, payloads.SessionDeclinedEvent{
			SessionID:        session.ID,
			InstallID:        session.InstallID,
			VideoID:          session.VideoID,
			PriceQuotedCents: session.PriceQuotedCents,
			DeclinedAt:       now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx, session, "watch session declined")
	return session, nil
}

func (s *service) validateCreate(ctx context.Context, input CreateInput) (*models.Video, error) {
	if strings.TrimSpace(input.InstallID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "installation id is required")
	}
	if input.PriceQuotedCents < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quoted price must be >= 0")
	}
	if strings.TrimSpace(input.VideoID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "video id is required")
	}
	video, err := s.videos.FindByID(ctx, input.VideoID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown video").WithDetails(map[string]any{"video_id": input.VideoID})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load video")
	}
	return video, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.WatchSession, error) {
	return s.load(ctx, s.repo, id)
}

func (s *service) load(ctx context.Context, repo *Repository, id uuid.UUID) (*models.WatchSession, error) {
	session, err := repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "session not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load session")
	}
	return session, nil
}

// RecordProgress is a no-op for terminal sessions. Active sessions keep the
// highest bounded value ever reported.
func (s *service) RecordProgress(ctx context.Context, id uuid.UUID, seconds int) (*models.WatchSession, error) {
	if seconds < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "seconds watched must be >= 0")
	}
	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != enums.SessionStatusActive {
		return session, nil
	}

	now := s.now()
	next := s.FinalSeconds(session, seconds)
	if next > session.SecondsWatched {
		affected, err := s.repo.UpdateProgress(ctx, id, next, now)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record progress")
		}
		if affected == 0 {
			return s.Get(ctx, id)
		}
		session.SecondsWatched = next
	} else if err := s.repo.TouchProgress(ctx, id, now); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record progress")
	}
	session.LastProgressAt = &now
	return session, nil
}

// FinalSeconds resolves a reported position against the stored one: the
// value is bounded by elapsed wall-clock time, never lower than stored, and
// never past the session's duration when it is known.
func (s *service) FinalSeconds(session *models.WatchSession, reported int) int {
	bounded := reported
	if bounded < 0 {
		bounded = 0
	}
	if s.progress.Rate > 0 {
		elapsed := s.now().Sub(session.StartedAt)
		if elapsed < 0 {
			elapsed = 0
		}
		limit := int(math.Floor(elapsed.Seconds()*s.progress.Rate + s.progress.Slack.Seconds()))
		if bounded > limit {
			bounded = limit
		}
	}
	if bounded < session.SecondsWatched {
		bounded = session.SecondsWatched
	}
	if d := session.DurationSeconds; d > 0 && bounded > d {
		bounded = d
	}
	return bounded
}

// Finalize completes an active session and prices it from the final watch
// ratio. The end event and the completion outbox row commit together.
func (s *service) Finalize(ctx context.Context, id uuid.UUID, finalSeconds int) (*models.WatchSession, error) {
	var session *models.WatchSession
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		current, err := s.load(ctx, repo, id)
		if err != nil {
			return err
		}
		if current.Status != enums.SessionStatusActive {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "session is not active").
				WithDetails(map[string]any{"status": current.Status})
		}

		seconds := s.FinalSeconds(current, finalSeconds)
		priceFinal := FinalPrice(current.PriceQuotedCents, seconds, current.DurationSeconds)
		// amount_settled <= price_final holds even if the row was settled
		// against a longer position than the final one.
		if priceFinal < current.AmountSettledCents {
			priceFinal = current.AmountSettledCents
		}
		endedAt := s.now()

		affected, err := repo.Complete(ctx, id, seconds, priceFinal, endedAt)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "complete session")
		}
		if affected == 0 {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "session is not active")
		}
		if err := repo.InsertEvent(ctx, &models.WatchEvent{
			SessionID:        id,
			EventType:        enums.WatchEventEnd,
			TimestampSeconds: float64(seconds),
			Metadata:         datatypes.JSON(`{}`),
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record end event")
		}

		current.Status = enums.SessionStatusCompleted
		current.SecondsWatched = seconds
		current.PriceFinalCents = &priceFinal
		current.EndedAt = &endedAt
		session = current

		return s.emit(ctx, tx, session, enums.EventSessionCompleted, payloads.SessionCompletedEvent{
			SessionID:          session.ID,
			InstallID:          session.InstallID,
			VideoID:            session.VideoID,
			SecondsWatched:     seconds,
			PriceQuotedCents:   session.PriceQuotedCents,
			PriceFinalCents:    priceFinal,
			AmountSettledCents: session.AmountSettledCents,
			EndedAt:            endedAt,
		})
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx, session, "watch session completed")
	return session, nil
}

// FinalPrice is quoted*clamp(seconds/duration, 0, 1). Videos without a known
// duration charge the full quote.
func FinalPrice(quoted int64, seconds, durationSeconds int) int64 {
	if durationSeconds <= 0 {
		return quoted
	}
	return money.Prorate(quoted, int64(seconds), int64(durationSeconds))
}

func (s *service) AppendEvent(ctx context.Context, input EventInput) (*models.WatchEvent, error) {
	if !input.Type.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown event type")
	}
	if input.TimestampSeconds < 0 || math.IsNaN(input.TimestampSeconds) || math.IsInf(input.TimestampSeconds, 0) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "timestamp must be a non-negative number")
	}
	if _, err := s.Get(ctx, input.SessionID); err != nil {
		return nil, err
	}

	metadata := datatypes.JSON(`{}`)
	if len(input.Metadata) > 0 {
		metadata = datatypes.JSON(input.Metadata)
	}
	event := &models.WatchEvent{
		SessionID:        input.SessionID,
		EventType:        input.Type,
		TimestampSeconds: input.TimestampSeconds,
		Metadata:         metadata,
	}
	if err := s.repo.InsertEvent(ctx, event); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record watch event")
	}
	return event, nil
}

func (s *service) ListEvents(ctx context.Context, id uuid.UUID) ([]models.WatchEvent, error) {
	rows, err := s.repo.ListEvents(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list watch events")
	}
	return rows, nil
}

func (s *service) ListByInstallation(ctx context.Context, installID string, params pagination.Params) (*HistoryResult, error) {
	if strings.TrimSpace(installID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "installation id is required")
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, err := s.repo.ListByInstallation(ctx, installID, listQuery{limit: pagination.LimitWithBuffer(params.Limit), cursor: cursor})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list history")
	}
	items, more := pagination.Trim(rows, params.Limit)
	result := &HistoryResult{Items: items}
	if more {
		last := items[len(items)-1]
		result.NextCursor = pagination.EncodeCursor(pagination.Cursor{At: last.StartedAt, Key: last.SessionID.String()})
	}
	return result, nil
}

func (s *service) ListRecent(ctx context.Context, filter ListFilter, params pagination.Params) (*ListResult, error) {
	if filter.Status != nil && !filter.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown session status")
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, err := s.repo.ListRecent(ctx, filter.Status, filter.VideoID, listQuery{limit: pagination.LimitWithBuffer(params.Limit), cursor: cursor})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list sessions")
	}
	items, more := pagination.Trim(rows, params.Limit)
	result := &ListResult{Items: items}
	if more {
		last := items[len(items)-1]
		result.NextCursor = pagination.EncodeCursor(pagination.Cursor{At: last.StartedAt, Key: last.ID.String()})
	}
	return result, nil
}

func (s *service) ListStaleActive(ctx context.Context, idleFor time.Duration, limit int) ([]models.WatchSession, error) {
	if idleFor <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "idle window must be positive")
	}
	if limit <= 0 {
		limit = pagination.MaxLimit
	}
	rows, err := s.repo.ListStaleActive(ctx, s.now().Add(-idleFor), limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list stale sessions")
	}
	return rows, nil
}

func (s *service) emit(ctx context.Context, tx *gorm.DB, session *models.WatchSession, eventType enums.OutboxEventType, data any) error {
	event := outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateWatchSession,
		AggregateKey:  session.ID.String(),
		Actor:         &outbox.ActorRef{InstallID: session.InstallID},
		Data:          data,
	}
	if err := s.outbox.Emit(ctx, tx, event); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit session event")
	}
	return nil
}

func (s *service) log(ctx context.Context, session *models.WatchSession, msg string) {
	if s.logg == nil || session == nil {
		return
	}
	logCtx := s.logg.WithSessionID(ctx, session.ID.String())
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"video_id":       session.VideoID,
		"status":         session.Status,
		"price_quoted":   session.PriceQuotedCents,
		"amount_settled": session.AmountSettledCents,
	})
	s.logg.Info(logCtx, msg)
}
