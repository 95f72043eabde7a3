package engagement

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gorm.io/gorm"

	"github.com/angelmondragon/streamfair-backend/internal/videos"
	"github.com/angelmondragon/streamfair-backend/pkg/db/models"
	"github.com/angelmondragon/streamfair-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/streamfair-backend/pkg/errors"
	"github.com/angelmondragon/streamfair-backend/pkg/locks"
	"github.com/angelmondragon/streamfair-backend/pkg/logger"
	"github.com/angelmondragon/streamfair-backend/pkg/outbox"
	"github.com/angelmondragon/streamfair-backend/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service maintains each video's blended average watch ratio.
type Service interface {
	Recompute(ctx context.Context, videoID string) (*Result, error)
	SetManualSeed(ctx context.Context, videoID string, seed *float64) (*Result, error)
}

// Result describes the ratio stored by a recompute.
type Result struct {
	VideoID           string   `json:"video_id"`
	PreviousRatio     float64  `json:"previous_ratio"`
	AvgWatchRatio     float64  `json:"avg_watch_ratio"`
	CompletedSessions int64    `json:"completed_sessions"`
	ManualSeed        *float64 `json:"manual_avg_watch_ratio"`
}

type ServiceParams struct {
	DB     txRunner
	Videos *videos.Repository
	Stats  *Repository
	Locker locks.Locker
	Outbox eventEmitter
	Logger *logger.Logger
}

type service struct {
	db     txRunner
	videos *videos.Repository
	stats  *Repository
	locker locks.Locker
	outbox eventEmitter
	logg   *logger.Logger
}

func NewService(params ServiceParams) (Service, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db client required")
	}
	if params.Videos == nil {
		return nil, fmt.Errorf("videos repository required")
	}
	if params.Stats == nil {
		return nil, fmt.Errorf("engagement repository required")
	}
	if params.Locker == nil {
		return nil, fmt.Errorf("locker required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	return &service{
		db:     params.DB,
		videos: params.Videos,
		stats:  params.Stats,
		locker: params.Locker,
		outbox: params.Outbox,
		logg:   params.Logger,
	}, nil
}

func lockKey(videoID string) string {
	return "video:" + videoID
}

func (s *service) Recompute(ctx context.Context, videoID string) (*Result, error) {
	unlock, err := s.locker.Lock(ctx, lockKey(videoID))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquire video lock")
	}
	defer unlock()

	var result *Result
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var txErr error
		result, txErr = s.recomputeTx(ctx, tx, videoID)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	s.logResult(ctx, result)
	return result, nil
}

func (s *service) SetManualSeed(ctx context.Context, videoID string, seed *float64) (*Result, error) {
	if seed != nil && (math.IsNaN(*seed) || *seed < 0 || *seed > 100) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "manual ratio must be between 0 and 100")
	}

	unlock, err := s.locker.Lock(ctx, lockKey(videoID))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquire video lock")
	}
	defer unlock()

	var result *Result
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		affected, err := s.videos.WithTx(tx).UpdateManualSeed(ctx, videoID, seed)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update manual ratio")
		}
		if affected == 0 {
			return pkgerrors.New(pkgerrors.CodeNotFound, "video not found")
		}
		var txErr error
		result, txErr = s.recomputeTx(ctx, tx, videoID)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	s.logResult(ctx, result)
	return result, nil
}

func (s *service) recomputeTx(ctx context.Context, tx *gorm.DB, videoID string) (*Result, error) {
	video, err := s.loadVideo(ctx, tx, videoID)
	if err != nil {
		return nil, err
	}
	stats, err := s.stats.WithTx(tx).CompletionStats(ctx, videoID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "aggregate completed sessions")
	}

	result := &Result{
		VideoID:           videoID,
		PreviousRatio:     video.AvgWatchRatio,
		AvgWatchRatio:     Blend(stats.Completed, stats.MeanRatio, video.ManualAvgWatchRatio),
		CompletedSessions: stats.Completed,
		ManualSeed:        video.ManualAvgWatchRatio,
	}
	if result.AvgWatchRatio == result.PreviousRatio {
		return result, nil
	}

	if err := s.videos.WithTx(tx).UpdateAvgWatchRatio(ctx, videoID, result.AvgWatchRatio); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store watch ratio")
	}
	event := outbox.DomainEvent{
		EventType:     enums.EventEngagementRecomputed,
		AggregateType: enums.AggregateVideo,
		AggregateKey:  videoID,
		Actor:         &outbox.ActorRef{Role: "system"},
		Data: payloads.EngagementRecomputedEvent{
			VideoID:           videoID,
			PreviousRatio:     result.PreviousRatio,
			AvgWatchRatio:     result.AvgWatchRatio,
			CompletedSessions: result.CompletedSessions,
			ManualSeed:        result.ManualSeed,
		},
	}
	if err := s.outbox.Emit(ctx, tx, event); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit engagement event")
	}
	return result, nil
}

func (s *service) loadVideo(ctx context.Context, tx *gorm.DB, videoID string) (*models.Video, error) {
	video, err := s.videos.WithTx(tx).FindByID(ctx, videoID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "video not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load video")
	}
	return video, nil
}

func (s *service) logResult(ctx context.Context, result *Result) {
	if s.logg == nil || result == nil {
		return
	}
	logCtx := s.logg.WithFields(s.logg.WithVideoID(ctx, result.VideoID), map[string]any{
		"previous_ratio":     result.PreviousRatio,
		"avg_watch_ratio":    result.AvgWatchRatio,
		"completed_sessions": result.CompletedSessions,
	})
	s.logg.Info(logCtx, "engagement ratio recomputed")
}
