package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/streamfair-backend/internal/playback"
	"github.com/angelmondragon/streamfair-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/streamfair-backend/pkg/errors"
	"github.com/angelmondragon/streamfair-backend/pkg/logger"
)

const defaultStaleBatch = 100

type staleSessionLister interface {
	ListStaleActive(ctx context.Context, idleFor time.Duration, limit int) ([]models.WatchSession, error)
}

type sessionEnder interface {
	EndSession(ctx context.Context, sessionID uuid.UUID, secondsWatched int, credential string) (*playback.EndResult, error)
}

type StaleSessionJobParams struct {
	Logger    *logger.Logger
	Sessions  staleSessionLister
	Playback  sessionEnder
	IdleFor   time.Duration
	BatchSize int
}

// NewStaleSessionJob finalizes active sessions whose client stopped
// reporting. They are priced and settled from their stored progress.
func NewStaleSessionJob(params StaleSessionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Sessions == nil {
		return nil, fmt.Errorf("sessions service required")
	}
	if params.Playback == nil {
		return nil, fmt.Errorf("playback service required")
	}
	if params.IdleFor <= 0 {
		return nil, fmt.Errorf("idle duration must be positive")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultStaleBatch
	}
	return &staleSessionJob{
		logg:     params.Logger,
		sessions: params.Sessions,
		playback: params.Playback,
		idleFor:  params.IdleFor,
		batch:    batch,
	}, nil
}

type staleSessionJob struct {
	logg     *logger.Logger
	sessions staleSessionLister
	playback sessionEnder
	idleFor  time.Duration
	batch    int
}

func (j *staleSessionJob) Name() string { return "stale-session-finalize" }

func (j *staleSessionJob) Run(ctx context.Context) error {
	stale, err := j.sessions.ListStaleActive(ctx, j.idleFor, j.batch)
	if err != nil {
		return fmt.Errorf("list stale sessions: %w", err)
	}

	var errs error
	finalized, settled := 0, 0
	for _, session := range stale {
		result, err := j.playback.EndSession(ctx, session.ID, 0, "")
		if err != nil {
			// Ended by the client between the query and now.
			if pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("finalize session %s: %w", session.ID, err))
			continue
		}
		finalized++
		if result.FinalPayment != nil && result.FinalPayment.Success {
			settled++
		} else if result.FinalPayment != nil {
			logCtx := j.logg.WithSessionID(ctx, session.ID.String())
			j.logg.Warn(j.logg.WithField(logCtx, "settlement_error", result.FinalPayment.Error), "stale session final settlement failed")
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(stale),
		"finalized":  finalized,
		"settled":    settled,
		"idle_for":   j.idleFor.String(),
	})
	j.logg.Info(logCtx, "stale session sweep complete")
	return errs
}
