package cron

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/angelmondragon/streamfair-backend/internal/engagement"
	"github.com/angelmondragon/streamfair-backend/pkg/logger"
)

type completedVideoLister interface {
	IDsWithCompletedSessions(ctx context.Context) ([]string, error)
}

type ratioRecomputer interface {
	Recompute(ctx context.Context, videoID string) (*engagement.Result, error)
}

type EngagementRecomputeJobParams struct {
	Logger     *logger.Logger
	Videos     completedVideoLister
	Engagement ratioRecomputer
}

// NewEngagementRecomputeJob re-blends every video that has completed
// sessions, repairing ratios whose recompute after completion failed.
func NewEngagementRecomputeJob(params EngagementRecomputeJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Videos == nil {
		return nil, fmt.Errorf("videos repository required")
	}
	if params.Engagement == nil {
		return nil, fmt.Errorf("engagement service required")
	}
	return &engagementRecomputeJob{
		logg:       params.Logger,
		videos:     params.Videos,
		engagement: params.Engagement,
	}, nil
}

type engagementRecomputeJob struct {
	logg       *logger.Logger
	videos     completedVideoLister
	engagement ratioRecomputer
}

func (j *engagementRecomputeJob) Name() string { return "engagement-recompute" }

func (j *engagementRecomputeJob) Run(ctx context.Context) error {
	ids, err := j.videos.IDsWithCompletedSessions(ctx)
	if err != nil {
		return fmt.Errorf("list videos with completed sessions: %w", err)
	}

	var errs error
	changed := 0
	for _, id := range ids {
		result, err := j.engagement.Recompute(ctx, id)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("recompute %s: %w", id, err))
			continue
		}
		if result.AvgWatchRatio != result.PreviousRatio {
			changed++
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"videos":  len(ids),
		"changed": changed,
		"failed":  len(multierr.Errors(errs)),
	})
	j.logg.Info(logCtx, "engagement recompute complete")
	return errs
}
