package videos

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/angelmondragon/streamfair-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/streamfair-backend/pkg/errors"
	"github.com/angelmondragon/streamfair-backend/pkg/pagination"
)

type videosRepository interface {
	FindByID(ctx context.Context, id string) (*models.Video, error)
	Upsert(ctx context.Context, video *models.Video) (*models.Video, error)
	UpdateOverridePrice(ctx context.Context, id string, cents *int64) (int64, error)
	List(ctx context.Context, opts listQuery) ([]models.Video, error)
}

// Service owns video metadata and operator price overrides.
type Service interface {
	Upsert(ctx context.Context, input UpsertInput) (*models.Video, error)
	Get(ctx context.Context, id string) (*models.Video, error)
	SetOverridePrice(ctx context.Context, id string, cents *int64) (*models.Video, error)
	List(ctx context.Context, params pagination.Params) (*ListResult, error)
}

// UpsertInput is the metadata scraped by the client for a video.
type UpsertInput struct {
	ID              string
	Title           string
	Channel         string
	DurationSeconds int
}

type ListResult struct {
	Items      []models.Video `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type service struct {
	repo videosRepository
}

func NewService(repo videosRepository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("videos repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) Upsert(ctx context.Context, input UpsertInput) (*models.Video, error) {
	id := strings.TrimSpace(input.ID)
	if id == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "video id is required")
	}
	if input.DurationSeconds < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "duration must be >= 0")
	}
	video, err := s.repo.Upsert(ctx, &models.Video{
		ID:              id,
		Title:           strings.TrimSpace(input.Title),
		Channel:         strings.TrimSpace(input.Channel),
		DurationSeconds: input.DurationSeconds,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "upsert video")
	}
	return video, nil
}

func (s *service) Get(ctx context.Context, id string) (*models.Video, error) {
	video, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "video not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load video")
	}
	return video, nil
}

func (s *service) SetOverridePrice(ctx context.Context, id string, cents *int64) (*models.Video, error) {
	if cents != nil && *cents < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "override price must be >= 0")
	}
	affected, err := s.repo.UpdateOverridePrice(ctx, id, cents)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update override price")
	}
	if affected == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "video not found")
	}
	return s.Get(ctx, id)
}

func (s *service) List(ctx context.Context, params pagination.Params) (*ListResult, error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, err := s.repo.List(ctx, listQuery{limit: pagination.LimitWithBuffer(params.Limit), cursor: cursor})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list videos")
	}
	items, more := pagination.Trim(rows, params.Limit)
	result := &ListResult{Items: items}
	if more {
		last := items[len(items)-1]
		result.NextCursor = pagination.EncodeCursor(pagination.Cursor{At: last.CreatedAt, Key: last.ID})
	}
	return result, nil
}
