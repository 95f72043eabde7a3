package controllers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/streamfair-backend/api/responses"
	"github.com/angelmondragon/streamfair-backend/api/validators"
	"github.com/angelmondragon/streamfair-backend/internal/playback"
	"github.com/angelmondragon/streamfair-backend/internal/sessions"
	"github.com/angelmondragon/streamfair-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/streamfair-backend/pkg/errors"
	"github.com/angelmondragon/streamfair-backend/pkg/logger"
)

// A null override_price clears the override.
type overridePriceRequest struct {
	OverridePrice *int64 `json:"override_price" validate:"omitempty,gte=0"`
}

// manual_seed is a watch percentage. A null value clears the seed.
type manualSeedRequest struct {
	ManualSeed *float64 `json:"manual_seed" validate:"omitempty,gte=0,lte=100"`
}

func AdminListVideos(svc playback.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "playback service unavailable"))
			return
		}
		params, err := validators.ParsePagination(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.ListVideos(r.Context(), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// AdminSetOverridePrice pins or clears a video's fixed price.
func AdminSetOverridePrice(svc playback.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "playback service unavailable"))
			return
		}
		videoID := strings.TrimSpace(chi.URLParam(r, "videoId"))
		if videoID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid video id"))
			return
		}
		var req overridePriceRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		video, err := svc.SetOverridePrice(r.Context(), videoID, req.OverridePrice)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, video)
	}
}

// AdminSetManualSeed sets or clears the engagement seed and re-blends.
func AdminSetManualSeed(svc playback.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "playback service unavailable"))
			return
		}
		videoID := strings.TrimSpace(chi.URLParam(r, "videoId"))
		if videoID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid video id"))
			return
		}
		var req manualSeedRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.SetManualSeed(r.Context(), videoID, req.ManualSeed)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// AdminListSessions lists recent sessions, optionally filtered by status and
// video_id.
func AdminListSessions(svc playback.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "playback service unavailable"))
			return
		}
		params, err := validators.ParsePagination(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		filter := sessions.ListFilter{VideoID: strings.TrimSpace(r.URL.Query().Get("video_id"))}
		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			status, err := enums.ParseSessionStatus(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status"))
				return
			}
			filter.Status = &status
		}

		result, err := svc.ListSessions(r.Context(), filter, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}
