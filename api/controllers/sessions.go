package controllers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/streamfair-backend/api/middleware"
	"github.com/angelmondragon/streamfair-backend/api/responses"
	"github.com/angelmondragon/streamfair-backend/api/validators"
	"github.com/angelmondragon/streamfair-backend/internal/playback"
	"github.com/angelmondragon/streamfair-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/streamfair-backend/pkg/errors"
	"github.com/angelmondragon/streamfair-backend/pkg/logger"
)

type startSessionRequest struct {
	VideoID     string `json:"video_id" validate:"required,max=64"`
	PriceQuoted *int64 `json:"price_quoted" validate:"required,gte=0"`
}

type progressRequest struct {
	Type             string          `json:"type" validate:"required,oneof=play pause seek heartbeat end"`
	TimestampSeconds *float64        `json:"timestamp_seconds" validate:"omitempty,gte=0"`
	Metadata         json.RawMessage `json:"metadata"`
}

type endSessionRequest struct {
	SecondsWatched int `json:"seconds_watched" validate:"gte=0"`
}

// StartSession opens an active session at the quoted price for the caller's
// installation.
func StartSession(svc playback.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		installID, req, ok := decodeSessionRequest(w, r, svc, logg)
		if !ok {
			return
		}
		session, err := svc.StartSession(r.Context(), installID, strings.TrimSpace(req.VideoID), *req.PriceQuoted)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, session)
	}
}

// DeclineSession records that the viewer declined the quote. Nothing is
// charged.
func DeclineSession(svc playback.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		installID, req, ok := decodeSessionRequest(w, r, svc, logg)
		if !ok {
			return
		}
		session, err := svc.DeclineSession(r.Context(), installID, strings.TrimSpace(req.VideoID), *req.PriceQuoted)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, session)
	}
}

func decodeSessionRequest(w http.ResponseWriter, r *http.Request, svc playback.Service, logg *logger.Logger) (string, startSessionRequest, bool) {
	var req startSessionRequest
	if svc == nil {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "playback service unavailable"))
		return "", req, false
	}
	installID := middleware.InstallIDFromContext(r.Context())
	if installID == "" {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Missing X-Install-Id header"))
		return "", req, false
	}
	if err := validators.DecodeJSONBody(r, &req); err != nil {
		responses.WriteError(r.Context(), logg, w, err)
		return "", req, false
	}
	return installID, req, true
}

// ReportProgress appends a playback event. Heartbeats also advance progress
// and may stream a payment, which is returned alongside the event.
func ReportProgress(svc playback.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "playback service unavailable"))
			return
		}

		sessionID, ok := sessionIDParam(w, r, logg)
		if !ok {
			return
		}

		var req progressRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		eventType, err := enums.ParseWatchEventType(req.Type)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid event type"))
			return
		}

		report := playback.ProgressReport{
			Type:       eventType,
			Metadata:   req.Metadata,
			Credential: middleware.CredentialFromContext(r.Context()),
		}
		if req.TimestampSeconds != nil {
			report.TimestampSeconds = *req.TimestampSeconds
		}

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithSessionID(ctx, sessionID.String())
		}

		result, err := svc.ReportProgress(ctx, sessionID, report)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

// EndSession settles the remaining delta and completes the session. A zero
// or missing seconds_watched uses the stored progress.
func EndSession(svc playback.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "playback service unavailable"))
			return
		}

		sessionID, ok := sessionIDParam(w, r, logg)
		if !ok {
			return
		}

		var req endSessionRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &req); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithSessionID(ctx, sessionID.String())
		}

		result, err := svc.EndSession(ctx, sessionID, req.SecondsWatched, middleware.CredentialFromContext(r.Context()))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// History lists the caller installation's sessions, newest first.
func History(svc playback.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "playback service unavailable"))
			return
		}
		installID := middleware.InstallIDFromContext(r.Context())
		if installID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Missing X-Install-Id header"))
			return
		}
		params, err := validators.ParsePagination(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.History(r.Context(), installID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// SettlementStatus reports the active settlement provider.
func SettlementStatus(svc playback.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "playback service unavailable"))
			return
		}
		status, err := svc.SettlementStatus(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, status)
	}
}

func sessionIDParam(w http.ResponseWriter, r *http.Request, logg *logger.Logger) (uuid.UUID, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, "sessionId"))
	id, err := uuid.Parse(raw)
	if err != nil {
		responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid session id"))
		return uuid.Nil, false
	}
	return id, true
}
