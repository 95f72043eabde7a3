package controllers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/streamfair-backend/api/responses"
	"github.com/angelmondragon/streamfair-backend/api/validators"
	"github.com/angelmondragon/streamfair-backend/internal/playback"
	pkgerrors "github.com/angelmondragon/streamfair-backend/pkg/errors"
	"github.com/angelmondragon/streamfair-backend/pkg/logger"
)

const (
	maxVideoIDLength  = 64
	maxTitleLength    = 512
	maxChannelLength  = 256
	maxDurationSecond = 7 * 24 * 60 * 60
)

// VideoPrice records the client's view of the video and returns the quote.
// Title, channel and duration come from the query string.
func VideoPrice(svc playback.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "playback service unavailable"))
			return
		}

		videoID := strings.TrimSpace(chi.URLParam(r, "videoId"))
		if videoID == "" || len(videoID) > maxVideoIDLength {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid video id"))
			return
		}

		duration, err := validators.ParseQueryInt(r, "duration", 0, 0, maxDurationSecond)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithVideoID(ctx, videoID)
		}

		quote, err := svc.Quote(ctx, videoID, playback.VideoMetadata{
			Title:           validators.SanitizeString(r.URL.Query().Get("title"), maxTitleLength),
			Channel:         validators.SanitizeString(r.URL.Query().Get("channel"), maxChannelLength),
			DurationSeconds: duration,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, quote)
	}
}
