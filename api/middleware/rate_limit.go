package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/streamfair-backend/api/responses"
	"github.com/angelmondragon/streamfair-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/streamfair-backend/pkg/errors"
	"github.com/angelmondragon/streamfair-backend/pkg/logger"
)

// FixedWindowLimiter is satisfied by the redis client.
type FixedWindowLimiter interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

// HeartbeatRateLimitPolicy bounds how many heartbeat events one session may
// post per window.
type HeartbeatRateLimitPolicy struct {
	window time.Duration
	limit  int
}

func NewHeartbeatRateLimitPolicy(window time.Duration, limit int) HeartbeatRateLimitPolicy {
	return HeartbeatRateLimitPolicy{window: window, limit: limit}
}

func (p HeartbeatRateLimitPolicy) enabled() bool {
	return p.window > 0 && p.limit > 0
}

func (p HeartbeatRateLimitPolicy) scope(sessionID string) string {
	return fmt.Sprintf("heartbeat:%s", sessionID)
}

// HeartbeatRateLimit counts heartbeat events per {sessionId}. Other event
// types pass through uncounted. A nil store disables the limit.
func HeartbeatRateLimit(policy HeartbeatRateLimitPolicy, store FixedWindowLimiter, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !policy.enabled() || store == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			sessionID := strings.TrimSpace(chi.URLParam(r, "sessionId"))
			if sessionID == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if extractEventType(body) != string(enums.WatchEventHeartbeat) {
				next.ServeHTTP(w, r)
				return
			}

			allowed, count, err := store.FixedWindowAllow(ctx, policy.scope(sessionID), int64(policy.limit), policy.window)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
				return
			}
			if !allowed {
				if logg != nil {
					logCtx := logg.WithFields(ctx, map[string]any{
						"session_id":     sessionID,
						"attempts":       count,
						"limit":          policy.limit,
						"window_seconds": int(policy.window.Seconds()),
					})
					logg.Warn(logCtx, "heartbeat.rate_limit.blocked")
				}
				responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeRateLimit, "too many heartbeats for session"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func extractEventType(payload []byte) string {
	var body struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(body.Type))
}
