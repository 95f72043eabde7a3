package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgAuth "github.com/angelmondragon/streamfair-backend/pkg/auth"
	"github.com/angelmondragon/streamfair-backend/pkg/config"
)

func okHandler(t *testing.T, check func(r *http.Request)) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestInstallationRequiresHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	Installation(nil)(okHandler(t, nil)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/history", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Missing X-Install-Id header")
}

func TestInstallationSeedsContext(t *testing.T) {
	var seen string
	req := httptest.NewRequest(http.MethodGet, "/api/v1/history", nil)
	req.Header.Set(InstallIDHeader, "  install-1 ")
	rec := httptest.NewRecorder()

	Installation(nil)(okHandler(t, func(r *http.Request) {
		seen = InstallIDFromContext(r.Context())
	})).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "install-1", seen)
}

func TestInstallationRejectsOversizedID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(InstallIDHeader, strings.Repeat("x", maxInstallIDLength+1))
	rec := httptest.NewRecorder()
	Installation(nil)(okHandler(t, nil)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWalletCredentialPassthrough(t *testing.T) {
	var seen string
	handler := WalletCredential(nil)(okHandler(t, func(r *http.Request) {
		seen = CredentialFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Empty(t, seen)

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(WalletCredentialHeader, "wallet-7")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "wallet-7", seen)
}

func TestAdminAuth(t *testing.T) {
	cfg := config.JWTConfig{Secret: "secret", Issuer: "streamfair", ExpirationMinutes: 5}
	token, err := pkgAuth.MintAdminToken(cfg, time.Now(), pkgAuth.AdminTokenPayload{Subject: "ops"})
	require.NoError(t, err)

	var subject string
	handler := AdminAuth(cfg, nil)(okHandler(t, func(r *http.Request) {
		subject = AdminSubjectFromContext(r.Context())
	}))

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"empty bearer", "Bearer ", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/admin/v1/videos", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
	assert.Equal(t, "ops", subject)
}

type fakeRateStore struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newFakeRateStore() *fakeRateStore {
	return &fakeRateStore{counts: map[string]int64{}}
}

func (f *fakeRateStore) FixedWindowAllow(_ context.Context, scope string, limit int64, _ time.Duration) (bool, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[scope]++
	return f.counts[scope] <= limit, f.counts[scope], nil
}

type failingRateStore struct{}

func (failingRateStore) FixedWindowAllow(context.Context, string, int64, time.Duration) (bool, int64, error) {
	return false, 0, fmt.Errorf("redis down")
}

func heartbeatRouter(store FixedWindowLimiter, limit int) http.Handler {
	r := chi.NewRouter()
	r.With(HeartbeatRateLimit(NewHeartbeatRateLimitPolicy(time.Minute, limit), store, nil)).
		Post("/sessions/{sessionId}/events", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	return r
}

func postEvent(h http.Handler, sessionID, body string) int {
	req := httptest.NewRequest(http.MethodPost, "/sessions/"+sessionID+"/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestHeartbeatRateLimit(t *testing.T) {
	store := newFakeRateStore()
	h := heartbeatRouter(store, 2)

	assert.Equal(t, http.StatusOK, postEvent(h, "s1", `{"type":"heartbeat","timestamp_seconds":1}`))
	assert.Equal(t, http.StatusOK, postEvent(h, "s1", `{"type":"heartbeat","timestamp_seconds":2}`))
	assert.Equal(t, http.StatusTooManyRequests, postEvent(h, "s1", `{"type":"heartbeat","timestamp_seconds":3}`))

	// other sessions and other event types are not counted against s1
	assert.Equal(t, http.StatusOK, postEvent(h, "s2", `{"type":"heartbeat","timestamp_seconds":1}`))
	assert.Equal(t, http.StatusOK, postEvent(h, "s1", `{"type":"pause","timestamp_seconds":3}`))
	assert.Equal(t, int64(3), store.counts["heartbeat:s1"])
}

func TestHeartbeatRateLimitStoreFailure(t *testing.T) {
	h := heartbeatRouter(failingRateStore{}, 2)
	assert.Equal(t, http.StatusServiceUnavailable, postEvent(h, "s1", `{"type":"heartbeat"}`))
}

func TestHeartbeatRateLimitDisabledWithoutStore(t *testing.T) {
	h := heartbeatRouter(nil, 1)
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, postEvent(h, "s1", `{"type":"heartbeat"}`))
	}
}

func TestRequestIDEchoesHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "req-1")
	rec := httptest.NewRecorder()
	RequestID(nil)(okHandler(t, nil)).ServeHTTP(rec, req)
	assert.Equal(t, "req-1", rec.Header().Get(requestIDHeader))

	rec = httptest.NewRecorder()
	RequestID(nil)(okHandler(t, nil)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestRecovererWritesInternalError(t *testing.T) {
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	rec := httptest.NewRecorder()
	Recoverer(nil)(panicking).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
}
