package playback

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/streamfair-backend/internal/engagement"
	"github.com/angelmondragon/streamfair-backend/internal/metering"
	"github.com/angelmondragon/streamfair-backend/internal/pricing"
	"github.com/angelmondragon/streamfair-backend/internal/sessions"
	"github.com/angelmondragon/streamfair-backend/internal/settlement"
	"github.com/angelmondragon/streamfair-backend/internal/videos"
	"github.com/angelmondragon/streamfair-backend/pkg/db"
	"github.com/angelmondragon/streamfair-backend/pkg/db/dbtest"
	"github.com/angelmondragon/streamfair-backend/pkg/db/models"
	"github.com/angelmondragon/streamfair-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/streamfair-backend/pkg/errors"
	"github.com/angelmondragon/streamfair-backend/pkg/locks"
	"github.com/angelmondragon/streamfair-backend/pkg/outbox"
	"github.com/angelmondragon/streamfair-backend/pkg/pagination"
)

type stubProvider struct {
	mu    sync.Mutex
	inner *settlement.NoopProvider
	fail  bool
	calls []settlement.ChargeRequest
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Charge(ctx context.Context, req settlement.ChargeRequest) settlement.Result {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	fail := p.fail
	p.mu.Unlock()
	if fail {
		return settlement.Result{Amount: req.Amount, Error: "ledger payment failed: tecUNFUNDED_PAYMENT"}
	}
	return p.inner.Charge(ctx, req)
}

func (p *stubProvider) Refund(ctx context.Context, ref string) settlement.Result {
	return p.inner.Refund(ctx, ref)
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fixture struct {
	conn     *gorm.DB
	provider *stubProvider
	svc      Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn := dbtest.Open(t)
	client := db.Wrap(conn)
	emitter := outbox.NewService(outbox.NewRepository(conn), nil)
	locker := locks.NewLocalLocker()
	videoRepo := videos.NewRepository(conn)
	sessionRepo := sessions.NewRepository(conn)

	videoSvc, err := videos.NewService(videoRepo)
	require.NoError(t, err)
	sessionSvc, err := sessions.NewService(sessions.ServiceParams{
		DB:     client,
		Repo:   sessionRepo,
		Videos: videoRepo,
		Outbox: emitter,
	})
	require.NoError(t, err)
	engagementSvc, err := engagement.NewService(engagement.ServiceParams{
		DB:     client,
		Videos: videoRepo,
		Stats:  engagement.NewRepository(conn),
		Locker: locker,
		Outbox: emitter,
	})
	require.NoError(t, err)

	provider := &stubProvider{inner: settlement.NewNoopProvider()}
	reconciler, err := metering.NewReconciler(metering.ReconcilerParams{
		DB:           client,
		Sessions:     sessionRepo,
		Ledger:       metering.NewRepository(conn),
		Provider:     provider,
		Locker:       locker,
		Outbox:       emitter,
		DefaultPayer: "viewer-pool",
	})
	require.NoError(t, err)
	engine, err := pricing.NewEngine(pricing.Config{BasePrice: 100, Policy: enums.PricingPolicyProportional})
	require.NoError(t, err)

	svc, err := NewService(ServiceParams{
		Videos:     videoSvc,
		Sessions:   sessionSvc,
		Reconciler: reconciler,
		Engagement: engagementSvc,
		Pricing:    engine,
	})
	require.NoError(t, err)
	return fixture{conn: conn, provider: provider, svc: svc}
}

func (f fixture) video(t *testing.T, id string, duration int) {
	t.Helper()
	_, err := f.svc.Quote(context.Background(), id, VideoMetadata{Title: "Title " + id, DurationSeconds: duration})
	require.NoError(t, err)
}

func (f fixture) start(t *testing.T, videoID string, quoted int64) *models.WatchSession {
	t.Helper()
	session, err := f.svc.StartSession(context.Background(), "install-1", videoID, quoted)
	require.NoError(t, err)
	return session
}

func (f fixture) heartbeat(t *testing.T, session *models.WatchSession, at float64) *ProgressResult {
	t.Helper()
	result, err := f.svc.ReportProgress(context.Background(), session.ID, ProgressReport{
		Type:             enums.WatchEventHeartbeat,
		TimestampSeconds: at,
		Metadata:         json.RawMessage(`{"playback_rate":1}`),
	})
	require.NoError(t, err)
	return result
}

func (f fixture) videoRow(t *testing.T, id string) models.Video {
	t.Helper()
	var video models.Video
	require.NoError(t, f.conn.First(&video, "id = ?", id).Error)
	return video
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceParams{})
	require.Error(t, err)
}

func TestQuote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	quote, err := f.svc.Quote(ctx, "vid-300", VideoMetadata{Title: "Intro", Channel: "chan", DurationSeconds: 300})
	require.NoError(t, err)
	assert.Equal(t, "vid-300", quote.VideoID)
	assert.Equal(t, int64(100), quote.PriceTotal)
	assert.Equal(t, 0.3333, quote.PricePerSecond)
	assert.Equal(t, 100.0, quote.AvgWatchRatio)
	assert.Nil(t, quote.OverridePrice)
	assert.Equal(t, 300, quote.DurationSeconds)

	override := int64(250)
	_, err = f.svc.SetOverridePrice(ctx, "vid-300", &override)
	require.NoError(t, err)
	quote, err = f.svc.Quote(ctx, "vid-300", VideoMetadata{DurationSeconds: 300})
	require.NoError(t, err)
	assert.Equal(t, int64(250), quote.PriceTotal)
	require.NotNil(t, quote.OverridePrice)
	assert.Equal(t, int64(250), *quote.OverridePrice)

	_, err = f.svc.Quote(ctx, " ", VideoMetadata{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestQuoteUnknownDurationHasNoPerSecondRate(t *testing.T) {
	f := newFixture(t)
	quote, err := f.svc.Quote(context.Background(), "vid-live", VideoMetadata{})
	require.NoError(t, err)
	assert.Equal(t, int64(100), quote.PriceTotal)
	assert.Zero(t, quote.PricePerSecond)
}

func TestHeartbeatsStreamDeltasThenEnd(t *testing.T) {
	f := newFixture(t)
	f.video(t, "vid-100", 100)
	session := f.start(t, "vid-100", 1000)

	want := []int64{100, 200, 300, 400}
	for i, at := range []float64{10, 30, 60.7, 100} {
		result := f.heartbeat(t, session, at)
		require.NotNil(t, result.Event)
		require.NotNil(t, result.Payment, "heartbeat %d", i)
		assert.True(t, result.Payment.Success)
		assert.Equal(t, want[i], result.Payment.AmountCents)
	}

	// A repeated heartbeat at the same position owes nothing more.
	again := f.heartbeat(t, session, 100)
	assert.Nil(t, again.Payment)

	ended, err := f.svc.EndSession(context.Background(), session.ID, 100, "")
	require.NoError(t, err)
	assert.Nil(t, ended.FinalPayment)
	assert.Equal(t, enums.SessionStatusCompleted, ended.Session.Status)
	require.NotNil(t, ended.Session.PriceFinalCents)
	assert.Equal(t, int64(1000), *ended.Session.PriceFinalCents)
	assert.Equal(t, int64(1000), ended.Session.AmountSettledCents)
	require.Len(t, ended.LedgerEntries, 4)

	var sum int64
	for i, entry := range ended.LedgerEntries {
		assert.Equal(t, want[i], entry.AmountCents)
		sum += entry.AmountCents
	}
	assert.Equal(t, int64(1000), sum)
	assert.Equal(t, "stream:"+session.ID.String()+":60s", ended.LedgerEntries[2].Memo)
	assert.Equal(t, 4, f.provider.callCount())
}

func TestEndSettlesFinalDeltaAndRecomputesEngagement(t *testing.T) {
	f := newFixture(t)
	f.video(t, "vid-100", 100)
	session := f.start(t, "vid-100", 1000)

	f.heartbeat(t, session, 30)
	ended, err := f.svc.EndSession(context.Background(), session.ID, 50, "wallet-7")
	require.NoError(t, err)

	require.NotNil(t, ended.FinalPayment)
	assert.True(t, ended.FinalPayment.Success)
	assert.Equal(t, int64(200), ended.FinalPayment.AmountCents)
	assert.Equal(t, "2.000000", ended.FinalPayment.LedgerAmount)
	assert.Equal(t, int64(500), ended.FinalPayment.AmountSettledCents)
	assert.Equal(t, int64(500), *ended.Session.PriceFinalCents)
	assert.Equal(t, 50, ended.Session.SecondsWatched)

	require.Len(t, ended.LedgerEntries, 2)
	assert.Equal(t, enums.LedgerEntryStream, ended.LedgerEntries[0].Kind)
	assert.Equal(t, enums.LedgerEntryFinal, ended.LedgerEntries[1].Kind)
	assert.Equal(t, "final:"+session.ID.String(), ended.LedgerEntries[1].Memo)
	assert.Equal(t, "wallet-7", f.provider.calls[1].Credential)

	assert.Equal(t, 50.0, f.videoRow(t, "vid-100").AvgWatchRatio)

	quote, err := f.svc.Quote(context.Background(), "vid-100", VideoMetadata{DurationSeconds: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(50), quote.PriceTotal)
}

func TestEndWithZeroSecondsUsesStoredProgress(t *testing.T) {
	f := newFixture(t)
	f.video(t, "vid-100", 100)
	session := f.start(t, "vid-100", 1000)
	f.heartbeat(t, session, 40)

	ended, err := f.svc.EndSession(context.Background(), session.ID, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 40, ended.Session.SecondsWatched)
	assert.Equal(t, int64(400), *ended.Session.PriceFinalCents)
	assert.Nil(t, ended.FinalPayment)
}

func TestEndRejectsTerminalSessions(t *testing.T) {
	f := newFixture(t)
	f.video(t, "vid-100", 100)
	session := f.start(t, "vid-100", 1000)

	_, err := f.svc.EndSession(context.Background(), session.ID, 100, "")
	require.NoError(t, err)
	calls := f.provider.callCount()

	_, err = f.svc.EndSession(context.Background(), session.ID, 100, "")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
	assert.Equal(t, calls, f.provider.callCount())

	declined, err := f.svc.DeclineSession(context.Background(), "install-1", "vid-100", 1000)
	require.NoError(t, err)
	_, err = f.svc.EndSession(context.Background(), declined.ID, 100, "")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
	assert.Equal(t, calls, f.provider.callCount())
}

func TestDeclinedSessionNeverSettles(t *testing.T) {
	f := newFixture(t)
	f.video(t, "vid-100", 100)
	declined, err := f.svc.DeclineSession(context.Background(), "install-1", "vid-100", 1000)
	require.NoError(t, err)
	assert.Equal(t, enums.SessionStatusDeclined, declined.Status)

	result := f.heartbeat(t, declined, 80)
	require.NotNil(t, result.Event)
	assert.Nil(t, result.Payment)
	assert.Zero(t, f.provider.callCount())

	var stored models.WatchSession
	require.NoError(t, f.conn.First(&stored, "id = ?", declined.ID).Error)
	assert.Zero(t, stored.AmountSettledCents)
	assert.Zero(t, stored.SecondsWatched)
}

func TestFailedFinalSettlementStillCompletes(t *testing.T) {
	f := newFixture(t)
	f.video(t, "vid-100", 100)
	session := f.start(t, "vid-100", 1000)
	f.heartbeat(t, session, 20)

	f.provider.fail = true
	ended, err := f.svc.EndSession(context.Background(), session.ID, 100, "")
	require.NoError(t, err)
	require.NotNil(t, ended.FinalPayment)
	assert.False(t, ended.FinalPayment.Success)
	assert.Contains(t, ended.FinalPayment.Error, "tecUNFUNDED_PAYMENT")
	assert.Equal(t, enums.SessionStatusCompleted, ended.Session.Status)
	assert.Equal(t, int64(1000), *ended.Session.PriceFinalCents)
	assert.Equal(t, int64(200), ended.Session.AmountSettledCents)
	assert.Len(t, ended.LedgerEntries, 1)
}

func TestFailedHeartbeatChargeRetriesNextTick(t *testing.T) {
	f := newFixture(t)
	f.video(t, "vid-100", 100)
	session := f.start(t, "vid-100", 1000)

	f.provider.fail = true
	failed := f.heartbeat(t, session, 10)
	require.NotNil(t, failed.Payment)
	assert.False(t, failed.Payment.Success)
	assert.Zero(t, failed.Payment.AmountSettledCents)

	f.provider.fail = false
	retried := f.heartbeat(t, session, 20)
	require.NotNil(t, retried.Payment)
	assert.True(t, retried.Payment.Success)
	assert.Equal(t, int64(200), retried.Payment.AmountCents)
}

func TestUnknownDurationChargesOnlyAtEnd(t *testing.T) {
	f := newFixture(t)
	f.video(t, "vid-live", 0)
	session := f.start(t, "vid-live", 300)

	result := f.heartbeat(t, session, 45)
	assert.Nil(t, result.Payment)

	ended, err := f.svc.EndSession(context.Background(), session.ID, 45, "")
	require.NoError(t, err)
	require.NotNil(t, ended.FinalPayment)
	assert.Equal(t, int64(300), ended.FinalPayment.AmountCents)
	assert.Equal(t, int64(300), *ended.Session.PriceFinalCents)
}

func TestReportProgressNonHeartbeatEvents(t *testing.T) {
	f := newFixture(t)
	f.video(t, "vid-100", 100)
	session := f.start(t, "vid-100", 1000)
	ctx := context.Background()

	result, err := f.svc.ReportProgress(ctx, session.ID, ProgressReport{
		Type:             enums.WatchEventSeek,
		TimestampSeconds: 42,
		Metadata:         json.RawMessage(`{"from_seconds":10,"to_seconds":42}`),
	})
	require.NoError(t, err)
	assert.Nil(t, result.Payment)
	assert.JSONEq(t, `{"from_seconds":10,"to_seconds":42}`, string(result.Event.Metadata))

	result, err = f.svc.ReportProgress(ctx, session.ID, ProgressReport{Type: enums.WatchEventPause, TimestampSeconds: 42})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(result.Event.Metadata))

	var stored models.WatchSession
	require.NoError(t, f.conn.First(&stored, "id = ?", session.ID).Error)
	assert.Zero(t, stored.SecondsWatched, "only heartbeats move progress")
	assert.Zero(t, f.provider.callCount())
}

func TestReportProgressValidation(t *testing.T) {
	f := newFixture(t)
	f.video(t, "vid-100", 100)
	session := f.start(t, "vid-100", 1000)
	ctx := context.Background()

	cases := []ProgressReport{
		{Type: "rewind", TimestampSeconds: 1},
		{Type: enums.WatchEventHeartbeat, TimestampSeconds: -1},
		{Type: enums.WatchEventPlay, Metadata: json.RawMessage(`{"reason":"x"}`)},
		{Type: enums.WatchEventHeartbeat, Metadata: json.RawMessage(`{"playback_rate":0}`)},
		{Type: enums.WatchEventSeek, Metadata: json.RawMessage(`{"to_seconds":-4}`)},
	}
	for _, report := range cases {
		_, err := f.svc.ReportProgress(ctx, session.ID, report)
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "report %+v", report)
	}

	_, err := f.svc.ReportProgress(ctx, session.ID, ProgressReport{Type: enums.WatchEventEnd, Metadata: json.RawMessage(`{"reason":"closed"}`)})
	require.NoError(t, err)
}

func TestHistoryAndAdminListings(t *testing.T) {
	f := newFixture(t)
	f.video(t, "vid-100", 100)
	ctx := context.Background()
	session := f.start(t, "vid-100", 1000)
	_, err := f.svc.DeclineSession(ctx, "install-2", "vid-100", 1000)
	require.NoError(t, err)

	history, err := f.svc.History(ctx, "install-1", pagination.Params{})
	require.NoError(t, err)
	require.Len(t, history.Items, 1)
	assert.Equal(t, session.ID, history.Items[0].SessionID)

	status := enums.SessionStatusDeclined
	listed, err := f.svc.ListSessions(ctx, sessions.ListFilter{Status: &status}, pagination.Params{})
	require.NoError(t, err)
	require.Len(t, listed.Items, 1)
	assert.Equal(t, "install-2", listed.Items[0].InstallID)

	videoList, err := f.svc.ListVideos(ctx, pagination.Params{})
	require.NoError(t, err)
	assert.Len(t, videoList.Items, 1)

	seed := 80.0
	blended, err := f.svc.SetManualSeed(ctx, "vid-100", &seed)
	require.NoError(t, err)
	assert.Equal(t, 80.0, blended.AvgWatchRatio)
}

func TestSettlementStatus(t *testing.T) {
	f := newFixture(t)
	status, err := f.svc.SettlementStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stub", status.Provider)
	assert.True(t, status.Connected)
}

func TestEndCapsSecondsAtDurationBeforeEngagement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.video(t, "vid-100", 100)
	session := f.start(t, "vid-100", 1000)

	ended, err := f.svc.EndSession(ctx, session.ID, 250, "")
	require.NoError(t, err)
	assert.Equal(t, 100, ended.Session.SecondsWatched)
	assert.Equal(t, int64(1000), *ended.Session.PriceFinalCents)

	var stored models.WatchSession
	require.NoError(t, f.conn.First(&stored, "id = ?", session.ID).Error)
	assert.Equal(t, 100, stored.SecondsWatched)

	var end models.WatchEvent
	require.NoError(t, f.conn.Where("session_id = ? AND event_type = ?", session.ID, enums.WatchEventEnd).First(&end).Error)
	assert.Equal(t, 100.0, end.TimestampSeconds)

	assert.Equal(t, 100.0, f.videoRow(t, "vid-100").AvgWatchRatio)
	quote, err := f.svc.Quote(ctx, "vid-100", VideoMetadata{DurationSeconds: 100})
	require.NoError(t, err)
	assert.Equal(t, 100.0, quote.AvgWatchRatio)
}

func TestDurationChangeMidSessionKeepsSessionPricing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.video(t, "vid-100", 100)
	session := f.start(t, "vid-100", 1000)
	assert.Equal(t, 100, session.DurationSeconds)

	paid := f.heartbeat(t, session, 100)
	require.NotNil(t, paid.Payment)
	assert.Equal(t, int64(1000), paid.Payment.AmountSettledCents)

	// The catalog row doubles in length while the session is still open.
	f.video(t, "vid-100", 200)
	assert.Equal(t, 200, f.videoRow(t, "vid-100").DurationSeconds)

	ended, err := f.svc.EndSession(ctx, session.ID, 100, "")
	require.NoError(t, err)
	assert.Nil(t, ended.FinalPayment)
	require.NotNil(t, ended.Session.PriceFinalCents)
	assert.Equal(t, int64(1000), *ended.Session.PriceFinalCents)
	assert.Equal(t, int64(1000), ended.Session.AmountSettledCents)
	assert.LessOrEqual(t, ended.Session.AmountSettledCents, *ended.Session.PriceFinalCents)
	assert.Equal(t, 100.0, f.videoRow(t, "vid-100").AvgWatchRatio)
}

func TestReplayedTransferIsReportedAsSettled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.video(t, "vid-100", 100)
	session := f.start(t, "vid-100", 1000)

	lost := f.provider.inner.Charge(ctx, settlement.ChargeRequest{Amount: 100, IdempotencyKey: session.ID.String() + ":0"})
	require.True(t, lost.Success)

	result := f.heartbeat(t, session, 30)
	require.NotNil(t, result.Payment)
	assert.True(t, result.Payment.Success)
	assert.Equal(t, int64(300), result.Payment.AmountCents)
	assert.Equal(t, int64(300), result.Payment.AmountSettledCents)
}
