package sessions

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/streamfair-backend/internal/videos"
	"github.com/angelmondragon/streamfair-backend/pkg/db"
	"github.com/angelmondragon/streamfair-backend/pkg/db/dbtest"
	"github.com/angelmondragon/streamfair-backend/pkg/db/models"
	"github.com/angelmondragon/streamfair-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/streamfair-backend/pkg/errors"
	"github.com/angelmondragon/streamfair-backend/pkg/outbox"
	"github.com/angelmondragon/streamfair-backend/pkg/pagination"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	conn  *gorm.DB
	clock *clock
	svc   Service
}

func newFixture(t *testing.T, bound ProgressBound) fixture {
	t.Helper()
	conn := dbtest.Open(t)
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, err := NewService(ServiceParams{
		DB:       db.Wrap(conn),
		Repo:     NewRepository(conn),
		Videos:   videos.NewRepository(conn),
		Outbox:   outbox.NewService(outbox.NewRepository(conn), nil),
		Progress: bound,
		Now:      clk.Now,
	})
	require.NoError(t, err)

	for id, duration := range map[string]int{"vid-100": 100, "vid-live": 0} {
		_, err := videos.NewRepository(conn).Upsert(context.Background(), &models.Video{ID: id, DurationSeconds: duration})
		require.NoError(t, err)
	}
	return fixture{conn: conn, clock: clk, svc: svc}
}

func (f fixture) start(t *testing.T, videoID string, quoted int64) *models.WatchSession {
	t.Helper()
	session, err := f.svc.Create(context.Background(), CreateInput{InstallID: "install-1", VideoID: videoID, PriceQuotedCents: quoted})
	require.NoError(t, err)
	return session
}

func (f fixture) outboxTypes(t *testing.T) []enums.OutboxEventType {
	t.Helper()
	var rows []models.OutboxEvent
	require.NoError(t, f.conn.Order("rowid ASC").Find(&rows).Error)
	out := make([]enums.OutboxEventType, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.EventType)
	}
	return out
}

func TestCreateStartsActiveWithPlayEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ProgressBound{})

	session := f.start(t, "vid-100", 1000)
	assert.Equal(t, enums.SessionStatusActive, session.Status)
	assert.Zero(t, session.SecondsWatched)
	assert.Zero(t, session.AmountSettledCents)
	assert.Nil(t, session.PriceFinalCents)

	events, err := f.svc.ListEvents(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, enums.WatchEventPlay, events[0].EventType)
	assert.Zero(t, events[0].TimestampSeconds)

	assert.Equal(t, []enums.OutboxEventType{enums.EventSessionStarted}, f.outboxTypes(t))
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ProgressBound{})

	cases := map[string]CreateInput{
		"negative price":  {InstallID: "i", VideoID: "vid-100", PriceQuotedCents: -1},
		"unknown video":   {InstallID: "i", VideoID: "nope", PriceQuotedCents: 10},
		"no installation": {VideoID: "vid-100", PriceQuotedCents: 10},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, input)
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
			_, err = f.svc.Decline(ctx, input)
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
		})
	}

	var count int64
	require.NoError(t, f.conn.Model(&models.WatchSession{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDeclineIsTerminalAndNeverSettles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ProgressBound{})

	session, err := f.svc.Decline(ctx, CreateInput{InstallID: "install-1", VideoID: "vid-100", PriceQuotedCents: 1000})
	require.NoError(t, err)
	assert.Equal(t, enums.SessionStatusDeclined, session.Status)
	require.NotNil(t, session.EndedAt)
	assert.Zero(t, session.AmountSettledCents)

	updated, err := f.svc.RecordProgress(ctx, session.ID, 50)
	require.NoError(t, err)
	assert.Zero(t, updated.SecondsWatched)

	_, err = f.svc.Finalize(ctx, session.ID, 50)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	var ledger int64
	require.NoError(t, f.conn.Model(&models.PaymentLedgerEntry{}).Count(&ledger).Error)
	assert.Zero(t, ledger)
	assert.Equal(t, []enums.OutboxEventType{enums.EventSessionDeclined}, f.outboxTypes(t))
}

func TestRecordProgressKeepsHighestValue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ProgressBound{})
	session := f.start(t, "vid-100", 1000)

	updated, err := f.svc.RecordProgress(ctx, session.ID, 40)
	require.NoError(t, err)
	assert.Equal(t, 40, updated.SecondsWatched)

	updated, err = f.svc.RecordProgress(ctx, session.ID, 25)
	require.NoError(t, err)
	assert.Equal(t, 40, updated.SecondsWatched)

	stored, err := f.svc.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, stored.SecondsWatched)

	_, err = f.svc.RecordProgress(ctx, session.ID, -1)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = f.svc.RecordProgress(ctx, uuid.New(), 10)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestRecordProgressBoundedByWallClock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ProgressBound{Rate: 2, Slack: 5 * time.Second})
	session := f.start(t, "vid-100", 1000)

	f.clock.Advance(10 * time.Second)
	updated, err := f.svc.RecordProgress(ctx, session.ID, 90)
	require.NoError(t, err)
	assert.Equal(t, 25, updated.SecondsWatched)

	f.clock.Advance(30 * time.Second)
	updated, err = f.svc.RecordProgress(ctx, session.ID, 90)
	require.NoError(t, err)
	assert.Equal(t, 85, updated.SecondsWatched)
}

func TestFinalizePricesFromWatchRatio(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ProgressBound{})

	half := f.start(t, "vid-100", 1000)
	done, err := f.svc.Finalize(ctx, half.ID, 50)
	require.NoError(t, err)
	assert.Equal(t, enums.SessionStatusCompleted, done.Status)
	require.NotNil(t, done.PriceFinalCents)
	assert.Equal(t, int64(500), *done.PriceFinalCents)
	require.NotNil(t, done.EndedAt)

	over := f.start(t, "vid-100", 1000)
	done, err = f.svc.Finalize(ctx, over.ID, 250)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), *done.PriceFinalCents)
	assert.Equal(t, 100, done.SecondsWatched)

	live := f.start(t, "vid-live", 700)
	done, err = f.svc.Finalize(ctx, live.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(700), *done.PriceFinalCents)

	events, err := f.svc.ListEvents(ctx, half.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, enums.WatchEventEnd, events[1].EventType)
	assert.Equal(t, 50.0, events[1].TimestampSeconds)
}

func TestFinalizeNeverDropsBelowStoredProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ProgressBound{})
	session := f.start(t, "vid-100", 1000)

	_, err := f.svc.RecordProgress(ctx, session.ID, 60)
	require.NoError(t, err)

	done, err := f.svc.Finalize(ctx, session.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, 60, done.SecondsWatched)
	assert.Equal(t, int64(600), *done.PriceFinalCents)
}

func TestCreateSnapshotsVideoDuration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ProgressBound{})
	session := f.start(t, "vid-100", 1000)
	assert.Equal(t, 100, session.DurationSeconds)

	_, err := videos.NewRepository(f.conn).Upsert(ctx, &models.Video{ID: "vid-100", DurationSeconds: 200})
	require.NoError(t, err)

	progressed, err := f.svc.RecordProgress(ctx, session.ID, 150)
	require.NoError(t, err)
	assert.Equal(t, 100, progressed.SecondsWatched, "progress stops at the session's duration")

	done, err := f.svc.Finalize(ctx, session.ID, 150)
	require.NoError(t, err)
	assert.Equal(t, 100, done.SecondsWatched)
	assert.Equal(t, int64(1000), *done.PriceFinalCents)

	var end models.WatchEvent
	require.NoError(t, f.conn.Where("session_id = ? AND event_type = ?", session.ID, enums.WatchEventEnd).First(&end).Error)
	assert.Equal(t, 100.0, end.TimestampSeconds)
}

func TestFinalizeNeverPricesBelowSettled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ProgressBound{})
	session := f.start(t, "vid-100", 1000)
	require.NoError(t, f.conn.Model(&models.WatchSession{}).Where("id = ?", session.ID).Update("amount_settled_cents", 800).Error)

	done, err := f.svc.Finalize(ctx, session.ID, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(800), *done.PriceFinalCents)
	assert.LessOrEqual(t, done.AmountSettledCents, *done.PriceFinalCents)
}

func TestFinalizeTwiceIsInvalidState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ProgressBound{})
	session := f.start(t, "vid-100", 1000)

	_, err := f.svc.Finalize(ctx, session.ID, 100)
	require.NoError(t, err)

	_, err = f.svc.Finalize(ctx, session.ID, 100)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	_, err = f.svc.Finalize(ctx, uuid.New(), 100)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	assert.Equal(t, []enums.OutboxEventType{enums.EventSessionStarted, enums.EventSessionCompleted}, f.outboxTypes(t))
}

func TestAppendEventValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ProgressBound{})
	session := f.start(t, "vid-100", 1000)

	event, err := f.svc.AppendEvent(ctx, EventInput{
		SessionID:        session.ID,
		Type:             enums.WatchEventSeek,
		TimestampSeconds: 12.5,
		Metadata:         json.RawMessage(`{"from_seconds":3,"to_seconds":12.5}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"from_seconds":3,"to_seconds":12.5}`, string(event.Metadata))

	_, err = f.svc.AppendEvent(ctx, EventInput{SessionID: session.ID, Type: "rewind"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = f.svc.AppendEvent(ctx, EventInput{SessionID: session.ID, Type: enums.WatchEventPause, TimestampSeconds: -1})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = f.svc.AppendEvent(ctx, EventInput{SessionID: uuid.New(), Type: enums.WatchEventPause})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestListByInstallationJoinsVideo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ProgressBound{})

	first := f.start(t, "vid-100", 1000)
	f.clock.Advance(time.Minute)
	second := f.start(t, "vid-live", 500)
	f.clock.Advance(time.Minute)
	_, err := f.svc.Create(ctx, CreateInput{InstallID: "someone-else", VideoID: "vid-100", PriceQuotedCents: 1})
	require.NoError(t, err)

	page, err := f.svc.ListByInstallation(ctx, "install-1", pagination.Params{Limit: 1})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, second.ID, page.Items[0].SessionID)
	assert.Equal(t, "vid-live", page.Items[0].VideoID)
	require.NotEmpty(t, page.NextCursor)

	page, err = f.svc.ListByInstallation(ctx, "install-1", pagination.Params{Limit: 1, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, first.ID, page.Items[0].SessionID)
	assert.Equal(t, 100, page.Items[0].DurationSeconds)
	assert.Empty(t, page.NextCursor)
}

func TestListRecentFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ProgressBound{})

	f.start(t, "vid-100", 1000)
	_, err := f.svc.Decline(ctx, CreateInput{InstallID: "install-1", VideoID: "vid-100", PriceQuotedCents: 1000})
	require.NoError(t, err)

	declined := enums.SessionStatusDeclined
	page, err := f.svc.ListRecent(ctx, ListFilter{Status: &declined}, pagination.Params{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, enums.SessionStatusDeclined, page.Items[0].Status)

	bogus := enums.SessionStatus("paused")
	_, err = f.svc.ListRecent(ctx, ListFilter{Status: &bogus}, pagination.Params{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestListStaleActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ProgressBound{})

	stale := f.start(t, "vid-100", 1000)
	f.clock.Advance(2 * time.Hour)
	fresh := f.start(t, "vid-100", 1000)
	_, err := f.svc.RecordProgress(ctx, fresh.ID, 10)
	require.NoError(t, err)

	rows, err := f.svc.ListStaleActive(ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, stale.ID, rows[0].ID)
}
