package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/angelmondragon/streamfair-backend/internal/engagement"
	"github.com/angelmondragon/streamfair-backend/internal/playback"
	"github.com/angelmondragon/streamfair-backend/pkg/db"
	"github.com/angelmondragon/streamfair-backend/pkg/db/dbtest"
	"github.com/angelmondragon/streamfair-backend/pkg/db/models"
	"github.com/angelmondragon/streamfair-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/streamfair-backend/pkg/errors"
	"github.com/angelmondragon/streamfair-backend/pkg/outbox"
)

type fakeStaleLister struct {
	rows    []models.WatchSession
	err     error
	idleFor time.Duration
	limit   int
}

func (f *fakeStaleLister) ListStaleActive(_ context.Context, idleFor time.Duration, limit int) ([]models.WatchSession, error) {
	f.idleFor, f.limit = idleFor, limit
	return f.rows, f.err
}

type fakeEnder struct {
	results map[uuid.UUID]*playback.EndResult
	errs    map[uuid.UUID]error
	ended   []uuid.UUID
}

func (f *fakeEnder) EndSession(_ context.Context, id uuid.UUID, seconds int, credential string) (*playback.EndResult, error) {
	f.ended = append(f.ended, id)
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	if result := f.results[id]; result != nil {
		return result, nil
	}
	return &playback.EndResult{}, nil
}

func TestStaleSessionJobFinalizesCandidates(t *testing.T) {
	settled, failed, raced, broken := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	lister := &fakeStaleLister{rows: []models.WatchSession{{ID: settled}, {ID: failed}, {ID: raced}, {ID: broken}}}
	ender := &fakeEnder{
		results: map[uuid.UUID]*playback.EndResult{
			settled: {FinalPayment: &playback.Payment{Success: true, AmountCents: 120}},
			failed:  {FinalPayment: &playback.Payment{Success: false, Error: "ledger payment failed: tecUNFUNDED_PAYMENT"}},
		},
		errs: map[uuid.UUID]error{
			raced:  pkgerrors.New(pkgerrors.CodeStateConflict, "session already ended"),
			broken: errors.New("db down"),
		},
	}
	job, err := NewStaleSessionJob(StaleSessionJobParams{
		Logger:   testLogger(),
		Sessions: lister,
		Playback: ender,
		IdleFor:  6 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, "stale-session-finalize", job.Name())

	err = job.Run(context.Background())
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1)
	assert.Contains(t, err.Error(), broken.String())
	assert.Equal(t, []uuid.UUID{settled, failed, raced, broken}, ender.ended)
	assert.Equal(t, 6*time.Hour, lister.idleFor)
	assert.Equal(t, defaultStaleBatch, lister.limit)
}

func TestStaleSessionJobValidatesParams(t *testing.T) {
	_, err := NewStaleSessionJob(StaleSessionJobParams{Logger: testLogger(), Sessions: &fakeStaleLister{}, Playback: &fakeEnder{}})
	require.Error(t, err)
}

func TestStaleSessionJobListError(t *testing.T) {
	job, err := NewStaleSessionJob(StaleSessionJobParams{
		Logger:   testLogger(),
		Sessions: &fakeStaleLister{err: errors.New("timeout")},
		Playback: &fakeEnder{},
		IdleFor:  time.Hour,
	})
	require.NoError(t, err)
	require.Error(t, job.Run(context.Background()))
}

type fakeVideoLister struct {
	ids []string
	err error
}

func (f fakeVideoLister) IDsWithCompletedSessions(context.Context) ([]string, error) {
	return f.ids, f.err
}

type fakeRecomputer struct {
	failing map[string]bool
	seen    []string
}

func (f *fakeRecomputer) Recompute(_ context.Context, videoID string) (*engagement.Result, error) {
	f.seen = append(f.seen, videoID)
	if f.failing[videoID] {
		return nil, errors.New("lock busy")
	}
	return &engagement.Result{VideoID: videoID, PreviousRatio: 100, AvgWatchRatio: 50}, nil
}

func TestEngagementRecomputeJobCombinesErrors(t *testing.T) {
	recomputer := &fakeRecomputer{failing: map[string]bool{"b": true, "c": true}}
	job, err := NewEngagementRecomputeJob(EngagementRecomputeJobParams{
		Logger:     testLogger(),
		Videos:     fakeVideoLister{ids: []string{"a", "b", "c", "d"}},
		Engagement: recomputer,
	})
	require.NoError(t, err)
	assert.Equal(t, "engagement-recompute", job.Name())

	err = job.Run(context.Background())
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Equal(t, []string{"a", "b", "c", "d"}, recomputer.seen)
}

func TestEngagementRecomputeJobSucceeds(t *testing.T) {
	job, err := NewEngagementRecomputeJob(EngagementRecomputeJobParams{
		Logger:     testLogger(),
		Videos:     fakeVideoLister{ids: []string{"a"}},
		Engagement: &fakeRecomputer{},
	})
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background()))
}

func TestOutboxRetentionJobDeletesOldPublishedRows(t *testing.T) {
	conn := dbtest.Open(t)
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	old := now.Add(-40 * 24 * time.Hour)
	recent := now.Add(-time.Hour)

	rows := []models.OutboxEvent{
		{EventType: enums.EventSessionStarted, AggregateType: enums.AggregateWatchSession, AggregateKey: "old", Payload: []byte(`{}`), PublishedAt: &old},
		{EventType: enums.EventSessionStarted, AggregateType: enums.AggregateWatchSession, AggregateKey: "recent", Payload: []byte(`{}`), PublishedAt: &recent},
		{EventType: enums.EventSessionStarted, AggregateType: enums.AggregateWatchSession, AggregateKey: "pending", Payload: []byte(`{}`)},
	}
	for i := range rows {
		require.NoError(t, conn.Create(&rows[i]).Error)
	}

	jobIface, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:     testLogger(),
		DB:         db.Wrap(conn),
		Repository: outbox.NewRepository(conn),
	})
	require.NoError(t, err)
	job := jobIface.(*outboxRetentionJob)
	job.now = func() time.Time { return now }

	require.NoError(t, job.Run(context.Background()))

	var keys []string
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Order("aggregate_key").Pluck("aggregate_key", &keys).Error)
	assert.Equal(t, []string{"pending", "recent"}, keys)
}
