package registry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/streamfair-backend/pkg/config"
	"github.com/angelmondragon/streamfair-backend/pkg/db/models"
	"github.com/angelmondragon/streamfair-backend/pkg/enums"
	"github.com/angelmondragon/streamfair-backend/pkg/outbox"
	"github.com/angelmondragon/streamfair-backend/pkg/outbox/payloads"
)

func TestEventRegistryResolveSuccess(t *testing.T) {
	reg := newTestEventRegistry(t)

	sessionID := uuid.New()
	event := models.OutboxEvent{
		EventType:     enums.EventPaymentSettled,
		AggregateType: enums.AggregateWatchSession,
		AggregateKey:  sessionID.String(),
		Payload: mustEnvelope(t, mustMarshal(t, payloads.PaymentSettledEvent{
			SessionID:   sessionID,
			Kind:        enums.LedgerEntryStream,
			AmountCents: 100,
		})),
	}

	resolved, err := reg.Resolve(event)
	require.NoError(t, err)
	assert.Equal(t, "domain-topic", resolved.Descriptor.Topic)
	payload, ok := resolved.Payload.(*payloads.PaymentSettledEvent)
	require.True(t, ok, "unexpected payload type %T", resolved.Payload)
	assert.Equal(t, sessionID, payload.SessionID)
	assert.Equal(t, int64(100), payload.AmountCents)
	assert.NotEmpty(t, resolved.Envelope.EventID)
}

func TestEventRegistryResolveVideoAggregate(t *testing.T) {
	reg := newTestEventRegistry(t)

	event := models.OutboxEvent{
		EventType:     enums.EventEngagementRecomputed,
		AggregateType: enums.AggregateVideo,
		AggregateKey:  "dQw4w9WgXcQ",
		Payload:       mustEnvelope(t, []byte(`{"video_id":"dQw4w9WgXcQ","avg_watch_ratio":65}`)),
	}

	resolved, err := reg.Resolve(event)
	require.NoError(t, err)
	payload := resolved.Payload.(*payloads.EngagementRecomputedEvent)
	assert.Equal(t, 65.0, payload.AvgWatchRatio)
}

func TestEventRegistryResolveRejections(t *testing.T) {
	reg := newTestEventRegistry(t)

	cases := map[string]models.OutboxEvent{
		"unknown event": {
			EventType:     enums.OutboxEventType("order_created"),
			AggregateType: enums.AggregateWatchSession,
			AggregateKey:  "x",
			Payload:       mustEnvelope(t, []byte(`{}`)),
		},
		"aggregate mismatch": {
			EventType:     enums.EventSessionCompleted,
			AggregateType: enums.AggregateVideo,
			AggregateKey:  "x",
			Payload:       mustEnvelope(t, []byte(`{}`)),
		},
		"missing key": {
			EventType:     enums.EventSessionCompleted,
			AggregateType: enums.AggregateWatchSession,
			Payload:       mustEnvelope(t, []byte(`{}`)),
		},
		"null payload": {
			EventType:     enums.EventSessionCompleted,
			AggregateType: enums.AggregateWatchSession,
			AggregateKey:  "x",
			Payload:       mustEnvelope(t, []byte("null")),
		},
		"broken envelope": {
			EventType:     enums.EventSessionCompleted,
			AggregateType: enums.AggregateWatchSession,
			AggregateKey:  "x",
			Payload:       json.RawMessage(`{"version":`),
		},
	}

	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Resolve(event)
			require.Error(t, err)
			var nonRetry NonRetryableError
			assert.True(t, errors.As(err, &nonRetry), "expected non-retryable, got %T", err)
		})
	}
}

func TestNewEventRegistryRequiresTopic(t *testing.T) {
	_, err := NewEventRegistry(config.PubSubConfig{})
	require.Error(t, err)
}

func newTestEventRegistry(t *testing.T) *EventRegistry {
	t.Helper()
	reg, err := NewEventRegistry(config.PubSubConfig{DomainTopic: "domain-topic"})
	require.NoError(t, err)
	return reg
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func mustEnvelope(t *testing.T, payload []byte) json.RawMessage {
	t.Helper()
	envelope := outbox.PayloadEnvelope{
		Version:    1,
		EventID:    uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Data:       payload,
	}
	data, err := json.Marshal(envelope)
	require.NoError(t, err)
	return data
}
