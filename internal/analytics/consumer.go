// Package analytics projects streamfair domain events into BigQuery watch
// facts.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/streamfair-backend/pkg/enums"
	"github.com/angelmondragon/streamfair-backend/pkg/logger"
	"github.com/angelmondragon/streamfair-backend/pkg/outbox"
)

const dedupeScope = "analytics"

var ErrUnsupportedEvent = errors.New("unsupported analytics event type")

type subscriber interface {
	Receive(ctx context.Context, f func(context.Context, *gcppubsub.Message)) error
}

type factWriter interface {
	Insert(ctx context.Context, row *WatchFactRow) error
}

// Deduper marks event ids as processed. *redis.Client satisfies it.
type Deduper interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	IdempotencyKey(scope, id string) string
}

type ConsumerParams struct {
	Subscription subscriber
	Writer       factWriter
	// Deduper is optional. Without it duplicates rely on the BigQuery insert id.
	Deduper   Deduper
	DedupeTTL time.Duration
	Logger    *logger.Logger
}

// Consumer acks malformed and unsupported messages, nacks on write failures.
type Consumer struct {
	subscription subscriber
	writer       factWriter
	deduper      Deduper
	dedupeTTL    time.Duration
	logg         *logger.Logger
}

func NewConsumer(params ConsumerParams) (*Consumer, error) {
	if params.Subscription == nil {
		return nil, errors.New("analytics subscription is required")
	}
	if params.Writer == nil {
		return nil, errors.New("fact writer is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	ttl := params.DedupeTTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Consumer{
		subscription: params.Subscription,
		writer:       params.Writer,
		deduper:      params.Deduper,
		dedupeTTL:    ttl,
		logg:         params.Logger,
	}, nil
}

// Run receives messages until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(innerCtx context.Context, msg *gcppubsub.Message) {
		if c.process(innerCtx, msg) {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// process reports whether the message should be redelivered.
func (c *Consumer) process(ctx context.Context, msg *gcppubsub.Message) bool {
	logCtx := c.logg.WithField(ctx, "message_id", msg.ID)

	env, err := decodeEnvelope(msg)
	if err != nil {
		c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "invalid analytics envelope")
		return false
	}
	logCtx = c.logg.WithFields(logCtx, map[string]any{
		"event_id":      env.EventID,
		"event_type":    env.EventType,
		"aggregate_key": env.AggregateKey,
	})

	row, err := Project(*env)
	if err != nil {
		c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "analytics event dropped")
		return false
	}

	var key string
	if c.deduper != nil {
		key = c.deduper.IdempotencyKey(dedupeScope, env.EventID)
		fresh, err := c.deduper.SetNX(logCtx, key, "1", c.dedupeTTL)
		if err != nil {
			c.logg.Error(logCtx, "analytics dedupe check failed", err)
			return true
		}
		if !fresh {
			c.logg.Debug(logCtx, "analytics event already processed")
			return false
		}
	}

	if err := c.writer.Insert(logCtx, row); err != nil {
		c.logg.Error(logCtx, "analytics insert failed", err)
		if key != "" {
			if delErr := c.deduper.Del(context.WithoutCancel(logCtx), key); delErr != nil {
				c.logg.Warn(c.logg.WithField(logCtx, "error", delErr.Error()), "analytics dedupe release failed")
			}
		}
		return true
	}

	c.logg.Info(logCtx, "analytics fact written")
	return false
}

func decodeEnvelope(msg *gcppubsub.Message) (*Envelope, error) {
	var stored outbox.PayloadEnvelope
	if err := json.Unmarshal(msg.Data, &stored); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}

	eventType, err := enums.ParseOutboxEventType(strings.TrimSpace(msg.Attributes["event_type"]))
	if err != nil {
		return nil, fmt.Errorf("event_type: %w", err)
	}

	eventID := strings.TrimSpace(stored.EventID)
	if eventID == "" {
		eventID = strings.TrimSpace(msg.Attributes["event_id"])
	}
	if eventID == "" {
		return nil, errors.New("event_id missing")
	}

	occurredAt := stored.OccurredAt
	if occurredAt.IsZero() {
		if created := strings.TrimSpace(msg.Attributes["created_at"]); created != "" {
			if parsed, err := time.Parse(time.RFC3339Nano, created); err == nil {
				occurredAt = parsed
			}
		}
	}
	if occurredAt.IsZero() {
		occurredAt = msg.PublishTime
	}

	env := &Envelope{
		EventID:      eventID,
		EventType:    eventType,
		AggregateKey: strings.TrimSpace(msg.Attributes["aggregate_key"]),
		OccurredAt:   occurredAt.UTC(),
		Payload:      stored.Data,
	}
	if stored.Actor != nil {
		env.InstallID = stored.Actor.InstallID
	}
	return env, nil
}
