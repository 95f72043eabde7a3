package enums

import "fmt"

// OutboxAggregateType maps to the aggregate_type column of outbox_events.
type OutboxAggregateType string

const (
	AggregateWatchSession OutboxAggregateType = "watch_session"
	AggregateVideo        OutboxAggregateType = "video"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateWatchSession,
	AggregateVideo,
}

// IsValid reports whether the value matches a known aggregate type.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType maps to the event_type column of outbox_events.
type OutboxEventType string

const (
	EventSessionStarted       OutboxEventType = "session_started"
	EventSessionDeclined      OutboxEventType = "session_declined"
	EventSessionCompleted     OutboxEventType = "session_completed"
	EventPaymentSettled       OutboxEventType = "payment_settled"
	EventEngagementRecomputed OutboxEventType = "engagement_recomputed"
)

var validOutboxEventTypes = []OutboxEventType{
	EventSessionStarted,
	EventSessionDeclined,
	EventSessionCompleted,
	EventPaymentSettled,
	EventEngagementRecomputed,
}

// IsValid reports whether the value matches a known event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
