package enums

import "fmt"

// WatchEventType is the kind of playback signal reported by a client.
type WatchEventType string

const (
	WatchEventPlay      WatchEventType = "play"
	WatchEventPause     WatchEventType = "pause"
	WatchEventSeek      WatchEventType = "seek"
	WatchEventHeartbeat WatchEventType = "heartbeat"
	WatchEventEnd       WatchEventType = "end"
)

var validWatchEventTypes = []WatchEventType{
	WatchEventPlay,
	WatchEventPause,
	WatchEventSeek,
	WatchEventHeartbeat,
	WatchEventEnd,
}

func (t WatchEventType) String() string {
	return string(t)
}

func (t WatchEventType) IsValid() bool {
	for _, candidate := range validWatchEventTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseWatchEventType converts raw input into WatchEventType.
func ParseWatchEventType(value string) (WatchEventType, error) {
	for _, candidate := range validWatchEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid watch event type %q", value)
}
