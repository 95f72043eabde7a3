package playback

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/go-playground/validator/v10"

	"github.com/angelmondragon/streamfair-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/streamfair-backend/pkg/errors"
)

// Each playback event type carries only its own metadata fields.

type PlayMetadata struct{}

type PauseMetadata struct{}

type SeekMetadata struct {
	FromSeconds *float64 `json:"from_seconds,omitempty" validate:"omitempty,gte=0"`
	ToSeconds   *float64 `json:"to_seconds,omitempty" validate:"omitempty,gte=0"`
}

type HeartbeatMetadata struct {
	PlaybackRate *float64 `json:"playback_rate,omitempty" validate:"omitempty,gt=0,lte=16"`
}

type EndMetadata struct {
	Reason string `json:"reason,omitempty" validate:"max=64"`
}

var metadataValidator = validator.New()

func metadataFor(eventType enums.WatchEventType) (any, bool) {
	switch eventType {
	case enums.WatchEventPlay:
		return &PlayMetadata{}, true
	case enums.WatchEventPause:
		return &PauseMetadata{}, true
	case enums.WatchEventSeek:
		return &SeekMetadata{}, true
	case enums.WatchEventHeartbeat:
		return &HeartbeatMetadata{}, true
	case enums.WatchEventEnd:
		return &EndMetadata{}, true
	}
	return nil, false
}

// DecodeMetadata parses raw metadata into the variant for eventType and
// returns its canonical JSON. Empty or null input yields an empty object.
func DecodeMetadata(eventType enums.WatchEventType, raw json.RawMessage) (any, json.RawMessage, error) {
	dest, ok := metadataFor(eventType)
	if !ok {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown event type").
			WithDetails(map[string]any{"event_type": eventType})
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		decoder := json.NewDecoder(bytes.NewReader(trimmed))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(dest); err != nil {
			return nil, nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid event metadata").
				WithDetails(map[string]any{"event_type": eventType, "error": err.Error()})
		}
		if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid event metadata").
				WithDetails(map[string]any{"event_type": eventType, "error": "trailing data"})
		}
	}
	if err := metadataValidator.Struct(dest); err != nil {
		var fieldErrs validator.ValidationErrors
		details := map[string]string{}
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				details[fe.Field()] = fe.Tag()
			}
		}
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid event metadata").WithDetails(details)
	}

	canonical, err := json.Marshal(dest)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode event metadata")
	}
	return dest, canonical, nil
}
