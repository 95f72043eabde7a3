package metering

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/streamfair-backend/pkg/money"
)

// StreamOwed is what a session owes after seconds of playback. Without a
// known duration nothing can be prorated, so nothing is owed mid-stream.
func StreamOwed(quoted int64, seconds, durationSeconds int) int64 {
	if durationSeconds <= 0 {
		return 0
	}
	return money.Prorate(quoted, int64(seconds), int64(durationSeconds))
}

// FinalOwed is what a session owes at completion. Unknown durations are
// charged in full.
func FinalOwed(quoted int64, seconds, durationSeconds int) int64 {
	if durationSeconds <= 0 {
		return quoted
	}
	return money.Prorate(quoted, int64(seconds), int64(durationSeconds))
}

func StreamMemo(sessionID uuid.UUID, seconds int) string {
	return fmt.Sprintf("stream:%s:%ds", sessionID, seconds)
}

func FinalMemo(sessionID uuid.UUID) string {
	return fmt.Sprintf("final:%s", sessionID)
}

// idempotencyKey names one settlement step: the amount already settled is
// the offset the delta starts from.
func idempotencyKey(sessionID uuid.UUID, settledBefore int64) string {
	return fmt.Sprintf("%s:%d", sessionID, settledBefore)
}
