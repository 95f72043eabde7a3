// Package locks serializes work per key, either inside one process or across
// instances through Redis.
package locks

import (
	"context"
	"errors"
)

// ErrLockTimeout is returned when a key could not be acquired before the wait
// budget or the context ran out.
var ErrLockTimeout = errors.New("lock wait timed out")

// Unlock releases a held key. It is safe to call more than once.
type Unlock func()

// Locker grants exclusive ownership of a key until the returned Unlock runs.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}
