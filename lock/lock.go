// Package lock serializes work on a key across goroutines and processes
package lock

import (
	"context"
	"time"
)

// Locker hands out exclusive, expiring locks on string keys
type Locker interface {
	// TryAcquire attempts to take the lock without blocking. release is nil when acquired is false.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}
