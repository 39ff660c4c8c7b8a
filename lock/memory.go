package lock

import (
	"context"
	"sync"
	"time"
)

var _ Locker = &Memory{}

// Memory is a Locker for tests and single-process deployments
type Memory struct {
	mu    sync.Mutex
	locks map[string]uint64
	seq   uint64
}

// NewMemory returns an empty in-process Locker
func NewMemory() *Memory {
	return &Memory{
		locks: make(map[string]uint64),
	}
}

// TryAcquire takes the lock if nobody holds it. A ttl > 0 releases it automatically.
func (l *Memory) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	if _, held := l.locks[key]; held {
		l.mu.Unlock()
		return nil, false, nil
	}
	l.seq++
	token := l.seq
	l.locks[key] = token
	l.mu.Unlock()

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			l.mu.Lock()
			// an expired lock may have been taken by someone else
			if l.locks[key] == token {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}

	if ttl > 0 {
		time.AfterFunc(ttl, release)
	}

	return release, true, nil
}
