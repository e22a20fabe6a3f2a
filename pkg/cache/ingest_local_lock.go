package cache

import (
	"context"
	"sync"
	"time"
)

// LocalLock is an in-process RunLock used when Redis is not configured.
type LocalLock struct {
	mu   sync.Mutex
	held map[string]time.Time
}

// NewLocalLock creates an empty lock table.
func NewLocalLock() *LocalLock {
	return &LocalLock{held: make(map[string]time.Time)}
}

// TryLock takes key unless it is held and not yet expired.
func (l *LocalLock) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, false, nil
	}
	exp := now.Add(ttl)
	l.held[key] = exp

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key] == exp {
			delete(l.held, key)
		}
	}, true, nil
}
