// Package lock serializes mutations of one entity.
//
// All writes to an entity's phase state go through a single writer at a
// time. Inside one process the Local locker is enough; when several bitgate
// processes share a database the Redis locker extends the guarantee across
// them. Either way the store's optimistic version check stays the last line:
// a writer that lost its lock mid-flight fails with a version conflict
// instead of overwriting.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Locker acquires a named exclusive lock. The returned release func must be
// called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// EntityKey is the lock key of an entity's phase state.
func EntityKey(entityID string) string {
	return "entity:" + entityID
}

// HubKey is the lock key of an entity's progress at one hub.
func HubKey(hubID, entityID string) string {
	return "hub:" + hubID + ":" + entityID
}

// Local is an in-process keyed mutex. Waiting honors context cancellation.
//
// Thread-safety: safe for concurrent use.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  chan struct{}
	refs int
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// Lock implements Locker.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, s)
		return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.sem
			l.drop(key, s)
		})
	}, nil
}

func (l *Local) drop(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// held returns the number of keys with holders or waiters.
// Used for testing.
func (l *Local) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// retryDelay is how long a contended Redis lock waits between attempts.
const retryDelay = 25 * time.Millisecond
