package pipeline

import (
	"context"
	"sync"
	"time"
)

// userLocks serializes work per user and remembers the timestamp of the
// newest event evaluated for each user.
type userLocks struct {
	mu            sync.Mutex
	locks         map[int64]*userLock
	lastEvaluated map[int64]time.Time
}

type userLock struct {
	sem  chan struct{}
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{
		locks:         make(map[int64]*userLock),
		lastEvaluated: make(map[int64]time.Time),
	}
}

// lock blocks until the user's lock is held or ctx is done.
func (l *userLocks) lock(ctx context.Context, userID int64) (func(), error) {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{sem: make(chan struct{}, 1)}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	select {
	case ul.sem <- struct{}{}:
		return func() {
			<-ul.sem
			l.release(userID, ul)
		}, nil
	case <-ctx.Done():
		l.release(userID, ul)
		return nil, ctx.Err()
	}
}

func (l *userLocks) release(userID int64, ul *userLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul.refs--
	if ul.refs == 0 {
		delete(l.locks, userID)
	}
}

// stale reports whether a decision was already computed from a newer event
// for the user. Callers must hold the user's lock.
func (l *userLocks) stale(userID int64, at time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, ok := l.lastEvaluated[userID]
	return ok && at.Before(last)
}

// evaluated records that a decision exists for the user's event at at.
// Events that never reach a decision are not recorded.
func (l *userLocks) evaluated(userID int64, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.lastEvaluated[userID]; !ok || at.After(last) {
		l.lastEvaluated[userID] = at
	}
}

// prune forgets users whose newest evaluated event is older than before.
func (l *userLocks) prune(before time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, at := range l.lastEvaluated {
		if at.Before(before) {
			delete(l.lastEvaluated, id)
			n++
		}
	}
	return n
}
