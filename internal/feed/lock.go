package feed

import (
	"sync"
	"time"
)

// DefaultLockTimeout is how long an update may hold the lock before a later
// trigger treats it as abandoned
const DefaultLockTimeout = 300 * time.Second

// UpdateLock is a non-blocking lock that remembers when it was taken.
// Each acquisition gets a new generation token; Release only succeeds for the
// current holder, so a stuck update that finally returns cannot release a
// lock that was force-released and taken by someone else.
type UpdateLock struct {
	mu         sync.Mutex
	held       bool
	generation uint64
	acquiredAt time.Time
	timeout    time.Duration
	now        func() time.Time
}

// NewUpdateLock creates an unlocked UpdateLock
func NewUpdateLock(timeout time.Duration) *UpdateLock {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &UpdateLock{timeout: timeout, now: time.Now}
}

// TryAcquire takes the lock if it is free. It never blocks.
func (l *UpdateLock) TryAcquire() (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return 0, false
	}
	l.held = true
	l.generation++
	l.acquiredAt = l.now()
	return l.generation, true
}

// Release frees the lock if token still identifies the current holder
func (l *UpdateLock) Release(token uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held || token != l.generation {
		return false
	}
	l.held = false
	return true
}

// Expired reports whether the lock is held and older than the timeout
func (l *UpdateLock) Expired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held && l.now().Sub(l.acquiredAt) > l.timeout
}

// ForceRelease frees the lock regardless of holder and returns how long it
// had been held. The previous holder's token becomes invalid.
func (l *UpdateLock) ForceRelease() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return 0
	}
	age := l.now().Sub(l.acquiredAt)
	l.held = false
	return age
}

// Held reports whether an update currently owns the lock
func (l *UpdateLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}
