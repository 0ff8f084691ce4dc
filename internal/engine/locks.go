package engine

import (
	"sync"

	"github.com/google/uuid"
)

// userLocks serializes operations per user position. The lock is held for
// the full duration of an operation including its external token calls, so
// a re-entering callee cannot mutate the same position mid-operation.
// Different users proceed concurrently.
type userLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[uuid.UUID]*sync.Mutex)}
}

// acquire locks the user's position and returns the release function.
func (ul *userLocks) acquire(user uuid.UUID) func() {
	ul.mu.Lock()
	m, ok := ul.locks[user]
	if !ok {
		m = &sync.Mutex{}
		ul.locks[user] = m
	}
	ul.mu.Unlock()

	m.Lock()
	return m.Unlock
}
