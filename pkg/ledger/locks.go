package ledger

import (
	"sync"

	"github.com/google/uuid"
)

// accountLocks hands out one mutex per account so read-modify-write sequences on
// the same credit line never interleave. Entries are dropped once unused.
type accountLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[uuid.UUID]*accountLock)}
}

// lock blocks until the account is free and returns its unlock func.
func (a *accountLocks) lock(id uuid.UUID) func() {
	a.mu.Lock()
	l, ok := a.locks[id]
	if !ok {
		l = &accountLock{}
		a.locks[id] = l
	}
	l.refs++
	a.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		a.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.locks, id)
		}
		a.mu.Unlock()
	}
}
