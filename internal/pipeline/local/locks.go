package local

import (
	"sync"

	"github.com/danmuck/kernelmesh/internal/kernel"
)

// principalLocks serializes React and Error per principal. Entries live only
// while some worker holds or waits for them.
type principalLocks struct {
	mu    sync.Mutex
	locks map[kernel.Kernel]*principalLock
}

type principalLock struct {
	sync.Mutex
	refs int
}

func newPrincipalLocks() *principalLocks {
	return &principalLocks{locks: make(map[kernel.Kernel]*principalLock)}
}

// lock blocks until the caller owns principal and returns the unlock func.
func (l *principalLocks) lock(principal kernel.Kernel) func() {
	l.mu.Lock()
	pl, ok := l.locks[principal]
	if !ok {
		pl = &principalLock{}
		l.locks[principal] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.Lock()
	return func() {
		pl.Unlock()
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.locks, principal)
		}
		l.mu.Unlock()
	}
}

func (l *principalLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
