package service

import (
	"context"
	"sync"
)

// cardLocks hands out one lock per card serial so two taps of the same card
// never run concurrent sessions. Entries are dropped once unused.
type cardLocks struct {
	mu    sync.Mutex
	locks map[string]*cardLock
}

type cardLock struct {
	ch   chan struct{}
	refs int
}

func newCardLocks() *cardLocks {
	return &cardLocks{locks: make(map[string]*cardLock)}
}

// acquire blocks until serial is free or ctx is done. The returned func
// releases the lock.
func (l *cardLocks) acquire(ctx context.Context, serial string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[serial]
	if !ok {
		lk = &cardLock{ch: make(chan struct{}, 1)}
		l.locks[serial] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
		return func() {
			<-lk.ch
			l.drop(serial, lk)
		}, nil
	case <-ctx.Done():
		l.drop(serial, lk)
		return nil, ctx.Err()
	}
}

func (l *cardLocks) drop(serial string, lk *cardLock) {
	l.mu.Lock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, serial)
	}
	l.mu.Unlock()
}
