package coordinator

import (
	"context"
	"sync"

	"crossloan/loan"
)

// accountLocks hands out one exclusion per account. Waiting honours ctx.
type accountLocks struct {
	mu    sync.Mutex
	locks map[loan.Account]*accountLock
}

type accountLock struct {
	ch   chan struct{}
	refs int
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[loan.Account]*accountLock)}
}

func (l *accountLocks) acquire(ctx context.Context, account loan.Account) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[account]
	if !ok {
		lock = &accountLock{ch: make(chan struct{}, 1)}
		l.locks[account] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(account, lock)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.ch
			l.drop(account, lock)
		})
	}, nil
}

func (l *accountLocks) drop(account loan.Account, lock *accountLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, account)
	}
}

func (l *accountLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
