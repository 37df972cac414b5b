package sync

import (
	"context"
	gosync "sync"
)

// Locks serializes the work done for one account. A fetch pass, a backfill
// job and a listener-triggered pass never hold a connection for the same
// account at the same time.
type Locks struct {
	mu    gosync.Mutex
	slots map[string]chan struct{}
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{slots: make(map[string]chan struct{})}
}

func (l *Locks) slot(accountID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.slots[accountID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[accountID] = ch
	}
	return ch
}

// Lock blocks until the account is free or ctx is done. The returned
// function releases the lock and may be called more than once.
func (l *Locks) Lock(ctx context.Context, accountID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := l.slot(accountID)
	select {
	case ch <- struct{}{}:
		return release(ch), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock takes the account's lock only if it is free.
func (l *Locks) TryLock(accountID string) (func(), bool) {
	ch := l.slot(accountID)
	select {
	case ch <- struct{}{}:
		return release(ch), true
	default:
		return nil, false
	}
}

func release(ch chan struct{}) func() {
	var once gosync.Once
	return func() {
		once.Do(func() { <-ch })
	}
}
