package scheduler

import (
	"context"
	"time"
)

// runLock is the global execution lock. At most one task round runs at a
// time, whether dispatched by the loop or requested on demand. A buffered
// channel semaphore instead of a sync.Mutex so acquisition can be bounded
// by a context or a timeout.
type runLock struct {
	ch chan struct{}
}

func newRunLock() *runLock {
	return &runLock{ch: make(chan struct{}, 1)}
}

// Acquire blocks until the lock is held or ctx is done.
func (l *runLock) Acquire(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire waits up to timeout for the lock. It returns false when the
// lock could not be taken in time.
func (l *runLock) TryAcquire(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.ch <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Release frees the lock. Calling Release without holding the lock blocks;
// callers pair every Release with a successful Acquire or TryAcquire.
func (l *runLock) Release() {
	<-l.ch
}
