package poller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockHeld signals that a cycle of the same operation type is already
// running. The caller skips this cycle; the next scheduled one starts fresh.
var ErrLockHeld = errors.New("cycle already running")

// CycleLock provides mutual exclusion at the cycle level through a lock
// file: poll, approval and reconcile cycles each get their own file so a
// slow poll never blocks reconciliation, but two polls can never overlap.
type CycleLock struct {
	path    string
	timeout time.Duration
}

// NewCycleLock creates a lock using <dir>/<name>.lock.
func NewCycleLock(dir, name string, timeout time.Duration) *CycleLock {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CycleLock{
		path:    filepath.Join(dir, name+".lock"),
		timeout: timeout,
	}
}

// Acquire takes the lock, waiting up to the configured timeout. The
// returned release function must be called when the cycle ends.
func (l *CycleLock) Acquire(ctx context.Context) (func(), error) {
	fl := flock.New(l.path)

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, 250*time.Millisecond)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("acquiring %s: %w", l.path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, l.path)
	}
	return func() { _ = fl.Unlock() }, nil
}
