// Package pathlock serializes file edits per absolute path. Acquisition waits
// a bounded time; two overlapping edits to the same file never proceed
// concurrently, and a timed-out wait surfaces ErrLockTimeout instead of
// proceeding unsafely.
package pathlock

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/gatehouse/gatehouse/internal/common/constants"
)

// ErrLockTimeout is returned when a lock could not be acquired within the
// configured wait.
var ErrLockTimeout = errors.New("timed out waiting for path lock")

type pathLock struct {
	ch   chan struct{} // capacity 1; holding the token means holding the lock
	refs int
}

// Locker provides bounded-wait, per-path exclusive locks.
type Locker struct {
	timeout time.Duration

	mu    sync.Mutex
	locks map[string]*pathLock
}

// New creates a Locker. A non-positive timeout falls back to the default.
func New(timeout time.Duration) *Locker {
	if timeout <= 0 {
		timeout = constants.PathLockTimeout
	}
	return &Locker{
		timeout: timeout,
		locks:   make(map[string]*pathLock),
	}
}

// Acquire takes the lock for path, waiting up to the configured timeout. The
// returned release function must be called exactly once; extra calls are
// no-ops.
func (l *Locker) Acquire(ctx context.Context, path string) (release func(), err error) {
	key := filepath.Clean(path)

	l.mu.Lock()
	pl, ok := l.locks[key]
	if !ok {
		pl = &pathLock{ch: make(chan struct{}, 1)}
		l.locks[key] = pl
	}
	pl.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case pl.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-pl.ch
				l.unref(key, pl)
			})
		}, nil
	case <-timer.C:
		l.unref(key, pl)
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
	case <-ctx.Done():
		l.unref(key, pl)
		return nil, ctx.Err()
	}
}

// unref drops one reference and deletes the per-path state once unused.
func (l *Locker) unref(key string, pl *pathLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pl.refs--
	if pl.refs <= 0 {
		delete(l.locks, key)
	}
}
