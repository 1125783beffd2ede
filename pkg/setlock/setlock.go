// Per-set advisory locks, held both within the process and across processes
package setlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/function61/snapset/pkg/snaptypes"
	"golang.org/x/sys/unix"
)

const pollInterval = 100 * time.Millisecond

// Think of this as named bathroom stalls. Each stall can only be occupied by one person,
// whether that person is in our process or in another snapset invocation.
//
// in-process exclusion is a map of channels (closed on unlock, so waiters wake up).
// cross-process exclusion is flock() on <dir>/<name>.lock.
type Locker struct {
	dir string // "" = in-process only

	// value is chan that Lock() can use to listen for unlock event (close of channel)
	locks    map[string]chan bool
	masterMu sync.Mutex
}

func New(dir string) *Locker {
	return &Locker{
		dir:   dir,
		locks: map[string]chan bool{},
	}
}

// InProcess is a Locker not visible to other processes
func InProcess() *Locker {
	return New("")
}

// Lock blocks until the lock for name is held or ctx is done. you have to call the returned
// func to release it.
func (l *Locker) Lock(ctx context.Context, name string) (func(), error) {
	var unlockLocal func()
	for {
		unlock, tryAgain := l.tryLockInternal(name)
		if tryAgain == nil {
			unlockLocal = unlock
			break
		}

		// wait for someone to unlock so we can try again (not guaranteed, someone else
		// might grab the same lock)
		select {
		case <-tryAgain:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	for {
		unlockFile, err := l.flock(name)
		if err == nil {
			return chain(unlockFile, unlockLocal), nil
		}

		if !errors.Is(err, snaptypes.ErrBusy) {
			unlockLocal()
			return nil, err
		}

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		}
	}
}

// TryLock fails with ErrBusy if someone else holds the lock
func (l *Locker) TryLock(name string) (func(), error) {
	unlockLocal, tryAgain := l.tryLockInternal(name)
	if tryAgain != nil {
		return nil, fmt.Errorf("set %s: %w: locked by another operation", name, snaptypes.ErrBusy)
	}

	unlockFile, err := l.flock(name)
	if err != nil {
		unlockLocal()
		return nil, err
	}

	return chain(unlockFile, unlockLocal), nil
}

// first return is "unlock" function, which will be nil if tryAgain is non-nil
// second return is "tryAgain" whose close you can wait on to try locking again
func (l *Locker) tryLockInternal(name string) (func(), chan bool) {
	l.masterMu.Lock()
	defer l.masterMu.Unlock()

	if tryAgain, held := l.locks[name]; held {
		return nil, tryAgain
	}

	unlocked := make(chan bool)
	l.locks[name] = unlocked

	return func() {
		l.masterMu.Lock()
		defer l.masterMu.Unlock()

		delete(l.locks, name)
		close(unlocked)
	}, nil
}

// lock files are never removed: removing would race with another process that has the
// file open but has not yet locked it
func (l *Locker) flock(name string) (func(), error) {
	if l.dir == "" {
		return func() {}, nil
	}

	if err := os.MkdirAll(l.dir, 0700); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(filepath.Join(l.dir, name+".lock"), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("set %s: %w: locked by another process", name, snaptypes.ErrBusy)
		}

		return nil, fmt.Errorf("flock %s: %w", file.Name(), err)
	}

	return func() {
		_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
	}, nil
}

func chain(fns ...func()) func() {
	return func() {
		for _, fn := range fns {
			fn()
		}
	}
}
