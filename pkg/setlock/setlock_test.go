package setlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
	"github.com/function61/snapset/pkg/snaptypes"
)

func TestTryLock(t *testing.T) {
	locker := New(t.TempDir())

	releaseFoo, err := locker.TryLock("foo")
	assert.Ok(t, err)

	_, err = locker.TryLock("foo")
	assert.Assert(t, errors.Is(err, snaptypes.ErrBusy))

	// different names don't contend
	releaseBar, err := locker.TryLock("bar")
	assert.Ok(t, err)
	defer releaseBar()

	releaseFoo()

	releaseFoo, err = locker.TryLock("foo")
	assert.Ok(t, err)
	defer releaseFoo()
}

func TestFileLockExcludesOtherLockers(t *testing.T) {
	dir := t.TempDir()

	// two Lockers on the same dir behave like two processes
	first := New(dir)
	second := New(dir)

	release, err := first.TryLock("nightly")
	assert.Ok(t, err)

	_, err = second.TryLock("nightly")
	assert.Assert(t, errors.Is(err, snaptypes.ErrBusy))

	release()

	releaseSecond, err := second.TryLock("nightly")
	assert.Ok(t, err)
	releaseSecond()
}

func TestLockWaitsForRelease(t *testing.T) {
	locker := InProcess()

	release, err := locker.Lock(context.Background(), "foo")
	assert.Ok(t, err)

	acquired := make(chan bool)
	go func() {
		releaseWaiter, err := locker.Lock(context.Background(), "foo")
		if err == nil {
			releaseWaiter()
		}
		acquired <- err == nil
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	assert.Assert(t, <-acquired)
}

func TestLockGivesUpWhenContextDone(t *testing.T) {
	locker := New(t.TempDir())

	release, err := locker.TryLock("foo")
	assert.Ok(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = locker.Lock(ctx, "foo")
	assert.Assert(t, errors.Is(err, context.DeadlineExceeded))

	// a different Locker (other process) waiting on the file lock gives up too
	ctx2, cancel2 := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel2()

	_, err = New(locker.dir).Lock(ctx2, "foo")
	assert.Assert(t, errors.Is(err, context.DeadlineExceeded))
}
