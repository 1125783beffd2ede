package scheduler

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
	"github.com/function61/gokit/logex"
)

func TestParseCalendar(t *testing.T) {
	for _, calendar := range []string{"0 3 * * *", "*/10 * * * *", "30 0 3 * * *", "@daily", "@every 10m"} {
		_, err := ParseCalendar(calendar)
		assert.Ok(t, err)
	}

	_, err := ParseCalendar("every tuesday")
	assert.Assert(t, err != nil)
	assert.Assert(t, len(err.Error()) > len("calendar 'every tuesday': "))
}

func TestNewJobComputesFirstRun(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 34, 0, 0, time.UTC)

	job, err := NewJob(JobSpec{ID: "nightly", Calendar: "0 3 * * *"}, noop, now)
	assert.Ok(t, err)
	assert.EqualString(t, job.Spec.NextRun.Format(time.RFC3339), "2024-03-02T03:00:00Z")

	// carried over from a previous process
	persisted := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	job, err = NewJob(JobSpec{ID: "nightly", Calendar: "0 3 * * *", NextRun: persisted, Running: true}, noop, now)
	assert.Ok(t, err)
	assert.Assert(t, job.Spec.NextRun.Equal(persisted))
	assert.Assert(t, !job.Spec.Running)
}

func TestOverdueJobRunsOnceAndReschedulesFromNow(t *testing.T) {
	// missed many runs while "down"
	overdue := time.Now().Add(-5 * time.Hour)

	job, err := NewJob(JobSpec{ID: "hourly", Description: "hourly", Calendar: "@every 1h", NextRun: overdue}, failing, time.Now())
	assert.Ok(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	controller := New([]*Job{job}, logex.Discard)

	go func() {
		_ = controller.Run(ctx)
	}()

	snapshot := <-controller.SnapshotReady
	assert.Assert(t, len(snapshot) == 1)
	assert.Assert(t, snapshot[0].LastRun != nil)
	assert.EqualString(t, snapshot[0].LastRun.Error, "boom")
	assert.Assert(t, !snapshot[0].Running)
	assert.Assert(t, snapshot[0].NextRun.After(time.Now()))
}

func TestTrigger(t *testing.T) {
	ran := make(chan string, 1)

	job, err := NewJob(JobSpec{ID: "gc", Description: "gc", Calendar: "@yearly"}, func(ctx context.Context, logger *log.Logger) error {
		ran <- "gc"
		return nil
	}, time.Now())
	assert.Ok(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	controller := New([]*Job{job}, logex.Discard)

	stopped := make(chan error, 1)
	go func() {
		stopped <- controller.Run(ctx)
	}()

	before, err := controller.Snapshot()
	assert.Ok(t, err)
	assert.Assert(t, before[0].LastRun == nil)

	assert.Ok(t, controller.Trigger("gc"))
	assert.EqualString(t, <-ran, "gc")

	snapshot := <-controller.SnapshotReady
	assert.EqualString(t, snapshot[0].LastRun.Error, "")

	cancel()
	assert.Ok(t, <-stopped)

	// closed after Run() returns
	_, open := <-controller.SnapshotReady
	assert.Assert(t, !open)

	assert.Assert(t, errors.Is(controller.Trigger("gc"), ErrStopped))

	_, err = controller.Snapshot()
	assert.Assert(t, errors.Is(err, ErrStopped))
}

func noop(ctx context.Context, logger *log.Logger) error {
	return nil
}

func failing(ctx context.Context, logger *log.Logger) error {
	return errors.New("boom")
}
