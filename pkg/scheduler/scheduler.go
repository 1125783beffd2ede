// Runs jobs on cron calendars. used by the daemon to trigger schedules and autoextend.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/robfig/cron/v3"
)

var ErrStopped = errors.New("scheduler: not running")

type JobLastRun struct {
	Started  time.Time
	Finished time.Time
	Error    string
}

func (j JobLastRun) Runtime() time.Duration {
	return j.Finished.Sub(j.Started)
}

type JobFn func(ctx context.Context, logger *log.Logger) error

type Job struct {
	Spec     JobSpec
	Run      JobFn
	Schedule cron.Schedule
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCalendar accepts standard 5-field cron expressions, an optional seconds field and
// descriptors like "@daily" or "@every 10m"
func ParseCalendar(calendar string) (cron.Schedule, error) {
	schedule, err := cronParser.Parse(calendar)
	if err != nil {
		return nil, fmt.Errorf("calendar '%s': %w", calendar, err)
	}

	return schedule, nil
}

// NewJob computes the first run if spec doesn't carry one over from a previous process
func NewJob(spec JobSpec, run JobFn, now time.Time) (*Job, error) {
	schedule, err := ParseCalendar(spec.Calendar)
	if err != nil {
		return nil, err
	}

	if spec.NextRun.IsZero() {
		spec.NextRun = schedule.Next(now)
	}

	spec.Running = false

	return &Job{
		Spec:     spec,
		Run:      run,
		Schedule: schedule,
	}, nil
}

type JobSpec struct {
	ID          string
	Description string
	Calendar    string
	NextRun     time.Time
	Running     bool
	LastRun     *JobLastRun
}

type snapshotRequest struct {
	result chan []JobSpec
}

type jobResult struct {
	job *Job
	run *JobLastRun
}

type Controller struct {
	jobs            []*Job
	snapshotRequest chan *snapshotRequest
	triggerRequest  chan string
	jobFinished     chan *jobResult
	SnapshotReady   chan []JobSpec // after each finished job. closed when Run() returns
	stopped         chan struct{}
	jobLogger       *log.Logger
	now             func() time.Time
}

func New(jobs []*Job, jobLogger *log.Logger) *Controller {
	return &Controller{
		jobs:            jobs,
		snapshotRequest: make(chan *snapshotRequest),
		triggerRequest:  make(chan string),
		jobFinished:     make(chan *jobResult, 1),
		SnapshotReady:   make(chan []JobSpec, 2),
		stopped:         make(chan struct{}),
		jobLogger:       logex.NonNil(jobLogger),
		now:             time.Now,
	}
}

// Trigger starts a job now, regardless of its calendar. blocks until Run() picks it up;
// ErrStopped once Run() has returned.
func (s *Controller) Trigger(jobID string) error {
	select {
	case s.triggerRequest <- jobID:
		return nil
	case <-s.stopped:
		return ErrStopped
	}
}

// gets an atomic snapshot of scheduler's internal state. same blocking rules as Trigger().
func (s *Controller) Snapshot() ([]JobSpec, error) {
	result := make(chan []JobSpec, 1)

	select {
	case s.snapshotRequest <- &snapshotRequest{result}:
		return <-result, nil
	case <-s.stopped:
		return nil, ErrStopped
	}
}

// Run is the core of the scheduler. it runs single-threaded, but jobs run in their own
// goroutines and other interactions like requesting a snapshot of job state communicate via
// channels. on cancellation, waits for running jobs to finish.
func (s *Controller) Run(ctx context.Context) error {
	defer close(s.SnapshotReady)
	defer close(s.stopped)

	nextEarliestCh := func() <-chan time.Time {
		if len(s.jobs) == 0 {
			return nil // channel that blocks forever
		}

		earliest := s.jobs[0].Spec.NextRun
		for _, job := range s.jobs {
			if job.Spec.NextRun.Before(earliest) {
				earliest = job.Spec.NextRun
			}
		}

		return time.After(earliest.Sub(s.now()))
	}

	makeSnapshot := func() []JobSpec {
		jobCopies := []JobSpec{}

		for _, job := range s.jobs {
			jobCopies = append(jobCopies, copyJobSpec(job.Spec))
		}

		return jobCopies
	}

	recordJobFinished := func(jr *jobResult) {
		jr.job.Spec.LastRun = jr.run

		jr.job.Spec.Running = false

		s.SnapshotReady <- makeSnapshot()
	}

	nextJobBecomesRunnableCh := nextEarliestCh()

	for {
		select {
		case <-nextJobBecomesRunnableCh:
			now := s.now()

			for _, job := range s.jobs {
				if !job.Spec.NextRun.After(now) {
					s.startJob(ctx, job, now)
				}
			}

			nextJobBecomesRunnableCh = nextEarliestCh()
		case snapshotReq := <-s.snapshotRequest:
			snapshotReq.result <- makeSnapshot()
		case jobResult := <-s.jobFinished:
			recordJobFinished(jobResult)
		case jobID := <-s.triggerRequest:
			for _, job := range s.jobs {
				if job.Spec.ID == jobID {
					s.startJob(ctx, job, s.now())
					break
				}
			}
		case <-ctx.Done():
			for _, job := range s.jobs {
				if job.Spec.Running {
					// wait for the first of the N running jobs to finish - not necessarily
					// the "job" variable we have. it's mainly used to count # of unfinished jobs
					recordJobFinished(<-s.jobFinished)
				}
			}

			return nil
		}
	}
}

// runs missed while we were down (or while previous instance ran) coalesce into one, so
// the next run is computed from now and not from the previous NextRun
func (s *Controller) startJob(ctx context.Context, job *Job, now time.Time) {
	job.Spec.NextRun = job.Schedule.Next(now)

	jlog := logex.Prefix("scheduler/"+job.Spec.Description, s.jobLogger)
	jlogl := logex.Levels(jlog)

	if job.Spec.Running {
		jlogl.Error.Println("can't start job since previous instance is still running")
		return
	}

	job.Spec.Running = true

	jlogl.Info.Println("starting")

	go func() {
		started := s.now()

		errorStr := ""
		if err := job.Run(ctx, jlog); err != nil {
			errorStr = err.Error()
		}

		result := &jobResult{
			job: job,
			run: &JobLastRun{
				Started:  started,
				Error:    errorStr,
				Finished: s.now(),
			},
		}

		if errorStr != "" {
			jlogl.Error.Printf("in %s: %s", result.run.Runtime(), errorStr)
		} else {
			jlogl.Info.Printf("completed in %s", result.run.Runtime())
		}

		s.jobFinished <- result
	}()
}

func copyJobSpec(copied JobSpec) JobSpec {
	if copied.LastRun != nil {
		lastRunCopied := *copied.LastRun

		copied.LastRun = &lastRunCopied
	}

	return copied
}
