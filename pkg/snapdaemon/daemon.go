// Long-running mode: triggers schedules and autoextend by their calendars. the core itself
// has no loops of its own; this is the external trigger.
package snapdaemon

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/snapset/pkg/scheduler"
	"github.com/function61/snapset/pkg/snapconfig"
	"github.com/function61/snapset/pkg/snapmanager"
	"github.com/function61/snapset/pkg/snaptypes"
)

const (
	autoextendJobID = "autoextend"
	schedulePrefix  = "schedule:"
)

type ScheduleResult struct {
	Set      *snaptypes.Set // nil if creation failed
	Deleted  []snaptypes.SetID
	Warnings []snaptypes.Warning
}

// RunSchedule creates a set from the schedule's template and then applies its retention.
// retention is not applied if no set could be created, so that a failing schedule doesn't
// prune its last good sets. a partially created set counts as created.
func RunSchedule(
	ctx context.Context,
	manager *snapmanager.Manager,
	schedule snapconfig.Schedule,
	now time.Time,
) (*ScheduleResult, error) {
	req, err := schedule.Request(now)
	if err != nil {
		return nil, err
	}

	result := &ScheduleResult{}

	set, createErr := manager.PlanAndCreate(ctx, req)
	if createErr != nil && (set == nil || !snaptypes.IsPartialFailure(createErr)) {
		return result, createErr
	}

	result.Set = set

	if policy := schedule.Policy(); policy != nil {
		deleted, warnings, err := manager.RunGC(ctx, *policy)
		if err != nil {
			return result, err
		}

		result.Deleted = deleted
		result.Warnings = warnings
	}

	return result, createErr
}

type Daemon struct {
	manager         *snapmanager.Manager
	schedules       *snapconfig.Schedules
	jobStore        *JobStore
	metricsTextfile string
	logger          *log.Logger
	log             *logex.Leveled
}

func New(
	manager *snapmanager.Manager,
	schedules *snapconfig.Schedules,
	jobStore *JobStore,
	metricsTextfile string,
	logger *log.Logger,
) *Daemon {
	return &Daemon{
		manager:         manager,
		schedules:       schedules,
		jobStore:        jobStore,
		metricsTextfile: metricsTextfile,
		logger:          logger,
		log:             logex.Levels(logex.Prefix("daemon", logex.NonNil(logger))),
	}
}

func (d *Daemon) Run(ctx context.Context) error {
	jobs, err := d.Jobs(time.Now())
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		return errors.New("nothing to do: no schedules and no autoextend_calendar configured")
	}

	controller := scheduler.New(jobs, d.logger)

	controllerErr := make(chan error, 1)
	go func() {
		controllerErr <- controller.Run(ctx)
	}()

	go d.started(controller)

	// SnapshotReady is closed when controller stops
	for snapshot := range controller.SnapshotReady {
		if err := d.handleSnapshot(snapshot); err != nil {
			d.log.Error.Printf("handleSnapshot: %v", err)
		}
	}

	return <-controllerErr
}

// snapshots may have filled up while we were down, so autoextend doesn't wait for its calendar
func (d *Daemon) started(controller *scheduler.Controller) {
	if d.schedules.AutoextendCalendar != "" {
		if err := controller.Trigger(autoextendJobID); err != nil {
			d.log.Error.Printf("triggering autoextend: %v", err)
			return
		}
	}

	specs, err := controller.Snapshot()
	if err != nil {
		d.log.Error.Printf("job state: %v", err)
		return
	}

	for _, spec := range specs {
		d.log.Info.Printf("job %s next run %s", spec.ID, spec.NextRun.Format(time.RFC3339))
	}
}

// Jobs returns one job per schedule plus autoextend, with state restored from the job store
func (d *Daemon) Jobs(now time.Time) ([]*scheduler.Job, error) {
	jobs := []*scheduler.Job{}

	if d.schedules.AutoextendCalendar != "" {
		job, err := d.newJob(autoextendJobID, "autoextend", d.schedules.AutoextendCalendar, d.runAutoextend, now)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, job)
	}

	for _, schedule := range d.schedules.Schedules {
		job, err := d.newJob(schedulePrefix+schedule.Name, schedule.Name, schedule.Calendar, d.scheduleRunner(schedule), now)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, job)
	}

	return jobs, nil
}

func (d *Daemon) newJob(id string, description string, calendar string, run scheduler.JobFn, now time.Time) (*scheduler.Job, error) {
	spec, err := d.jobStore.jobSpec(id, description, calendar)
	if err != nil {
		return nil, err
	}

	return scheduler.NewJob(spec, run, now)
}

func (d *Daemon) scheduleRunner(schedule snapconfig.Schedule) scheduler.JobFn {
	return func(ctx context.Context, logger *log.Logger) error {
		logl := logex.Levels(logger)

		result, err := RunSchedule(ctx, d.manager, schedule, time.Now())

		if result != nil {
			if result.Set != nil {
				logl.Info.Printf("created %s (%s)", result.Set.ID, result.Set.State)
			}

			for _, deleted := range result.Deleted {
				logl.Info.Printf("retention deleted %s", deleted)
			}

			for _, warning := range result.Warnings {
				logl.Error.Println(warning.String())
			}
		}

		return err
	}
}

func (d *Daemon) runAutoextend(ctx context.Context, logger *log.Logger) error {
	warnings, err := d.manager.RunAutoextend(ctx)

	for _, warning := range warnings {
		logex.Levels(logger).Error.Println(warning.String())
	}

	return err
}

func (d *Daemon) handleSnapshot(snapshot []scheduler.JobSpec) error {
	if err := d.jobStore.Save(snapshot); err != nil {
		return err
	}

	metrics := d.manager.Metrics()
	for _, spec := range snapshot {
		if spec.LastRun != nil {
			metrics.JobRan(spec.ID, spec.LastRun.Runtime(), spec.LastRun.Finished)
		}
	}

	if d.metricsTextfile == "" {
		return nil
	}

	return d.manager.WriteMetrics(d.metricsTextfile)
}
