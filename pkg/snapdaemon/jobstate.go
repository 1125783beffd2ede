package snapdaemon

import (
	"errors"
	"fmt"
	"time"

	"github.com/function61/snapset/pkg/blorm"
	"github.com/function61/snapset/pkg/scheduler"
	"go.etcd.io/bbolt"
)

// persisted so that restarting the daemon doesn't forget when jobs last ran
type ScheduledJob struct {
	ID          string
	Description string
	Calendar    string
	NextRun     time.Time
	LastRun     *ScheduledJobLastRun
}

type ScheduledJobLastRun struct {
	Started  time.Time
	Finished time.Time
	Error    string
}

var scheduledJobRepository = blorm.NewSimpleRepo(
	"scheduledjobs",
	func() any { return &ScheduledJob{} },
	func(record any) []byte { return []byte(record.(*ScheduledJob).ID) })

type JobStore struct {
	db *bbolt.DB
}

// OpenJobStore fails (after a timeout) if another daemon has the store open
func OpenJobStore(path string) (*JobStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("job state %s: %w", path, err)
	}

	if err := db.Update(scheduledJobRepository.Bootstrap); err != nil {
		db.Close()
		return nil, err
	}

	return &JobStore{db}, nil
}

func (j *JobStore) Close() error {
	return j.db.Close()
}

func (j *JobStore) Get(id string) (*ScheduledJob, error) {
	job := &ScheduledJob{}

	if err := j.db.View(func(tx *bbolt.Tx) error {
		return scheduledJobRepository.OpenByPrimaryKey([]byte(id), job, tx)
	}); err != nil {
		return nil, err
	}

	return job, nil
}

func (j *JobStore) All() ([]ScheduledJob, error) {
	jobs := []ScheduledJob{}

	return jobs, j.db.View(func(tx *bbolt.Tx) error {
		return scheduledJobRepository.Each(func(record any) error {
			jobs = append(jobs, *record.(*ScheduledJob))
			return nil
		}, tx)
	})
}

// Save stores scheduler's state. jobs no longer configured are dropped.
func (j *JobStore) Save(snapshot []scheduler.JobSpec) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		configured := map[string]bool{}

		for _, spec := range snapshot {
			configured[spec.ID] = true

			if err := scheduledJobRepository.Update(&ScheduledJob{
				ID:          spec.ID,
				Description: spec.Description,
				Calendar:    spec.Calendar,
				NextRun:     spec.NextRun,
				LastRun:     convertLastRunToDb(spec.LastRun),
			}, tx); err != nil {
				return err
			}
		}

		stale := []*ScheduledJob{}
		if err := scheduledJobRepository.Each(func(record any) error {
			if job := record.(*ScheduledJob); !configured[job.ID] {
				stale = append(stale, job)
			}
			return nil
		}, tx); err != nil {
			return err
		}

		for _, job := range stale {
			if err := scheduledJobRepository.Delete(job, tx); err != nil {
				return err
			}
		}

		return nil
	})
}

// jobSpec restores state of a configured job. NextRun is carried over only if the calendar
// is unchanged.
func (j *JobStore) jobSpec(id string, description string, calendar string) (scheduler.JobSpec, error) {
	spec := scheduler.JobSpec{
		ID:          id,
		Description: description,
		Calendar:    calendar,
	}

	stored, err := j.Get(id)
	if err != nil {
		if errors.Is(err, blorm.ErrNotFound) {
			return spec, nil
		}

		return spec, err
	}

	if stored.Calendar == calendar {
		spec.NextRun = stored.NextRun
	}

	if stored.LastRun != nil {
		spec.LastRun = &scheduler.JobLastRun{
			Started:  stored.LastRun.Started,
			Finished: stored.LastRun.Finished,
			Error:    stored.LastRun.Error,
		}
	}

	return spec, nil
}

func convertLastRunToDb(lastRun *scheduler.JobLastRun) *ScheduledJobLastRun {
	if lastRun == nil {
		return nil
	}

	return &ScheduledJobLastRun{
		Started:  lastRun.Started,
		Finished: lastRun.Finished,
		Error:    lastRun.Error,
	}
}
