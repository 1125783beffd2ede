package snapconfig

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/function61/gokit/fileexists"
	"github.com/function61/snapset/pkg/scheduler"
	"github.com/function61/snapset/pkg/snapgc"
	"github.com/function61/snapset/pkg/snaptypes"
	"gopkg.in/yaml.v3"
)

type Schedules struct {
	// empty = autoextend is not run by the daemon
	AutoextendCalendar string     `yaml:"autoextend_calendar"`
	Schedules          []Schedule `yaml:"schedules"`
}

// Schedule is a request template that the daemon (or "schedule run") turns into a set
// tagged with the schedule's name, followed by retention GC of that tag
type Schedule struct {
	Name         string     `yaml:"name"`
	Sources      []string   `yaml:"sources"` // SOURCE[:POLICY]
	Autoactivate bool       `yaml:"autoactivate"`
	Partial      bool       `yaml:"partial"`
	Calendar     string     `yaml:"calendar"`
	Retention    *Retention `yaml:"retention"` // nil = sets are kept until deleted manually
}

type Retention struct {
	KeepCount int       `yaml:"keep_count"`
	KeepAge   Duration  `yaml:"keep_age"`
	Timeline  *Timeline `yaml:"timeline"`
}

type Timeline struct {
	Hourly    int `yaml:"hourly"`
	Daily     int `yaml:"daily"`
	Weekly    int `yaml:"weekly"`
	Monthly   int `yaml:"monthly"`
	Quarterly int `yaml:"quarterly"`
	Yearly    int `yaml:"yearly"`
}

// LoadSchedules returns no schedules if path doesn't exist
func LoadSchedules(path string) (*Schedules, error) {
	exists, err := fileexists.Exists(path)
	if err != nil {
		return nil, err
	}

	if !exists {
		return &Schedules{}, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	schedules, err := ParseSchedules(file)
	if err != nil {
		return nil, fmt.Errorf("schedules %s: %w", path, err)
	}

	return schedules, nil
}

func ParseSchedules(content io.Reader) (*Schedules, error) {
	schedules := &Schedules{}

	decoder := yaml.NewDecoder(content)
	decoder.KnownFields(true)

	if err := decoder.Decode(schedules); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if err := schedules.Validate(); err != nil {
		return nil, err
	}

	return schedules, nil
}

func (s *Schedules) Validate() error {
	if s.AutoextendCalendar != "" {
		if _, err := scheduler.ParseCalendar(s.AutoextendCalendar); err != nil {
			return fmt.Errorf("autoextend_calendar: %w", err)
		}
	}

	seen := map[string]bool{}

	for _, schedule := range s.Schedules {
		if seen[schedule.Name] {
			return fmt.Errorf("duplicate schedule name: %s", schedule.Name)
		}
		seen[schedule.Name] = true

		if err := schedule.Validate(); err != nil {
			return fmt.Errorf("schedule %s: %w", schedule.Name, err)
		}
	}

	return nil
}

func (s *Schedules) Find(name string) (*Schedule, error) {
	for idx := range s.Schedules {
		if s.Schedules[idx].Name == name {
			return &s.Schedules[idx], nil
		}
	}

	return nil, fmt.Errorf("schedule %s: %w", name, snaptypes.ErrNotFound)
}

func (s Schedule) Validate() error {
	if err := snaptypes.ValidateSetName(s.Name); err != nil {
		return err
	}

	if len(s.Sources) == 0 {
		return snaptypes.ErrNoSources
	}

	if _, err := s.sourceSpecs(); err != nil {
		return err
	}

	if _, err := scheduler.ParseCalendar(s.Calendar); err != nil {
		return err
	}

	if policy := s.Policy(); policy != nil {
		if err := policy.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// Request for a set taken at now. names are "<schedule>.<UTC time>" so that every run gets
// its own set name.
func (s Schedule) Request(now time.Time) (snaptypes.Request, error) {
	sources, err := s.sourceSpecs()
	if err != nil {
		return snaptypes.Request{}, err
	}

	timestamp := now.UTC().Truncate(time.Second)

	mode := snaptypes.ModeAtomic
	if s.Partial {
		mode = snaptypes.ModePartial
	}

	return snaptypes.Request{
		Name:         s.Name + "." + timestamp.Format("20060102-150405"),
		Sources:      sources,
		Autoactivate: s.Autoactivate,
		Tag:          s.Name,
		Mode:         mode,
		Timestamp:    timestamp,
	}, nil
}

// Policy is nil if the schedule has no retention
func (s Schedule) Policy() *snapgc.Policy {
	if s.Retention == nil {
		return nil
	}

	policy := &snapgc.Policy{
		Tag:       s.Name,
		KeepCount: s.Retention.KeepCount,
		KeepAge:   s.Retention.KeepAge.Duration,
	}

	if tl := s.Retention.Timeline; tl != nil {
		policy.Timeline = &snapgc.Timeline{
			Hourly:    tl.Hourly,
			Daily:     tl.Daily,
			Weekly:    tl.Weekly,
			Monthly:   tl.Monthly,
			Quarterly: tl.Quarterly,
			Yearly:    tl.Yearly,
		}
	}

	return policy
}

func (s Schedule) sourceSpecs() ([]snaptypes.SourceSpec, error) {
	specs := []snaptypes.SourceSpec{}
	for _, source := range s.Sources {
		spec, err := snaptypes.ParseSourceSpec(source)
		if err != nil {
			return nil, err
		}

		specs = append(specs, spec)
	}

	return specs, nil
}
