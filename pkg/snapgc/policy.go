package snapgc

import (
	"fmt"
	"time"

	"github.com/function61/snapset/pkg/snaptypes"
	"github.com/samber/lo"
)

// Policy selects sets of one tag for deletion. a set is deleted if any of the configured
// rules selects it.
type Policy struct {
	Tag       string
	KeepCount int           // keep this many newest sets. 0 = rule not in use
	KeepAge   time.Duration // delete sets older than this. 0 = rule not in use
	Timeline  *Timeline
}

// Timeline keeps the first set of each hour, day, week, month, quarter and year, up to the
// configured count per category. a set counts only toward the longest period it starts.
type Timeline struct {
	Hourly    int
	Daily     int
	Weekly    int
	Monthly   int
	Quarterly int
	Yearly    int
}

func (p Policy) Validate() error {
	if p.Tag == "" {
		return fmt.Errorf("%w: retention policy needs a tag", snaptypes.ErrInvalidRequest)
	}

	if p.KeepCount < 0 || p.KeepAge < 0 {
		return fmt.Errorf("%w: negative retention", snaptypes.ErrInvalidRequest)
	}

	if p.KeepCount == 0 && p.KeepAge == 0 && p.Timeline == nil {
		return fmt.Errorf("%w: retention policy for %s keeps everything", snaptypes.ErrInvalidRequest, p.Tag)
	}

	return nil
}

// Select returns the sets to delete, oldest first. sets must be sorted oldest first.
func (p Policy) Select(sets []snaptypes.Set, now time.Time, loc *time.Location) []snaptypes.Set {
	doomed := map[snaptypes.SetID]bool{}

	if p.KeepCount > 0 && len(sets) > p.KeepCount {
		for _, set := range sets[:len(sets)-p.KeepCount] {
			doomed[set.ID] = true
		}
	}

	if p.KeepAge > 0 {
		for _, set := range sets {
			if set.Age(now) > p.KeepAge {
				doomed[set.ID] = true
			}
		}
	}

	if p.Timeline != nil {
		for _, set := range p.Timeline.expired(sets, loc) {
			doomed[set.ID] = true
		}
	}

	return lo.Filter(sets, func(set snaptypes.Set, _ int) bool {
		return doomed[set.ID]
	})
}

type timelineCategory struct {
	keep     func(t *Timeline) int
	boundary func(ts time.Time) time.Time
	eligible func(ts time.Time) bool
}

func startOfDay(ts time.Time) time.Time {
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, ts.Location())
}

func quarterMonth(month time.Month) bool {
	switch month {
	case time.January, time.April, time.July, time.October:
		return true
	default:
		return false
	}
}

// longest period first: a set starting a year also starts a quarter, month and so on
var timelineCategories = []timelineCategory{
	{ // yearly
		keep:     func(t *Timeline) int { return t.Yearly },
		boundary: func(ts time.Time) time.Time { return time.Date(ts.Year(), 1, 1, 0, 0, 0, 0, ts.Location()) },
		eligible: func(time.Time) bool { return true },
	},
	{ // quarterly
		keep: func(t *Timeline) int { return t.Quarterly },
		boundary: func(ts time.Time) time.Time {
			return time.Date(ts.Year(), ((ts.Month()-1)/3)*3+1, 1, 0, 0, 0, 0, ts.Location())
		},
		eligible: func(ts time.Time) bool { return quarterMonth(ts.Month()) },
	},
	{ // monthly
		keep:     func(t *Timeline) int { return t.Monthly },
		boundary: func(ts time.Time) time.Time { return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, ts.Location()) },
		eligible: func(ts time.Time) bool { return !quarterMonth(ts.Month()) },
	},
	{ // weekly
		keep: func(t *Timeline) int { return t.Weekly },
		boundary: func(ts time.Time) time.Time {
			return startOfDay(ts) // eligible only on Mondays, so the day is the week's start
		},
		eligible: func(ts time.Time) bool { return ts.Weekday() == time.Monday },
	},
	{ // daily
		keep:     func(t *Timeline) int { return t.Daily },
		boundary: startOfDay,
		eligible: func(time.Time) bool { return true },
	},
	{ // hourly
		keep:     func(t *Timeline) int { return t.Hourly },
		boundary: func(ts time.Time) time.Time { return ts.Truncate(time.Hour) },
		eligible: func(time.Time) bool { return true },
	},
}

// sets beyond the per-category keep counts. sets not starting any period (a second set
// within one hour) are never selected.
func (t *Timeline) expired(sets []snaptypes.Set, loc *time.Location) []snaptypes.Set {
	classified := make([][]snaptypes.Set, len(timelineCategories))
	seen := make([]map[time.Time]bool, len(timelineCategories))
	for idx := range seen {
		seen[idx] = map[time.Time]bool{}
	}

	for _, set := range sets {
		ts := set.Timestamp.In(loc)

		for idx, category := range timelineCategories {
			if !category.eligible(ts) {
				continue
			}

			boundary := category.boundary(ts)
			if seen[idx][boundary] {
				continue
			}

			seen[idx][boundary] = true
			classified[idx] = append(classified[idx], set)
			break
		}
	}

	expired := []snaptypes.Set{}
	for idx, category := range timelineCategories {
		if excess := len(classified[idx]) - category.keep(t); excess > 0 {
			expired = append(expired, classified[idx][:excess]...)
		}
	}

	return expired
}
