package snapconfig

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
	"github.com/function61/snapset/pkg/snaptypes"
)

const exampleSchedules = `
autoextend_calendar: "*/10 * * * *"
schedules:
  - name: nightly
    sources: ["/:10%SIZE", "/var"]
    calendar: "0 3 * * *"
    retention:
      keep_count: 14
      keep_age: 30d
      timeline:
        daily: 7
        weekly: 4
  - name: hourly-home
    sources: ["/home"]
    partial: true
    autoactivate: true
    calendar: "@hourly"
`

func TestParseSchedules(t *testing.T) {
	schedules, err := ParseSchedules(strings.NewReader(exampleSchedules))
	assert.Ok(t, err)
	assert.EqualString(t, schedules.AutoextendCalendar, "*/10 * * * *")
	assert.Assert(t, len(schedules.Schedules) == 2)

	nightly, err := schedules.Find("nightly")
	assert.Ok(t, err)

	policy := nightly.Policy()
	assert.EqualString(t, policy.Tag, "nightly")
	assert.Assert(t, policy.KeepCount == 14)
	assert.Assert(t, policy.KeepAge == 30*24*time.Hour)
	assert.Assert(t, policy.Timeline.Daily == 7 && policy.Timeline.Weekly == 4 && policy.Timeline.Hourly == 0)

	hourly, err := schedules.Find("hourly-home")
	assert.Ok(t, err)
	assert.Assert(t, hourly.Policy() == nil)

	_, err = schedules.Find("weekly")
	assert.Assert(t, errors.Is(err, snaptypes.ErrNotFound))
}

func TestScheduleRequest(t *testing.T) {
	schedules, err := ParseSchedules(strings.NewReader(exampleSchedules))
	assert.Ok(t, err)

	now := time.Date(2024, 3, 1, 14, 0, 0, 123, time.FixedZone("EET", 2*3600))

	req, err := schedules.Schedules[0].Request(now)
	assert.Ok(t, err)
	assert.EqualString(t, req.Name, "nightly.20240301-120000")
	assert.EqualString(t, req.Tag, "nightly")
	assert.EqualString(t, string(req.Mode), "atomic")
	assert.Assert(t, req.Timestamp.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
	assert.Assert(t, len(req.Sources) == 2)
	assert.EqualString(t, req.Sources[0].String(), "/:10%SIZE")
	assert.Assert(t, req.Sources[1].Policy == nil)

	assert.Ok(t, snaptypes.ValidateSetName(req.Name))

	partial, err := schedules.Schedules[1].Request(now)
	assert.Ok(t, err)
	assert.EqualString(t, string(partial.Mode), "partial")
	assert.Assert(t, partial.Autoactivate)
}

func TestParseSchedulesValidates(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		errText string
	}{
		{"bad calendar", `
schedules:
  - name: x
    sources: [/]
    calendar: "whenever"`, "schedule x: calendar 'whenever'"},
		{"no sources", `
schedules:
  - name: x
    calendar: "@daily"`, "schedule x: no sources"},
		{"bad name", `
schedules:
  - name: "my schedule"
    sources: [/]
    calendar: "@daily"`, "must be non-empty"},
		{"duplicate", `
schedules:
  - {name: x, sources: [/], calendar: "@daily"}
  - {name: x, sources: [/var], calendar: "@daily"}`, "duplicate schedule name: x"},
		{"retention keeping everything", `
schedules:
  - name: x
    sources: [/]
    calendar: "@daily"
    retention: {}`, "keeps everything"},
		{"unknown field", `
schedules:
  - name: x
    sources: [/]
    calender: "@daily"`, "calender"},
		{"bad size policy", `
schedules:
  - name: x
    sources: ["/:200%SIZE"]
    calendar: "@daily"`, "cannot exceed 100%"},
	} {
		tc := tc // pin

		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSchedules(strings.NewReader(tc.content))
			assert.Assert(t, err != nil)
			assert.Assert(t, strings.Contains(err.Error(), tc.errText))
		})
	}
}

func TestLoadSchedulesMissingFile(t *testing.T) {
	schedules, err := LoadSchedules(filepath.Join(t.TempDir(), "schedules.yaml"))
	assert.Ok(t, err)
	assert.Assert(t, len(schedules.Schedules) == 0)
}

func TestLoadSchedulesEmptyFile(t *testing.T) {
	schedules, err := LoadSchedules(writeFile(t, "schedules.yaml", ""))
	assert.Ok(t, err)
	assert.Assert(t, len(schedules.Schedules) == 0)
}
