// Durations in the units retention policies are thought of in
package duration

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	Day  = 24 * time.Hour
	Week = 7 * Day
)

// Humanize gives the rounded duration in its largest whole unit, like "3 days"
func Humanize(dur time.Duration) string {
	milliseconds := float64(dur.Milliseconds())
	seconds := int(math.Round(milliseconds / (1.0 * 1000.0)))
	minutes := int(math.Round(milliseconds / (60.0 * 1000.0)))
	hours := int(math.Round(milliseconds / (3600.0 * 1000.0)))
	days := int(math.Round(milliseconds / (86400.0 * 1000.0)))

	plural := func(num int, singular string, plural string) string {
		if num == 1 {
			return strconv.Itoa(num) + " " + singular
		} else {
			return strconv.Itoa(num) + " " + plural
		}
	}

	switch {
	case days > 0:
		return plural(days, "day", "days")
	case hours > 0:
		return plural(hours, "hour", "hours")
	case minutes > 0:
		return plural(minutes, "minute", "minutes")
	case seconds > 0:
		return plural(seconds, "second", "seconds")
	default:
		return plural(int(milliseconds), "millisecond", "milliseconds")
	}
}

// Parse is time.ParseDuration that also understands whole days and weeks ("30d", "2w",
// "1w3d12h"). days are always 24 hours.
func Parse(text string) (time.Duration, error) {
	rest := strings.TrimSpace(text)

	total := time.Duration(0)

	for _, unit := range []struct {
		suffix string
		length time.Duration
	}{
		{"w", Week},
		{"d", Day},
	} {
		pos := strings.Index(rest, unit.suffix)
		if pos == -1 {
			continue
		}

		count, err := strconv.Atoi(rest[:pos])
		if err != nil || count < 0 {
			return 0, fmt.Errorf("invalid duration '%s'", text)
		}

		total += time.Duration(count) * unit.length
		rest = rest[pos+1:]
	}

	if rest == "" {
		if total == 0 && strings.TrimSpace(text) == "" {
			return 0, fmt.Errorf("invalid duration '%s'", text)
		}

		return total, nil
	}

	remainder, err := time.ParseDuration(rest)
	if err != nil {
		return 0, fmt.Errorf("invalid duration '%s'", text)
	}

	return total + remainder, nil
}
