package delayed

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"remindd/internal/schedule"
)

var patternParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CronSpec renders a recurring trigger as a five-field cron expression.
func CronSpec(r schedule.Recurring) string {
	days := r.Days.Days()
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(int(d))
	}
	return fmt.Sprintf("%d %d * * %s", r.At.Minute, r.At.Hour, strings.Join(parts, ","))
}

// Occurrences returns the instants of r strictly after `after`, covering
// `weeks` weeks (one per matching weekday per week), in loc.
func Occurrences(r schedule.Recurring, loc *time.Location, after time.Time, weeks int) ([]time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	if weeks <= 0 || r.Days.Empty() {
		return nil, nil
	}
	sched, err := patternParser.Parse(CronSpec(r))
	if err != nil {
		return nil, fmt.Errorf("parse recurring pattern: %w", err)
	}
	n := weeks * len(r.Days.Days())
	out := make([]time.Time, 0, n)
	t := after.In(loc)
	for len(out) < n {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}
