package trigger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Spec is a normalized tick schedule: a cron expression, or a fixed
// interval rendered as "@every <d>".
type Spec struct {
	Cron   string
	Every  time.Duration
	Source string // "cron", "duration" or "hhmm"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSpec accepts
//   - cron: "*/1 * * * *", "0 */1 * * * *" (seconds optional), "@every 1m", "@hourly"
//   - a Go duration: "30s", "1m"
//   - an HH:MM interval: "00:01" is one minute
//
// A "cron:" prefix forces cron; "every:" or "interval:" forces an interval.
func ParseSpec(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("tick spec required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Spec{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return Spec{Cron: expr, Source: "cron"}, nil
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return Spec{Cron: s, Source: "cron"}, nil
	default:
		return parseInterval(s)
	}
}

func parseInterval(v string) (Spec, error) {
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Spec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return Spec{}, fmt.Errorf("interval must be > 0")
		}
		return Spec{Cron: "@every " + d.String(), Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid tick spec %q (use cron like '* * * * *', HH:MM like '00:01', or a duration like '1m')", v)
	}
	if d <= 0 {
		return Spec{}, fmt.Errorf("interval must be > 0")
	}
	return Spec{Cron: "@every " + d.String(), Every: d, Source: "duration"}, nil
}
