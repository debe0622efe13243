package maintenance

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts a cron expression ("*/5 * * * *", "@hourly",
// "@every 1m") or a plain Go duration ("90s"). "off" and "" disable the task.
func ParseSchedule(raw string) (cron.Schedule, bool, error) {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "", "off", "disabled":
		return nil, false, nil
	}
	if !strings.ContainsAny(s, " \t") && !strings.HasPrefix(s, "@") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, false, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *' or a duration like '5m')", raw)
		}
		if d < time.Second {
			return nil, false, fmt.Errorf("schedule interval must be >= 1s, got %s", d)
		}
		return cron.Every(d), true, nil
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return nil, false, fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return sched, true, nil
}
