// Package scheduler fires tasks and heartbeats: one-shot delays from a durable
// SQLite queue, recurring schedules from an in-process cron, both bounded by
// channel-based concurrency caps.
package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions, descriptors like @daily,
// and a CRON_TZ= prefix.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronSpec pins expr to timezone tz (UTC when empty).
func CronSpec(expr, tz string) string {
	if tz == "" {
		tz = "UTC"
	}
	return "CRON_TZ=" + tz + " " + strings.TrimSpace(expr)
}

// ParseCron validates expr in timezone tz and returns its schedule.
func ParseCron(expr, tz string) (cron.Schedule, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("cron: empty expression")
	}
	if strings.Contains(expr, "TZ=") {
		return nil, fmt.Errorf("cron: pass the timezone separately, not in %q", expr)
	}
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("cron: timezone %q: %w", tz, err)
		}
	}
	sched, err := cronParser.Parse(CronSpec(expr, tz))
	if err != nil {
		return nil, fmt.Errorf("cron: %w", err)
	}
	return sched, nil
}
