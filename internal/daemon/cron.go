package daemon

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// defaultCleanupCron is the pool cleanup schedule used when the configured
// expression cannot be parsed.
const defaultCleanupCron = "*/10 * * * *"

// cleanupCronParser accepts standard 5-field cron expressions
// (minute, hour, dom, month, dow).
var cleanupCronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCleanupDelay returns the duration until the next fire time of the
// pool cleanup schedule.
func nextCleanupDelay(expr string) (time.Duration, error) {
	sched, err := cleanupCronParser.Parse(expr)
	if err != nil {
		return 0, fmt.Errorf("daemon: cleanup schedule %q: %w", expr, err)
	}
	d := time.Until(sched.Next(time.Now()))
	if d < 0 {
		d = 0
	}
	return d, nil
}
