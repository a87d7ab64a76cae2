// Package scheduler implements the minute-granularity time-of-day task
// runner (spec §4.7, C7): a JSON-snapshot-backed task list, checked every
// 20s, with at-most-once-per-day gating per task.
//
// Grounded structurally on internal/cronjob/{job,store,scheduler}.go's
// shape (store + tick loop + concurrency-bounded execution); the
// scheduling algorithm itself is replaced wholesale with spec §4.7's
// HH:MM + last_run_date gating, since that is a purpose-built small state
// machine, not the teacher's generic cron-expression-driven calcNextRun.
package scheduler

import (
	"regexp"
	"time"
)

var timeHMPattern = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

// Task is a ScheduledTask (spec §3): {task id, time-of-day HH:MM, command
// text, enabled, description, last-run date, created-at}.
type Task struct {
	ID          string    `json:"id"`
	TimeHM      string    `json:"time_hm"`
	CommandText string    `json:"command_text"`
	Enabled     bool      `json:"enabled"`
	Description string    `json:"description"`
	LastRunDate string    `json:"last_run_date,omitempty"` // "YYYY-MM-DD"
	CreatedAt   time.Time `json:"created_at"`
}

// ValidTimeHM reports whether s matches the spec §3 invariant
// `[00-23]:[00-59]`.
func ValidTimeHM(s string) bool {
	return timeHMPattern.MatchString(s)
}
