package models

import "time"

// ScheduleKind selects how a schedule computes its next firing time.
type ScheduleKind string

const (
	// ScheduleAt fires once at a fixed time, then disables itself.
	ScheduleAt ScheduleKind = "at"

	// ScheduleEvery fires on a fixed interval.
	ScheduleEvery ScheduleKind = "every"

	// ScheduleCron fires per a cron expression, optionally in a timezone.
	ScheduleCron ScheduleKind = "cron"
)

// Schedule is a recurring or one-shot prompt registration. NextRunAt always
// advances from its previous value so missed occurrences are skipped rather
// than replayed.
type Schedule struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Kind       ScheduleKind  `json:"kind"`
	At         time.Time     `json:"at,omitempty"`
	Every      time.Duration `json:"every,omitempty"`
	CronExpr   string        `json:"cron_expr,omitempty"`
	Timezone   string        `json:"timezone,omitempty"`
	Prompt     string        `json:"prompt"`
	WorkerType string        `json:"worker_type,omitempty"`
	Enabled    bool          `json:"enabled"`
	NextRunAt  time.Time     `json:"next_run_at,omitempty"`
	LastRunAt  time.Time     `json:"last_run_at,omitempty"`
	LastRunID  string        `json:"last_run_id,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// SessionID returns the synthetic session a schedule's runs execute under.
func (s *Schedule) SessionID() string {
	return "sched:" + s.ID
}
