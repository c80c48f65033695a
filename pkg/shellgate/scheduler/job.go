// Package scheduler executes persisted cron jobs with retries and a
// concurrency cap. Jobs are stored one JSON file each under cron/jobs/,
// timestamps as ISO-8601 strings; the schedule expressions are parsed with
// robfig/cron in the job's timezone.
package scheduler

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job is one persisted schedule entry.
type Job struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	CronExpression  string     `json:"cron_expression"`
	Command         string     `json:"command"`
	ChannelID       string     `json:"channel_id"`
	Enabled         bool       `json:"enabled"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastExecutedAt  *time.Time `json:"last_executed_at,omitempty"`
	NextExecutionAt *time.Time `json:"next_execution_at,omitempty"`
	ExecutionCount  int        `json:"execution_count"`
	FailureCount    int        `json:"failure_count"`
	LastError       string     `json:"last_error,omitempty"`
	Timezone        string     `json:"timezone,omitempty"`
}

// Validate checks the fields required before a job can be stored.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.CronExpression == "" {
		return fmt.Errorf("job cron expression is required")
	}
	if j.Command == "" {
		return fmt.Errorf("job command is required")
	}
	return nil
}

// Clone returns a deep copy so callers can hand jobs out without exposing
// the scheduler's cached copy to mutation.
func (j *Job) Clone() *Job {
	c := *j
	if j.LastExecutedAt != nil {
		t := *j.LastExecutedAt
		c.LastExecutedAt = &t
	}
	if j.NextExecutionAt != nil {
		t := *j.NextExecutionAt
		c.NextExecutionAt = &t
	}
	return &c
}

// ToJSON serializes the job for tool output and the CLI.
func (j *Job) ToJSON() string {
	b, _ := json.MarshalIndent(j, "", "  ")
	return string(b)
}
