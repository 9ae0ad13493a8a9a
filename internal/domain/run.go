package domain

import "time"

// JobType names one of the two scheduled jobs.
type JobType string

const (
	JobPublish   JobType = "publish"
	JobReconcile JobType = "reconcile"
)

// Valid reports whether j is a known job.
func (j JobType) Valid() bool {
	return j == JobPublish || j == JobReconcile
}

// RunStatus is the terminal state of a job run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunSkipped   RunStatus = "skipped"
	RunFailed    RunStatus = "failed"
)

// RunMetadata summarises the latest run of a job. One row per job type,
// overwritten once at the end of every run that held the lock.
type RunMetadata struct {
	JobType        JobType       `json:"job_type"`
	LastRunAt      time.Time     `json:"last_run_at"`
	LastRunStatus  RunStatus     `json:"last_run_status"`
	RecordsScraped int           `json:"records_scraped"`
	EventsCreated  int           `json:"events_created"`
	EventsAdopted  int           `json:"events_adopted"`
	EventsSkipped  int           `json:"events_skipped"`
	ErrorsCount    int           `json:"errors_count"`
	Duration       time.Duration `json:"duration"`
}

// MaxErrorLogEntries caps the error log; older entries are evicted first.
const MaxErrorLogEntries = 100

// ErrorLogEntry is one line of the capped error log.
type ErrorLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	JobType   JobType   `json:"job_type"`
	Message   string    `json:"message"`
}
