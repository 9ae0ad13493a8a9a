package jobs

import (
	"time"

	"example.com/buskercal/internal/domain"
	"example.com/buskercal/internal/publish"
	"example.com/buskercal/internal/reconcile"
)

// Result summarises one job run. It crosses process boundaries (Temporal,
// HTTP), so it only carries plain values.
type Result struct {
	Job         domain.JobType   `json:"job"`
	Status      domain.RunStatus `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	Duration    time.Duration    `json:"duration_ns"`
	Records     int              `json:"records"`
	Created     int              `json:"created"`
	Adopted     int              `json:"adopted,omitempty"`
	Skipped     int              `json:"skipped"`
	Errors      int              `json:"errors"`
	Interrupted bool             `json:"interrupted,omitempty"`
	Error       string           `json:"error,omitempty"`
	// Reconcile-only counters.
	Updated    int `json:"updated,omitempty"`
	Relinked   int `json:"relinked,omitempty"`
	Stale      int `json:"stale,omitempty"`
	Orphans    int `json:"orphans,omitempty"`
	Duplicates int `json:"duplicates,omitempty"`
	Deleted    int `json:"deleted,omitempty"`
	Purged     int `json:"purged,omitempty"`

	WorkflowID string `json:"workflow_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
}

func fromPublish(r publish.Report) Result {
	res := Result{
		Job:         domain.JobPublish,
		Status:      r.Status,
		StartedAt:   r.StartedAt,
		Duration:    r.Duration,
		Records:     r.RecordsScraped,
		Created:     r.EventsCreated,
		Adopted:     r.EventsAdopted,
		Skipped:     r.EventsSkipped,
		Errors:      r.ErrorsCount,
		Interrupted: r.Interrupted,
	}
	if r.Err != nil {
		res.Error = r.Err.Error()
	}
	return res
}

func fromReconcile(r reconcile.Report) Result {
	res := Result{
		Job:         domain.JobReconcile,
		Status:      r.Status,
		StartedAt:   r.StartedAt,
		Duration:    r.Duration,
		Records:     r.Stored,
		Created:     r.Recreated,
		Skipped:     r.InSync,
		Errors:      r.ErrorsCount,
		Interrupted: r.Interrupted,
		Updated:     r.Updated,
		Relinked:    r.Relinked,
		Stale:       r.MarkedStale,
		Orphans:     r.Orphans,
		Duplicates:  r.Duplicates,
		Deleted:     r.Deleted,
		Purged:      r.Purged,
	}
	if r.Err != nil {
		res.Error = r.Err.Error()
	}
	return res
}
