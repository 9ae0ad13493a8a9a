package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	temporalworker "go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"example.com/buskercal/internal/domain"
	"example.com/buskercal/internal/jobs"
)

const (
	jobWorkflowName    = "buskercal.job"
	runJobActivityName = "buskercal.job.run"

	defaultRunTimeout = 30 * time.Minute
)

// JobInput is the workflow argument.
type JobInput struct {
	Job    domain.JobType `json:"job"`
	Reason string         `json:"reason,omitempty"`
}

// JobActivities hosts the activity that runs a job against this process's
// store and calendar.
type JobActivities struct {
	runner Runner
	logger *slog.Logger
}

func NewJobActivities(r Runner, logger *slog.Logger) *JobActivities {
	return &JobActivities{runner: r, logger: logger}
}

// RunJob executes one job. The job records its own status and error log, so a
// failed run is a normal result here; only an unknown job is an error.
func (a *JobActivities) RunJob(ctx context.Context, input JobInput) (jobs.Result, error) {
	res, err := a.runner.Execute(ctx, input.Job)
	if err != nil {
		a.logger.Error("activity run job failed", "job", input.Job, "error", err, "reason", input.Reason)
		return res, temporal.NewNonRetryableApplicationError(err.Error(), "UnknownJob", err)
	}
	a.logger.Info("activity run job", "job", input.Job, "status", res.Status, "created", res.Created, "errors", res.Errors, "reason", input.Reason)
	return res, nil
}

// JobWorkflow runs a single job activity. The job has its own retry engine
// and lock, so the activity is attempted once.
func JobWorkflow(ctx workflow.Context, input JobInput) (jobs.Result, error) {
	logger := workflow.GetLogger(ctx)
	if !input.Job.Valid() {
		return jobs.Result{}, fmt.Errorf("unknown job %q", input.Job)
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: defaultRunTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	logger.Info("job workflow started", "job", input.Job, "reason", input.Reason)
	var res jobs.Result
	if err := workflow.ExecuteActivity(ctx, runJobActivityName, input).Get(ctx, &res); err != nil {
		logger.Error("job activity failed", "job", input.Job, "error", err)
		return res, err
	}
	logger.Info("job workflow finished", "job", input.Job, "status", res.Status)
	return res, nil
}

// RegisterWorker wires up the Temporal worker consuming taskQueue.
func RegisterWorker(c client.Client, r Runner, taskQueue string, logger *slog.Logger) temporalworker.Worker {
	w := temporalworker.New(c, taskQueue, temporalworker.Options{})
	w.RegisterWorkflowWithOptions(JobWorkflow, workflow.RegisterOptions{Name: jobWorkflowName})
	activities := NewJobActivities(r, logger.With("component", "job.activities"))
	w.RegisterActivityWithOptions(activities.RunJob, activity.RegisterOptions{Name: runJobActivityName})
	return w
}

// Temporal starts each job as a workflow and waits for it, so runs triggered
// by any replica land on the workers polling taskQueue.
type Temporal struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

var _ jobs.Dispatcher = (*Temporal)(nil)

func NewTemporal(c client.Client, taskQueue string, logger *slog.Logger) *Temporal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Temporal{client: c, taskQueue: taskQueue, logger: logger.With("component", "dispatch.temporal")}
}

func (t *Temporal) Dispatch(ctx context.Context, job domain.JobType) (jobs.Result, error) {
	options := client.StartWorkflowOptions{
		ID:                       fmt.Sprintf("%s-%d", job, time.Now().UnixNano()),
		TaskQueue:                t.taskQueue,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionTimeout: defaultRunTimeout + 5*time.Minute,
	}
	we, err := t.client.ExecuteWorkflow(ctx, options, jobWorkflowName, JobInput{Job: job, Reason: "dispatch"})
	if err != nil {
		t.logger.Error("start workflow failed", "job", job, "error", err)
		return jobs.Result{}, err
	}
	var res jobs.Result
	err = we.Get(ctx, &res)
	res.WorkflowID = we.GetID()
	res.RunID = we.GetRunID()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			t.logger.Warn("stopped waiting for workflow", "workflow_id", res.WorkflowID, "job", job)
		} else {
			t.logger.Error("wait workflow failed", "workflow_id", res.WorkflowID, "job", job, "error", err)
		}
		return res, err
	}
	t.logger.Info("workflow completed", "workflow_id", res.WorkflowID, "run_id", res.RunID, "job", job, "status", res.Status)
	return res, nil
}
