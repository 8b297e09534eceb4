// Package recovery is the stuck-task job: it forcibly fails tasks that have
// sat in a transient status longer than that status allows, so a silent
// upstream failure surfaces as a failed task with a readable error instead of
// a task spinning forever.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaeltm/simple-agent-manager-sub016/internal/obs"
	"github.com/raphaeltm/simple-agent-manager-sub016/internal/otel"
	"github.com/raphaeltm/simple-agent-manager-sub016/internal/store"
	"github.com/raphaeltm/simple-agent-manager-sub016/pkg/models"
)

const source = "stuck_task_recovery"

// stepPhrases translates a task's last recorded execution step into the
// phrase used in the failure message. Unknown steps fall back to the raw tag.
var stepPhrases = map[string]string{
	"provisioning_node":  "provisioning a new node",
	"claiming_node":      "claiming a warm node",
	"creating_workspace": "creating the workspace",
	"starting_workspace": "starting the workspace",
	"starting_agent":     "starting the agent",
	"sending_prompt":     "sending the prompt to the agent",
	"awaiting_agent":     "waiting for the agent to respond",
	"pushing_changes":    "pushing changes",
}

// Job fails tasks stuck in queued, delegated, or in_progress past their
// per-state timeouts.
type Job struct {
	Store store.Store

	// QueuedTimeout bounds how long a task may sit queued; exceeding it
	// usually means node provisioning failed silently.
	QueuedTimeout time.Duration
	// DelegatedTimeout bounds delegated tasks; exceeding it usually means the
	// workspace never started.
	DelegatedTimeout time.Duration
	// MaxExecutionTime is the agent run budget for in_progress tasks.
	MaxExecutionTime time.Duration
	// Interval between rounds.
	Interval time.Duration

	// Now is the clock; defaults to time.Now. Injected in tests.
	Now func() time.Time
}

// Run runs the job until ctx is cancelled.
func (j *Job) Run(ctx context.Context) {
	interval := j.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			failed, errs := j.RunOnce(ctx)
			if failed > 0 || errs > 0 {
				slog.Info("stuck task recovery done", "failed", failed, "errors", errs)
			}
		}
	}
}

// RunOnce loads all transient tasks oldest-updated-first and fails the stuck
// ones. Returns counts of tasks failed and per-task errors; one bad row never
// blocks the rest.
func (j *Job) RunOnce(ctx context.Context) (failed, errs int) {
	tasks, err := j.Store.ListTransientTasks(ctx)
	if err != nil {
		slog.Error("recovery: list transient tasks failed", "err", err)
		return 0, 1
	}
	now := j.now()
	for _, t := range tasks {
		elapsed, threshold, doing, stuck := j.classify(t, now)
		if !stuck {
			continue
		}
		if err := j.failTask(ctx, t, elapsed, threshold, doing, now); err != nil {
			errs++
			slog.Error("recovery: fail stuck task failed", "task_id", t.TaskID, "err", err)
			obs.PersistError(ctx, j.Store, obs.Entry{
				Source:  source,
				Level:   obs.LevelError,
				Message: fmt.Sprintf("failed to mark stuck task %s as failed: %v", t.TaskID, err),
				Context: map[string]string{"taskStatus": t.Status},
				UserID:  t.UserID,
			})
			continue
		}
		failed++
	}
	return failed, errs
}

func (j *Job) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

// classify decides whether t is stuck and with what elapsed/threshold pair.
func (j *Job) classify(t store.Task, now time.Time) (elapsed, threshold time.Duration, doing string, stuck bool) {
	switch t.Status {
	case models.TaskStatusQueued:
		elapsed = now.Sub(t.UpdatedAt)
		threshold = j.QueuedTimeout
		doing = "waiting for a node"
	case models.TaskStatusDelegated:
		elapsed = now.Sub(t.UpdatedAt)
		threshold = j.DelegatedTimeout
		doing = "waiting for the workspace to start"
	case models.TaskStatusInProgress:
		since := t.UpdatedAt
		if t.StartedAt != nil {
			since = *t.StartedAt
		}
		elapsed = now.Sub(since)
		threshold = j.MaxExecutionTime
		doing = "running"
		if t.ExecutionStep != nil {
			if phrase, ok := stepPhrases[*t.ExecutionStep]; ok {
				doing = phrase
			} else {
				doing = *t.ExecutionStep
			}
		}
	default:
		return 0, 0, "", false
	}
	return elapsed, threshold, doing, elapsed > threshold
}

func (j *Job) failTask(ctx context.Context, t store.Task, elapsed, threshold time.Duration, doing string, now time.Time) error {
	var msg string
	switch t.Status {
	case models.TaskStatusQueued:
		msg = fmt.Sprintf("Task was queued for %s, exceeding the queued timeout of %s while %s. No node became available; this usually means provisioning failed silently.",
			minutes(elapsed), minutes(threshold), doing)
	case models.TaskStatusDelegated:
		msg = fmt.Sprintf("Task was delegated for %s, exceeding the delegated timeout of %s while %s.",
			minutes(elapsed), minutes(threshold), doing)
	case models.TaskStatusInProgress:
		msg = fmt.Sprintf("Task ran for %s and exceeded max execution time of %s while %s.",
			minutes(elapsed), minutes(threshold), doing)
	}
	if err := j.Store.FailTask(ctx, t.TaskID, msg, now); err != nil {
		return err
	}
	reason := fmt.Sprintf("stuck in %s for %s (timeout %s)", t.Status, minutes(elapsed), minutes(threshold))
	if err := j.Store.AppendTaskStatusEvent(ctx, t.TaskID, t.Status, models.TaskStatusFailed, models.ActorTypeSystem, reason); err != nil {
		return fmt.Errorf("append status event: %w", err)
	}
	otel.RecordStuckTask(ctx, t.Status)
	slog.Warn("recovery: failed stuck task",
		"task_id", t.TaskID, "status", t.Status,
		"elapsed", elapsed.Round(time.Second), "threshold", threshold)
	obs.PersistError(ctx, j.Store, obs.Entry{
		Source:  source,
		Level:   obs.LevelWarning,
		Message: fmt.Sprintf("task %s: %s", t.TaskID, msg),
		Context: map[string]string{"taskStatus": t.Status, "recoveryType": "stuck_task"},
		UserID:  t.UserID,
	})
	return nil
}

// minutes renders a duration as whole minutes, the unit the timeouts are
// configured in. Sub-minute values keep their seconds so short test timeouts
// still read sensibly.
func minutes(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	}
	return fmt.Sprintf("%d minutes", int(d.Minutes()))
}
