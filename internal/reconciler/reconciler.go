// Package reconciler pulls run status from the task backends and merges it
// into the local task records.
//
// Updates are monotonic: a task only moves forward along
// pending, searching, found_deal, checkout, and a terminal task is never
// touched again. Re-running a sync with no backend change writes nothing.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/browserpilot/internal/engine"
	apperrors "github.com/shehryarbajwa/browserpilot/internal/errors"
	"github.com/shehryarbajwa/browserpilot/internal/events"
	"github.com/shehryarbajwa/browserpilot/internal/storage"
	"github.com/shehryarbajwa/browserpilot/internal/sweeper"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// errNoChange aborts an update transaction that would write nothing
var errNoChange = errors.New("no change")

// Options tune a Reconciler
type Options struct {
	EngineTimeout     time.Duration
	SubmitGracePeriod time.Duration
	Parallelism       int
}

// Outcome describes what one sync did to a task
type Outcome struct {
	Task     *models.AutomationTask
	Changed  bool
	Terminal bool
}

// Summary aggregates a sync over many tasks
type Summary struct {
	Checked       int `json:"checked"`
	NewlyTerminal int `json:"newlyTerminal"`
	Errors        int `json:"errors"`
}

type Reconciler struct {
	store     storage.TaskStorage
	registry  *engine.Registry
	sweeper   *sweeper.Sweeper
	publisher events.Publisher
	tables    map[string]StatusTable
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time
}

func New(
	store storage.TaskStorage,
	registry *engine.Registry,
	sw *sweeper.Sweeper,
	publisher events.Publisher,
	opts Options,
	logger zerolog.Logger,
) *Reconciler {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	return &Reconciler{
		store:     store,
		registry:  registry,
		sweeper:   sw,
		publisher: publisher,
		tables:    DefaultTables(),
		opts:      opts,
		logger:    logger.With().Str("component", "reconciler").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SyncOne polls the backend for task and applies whatever moved forward.
// Poll failures are recorded on the task as lastSyncError and returned.
func (r *Reconciler) SyncOne(ctx context.Context, task *models.AutomationTask) (Outcome, error) {
	if task.Status.IsTerminal() {
		return Outcome{Task: task}, nil
	}

	if task.ExternalRunID == "" {
		return r.settleUnsubmitted(ctx, task)
	}

	backend, err := r.registry.Get(task.Backend)
	if err != nil {
		return r.recordSyncError(ctx, task, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.opts.EngineTimeout)
	status, err := backend.GetTaskStatus(callCtx, task.ExternalRunID)
	cancel()
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) && r.pastGrace(task) {
			return r.finish(ctx, task, models.TaskFailed, "run is no longer known to the backend")
		}
		return r.recordSyncError(ctx, task, err)
	}

	bucket := r.tables[task.Backend].Map(status.Status)
	return r.apply(ctx, task.ID, status, bucket)
}

func (r *Reconciler) pastGrace(task *models.AutomationTask) bool {
	since := task.CreatedAt
	if task.SubmittedAt != nil {
		since = *task.SubmittedAt
	}
	return r.now().Sub(since) > r.opts.SubmitGracePeriod
}

// settleUnsubmitted fails a task whose submission never reported a run id
// once the grace period has passed.
func (r *Reconciler) settleUnsubmitted(ctx context.Context, task *models.AutomationTask) (Outcome, error) {
	if !r.pastGrace(task) {
		return Outcome{Task: task}, nil
	}
	return r.finish(ctx, task, models.TaskFailed, "submission outcome unknown")
}

func (r *Reconciler) finish(ctx context.Context, task *models.AutomationTask, status models.TaskStatus, msg string) (Outcome, error) {
	stored, err := r.store.UpdateTask(ctx, task.ID, func(t *models.AutomationTask) error {
		if t.Status.IsTerminal() {
			return errNoChange
		}
		t.Finish(status, msg, r.now())
		return nil
	})
	if errors.Is(err, errNoChange) {
		return Outcome{Task: task}, nil
	}
	if err != nil {
		return Outcome{Task: task}, err
	}
	r.afterTerminal(ctx, stored)
	return Outcome{Task: stored, Changed: true, Terminal: true}, nil
}

func (r *Reconciler) recordSyncError(ctx context.Context, task *models.AutomationTask, cause error) (Outcome, error) {
	r.logger.Warn().Err(cause).Str("task_id", task.ID).Str("backend", task.Backend).Msg("Failed to sync task")
	stored, err := r.store.UpdateTask(ctx, task.ID, func(t *models.AutomationTask) error {
		if t.LastSyncError == cause.Error() {
			return errNoChange
		}
		t.LastSyncError = cause.Error()
		return nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		return Outcome{Task: task}, err
	}
	if stored == nil {
		stored = task
	}
	return Outcome{Task: stored}, cause
}

// apply merges status into the stored task inside one transaction
func (r *Reconciler) apply(ctx context.Context, taskID string, status *engine.RunStatus, bucket Bucket) (Outcome, error) {
	var advanced bool
	stored, err := r.store.UpdateTask(ctx, taskID, func(t *models.AutomationTask) error {
		if t.Status.IsTerminal() {
			return apperrors.ErrStaleStatus
		}
		changed := false
		advanced = false

		if t.LastSyncError != "" {
			t.LastSyncError = ""
			changed = true
		}
		if t.ExternalSession == "" && status.SessionID != "" {
			t.ExternalSession = status.SessionID
			changed = true
		}
		if mergeProgress(t, status, r.now()) {
			changed = true
		}

		switch bucket {
		case BucketCompleted:
			result := parseResult(status.Output, status.Success)
			t.Result = result
			if result.Success {
				t.Finish(models.TaskCompleted, "", finishedAt(status, r.now()))
			} else {
				t.Finish(models.TaskFailed, failureMessage(status, result.Summary, "agent reported failure"), finishedAt(status, r.now()))
			}
			return nil
		case BucketFailed:
			t.Finish(models.TaskFailed, failureMessage(status, status.Output, "backend reported failure"), finishedAt(status, r.now()))
			return nil
		case BucketCancelled:
			t.Finish(models.TaskCancelled, failureMessage(status, "", "stopped by backend"), finishedAt(status, r.now()))
			return nil
		}

		if next := phaseFromText(status.Trace, status.LastStep, status.Output); t.Status.CanAdvanceTo(next) {
			t.Status = next
			advanced = true
			changed = true
		}
		if !changed {
			return errNoChange
		}
		return nil
	})
	switch {
	case errors.Is(err, apperrors.ErrStaleStatus):
		r.logger.Debug().Str("task_id", taskID).Str("backend_status", status.Status).Msg("Ignoring status for finished task")
		current, gerr := r.store.GetTask(ctx, taskID)
		return Outcome{Task: current}, gerr
	case errors.Is(err, errNoChange):
		current, gerr := r.store.GetTask(ctx, taskID)
		return Outcome{Task: current}, gerr
	case err != nil:
		return Outcome{}, err
	}

	if stored.Status.IsTerminal() {
		r.logger.Info().
			Str("task_id", stored.ID).
			Str("status", string(stored.Status)).
			Str("backend_status", status.Status).
			Msg("Task finished")
		r.afterTerminal(ctx, stored)
		return Outcome{Task: stored, Changed: true, Terminal: true}, nil
	}
	if advanced {
		r.logger.Info().Str("task_id", stored.ID).Str("status", string(stored.Status)).Msg("Task advanced")
		r.publisher.Publish(events.NewTaskEvent(events.TaskProgress, stored))
	}
	return Outcome{Task: stored, Changed: true}, nil
}

func (r *Reconciler) afterTerminal(ctx context.Context, task *models.AutomationTask) {
	r.publisher.Publish(events.NewTaskEvent(events.TaskFinished, task))
	if r.sweeper == nil {
		return
	}
	if _, err := r.sweeper.ReleaseTask(ctx, task, false); err != nil {
		r.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to release finished task")
	}
}

// mergeProgress copies incremental run metadata and reports whether
// anything other than the sync time changed.
func mergeProgress(t *models.AutomationTask, status *engine.RunStatus, now time.Time) bool {
	next := models.TaskProgress{
		Steps:        status.Steps,
		LastStep:     status.LastStep,
		LiveURL:      status.LiveURL,
		RecordingURL: status.RecordingURL,
	}
	if t.Progress != nil {
		prev := *t.Progress
		prev.SyncedAt = time.Time{}
		// Keep what the backend stopped reporting
		if next.LiveURL == "" {
			next.LiveURL = prev.LiveURL
		}
		if next.RecordingURL == "" {
			next.RecordingURL = prev.RecordingURL
		}
		if next.Steps < prev.Steps {
			next.Steps = prev.Steps
			next.LastStep = prev.LastStep
		}
		if prev == next {
			return false
		}
	}
	if next == (models.TaskProgress{}) {
		return false
	}
	next.SyncedAt = now
	t.Progress = &next
	return true
}

func finishedAt(status *engine.RunStatus, now time.Time) time.Time {
	if status.FinishedAt != nil && !status.FinishedAt.IsZero() {
		return status.FinishedAt.UTC()
	}
	return now
}

func failureMessage(status *engine.RunStatus, fallback, generic string) string {
	switch {
	case status.Error != "":
		return status.Error
	case fallback != "":
		return truncate(fallback)
	default:
		return generic
	}
}

// SyncAll syncs every non-terminal task of ownerID. One task's failure
// never stops the others; failures are counted in the summary.
func (r *Reconciler) SyncAll(ctx context.Context, ownerID string) (Summary, error) {
	tasks, err := r.store.ListActiveTasks(ctx, ownerID)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list active tasks: %w", err)
	}

	var terminal, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(r.opts.Parallelism)
	for _, task := range tasks {
		g.Go(func() error {
			outcome, err := r.SyncOne(ctx, task)
			if err != nil {
				failed.Add(1)
				return nil
			}
			if outcome.Terminal {
				terminal.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{
		Checked:       len(tasks),
		NewlyTerminal: int(terminal.Load()),
		Errors:        int(failed.Load()),
	}
	if summary.Checked > 0 {
		r.logger.Debug().
			Str("owner_id", ownerID).
			Int("checked", summary.Checked).
			Int("newly_terminal", summary.NewlyTerminal).
			Int("errors", summary.Errors).
			Msg("Owner tasks synced")
	}
	return summary, nil
}

// SyncOwners runs SyncAll for every owner with active tasks
func (r *Reconciler) SyncOwners(ctx context.Context) (Summary, error) {
	owners, err := r.store.ListOwnersWithActiveTasks(ctx)
	if err != nil {
		return Summary{}, err
	}
	var total Summary
	for _, owner := range owners {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		s, err := r.SyncAll(ctx, owner)
		if err != nil {
			r.logger.Warn().Err(err).Str("owner_id", owner).Msg("Failed to sync owner")
			continue
		}
		total.Checked += s.Checked
		total.NewlyTerminal += s.NewlyTerminal
		total.Errors += s.Errors
	}
	return total, nil
}
