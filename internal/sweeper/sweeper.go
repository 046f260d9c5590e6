// Package sweeper stops browser sessions and automation runs that were
// left open by crashed or abandoned flows.
//
// Every stop is best effort: failures are logged and counted out, never
// returned, and never abort the rest of a sweep.
package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/browserpilot/internal/engine"
	apperrors "github.com/shehryarbajwa/browserpilot/internal/errors"
	"github.com/shehryarbajwa/browserpilot/internal/storage"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// Result counts what a sweep stopped
type Result struct {
	SessionsKilled int `json:"sessionsKilled"`
	TasksKilled    int `json:"tasksKilled"`
}

// Sweeper owns the stop paths shared by login cancellation, task cleanup
// and the stale-resource sweep.
type Sweeper struct {
	store    storage.Storage
	sessions engine.SessionEngine
	tasks    *engine.Registry
	timeout  time.Duration
	logger   zerolog.Logger
}

func New(store storage.Storage, sessions engine.SessionEngine, tasks *engine.Registry, timeout time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		sessions: sessions,
		tasks:    tasks,
		timeout:  timeout,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}
}

// StopSession stops sessionID on the session engine and marks the local
// record stopped. It reports whether the engine accepted the stop.
func (s *Sweeper) StopSession(ctx context.Context, sessionID, reason string) bool {
	if sessionID == "" {
		return false
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stopped := true
	if err := s.sessions.StopSession(callCtx, sessionID); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to stop session")
		stopped = false
	}
	if err := s.store.Sessions().MarkSessionStopped(ctx, sessionID, reason, time.Now().UTC()); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to mark session stopped")
	}
	return stopped
}

// StopTask cancels the local task if it is still active and asks its
// backend to stop the run. Local state changes even if the backend call fails.
func (s *Sweeper) StopTask(ctx context.Context, taskID, reason string) bool {
	if taskID == "" {
		return false
	}
	task, err := s.store.Tasks().UpdateTask(ctx, taskID, func(t *models.AutomationTask) error {
		if !t.Status.IsTerminal() {
			t.Finish(models.TaskCancelled, reason, time.Now().UTC())
		}
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to cancel task")
		return false
	}
	if task.ExternalRunID == "" {
		return false
	}
	return s.StopRun(ctx, task.Backend, task.ExternalRunID)
}

// StopRun asks backend to stop runID
func (s *Sweeper) StopRun(ctx context.Context, backend, runID string) bool {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.tasks.Route(backend).StopTask(callCtx, runID); err != nil {
		s.logger.Warn().Err(err).Str("backend", backend).Str("run_id", runID).Msg("Failed to stop run")
		return false
	}
	return true
}

// CleanupStale stops the identity's recorded pending session and task,
// then every session and run the engines still report as active, and
// finally clears the identity's pending fields. Sessions unrelated to the
// pending login are stopped too.
func (s *Sweeper) CleanupStale(ctx context.Context, ownerID string) (Result, error) {
	var result Result
	killedSessions := make(map[string]bool)
	killedRuns := make(map[string]bool)

	identity, err := s.store.Identities().GetIdentity(ctx, ownerID)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return result, err
	}

	if identity != nil {
		if s.StopSession(ctx, identity.PendingSessionID, "cleanup") {
			killedSessions[identity.PendingSessionID] = true
		}
		if identity.PendingTaskID != "" {
			if task, err := s.store.Tasks().GetTask(ctx, identity.PendingTaskID); err == nil && task.ExternalRunID != "" {
				if s.StopTask(ctx, task.ID, "cancelled by cleanup") {
					killedRuns[task.ExternalRunID] = true
				}
			}
		}
	}

	listCtx, cancel := context.WithTimeout(ctx, s.timeout)
	active, err := s.sessions.ListActiveSessions(listCtx)
	cancel()
	if err != nil {
		s.logger.Warn().Err(err).Str("engine", s.sessions.Name()).Msg("Failed to list active sessions")
	}
	for _, info := range active {
		if killedSessions[info.ID] {
			continue
		}
		if s.StopSession(ctx, info.ID, "cleanup") {
			killedSessions[info.ID] = true
		}
	}

	for _, backend := range s.tasks.All() {
		listCtx, cancel := context.WithTimeout(ctx, s.timeout)
		runs, err := backend.ListActiveTasks(listCtx)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Str("engine", backend.Name()).Msg("Failed to list active runs")
			continue
		}
		for _, run := range runs {
			if killedRuns[run.RunID] {
				continue
			}
			if s.StopRun(ctx, backend.Name(), run.RunID) {
				killedRuns[run.RunID] = true
			}
		}
	}

	result.SessionsKilled = len(killedSessions)
	result.TasksKilled = len(killedRuns)

	if identity != nil {
		if _, err := s.store.Identities().UpdateIdentity(ctx, ownerID, func(i *models.BrowserIdentity) error {
			i.ClearPending()
			return nil
		}); err != nil {
			return result, err
		}
	}

	s.logger.Info().
		Str("owner_id", ownerID).
		Int("sessions_killed", result.SessionsKilled).
		Int("tasks_killed", result.TasksKilled).
		Msg("Stale resources cleaned up")
	return result, nil
}

// CleanupOwnTask stops only the task tracked on the identity and the
// session that task ran in. A pending login session is left alone.
func (s *Sweeper) CleanupOwnTask(ctx context.Context, ownerID string) (Result, error) {
	identity, err := s.store.Identities().GetIdentity(ctx, ownerID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return Result{}, nil
		}
		return Result{}, err
	}
	taskID := identity.PendingTaskID
	if taskID == "" {
		return Result{}, nil
	}

	task, err := s.store.Tasks().UpdateTask(ctx, taskID, func(t *models.AutomationTask) error {
		if !t.Status.IsTerminal() {
			t.Finish(models.TaskCancelled, "cancelled by cleanup", time.Now().UTC())
		}
		return nil
	})
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			return Result{}, err
		}
		// Dangling pointer to a task that no longer exists
		task = &models.AutomationTask{ID: taskID, OwnerID: ownerID}
	}
	return s.ReleaseTask(ctx, task, true)
}

// ReleaseTask stops the session a task ran in and drops the identity's
// pointer to it. With stopRun set the backend run is stopped as well. The
// identity's pending login session is never touched.
func (s *Sweeper) ReleaseTask(ctx context.Context, task *models.AutomationTask, stopRun bool) (Result, error) {
	var result Result
	if stopRun && task.ExternalRunID != "" && s.StopRun(ctx, task.Backend, task.ExternalRunID) {
		result.TasksKilled++
	}

	loginSession := ""
	identity, err := s.store.Identities().GetIdentity(ctx, task.OwnerID)
	switch {
	case err == nil:
		loginSession = identity.PendingSessionID
	case !apperrors.Is(err, apperrors.ErrNotFound):
		return result, err
	}

	if task.ExternalSession != "" && task.ExternalSession != loginSession {
		if s.StopSession(ctx, task.ExternalSession, "task finished") {
			result.SessionsKilled++
		}
	}

	if identity == nil || identity.PendingTaskID != task.ID {
		return result, nil
	}
	_, err = s.store.Identities().UpdateIdentity(ctx, task.OwnerID, func(i *models.BrowserIdentity) error {
		if i.PendingTaskID == task.ID {
			i.PendingTaskID = ""
		}
		return nil
	})
	return result, err
}

// ExpirePending ends login sessions that stayed pending longer than ttl.
// Only each identity's own pending session is stopped.
func (s *Sweeper) ExpirePending(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	identities, err := s.store.Identities().ListPendingIdentities(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, identity := range identities {
		sessionID := identity.PendingSessionID
		s.StopSession(ctx, sessionID, "expired")

		_, err := s.store.Identities().UpdateIdentity(ctx, identity.OwnerID, func(i *models.BrowserIdentity) error {
			// A new login may have started since the listing
			if i.PendingSessionID != sessionID {
				return nil
			}
			i.ClearLogin()
			return nil
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("owner_id", identity.OwnerID).Msg("Failed to expire pending login")
			continue
		}
		expired++
		s.logger.Info().Str("owner_id", identity.OwnerID).Str("session_id", sessionID).Msg("Expired pending login")
	}
	return expired, nil
}
