package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserpilot/internal/engine"
	"github.com/shehryarbajwa/browserpilot/internal/engine/enginefake"
	"github.com/shehryarbajwa/browserpilot/internal/storage/badger"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

type fixture struct {
	db       *badger.BadgerDB
	sessions *enginefake.Sessions
	tasks    *enginefake.Tasks
	sweeper  *Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := badger.NewBadgerDB(zerolog.Nop(), badger.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sessions := enginefake.NewSessions()
	tasks := enginefake.NewTasks("fake-tasks")
	registry, err := engine.NewRegistry("fake-tasks", tasks)
	require.NoError(t, err)

	return &fixture{
		db:       db,
		sessions: sessions,
		tasks:    tasks,
		sweeper:  New(db, sessions, registry, time.Second, zerolog.Nop()),
	}
}

func (f *fixture) identity(t *testing.T, mutate func(*models.BrowserIdentity)) {
	t.Helper()
	identity := &models.BrowserIdentity{
		OwnerID:    "owner-1",
		IdentityID: "profile-1",
		Status:     models.IdentityReady,
		CreatedAt:  time.Now().UTC(),
	}
	if mutate != nil {
		mutate(identity)
	}
	_, _, err := f.db.Identities().EnsureIdentity(context.Background(), identity)
	require.NoError(t, err)
}

func (f *fixture) runningTask(t *testing.T, id string) *models.AutomationTask {
	t.Helper()
	ctx := context.Background()
	task := &models.AutomationTask{
		ID:        id,
		OwnerID:   "owner-1",
		Backend:   "fake-tasks",
		Status:    models.TaskPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.db.Tasks().InsertTaskWithinLimit(ctx, task, 6))
	runID, err := f.tasks.SubmitTask(ctx, engine.TaskPayload{TaskID: id})
	require.NoError(t, err)
	updated, err := f.db.Tasks().UpdateTask(ctx, id, func(t *models.AutomationTask) error {
		t.ExternalRunID = runID
		t.Status = models.TaskSearching
		return nil
	})
	require.NoError(t, err)
	return updated
}

func TestCleanupStale_NothingToClean(t *testing.T) {
	f := newFixture(t)

	result, err := f.sweeper.CleanupStale(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, Result{SessionsKilled: 0, TasksKilled: 0}, result)
}

func TestCleanupStale_StopsPendingAndLeakedResources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, err := f.sessions.CreateSession(ctx, engine.SessionRequest{IdentityID: "profile-1"})
	require.NoError(t, err)
	f.sessions.AddActive(engine.SessionInfo{ID: "leaked-session"})
	task := f.runningTask(t, "task-1")
	_, err = f.tasks.SubmitTask(ctx, engine.TaskPayload{TaskID: "orphan"})
	require.NoError(t, err)

	f.identity(t, func(i *models.BrowserIdentity) {
		i.Status = models.IdentityPendingLogin
		i.PendingSessionID = pending.ID
		i.PendingTaskID = task.ID
		i.PendingSite = "amazon"
	})

	result, err := f.sweeper.CleanupStale(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.SessionsKilled)
	assert.Equal(t, 2, result.TasksKilled)
	assert.Equal(t, 0, f.sessions.ActiveCount())
	assert.Equal(t, 1, f.sessions.Count("stop_session "+pending.ID))

	identity, err := f.db.Identities().GetIdentity(ctx, "owner-1")
	require.NoError(t, err)
	assert.False(t, identity.HasPending())
	assert.Equal(t, models.IdentityReady, identity.Status)

	stored, err := f.db.Tasks().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, stored.Status)
}

func TestCleanupStale_ToleratesStopFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sessions.AddActive(engine.SessionInfo{ID: "s1"})
	f.sessions.AddActive(engine.SessionInfo{ID: "s2"})
	f.sessions.StopSessionErr = enginefake.Unavailable("fake-sessions", "stop session")
	f.tasks.ListErr = enginefake.Unavailable("fake-tasks", "list tasks")
	f.identity(t, func(i *models.BrowserIdentity) {
		i.Status = models.IdentityPendingLogin
		i.PendingSessionID = "s1"
	})

	result, err := f.sweeper.CleanupStale(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, Result{}, result)
	assert.Equal(t, 1, f.sessions.Count("stop_session s2"))

	identity, err := f.db.Identities().GetIdentity(ctx, "owner-1")
	require.NoError(t, err)
	assert.Empty(t, identity.PendingSessionID)
}

func TestCleanupOwnTask_LeavesLoginSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.runningTask(t, "task-1")
	_, err := f.db.Tasks().UpdateTask(ctx, task.ID, func(t *models.AutomationTask) error {
		t.ExternalSession = "task-session"
		return nil
	})
	require.NoError(t, err)
	f.sessions.AddActive(engine.SessionInfo{ID: "task-session"})
	f.sessions.AddActive(engine.SessionInfo{ID: "login-session"})
	f.identity(t, func(i *models.BrowserIdentity) {
		i.Status = models.IdentityPendingLogin
		i.PendingSessionID = "login-session"
		i.PendingTaskID = task.ID
	})

	result, err := f.sweeper.CleanupOwnTask(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, Result{SessionsKilled: 1, TasksKilled: 1}, result)
	assert.Zero(t, f.sessions.Count("stop_session login-session"))

	identity, err := f.db.Identities().GetIdentity(ctx, "owner-1")
	require.NoError(t, err)
	assert.Empty(t, identity.PendingTaskID)
	assert.Equal(t, "login-session", identity.PendingSessionID)
	assert.Equal(t, models.IdentityPendingLogin, identity.Status)
}

func TestCleanupOwnTask_NoIdentity(t *testing.T) {
	f := newFixture(t)

	result, err := f.sweeper.CleanupOwnTask(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, Result{}, result)
}

func TestExpirePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-2 * time.Hour)
	f.identity(t, func(i *models.BrowserIdentity) {
		i.Status = models.IdentityPendingLogin
		i.PendingSessionID = "old-login"
		i.PendingSite = "gmail"
		i.PendingSince = &old
		i.AuthenticatedSites = []string{"amazon"}
	})
	recent := time.Now().UTC()
	_, _, err := f.db.Identities().EnsureIdentity(ctx, &models.BrowserIdentity{
		OwnerID:          "owner-2",
		IdentityID:       "profile-2",
		Status:           models.IdentityPendingLogin,
		PendingSessionID: "fresh-login",
		PendingSince:     &recent,
	})
	require.NoError(t, err)

	expired, err := f.sweeper.ExpirePending(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	assert.Equal(t, 1, f.sessions.Count("stop_session old-login"))
	assert.Zero(t, f.sessions.Count("stop_session fresh-login"))

	identity, err := f.db.Identities().GetIdentity(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, models.IdentityActive, identity.Status)
	assert.Empty(t, identity.PendingSite)

	other, err := f.db.Identities().GetIdentity(ctx, "owner-2")
	require.NoError(t, err)
	assert.Equal(t, "fresh-login", other.PendingSessionID)
}
