package reconciler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserpilot/internal/engine"
	"github.com/shehryarbajwa/browserpilot/internal/engine/bridge"
	"github.com/shehryarbajwa/browserpilot/internal/engine/browseruse"
	"github.com/shehryarbajwa/browserpilot/internal/engine/enginefake"
	"github.com/shehryarbajwa/browserpilot/internal/events"
	"github.com/shehryarbajwa/browserpilot/internal/storage/badger"
	"github.com/shehryarbajwa/browserpilot/internal/sweeper"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	db     *badger.BadgerDB
	cloud  *enginefake.Tasks
	bridge *enginefake.Tasks
	rec    *recorder
	r      *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := badger.NewBadgerDB(zerolog.Nop(), badger.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cloud := enginefake.NewTasks(browseruse.Name)
	bridgeTasks := enginefake.NewTasks(bridge.Name)
	registry, err := engine.NewRegistry(browseruse.Name, cloud, bridgeTasks)
	require.NoError(t, err)

	rec := &recorder{}
	sw := sweeper.New(db, enginefake.NewSessions(), registry, time.Second, zerolog.Nop())
	r := New(db.Tasks(), registry, sw, rec, Options{
		EngineTimeout:     time.Second,
		SubmitGracePeriod: 10 * time.Minute,
		Parallelism:       4,
	}, zerolog.Nop())

	return &fixture{db: db, cloud: cloud, bridge: bridgeTasks, rec: rec, r: r}
}

func (f *fixture) task(t *testing.T, id, backend string, status models.TaskStatus) *models.AutomationTask {
	t.Helper()
	now := time.Now().UTC()
	task := &models.AutomationTask{
		ID:            id,
		OwnerID:       "owner-1",
		Backend:       backend,
		Status:        status,
		ExternalRunID: "run-" + id,
		CreatedAt:     now,
		SubmittedAt:   &now,
	}
	require.NoError(t, f.db.Tasks().InsertTaskWithinLimit(context.Background(), task, 100))
	return task
}

func (f *fixture) reload(t *testing.T, id string) *models.AutomationTask {
	t.Helper()
	task, err := f.db.Tasks().GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestStatusTables(t *testing.T) {
	tables := DefaultTables()

	cloud := tables[browseruse.Name]
	assert.Equal(t, BucketActive, cloud.Map("created"))
	assert.Equal(t, BucketActive, cloud.Map("started"))
	assert.Equal(t, BucketActive, cloud.Map("paused"))
	assert.Equal(t, BucketCompleted, cloud.Map("Finished"))
	assert.Equal(t, BucketCancelled, cloud.Map("stopped"))
	assert.Equal(t, BucketFailed, cloud.Map("failed"))
	assert.Equal(t, BucketActive, cloud.Map("quantum_superposition"))

	b := tables[bridge.Name]
	assert.Equal(t, BucketActive, b.Map("queued"))
	assert.Equal(t, BucketCompleted, b.Map("succeeded"))
	assert.Equal(t, BucketFailed, b.Map("errored"))
	assert.Equal(t, BucketCancelled, b.Map("cancelled"))

	var missing StatusTable
	assert.Equal(t, BucketActive, missing.Map("finished"))
}

func TestSyncOne_UnknownStatusLeavesTaskUnchanged(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, "t1", browseruse.Name, models.TaskSearching)
	f.cloud.SetStatus(engine.RunStatus{RunID: task.ExternalRunID, Status: "rebooting_the_universe"})

	outcome, err := f.r.SyncOne(context.Background(), task)
	require.NoError(t, err)
	assert.False(t, outcome.Terminal)
	assert.False(t, outcome.Changed)
	assert.Equal(t, models.TaskSearching, f.reload(t, "t1").Status)
}

func TestSyncOne_CompletedParsesResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, "t1", browseruse.Name, models.TaskCheckout)
	_, _, err := f.db.Identities().EnsureIdentity(ctx, &models.BrowserIdentity{
		OwnerID:       "owner-1",
		IdentityID:    "p1",
		Status:        models.IdentityActive,
		PendingTaskID: "t1",
	})
	require.NoError(t, err)

	success := true
	f.cloud.SetStatus(engine.RunStatus{
		RunID:   task.ExternalRunID,
		Status:  "finished",
		Output:  `Done. {"success": true, "summary": "Bought 2 cables", "orderNumber": "112-33", "totalPrice": "$13.98", "site": "amazon"}`,
		Success: &success,
	})

	outcome, err := f.r.SyncOne(ctx, task)
	require.NoError(t, err)
	assert.True(t, outcome.Terminal)

	stored := f.reload(t, "t1")
	assert.Equal(t, models.TaskCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	require.NotNil(t, stored.Result)
	assert.Equal(t, "Bought 2 cables", stored.Result.Summary)
	assert.Equal(t, "112-33", stored.Result.OrderNumber)
	assert.InDelta(t, 13.98, stored.Result.TotalPrice, 0.001)
	assert.Equal(t, []string{events.TaskFinished}, f.rec.types())

	identity, err := f.db.Identities().GetIdentity(ctx, "owner-1")
	require.NoError(t, err)
	assert.Empty(t, identity.PendingTaskID)
}

func TestSyncOne_RegressionNeverReopensTerminalTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, "t1", browseruse.Name, models.TaskSearching)

	f.cloud.SetStatus(engine.RunStatus{RunID: task.ExternalRunID, Status: "finished", Output: "ok"})
	_, err := f.r.SyncOne(ctx, task)
	require.NoError(t, err)
	done := f.reload(t, "t1")
	require.Equal(t, models.TaskCompleted, done.Status)

	for _, regressed := range []string{"started", "paused", "failed", "stopped"} {
		f.cloud.SetStatus(engine.RunStatus{RunID: task.ExternalRunID, Status: regressed, Trace: "[phase:checkout]"})
		// Pass the stale in-memory copy to make sure the stored state wins
		outcome, err := f.r.SyncOne(ctx, task)
		require.NoError(t, err)
		assert.False(t, outcome.Changed, regressed)

		stored := f.reload(t, "t1")
		assert.Equal(t, models.TaskCompleted, stored.Status, regressed)
		assert.Equal(t, done.CompletedAt, stored.CompletedAt)
	}
}

func TestSyncOne_PhasesAdvanceMonotonically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, "t1", browseruse.Name, models.TaskPending)

	steps := []struct {
		trace string
		want  models.TaskStatus
	}{
		{"opened amazon.com", models.TaskSearching},
		{"opened amazon.com\nfound cable for $6.99 [phase:found_deal]", models.TaskFoundDeal},
		{"clicked buy now [phase:checkout]", models.TaskCheckout},
		{"clicked back [phase:found_deal]", models.TaskCheckout},
		{"thinking", models.TaskCheckout},
	}
	for i, step := range steps {
		f.cloud.SetStatus(engine.RunStatus{RunID: task.ExternalRunID, Status: "started", Steps: i + 1, Trace: step.trace})
		_, err := f.r.SyncOne(ctx, f.reload(t, "t1"))
		require.NoError(t, err)

		stored := f.reload(t, "t1")
		assert.Equal(t, step.want, stored.Status, step.trace)
		require.NotNil(t, stored.Progress)
		assert.Equal(t, i+1, stored.Progress.Steps)
	}
	assert.Contains(t, f.rec.types(), events.TaskProgress)
}

func TestSyncOne_ProgressWithoutStatusChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, "t1", browseruse.Name, models.TaskSearching)

	f.cloud.SetStatus(engine.RunStatus{
		RunID:    task.ExternalRunID,
		Status:   "started",
		Steps:    3,
		LastStep: "searching",
		LiveURL:  "https://live.example.test/t1",
	})
	outcome, err := f.r.SyncOne(ctx, task)
	require.NoError(t, err)
	assert.True(t, outcome.Changed)

	stored := f.reload(t, "t1")
	assert.Equal(t, models.TaskSearching, stored.Status)
	assert.Equal(t, 3, stored.Progress.Steps)
	assert.Equal(t, "https://live.example.test/t1", stored.Progress.LiveURL)
	syncedAt := stored.Progress.SyncedAt

	// Same backend state again is a no-op
	outcome, err = f.r.SyncOne(ctx, stored)
	require.NoError(t, err)
	assert.False(t, outcome.Changed)
	assert.Equal(t, syncedAt, f.reload(t, "t1").Progress.SyncedAt)
}

func TestSyncOne_FailureAndCancellation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	failed := f.task(t, "t1", browseruse.Name, models.TaskSearching)
	f.cloud.SetStatus(engine.RunStatus{RunID: failed.ExternalRunID, Status: "failed", Error: "captcha wall"})
	_, err := f.r.SyncOne(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, f.reload(t, "t1").Status)
	assert.Equal(t, "captcha wall", f.reload(t, "t1").ErrorMessage)

	stopped := f.task(t, "t2", bridge.Name, models.TaskSearching)
	f.bridge.SetStatus(engine.RunStatus{RunID: stopped.ExternalRunID, Status: "cancelled"})
	_, err = f.r.SyncOne(ctx, stopped)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, f.reload(t, "t2").Status)

	unhappy := f.task(t, "t3", browseruse.Name, models.TaskCheckout)
	no := false
	f.cloud.SetStatus(engine.RunStatus{RunID: unhappy.ExternalRunID, Status: "finished", Success: &no, Output: "card declined twice"})
	_, err = f.r.SyncOne(ctx, unhappy)
	require.NoError(t, err)
	stored := f.reload(t, "t3")
	assert.Equal(t, models.TaskFailed, stored.Status)
	assert.Equal(t, "card declined twice", stored.ErrorMessage)
	assert.False(t, stored.Result.Success)
}

func TestSyncOne_UnsubmittedTaskFailsAfterGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, f.db.Tasks().InsertTaskWithinLimit(ctx, &models.AutomationTask{
		ID: "stuck", OwnerID: "owner-1", Backend: browseruse.Name, Status: models.TaskPending,
		CreatedAt: old, SubmittedAt: &old,
	}, 100))
	require.NoError(t, f.db.Tasks().InsertTaskWithinLimit(ctx, &models.AutomationTask{
		ID: "fresh", OwnerID: "owner-1", Backend: browseruse.Name, Status: models.TaskPending,
		CreatedAt: time.Now().UTC(),
	}, 100))

	_, err := f.r.SyncOne(ctx, f.reload(t, "stuck"))
	require.NoError(t, err)
	stuck := f.reload(t, "stuck")
	assert.Equal(t, models.TaskFailed, stuck.Status)
	assert.Equal(t, "submission outcome unknown", stuck.ErrorMessage)

	_, err = f.r.SyncOne(ctx, f.reload(t, "fresh"))
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, f.reload(t, "fresh").Status)
}

func TestSyncOne_LostRunFailsAfterGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, f.db.Tasks().InsertTaskWithinLimit(ctx, &models.AutomationTask{
		ID: "lost", OwnerID: "owner-1", Backend: browseruse.Name, Status: models.TaskSearching,
		ExternalRunID: "run-lost", CreatedAt: old, SubmittedAt: &old,
	}, 100))
	recent := f.task(t, "recent", browseruse.Name, models.TaskSearching)

	_, err := f.r.SyncOne(ctx, f.reload(t, "lost"))
	require.NoError(t, err)
	lost := f.reload(t, "lost")
	assert.Equal(t, models.TaskFailed, lost.Status)
	assert.Equal(t, "run is no longer known to the backend", lost.ErrorMessage)

	// Inside the grace period a missing run is only a sync error
	_, err = f.r.SyncOne(ctx, recent)
	require.NoError(t, err)
	stored := f.reload(t, "recent")
	assert.Equal(t, models.TaskSearching, stored.Status)
	assert.Contains(t, stored.LastSyncError, "not found")
}

func TestSyncOne_BrowserUse404SettlesLostRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"task not found"}`))
	}))
	t.Cleanup(srv.Close)

	db, err := badger.NewBadgerDB(zerolog.Nop(), badger.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	client := browseruse.NewClient(srv.URL, "key", srv.Client(), zerolog.Nop())
	registry, err := engine.NewRegistry(browseruse.Name, client)
	require.NoError(t, err)
	sw := sweeper.New(db, enginefake.NewSessions(), registry, time.Second, zerolog.Nop())
	r := New(db.Tasks(), registry, sw, &recorder{}, Options{
		EngineTimeout:     time.Second,
		SubmitGracePeriod: time.Minute,
		Parallelism:       1,
	}, zerolog.Nop())

	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)
	task := &models.AutomationTask{
		ID:            "gone",
		OwnerID:       "owner-1",
		Backend:       browseruse.Name,
		Status:        models.TaskSearching,
		ExternalRunID: "run-gone",
		CreatedAt:     old,
		SubmittedAt:   &old,
	}
	require.NoError(t, db.Tasks().InsertTaskWithinLimit(ctx, task, 10))

	outcome, err := r.SyncOne(ctx, task)
	require.NoError(t, err)
	assert.True(t, outcome.Terminal)
	assert.Equal(t, models.TaskFailed, outcome.Task.Status)

	count, err := db.Tasks().CountActiveTasks(ctx, "owner-1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSyncAll_IsolatesFailuresAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	good := f.task(t, "good", browseruse.Name, models.TaskSearching)
	f.task(t, "bad", bridge.Name, models.TaskSearching)
	f.task(t, "quiet", browseruse.Name, models.TaskSearching)
	f.cloud.SetStatus(engine.RunStatus{RunID: good.ExternalRunID, Status: "finished", Output: "ok"})
	f.cloud.SetStatus(engine.RunStatus{RunID: "run-quiet", Status: "started"})
	f.bridge.StatusErr = enginefake.Unavailable(bridge.Name, "get run")

	summary, err := f.r.SyncAll(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, Summary{Checked: 3, NewlyTerminal: 1, Errors: 1}, summary)
	assert.Equal(t, models.TaskCompleted, f.reload(t, "good").Status)
	assert.Contains(t, f.reload(t, "bad").LastSyncError, "connection refused")
	assert.Equal(t, models.TaskSearching, f.reload(t, "bad").Status)

	f.bridge.StatusErr = nil
	f.bridge.SetStatus(engine.RunStatus{RunID: "run-bad", Status: "running"})
	summary, err = f.r.SyncAll(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, Summary{Checked: 2}, summary)
	assert.Empty(t, f.reload(t, "bad").LastSyncError)

	before := f.reload(t, "quiet")
	summary, err = f.r.SyncAll(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, Summary{Checked: 2}, summary)
	assert.Equal(t, before, f.reload(t, "quiet"))
}

func TestSyncOwners(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.task(t, "a", browseruse.Name, models.TaskSearching)
	f.cloud.SetStatus(engine.RunStatus{RunID: a.ExternalRunID, Status: "finished", Output: "ok"})
	other := &models.AutomationTask{
		ID: "b", OwnerID: "owner-2", Backend: browseruse.Name, Status: models.TaskSearching,
		ExternalRunID: "run-b", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.db.Tasks().InsertTaskWithinLimit(ctx, other, 100))
	f.cloud.SetStatus(engine.RunStatus{RunID: "run-b", Status: "stopped"})

	summary, err := f.r.SyncOwners(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Checked)
	assert.Equal(t, 2, summary.NewlyTerminal)
}

func TestParseResult(t *testing.T) {
	yes := true

	plain := parseResult("  Ordered the cable.  ", &yes)
	assert.True(t, plain.Success)
	assert.Equal(t, "Ordered the cable.", plain.Summary)

	structured := parseResult("```json\n{\"success\": false, \"summary\": \"Out of stock\", \"totalPrice\": 0}\n```", &yes)
	assert.False(t, structured.Success)
	assert.Equal(t, "Out of stock", structured.Summary)

	priced := parseResult(`{"summary":"x","totalPrice":"$1,234.50"}`, nil)
	assert.True(t, priced.Success)
	assert.InDelta(t, 1234.50, priced.TotalPrice, 0.001)

	broken := parseResult(`result: {not json}`, nil)
	assert.Equal(t, "result: {not json}", broken.Summary)
}
