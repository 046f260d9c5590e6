package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/shehryarbajwa/browserpilot/internal/errors"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

func openTestDB(t *testing.T) *BadgerDB {
	t.Helper()
	db, err := NewBadgerDB(zerolog.Nop(), Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTask(id, owner string) *models.AutomationTask {
	return &models.AutomationTask{
		ID:        id,
		OwnerID:   owner,
		Status:    models.TaskPending,
		CreatedAt: time.Now().UTC(),
	}
}

func TestInsertTaskWithinLimit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := range 3 {
		require.NoError(t, db.Tasks().InsertTaskWithinLimit(ctx, newTask(fmt.Sprintf("t%d", i), "o1"), 3))
	}
	err := db.Tasks().InsertTaskWithinLimit(ctx, newTask("t3", "o1"), 3)
	assert.ErrorIs(t, err, apperrors.ErrConcurrencyLimitExceeded)

	_, err = db.Tasks().GetTask(ctx, "t3")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	// Other owners have their own ceiling
	require.NoError(t, db.Tasks().InsertTaskWithinLimit(ctx, newTask("x0", "o2"), 3))

	// Finishing a task frees its slot
	_, err = db.Tasks().UpdateTask(ctx, "t0", func(task *models.AutomationTask) error {
		task.Finish(models.TaskCompleted, "", time.Now().UTC())
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, db.Tasks().InsertTaskWithinLimit(ctx, newTask("t3", "o1"), 3))

	count, err := db.Tasks().CountActiveTasks(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestInsertTaskWithinLimit_Concurrent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 12)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = db.Tasks().InsertTaskWithinLimit(ctx, newTask(fmt.Sprintf("t%d", i), "o1"), 4)
		}()
	}
	wg.Wait()

	ok, limited := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperrors.ErrConcurrencyLimitExceeded):
			limited++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 4, ok)
	assert.Equal(t, 8, limited)

	count, err := db.Tasks().CountActiveTasks(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestUpdateTask_MutatorErrorAborts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Tasks().InsertTaskWithinLimit(ctx, newTask("t1", "o1"), 5))

	sentinel := errors.New("no change")
	_, err := db.Tasks().UpdateTask(ctx, "t1", func(task *models.AutomationTask) error {
		task.Status = models.TaskCheckout
		return sentinel
	})
	assert.Same(t, sentinel, err)

	stored, err := db.Tasks().GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, stored.Status)

	_, err = db.Tasks().UpdateTask(ctx, "missing", func(*models.AutomationTask) error { return nil })
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestListOwnersWithActiveTasks(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Tasks().InsertTaskWithinLimit(ctx, newTask("a", "o2"), 5))
	require.NoError(t, db.Tasks().InsertTaskWithinLimit(ctx, newTask("b", "o1"), 5))
	require.NoError(t, db.Tasks().InsertTaskWithinLimit(ctx, newTask("c", "o1"), 5))
	done := newTask("d", "o3")
	done.Status = models.TaskFailed
	require.NoError(t, db.Tasks().InsertTaskWithinLimit(ctx, done, 5))

	owners, err := db.Tasks().ListOwnersWithActiveTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"o1", "o2"}, owners)

	active, err := db.Tasks().ListActiveTasks(ctx, "o1")
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestEnsureIdentity(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first, created, err := db.Identities().EnsureIdentity(ctx, &models.BrowserIdentity{
		OwnerID: "o1", IdentityID: "p1", Status: models.IdentityReady,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "p1", first.IdentityID)

	second, created, err := db.Identities().EnsureIdentity(ctx, &models.BrowserIdentity{
		OwnerID: "o1", IdentityID: "p2", Status: models.IdentityReady,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "p1", second.IdentityID)

	// A placeholder without an external id is completed by the next ensure
	_, _, err = db.Identities().EnsureIdentity(ctx, &models.BrowserIdentity{OwnerID: "o2", Status: models.IdentityUninitialized})
	require.NoError(t, err)
	filled, created, err := db.Identities().EnsureIdentity(ctx, &models.BrowserIdentity{
		OwnerID: "o2", IdentityID: "p3", Status: models.IdentityReady,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "p3", filled.IdentityID)
}

func TestListPendingIdentities(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)
	recent := time.Now().UTC()

	for owner, since := range map[string]time.Time{"old": old, "recent": recent} {
		_, _, err := db.Identities().EnsureIdentity(ctx, &models.BrowserIdentity{
			OwnerID:      owner,
			IdentityID:   "p-" + owner,
			Status:       models.IdentityPendingLogin,
			PendingSince: &since,
		})
		require.NoError(t, err)
	}

	pending, err := db.Identities().ListPendingIdentities(ctx, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "old", pending[0].OwnerID)
}

func TestSessions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Sessions().SaveSession(ctx, &models.Session{
		ID: "s1", OwnerID: "o1", Status: models.SessionActive, StartedAt: time.Now().UTC(),
	}))

	at := time.Now().UTC()
	require.NoError(t, db.Sessions().MarkSessionStopped(ctx, "s1", "confirmed", at))
	require.NoError(t, db.Sessions().MarkSessionStopped(ctx, "s1", "again", at.Add(time.Minute)))
	require.NoError(t, db.Sessions().MarkSessionStopped(ctx, "unknown", "x", at))

	stored, err := db.Sessions().GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStopped, stored.Status)
	assert.Equal(t, "confirmed", stored.StopReason)

	active, err := db.Sessions().ListSessions(ctx, "o1", models.SessionActive)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCredentials_DefaultIsExclusive(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"c1", "c2"} {
		require.NoError(t, db.Credentials().SaveCredential(ctx, &models.Credential{
			ID:        id,
			OwnerID:   "o1",
			Kind:      models.CredentialProxy,
			IsDefault: true,
			Fields:    map[string]string{"password": "v1.k1.sealed"},
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}

	list, err := db.Credentials().ListCredentials(ctx, "o1", models.CredentialProxy)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.False(t, list[0].IsDefault)
	assert.True(t, list[1].IsDefault)
	assert.Equal(t, "v1.k1.sealed", list[1].Fields["password"])

	_, err = db.Credentials().GetCredential(ctx, "o2", "c1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorIs(t, db.Credentials().DeleteCredential(ctx, "o2", "c1"), apperrors.ErrNotFound)
	require.NoError(t, db.Credentials().DeleteCredential(ctx, "o1", "c1"))
}
