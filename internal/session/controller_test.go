package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserpilot/internal/engine"
	"github.com/shehryarbajwa/browserpilot/internal/engine/enginefake"
	apperrors "github.com/shehryarbajwa/browserpilot/internal/errors"
	"github.com/shehryarbajwa/browserpilot/internal/identity"
	"github.com/shehryarbajwa/browserpilot/internal/storage/badger"
	"github.com/shehryarbajwa/browserpilot/internal/sweeper"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

type fixture struct {
	db         *badger.BadgerDB
	sessions   *enginefake.Sessions
	tasks      *enginefake.Tasks
	controller *Controller
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

	log := zerolog.Nop()
	identities := identity.NewManager(db.Identities(), sessions, time.Second, log)
	sw := sweeper.New(db, sessions, registry, time.Second, log)
	return &fixture{
		db:         db,
		sessions:   sessions,
		tasks:      tasks,
		controller: NewController(identities, db, sessions, sw, true, time.Second, log),
	}
}

func (f *fixture) identity(t *testing.T) *models.BrowserIdentity {
	t.Helper()
	ident, err := f.db.Identities().GetIdentity(context.Background(), "owner-1")
	require.NoError(t, err)
	return ident
}

func TestLoginURL(t *testing.T) {
	assert.Equal(t, "https://www.amazon.com/ap/signin", LoginURL("Amazon "))
	assert.Equal(t, "https://accounts.google.com", LoginURL("gmail"))
	assert.Equal(t, "https://etsy.com", LoginURL("etsy"))
	assert.Equal(t, "https://shop.example.org", LoginURL("shop.example.org"))
}

func TestStartLogin_CreatesIdentityAndPendingSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start, err := f.controller.StartLogin(ctx, "owner-1", "amazon")
	require.NoError(t, err)
	assert.NotEmpty(t, start.LiveViewURL)
	assert.Equal(t, "https://www.amazon.com/ap/signin", start.StartURL)

	ident := f.identity(t)
	assert.Equal(t, models.IdentityPendingLogin, ident.Status)
	assert.Equal(t, start.SessionID, ident.PendingSessionID)
	assert.Equal(t, "amazon", ident.PendingSite)
	assert.NotNil(t, ident.PendingSince)

	stored, err := f.db.Sessions().GetSession(ctx, start.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, stored.Status)
	assert.True(t, stored.KeepAlive)
	assert.Equal(t, ident.IdentityID, stored.IdentityID)
}

func TestStartLogin_RejectsSecondPendingLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.controller.StartLogin(ctx, "owner-1", "amazon")
	require.NoError(t, err)

	_, err = f.controller.StartLogin(ctx, "owner-1", "walmart")
	assert.True(t, apperrors.Is(err, apperrors.ErrLoginPending))

	// The first session is left running
	assert.Zero(t, f.sessions.Count("stop_session "+first.SessionID))
	assert.Equal(t, first.SessionID, f.identity(t).PendingSessionID)
}

func TestStartLogin_EngineFailureReleasesClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sessions.CreateSessionErr = enginefake.Unavailable("fake-sessions", "create session")
	_, err := f.controller.StartLogin(ctx, "owner-1", "amazon")
	require.Error(t, err)
	assert.True(t, apperrors.Retryable(err))

	ident := f.identity(t)
	assert.False(t, ident.LoginPending())
	assert.Equal(t, models.IdentityReady, ident.Status)

	f.sessions.CreateSessionErr = nil
	_, err = f.controller.StartLogin(ctx, "owner-1", "amazon")
	assert.NoError(t, err)
}

func TestStartThenCancelLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start, err := f.controller.StartLogin(ctx, "owner-1", "gmail")
	require.NoError(t, err)

	ident, err := f.controller.CancelLogin(ctx, "owner-1")
	require.NoError(t, err)
	assert.Empty(t, ident.PendingSessionID)
	assert.Empty(t, ident.PendingTaskID)
	assert.Empty(t, ident.PendingSite)
	assert.Nil(t, ident.PendingSince)
	assert.Empty(t, ident.AuthenticatedSites)
	assert.Equal(t, models.IdentityReady, ident.Status)
	assert.Equal(t, 1, f.sessions.Count("stop_session "+start.SessionID))

	stored, err := f.db.Sessions().GetSession(ctx, start.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStopped, stored.Status)
}

func TestCancelLogin_StopFailuresStillClearState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.controller.StartLogin(ctx, "owner-1", "gmail")
	require.NoError(t, err)
	_, err = f.db.Identities().UpdateIdentity(ctx, "owner-1", func(i *models.BrowserIdentity) error {
		i.PendingTaskID = "missing-task"
		return nil
	})
	require.NoError(t, err)

	f.sessions.StopSessionErr = enginefake.Unavailable("fake-sessions", "stop session")
	ident, err := f.controller.CancelLogin(ctx, "owner-1")
	require.NoError(t, err)
	assert.False(t, ident.HasPending())
}

func TestConfirmLogin_StopsBeforeRecordingSite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start, err := f.controller.StartLogin(ctx, "owner-1", "amazon")
	require.NoError(t, err)

	confirm, err := f.controller.ConfirmLogin(ctx, "owner-1", "amazon")
	require.NoError(t, err)
	assert.Empty(t, confirm.Warning)
	assert.Equal(t, []string{"amazon"}, confirm.Identity.AuthenticatedSites)
	assert.Equal(t, models.IdentityActive, confirm.Identity.Status)
	assert.Empty(t, confirm.Identity.PendingSessionID)
	assert.NotNil(t, confirm.Identity.LastLoginAt)

	calls := f.sessions.List()
	assert.Equal(t, "stop_session "+start.SessionID, calls[len(calls)-1])
}

func TestConfirmLogin_IdempotentSiteSetUpdatesLastLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.controller.StartLogin(ctx, "owner-1", "amazon")
	require.NoError(t, err)
	first, err := f.controller.ConfirmLogin(ctx, "owner-1", "amazon")
	require.NoError(t, err)
	firstLogin := *first.Identity.LastLoginAt

	time.Sleep(5 * time.Millisecond)
	second, err := f.controller.ConfirmLogin(ctx, "owner-1", "amazon")
	require.NoError(t, err)
	assert.Equal(t, []string{"amazon"}, second.Identity.AuthenticatedSites)
	assert.True(t, second.Identity.LastLoginAt.After(firstLogin))
}

func TestConfirmLogin_StopFailureWarns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.controller.StartLogin(ctx, "owner-1", "amazon")
	require.NoError(t, err)

	f.sessions.StopSessionErr = enginefake.Unavailable("fake-sessions", "stop session")
	confirm, err := f.controller.ConfirmLogin(ctx, "owner-1", "")
	require.NoError(t, err)
	assert.Contains(t, confirm.Warning, "may not have been saved")
	assert.True(t, confirm.Identity.HasSite("amazon"))
}

func TestRestartSession_CleansUpThenStarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.controller.StartLogin(ctx, "owner-1", "amazon")
	require.NoError(t, err)

	restart, err := f.controller.RestartSession(ctx, "owner-1", "amazon")
	require.NoError(t, err)
	assert.Equal(t, 1, restart.Cleanup.SessionsKilled)
	assert.NotEqual(t, first.SessionID, restart.Login.SessionID)
	assert.Equal(t, restart.Login.SessionID, f.identity(t).PendingSessionID)
}
