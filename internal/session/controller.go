// Package session runs the interactive login flow for an identity:
// open a live-viewable browser, let the user sign in, then stop the
// browser so its cookies are written back into the identity.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/browserpilot/internal/engine"
	apperrors "github.com/shehryarbajwa/browserpilot/internal/errors"
	"github.com/shehryarbajwa/browserpilot/internal/identity"
	"github.com/shehryarbajwa/browserpilot/internal/storage"
	"github.com/shehryarbajwa/browserpilot/internal/sweeper"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// LoginStart is returned when a login session opens
type LoginStart struct {
	SessionID   string `json:"sessionId"`
	LiveViewURL string `json:"liveViewUrl"`
	Site        string `json:"site"`
	StartURL    string `json:"startUrl"`
}

// LoginConfirm is returned when a login is confirmed. Warning is set when
// the session could not be stopped, in which case the site's cookies may
// not have been saved.
type LoginConfirm struct {
	Identity *models.BrowserIdentity `json:"identity"`
	Warning  string                  `json:"warning,omitempty"`
}

// Restart is the combined outcome of a cleanup followed by a new login
type Restart struct {
	Cleanup sweeper.Result `json:"cleanup"`
	Login   *LoginStart    `json:"login"`
}

// Controller drives the per-identity login state machine
type Controller struct {
	identities *identity.Manager
	store      storage.Storage
	engine     engine.SessionEngine
	sweeper    *sweeper.Sweeper
	keepAlive  bool
	timeout    time.Duration
	logger     zerolog.Logger
}

func NewController(
	identities *identity.Manager,
	store storage.Storage,
	sessions engine.SessionEngine,
	sw *sweeper.Sweeper,
	keepAlive bool,
	timeout time.Duration,
	logger zerolog.Logger,
) *Controller {
	return &Controller{
		identities: identities,
		store:      store,
		engine:     sessions,
		sweeper:    sw,
		keepAlive:  keepAlive,
		timeout:    timeout,
		logger:     logger.With().Str("component", "session").Logger(),
	}
}

// StartLogin opens a keep-alive session on the owner's identity at the
// site's login page. It fails with ErrLoginPending while another login is
// in progress; callers clean up first rather than having it killed here.
func (c *Controller) StartLogin(ctx context.Context, ownerID, site string) (*LoginStart, error) {
	site = NormalizeSite(site)
	if site == "" {
		return nil, fmt.Errorf("site is required: %w", apperrors.ErrInvalidRequest)
	}

	ident, err := c.identities.Get(ctx, ownerID)
	if err != nil || !ident.Ready() {
		if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		c.logger.Info().Str("owner_id", ownerID).Msg("Identity not ready, creating it before login")
		if ident, err = c.identities.GetOrCreate(ctx, ownerID); err != nil {
			return nil, err
		}
	}

	// Claim the pending slot before touching the engine
	now := time.Now().UTC()
	ident, err = c.store.Identities().UpdateIdentity(ctx, ownerID, func(i *models.BrowserIdentity) error {
		if i.LoginPending() {
			return apperrors.ErrLoginPending
		}
		i.Status = models.IdentityPendingLogin
		i.PendingSite = site
		i.PendingSince = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	startURL := LoginURL(site)
	req := engine.SessionRequest{
		IdentityID: ident.IdentityID,
		StartURL:   startURL,
		KeepAlive:  c.keepAlive,
	}
	if ident.Proxy != nil {
		req.Proxy = &engine.ProxyConfig{Server: ident.Proxy.Server, Username: ident.Proxy.Username}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	info, err := c.engine.CreateSession(callCtx, req)
	cancel()
	if err != nil {
		c.releaseClaim(ctx, ownerID, now)
		return nil, apperrors.Wrapf(err, "start login for %s", site)
	}

	record := &models.Session{
		ID:          info.ID,
		OwnerID:     ownerID,
		IdentityID:  ident.IdentityID,
		Backend:     c.engine.Name(),
		Site:        site,
		StartURL:    startURL,
		LiveViewURL: info.LiveViewURL,
		Status:      models.SessionActive,
		KeepAlive:   req.KeepAlive,
		StartedAt:   now,
	}
	if err := c.store.Sessions().SaveSession(ctx, record); err != nil {
		c.logger.Warn().Err(err).Str("session_id", info.ID).Msg("Failed to record session")
	}

	_, err = c.store.Identities().UpdateIdentity(ctx, ownerID, func(i *models.BrowserIdentity) error {
		if !ownsClaim(i, now) {
			return fmt.Errorf("login was cancelled while starting: %w", apperrors.ErrInvalidRequest)
		}
		i.PendingSessionID = info.ID
		return nil
	})
	if err != nil {
		c.sweeper.StopSession(context.WithoutCancel(ctx), info.ID, "cancelled")
		return nil, err
	}

	c.logger.Info().
		Str("owner_id", ownerID).
		Str("site", site).
		Str("session_id", info.ID).
		Msg("Login session started")

	return &LoginStart{
		SessionID:   info.ID,
		LiveViewURL: info.LiveViewURL,
		Site:        site,
		StartURL:    startURL,
	}, nil
}

func ownsClaim(i *models.BrowserIdentity, since time.Time) bool {
	return i.Status == models.IdentityPendingLogin &&
		i.PendingSessionID == "" &&
		i.PendingSince != nil && i.PendingSince.Equal(since)
}

func (c *Controller) releaseClaim(ctx context.Context, ownerID string, since time.Time) {
	_, err := c.store.Identities().UpdateIdentity(ctx, ownerID, func(i *models.BrowserIdentity) error {
		if ownsClaim(i, since) {
			i.ClearLogin()
		}
		return nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("owner_id", ownerID).Msg("Failed to release login claim")
	}
}

// ConfirmLogin stops the pending session, which is what saves the
// cookies, and then records site as authenticated. A failed stop does not
// block confirmation but is reported as a warning.
func (c *Controller) ConfirmLogin(ctx context.Context, ownerID, site string) (*LoginConfirm, error) {
	ident, err := c.identities.Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	site = NormalizeSite(site)
	if site == "" {
		site = ident.PendingSite
	}
	if site == "" {
		return nil, fmt.Errorf("site is required: %w", apperrors.ErrInvalidRequest)
	}

	var warning string
	sessionID := ident.PendingSessionID
	if sessionID != "" && !c.sweeper.StopSession(ctx, sessionID, "confirmed") {
		warning = fmt.Sprintf("browser session %s could not be stopped; the %s login may not have been saved", sessionID, site)
	}

	now := time.Now().UTC()
	ident, err = c.store.Identities().UpdateIdentity(ctx, ownerID, func(i *models.BrowserIdentity) error {
		i.AddSite(site)
		if i.PendingSessionID == sessionID {
			i.ClearLogin()
		}
		i.LastLoginAt = &now
		i.Status = models.IdentityActive
		return nil
	})
	if err != nil {
		return nil, err
	}

	event := c.logger.Info()
	if warning != "" {
		event = c.logger.Warn().Str("warning", warning)
	}
	event.Str("owner_id", ownerID).Str("site", site).Msg("Login confirmed")

	return &LoginConfirm{Identity: ident, Warning: warning}, nil
}

// CancelLogin stops the pending session and the pending task, each
// independently, and clears the pending fields regardless of either outcome.
func (c *Controller) CancelLogin(ctx context.Context, ownerID string) (*models.BrowserIdentity, error) {
	ident, err := c.identities.Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	c.sweeper.StopSession(ctx, ident.PendingSessionID, "cancelled")
	c.sweeper.StopTask(ctx, ident.PendingTaskID, "cancelled with login")

	ident, err = c.store.Identities().UpdateIdentity(ctx, ownerID, func(i *models.BrowserIdentity) error {
		i.ClearPending()
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("owner_id", ownerID).Msg("Login cancelled")
	return ident, nil
}

// RestartSession cleans up stale resources and starts a fresh login
func (c *Controller) RestartSession(ctx context.Context, ownerID, site string) (*Restart, error) {
	result, err := c.sweeper.CleanupStale(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	login, err := c.StartLogin(ctx, ownerID, site)
	if err != nil {
		return nil, err
	}
	return &Restart{Cleanup: result, Login: login}, nil
}

// Cleanup runs the stale-resource sweep for the owner
func (c *Controller) Cleanup(ctx context.Context, ownerID string) (sweeper.Result, error) {
	return c.sweeper.CleanupStale(ctx, ownerID)
}

// ActiveSessions lists the owner's locally recorded live sessions
func (c *Controller) ActiveSessions(ctx context.Context, ownerID string) ([]*models.Session, error) {
	return c.store.Sessions().ListSessions(ctx, ownerID, models.SessionActive)
}
