// Package identity maps platform owners to durable external browser
// identities, creating them on first use.
package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/shehryarbajwa/browserpilot/internal/engine"
	apperrors "github.com/shehryarbajwa/browserpilot/internal/errors"
	"github.com/shehryarbajwa/browserpilot/internal/storage"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// profileNamespace seeds the name-based UUIDs used for profile names
var profileNamespace = uuid.MustParse("6f1d3c2e-8a4b-5c7d-9e0f-b1a2c3d4e5f6")

const profilePrefix = "browserpilot-"

// ProfileName derives the external profile name for ownerID. The same
// owner always gets the same name.
func ProfileName(ownerID string) string {
	return profilePrefix + uuid.NewSHA1(profileNamespace, []byte(ownerID)).String()
}

// Manager implements get-or-create over the identity store and a session engine
type Manager struct {
	store   storage.IdentityStorage
	engine  engine.SessionEngine
	timeout time.Duration
	logger  zerolog.Logger

	inflight singleflight.Group
}

// NewManager creates an identity manager. timeout bounds each engine call.
func NewManager(store storage.IdentityStorage, sessions engine.SessionEngine, timeout time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		store:   store,
		engine:  sessions,
		timeout: timeout,
		logger:  logger.With().Str("component", "identity").Logger(),
	}
}

// Get returns the owner's identity without creating one
func (m *Manager) Get(ctx context.Context, ownerID string) (*models.BrowserIdentity, error) {
	return m.store.GetIdentity(ctx, ownerID)
}

// GetOrCreate returns the owner's identity, creating the external profile
// and the local record if none exists yet. Concurrent callers for the same
// owner end up with the same stored record.
func (m *Manager) GetOrCreate(ctx context.Context, ownerID string) (*models.BrowserIdentity, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fmt.Errorf("owner id is required: %w", apperrors.ErrInvalidRequest)
	}

	existing, err := m.store.GetIdentity(ctx, ownerID)
	if err == nil && existing.IdentityID != "" {
		return existing, nil
	}
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	v, err, _ := m.inflight.Do(ownerID, func() (interface{}, error) {
		// Shared by every waiter, so it must outlive any single caller
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		return m.create(callCtx, ownerID, existing != nil)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.BrowserIdentity), nil
}

func (m *Manager) create(ctx context.Context, ownerID string, placeholder bool) (*models.BrowserIdentity, error) {
	name := ProfileName(ownerID)
	externalID, err := m.engine.CreateIdentity(ctx, name)
	if err != nil {
		m.logger.Error().Err(err).Str("owner_id", ownerID).Msg("Failed to create external profile")
		return nil, apperrors.Wrapf(err, "create identity for owner %s", ownerID)
	}

	if placeholder {
		// Keep settings recorded before the profile existed
		identity, err := m.store.UpdateIdentity(ctx, ownerID, func(i *models.BrowserIdentity) error {
			if i.IdentityID != "" {
				return nil
			}
			i.IdentityID = externalID
			i.ProfileName = name
			i.Backend = m.engine.Name()
			if i.Status == "" || i.Status == models.IdentityUninitialized {
				i.Status = models.IdentityReady
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		m.logger.Info().Str("owner_id", ownerID).Str("identity_id", identity.IdentityID).Msg("Completed identity")
		return identity, nil
	}

	now := time.Now().UTC()
	identity, created, err := m.store.EnsureIdentity(ctx, &models.BrowserIdentity{
		OwnerID:     ownerID,
		IdentityID:  externalID,
		ProfileName: name,
		Backend:     m.engine.Name(),
		Status:      models.IdentityReady,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, err
	}
	if created {
		m.logger.Info().Str("owner_id", ownerID).Str("identity_id", identity.IdentityID).Msg("Created identity")
	} else if identity.IdentityID != externalID {
		m.logger.Warn().
			Str("owner_id", ownerID).
			Str("identity_id", identity.IdentityID).
			Str("discarded_id", externalID).
			Msg("Identity already existed; keeping stored profile")
	}
	return identity, nil
}

// SetProxy records the outbound proxy for the owner's browsers. A record is
// created in the uninitialized state if the owner has no identity yet.
func (m *Manager) SetProxy(ctx context.Context, ownerID string, proxy *models.ProxyConfig) (*models.BrowserIdentity, error) {
	now := time.Now().UTC()
	if _, _, err := m.store.EnsureIdentity(ctx, &models.BrowserIdentity{
		OwnerID:   ownerID,
		Status:    models.IdentityUninitialized,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, err
	}
	return m.store.UpdateIdentity(ctx, ownerID, func(i *models.BrowserIdentity) error {
		i.Proxy = proxy
		return nil
	})
}
