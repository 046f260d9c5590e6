// Package local is a self-hosted session backend: each session is a
// browserless/chrome container mounting the identity's user-data
// directory, which is archived back into the profile when the session
// stops.
package local

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/browserpilot/internal/engine"
	apperrors "github.com/shehryarbajwa/browserpilot/internal/errors"
)

// Name is the backend name identities record
const Name = "local"

type liveSession struct {
	instance   *Instance
	identityID string
	dataDir    string
}

// Engine implements engine.SessionEngine on top of a container Runtime
type Engine struct {
	runtime   Runtime
	profiles  *ProfileStore
	publicURL string
	logger    zerolog.Logger

	sessions sync.Map // map[sessionID]*liveSession
}

var _ engine.SessionEngine = (*Engine)(nil)

// NewEngine creates the local backend. publicURL is the externally
// reachable base of this service, used to build live-view links.
func NewEngine(runtime Runtime, profiles *ProfileStore, publicURL string, logger zerolog.Logger) *Engine {
	return &Engine{
		runtime:   runtime,
		profiles:  profiles,
		publicURL: strings.TrimRight(publicURL, "/"),
		logger:    logger.With().Str("engine", Name).Logger(),
	}
}

func (e *Engine) Name() string { return Name }

func (e *Engine) CreateIdentity(ctx context.Context, name string) (string, error) {
	id, err := e.profiles.Create(name)
	if err != nil {
		return "", &apperrors.EngineError{Engine: Name, Op: "create profile", Err: err}
	}
	e.logger.Info().Str("profile_id", id).Msg("Created profile")
	return id, nil
}

func (e *Engine) CreateSession(ctx context.Context, req engine.SessionRequest) (*engine.SessionInfo, error) {
	sessionID := uuid.New().String()

	opts := LaunchOptions{
		SessionID:  sessionID,
		IdentityID: req.IdentityID,
		KeepAlive:  req.KeepAlive,
	}
	if req.Proxy != nil {
		opts.ProxyServer = req.Proxy.Server
	}

	if req.IdentityID != "" {
		dir, err := e.profiles.Checkout(req.IdentityID, sessionID)
		if err != nil {
			return nil, &apperrors.EngineError{Engine: Name, Op: "create session", Err: err}
		}
		opts.UserDataDir = dir
	}

	instance, err := e.runtime.Launch(ctx, opts)
	if err != nil {
		_ = e.profiles.Release(sessionID)
		return nil, &apperrors.EngineError{Engine: Name, Op: "create session", Err: err}
	}

	e.sessions.Store(sessionID, &liveSession{
		instance:   instance,
		identityID: req.IdentityID,
		dataDir:    opts.UserDataDir,
	})

	e.logger.Info().
		Str("session_id", sessionID).
		Str("container_id", shortID(instance.ContainerID)).
		Msg("Launched browser session")

	return &engine.SessionInfo{
		ID:          sessionID,
		IdentityID:  req.IdentityID,
		LiveViewURL: e.LiveViewURL(sessionID),
		Status:      "active",
		StartedAt:   instance.StartedAt,
	}, nil
}

// StopSession stops the container and then saves its user-data directory
// into the profile. Containers from a previous process are stopped
// without a save since their working directory is unknown.
func (e *Engine) StopSession(ctx context.Context, sessionID string) error {
	value, ok := e.sessions.Load(sessionID)
	if !ok {
		return e.stopOrphan(ctx, sessionID)
	}
	s := value.(*liveSession)

	if err := e.runtime.Stop(ctx, s.instance.ContainerID); err != nil {
		return &apperrors.EngineError{Engine: Name, Op: "stop session", Err: err}
	}
	e.sessions.Delete(sessionID)

	if s.identityID != "" && s.dataDir != "" {
		if err := e.profiles.Save(s.identityID, s.dataDir); err != nil {
			return &apperrors.EngineError{Engine: Name, Op: "save profile", Err: err}
		}
		e.logger.Info().Str("session_id", sessionID).Str("profile_id", s.identityID).Msg("Saved profile")
	}
	if err := e.profiles.Release(sessionID); err != nil {
		e.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to remove session directory")
	}
	return nil
}

func (e *Engine) stopOrphan(ctx context.Context, sessionID string) error {
	instances, err := e.runtime.List(ctx)
	if err != nil {
		return &apperrors.EngineError{Engine: Name, Op: "stop session", Err: err}
	}
	for _, inst := range instances {
		if inst.SessionID != sessionID {
			continue
		}
		if err := e.runtime.Stop(ctx, inst.ContainerID); err != nil {
			return &apperrors.EngineError{Engine: Name, Op: "stop session", Err: err}
		}
		_ = e.profiles.Release(sessionID)
		return nil
	}
	return nil
}

// ListActiveSessions reports every managed container, including ones this
// process did not launch.
func (e *Engine) ListActiveSessions(ctx context.Context) ([]engine.SessionInfo, error) {
	instances, err := e.runtime.List(ctx)
	if err != nil {
		return nil, &apperrors.EngineError{Engine: Name, Op: "list sessions", Err: err}
	}
	out := make([]engine.SessionInfo, 0, len(instances))
	for _, inst := range instances {
		if inst.SessionID == "" {
			continue
		}
		out = append(out, engine.SessionInfo{
			ID:          inst.SessionID,
			IdentityID:  inst.IdentityID,
			LiveViewURL: e.LiveViewURL(inst.SessionID),
			Status:      "active",
			StartedAt:   inst.StartedAt,
		})
	}
	return out, nil
}

// LiveViewURL is where an end user watches and drives the session
func (e *Engine) LiveViewURL(sessionID string) string {
	return fmt.Sprintf("%s/v1/sessions/%s/live", e.publicURL, sessionID)
}

// ConnectURL returns the CDP websocket endpoint of a running session
func (e *Engine) ConnectURL(sessionID string) (string, bool) {
	value, ok := e.sessions.Load(sessionID)
	if !ok {
		return "", false
	}
	return value.(*liveSession).instance.ConnectURL, true
}

// StopAll stops every session this process launched, saving profiles
func (e *Engine) StopAll(ctx context.Context) {
	e.sessions.Range(func(key, _ any) bool {
		id := key.(string)
		if err := e.StopSession(ctx, id); err != nil {
			e.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to stop session on shutdown")
		}
		return true
	})
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

