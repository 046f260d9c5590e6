// Package enginefake provides in-memory engines whose behaviour tests
// can script.
package enginefake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shehryarbajwa/browserpilot/internal/engine"
	apperrors "github.com/shehryarbajwa/browserpilot/internal/errors"
)

// Calls records every call made against an engine, in order
type Calls struct {
	mu  sync.Mutex
	log []string
}

func (c *Calls) record(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, fmt.Sprintf(format, args...))
}

// List returns a copy of the recorded calls
func (c *Calls) List() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

// Count returns how many recorded calls equal call
func (c *Calls) Count(call string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, l := range c.log {
		if l == call {
			n++
		}
	}
	return n
}

// Unavailable is an engine error matching ErrEngineUnavailable
func Unavailable(engineName, op string) error {
	return &apperrors.EngineError{Engine: engineName, Op: op, Err: fmt.Errorf("connection refused")}
}

// Sessions is a fake engine.SessionEngine
type Sessions struct {
	Calls

	NameValue string
	// Delay is applied before CreateIdentity returns
	Delay time.Duration

	CreateIdentityErr error
	CreateSessionErr  error
	StopSessionErr    error
	ListErr           error

	mu         sync.Mutex
	identities map[string]string
	active     map[string]engine.SessionInfo
}

var _ engine.SessionEngine = (*Sessions)(nil)

func NewSessions() *Sessions {
	return &Sessions{
		NameValue:  "fake-sessions",
		identities: make(map[string]string),
		active:     make(map[string]engine.SessionInfo),
	}
}

func (s *Sessions) Name() string { return s.NameValue }

func (s *Sessions) CreateIdentity(ctx context.Context, name string) (string, error) {
	s.record("create_identity %s", name)
	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}
	if s.CreateIdentityErr != nil {
		return "", s.CreateIdentityErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[name]
	if !ok {
		id = "profile-" + uuid.NewString()
		s.identities[name] = id
	}
	return id, nil
}

// IdentityCount is the number of distinct identities the engine holds
func (s *Sessions) IdentityCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.identities)
}

func (s *Sessions) CreateSession(ctx context.Context, req engine.SessionRequest) (*engine.SessionInfo, error) {
	s.record("create_session %s", req.IdentityID)
	if s.CreateSessionErr != nil {
		return nil, s.CreateSessionErr
	}
	info := engine.SessionInfo{
		ID:          "session-" + uuid.NewString(),
		IdentityID:  req.IdentityID,
		LiveViewURL: "https://live.example.test/" + req.IdentityID,
		Status:      "active",
		StartedAt:   time.Now(),
	}
	s.mu.Lock()
	s.active[info.ID] = info
	s.mu.Unlock()
	return &info, nil
}

func (s *Sessions) StopSession(ctx context.Context, sessionID string) error {
	s.record("stop_session %s", sessionID)
	if s.StopSessionErr != nil {
		return s.StopSessionErr
	}
	s.mu.Lock()
	delete(s.active, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *Sessions) ListActiveSessions(ctx context.Context) ([]engine.SessionInfo, error) {
	s.record("list_sessions")
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.SessionInfo, 0, len(s.active))
	for _, info := range s.active {
		out = append(out, info)
	}
	return out, nil
}

// AddActive registers a session the engine reports without it having been created here
func (s *Sessions) AddActive(info engine.SessionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[info.ID] = info
}

// ActiveCount is the number of sessions the engine still considers active
func (s *Sessions) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Tasks is a fake engine.TaskEngine
type Tasks struct {
	Calls

	NameValue string

	SubmitErr error
	// SubmitHook, if set, runs before a submission is accepted
	SubmitHook func(ctx context.Context, payload engine.TaskPayload) error
	StatusErr  error
	StopErr    error
	ListErr    error

	mu       sync.Mutex
	payloads []engine.TaskPayload
	runs     map[string]*engine.RunStatus
}

var _ engine.TaskEngine = (*Tasks)(nil)

func NewTasks(name string) *Tasks {
	return &Tasks{
		NameValue: name,
		runs:      make(map[string]*engine.RunStatus),
	}
}

func (t *Tasks) Name() string { return t.NameValue }

func (t *Tasks) SubmitTask(ctx context.Context, payload engine.TaskPayload) (string, error) {
	t.record("submit %s", payload.TaskID)
	if t.SubmitHook != nil {
		if err := t.SubmitHook(ctx, payload); err != nil {
			return "", err
		}
	}
	if t.SubmitErr != nil {
		return "", t.SubmitErr
	}
	runID := "run-" + payload.TaskID
	t.mu.Lock()
	defer t.mu.Unlock()
	t.payloads = append(t.payloads, payload)
	t.runs[runID] = &engine.RunStatus{RunID: runID, Status: "started"}
	return runID, nil
}

// Payloads returns every accepted payload
func (t *Tasks) Payloads() []engine.TaskPayload {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]engine.TaskPayload(nil), t.payloads...)
}

// SetStatus scripts what GetTaskStatus returns for runID
func (t *Tasks) SetStatus(status engine.RunStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := status
	t.runs[status.RunID] = &s
}

func (t *Tasks) GetTaskStatus(ctx context.Context, runID string) (*engine.RunStatus, error) {
	t.record("status %s", runID)
	if t.StatusErr != nil {
		return nil, t.StatusErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.runs[runID]
	if !ok {
		return nil, &apperrors.EngineError{Engine: t.NameValue, Op: "get task", Err: apperrors.ErrNotFound}
	}
	out := *s
	return &out, nil
}

func (t *Tasks) StopTask(ctx context.Context, runID string) error {
	t.record("stop_task %s", runID)
	if t.StopErr != nil {
		return t.StopErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.runs[runID]; ok {
		s.Status = "stopped"
	}
	return nil
}

func (t *Tasks) ListActiveTasks(ctx context.Context) ([]engine.RunInfo, error) {
	t.record("list_tasks")
	if t.ListErr != nil {
		return nil, t.ListErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []engine.RunInfo
	for _, s := range t.runs {
		if s.Status == "started" || s.Status == "paused" {
			out = append(out, engine.RunInfo{RunID: s.RunID, SessionID: s.SessionID, Status: s.Status})
		}
	}
	return out, nil
}
