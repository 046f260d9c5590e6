// Package engine defines the uniform contract every external browser
// execution backend implements.
//
// Profiles and interactive sessions come from a SessionEngine; automation
// runs come from a TaskEngine. The two are separate on purpose: nothing
// assumes a single vendor provides both.
package engine

import (
	"context"
	"time"
)

// ProxyConfig is forwarded to backends that can route through a proxy
type ProxyConfig struct {
	Server   string `json:"server"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// SessionRequest opens an interactive browser bound to an identity
type SessionRequest struct {
	IdentityID string
	StartURL   string
	KeepAlive  bool
	Proxy      *ProxyConfig
}

// SessionInfo describes a live session as the backend reports it
type SessionInfo struct {
	ID          string
	IdentityID  string
	LiveViewURL string
	Status      string
	StartedAt   time.Time
}

// TaskPayload is everything a backend needs to run one automation job
type TaskPayload struct {
	// TaskID is the local task id; backends that accept a client-supplied
	// run id use it so a retried submit maps onto the same run.
	TaskID        string
	Instruction   string
	StartURL      string
	IdentityID    string
	AllowedSites  []string
	MaxSteps      int
	// SaveRecording is honored by the bridge backend only; browser-use
	// records every run and reports RecordingURL regardless.
	SaveRecording bool
	Proxy         *ProxyConfig
	Metadata      map[string]string
}

// RunStatus is a backend's view of a run. Status is the backend's own
// vocabulary; mapping it onto local states is the reconciler's job. Trace
// holds the text of every step so far, oldest first.
type RunStatus struct {
	RunID        string
	SessionID    string
	Status       string
	Output       string
	Success      *bool
	Steps        int
	LastStep     string
	Trace        string
	LiveURL      string
	RecordingURL string
	Error        string
	FinishedAt   *time.Time
}

// RunInfo is a summary entry from a backend's task listing
type RunInfo struct {
	RunID     string
	SessionID string
	Status    string
}

// SessionEngine owns durable profiles and interactive sessions
type SessionEngine interface {
	Name() string
	CreateIdentity(ctx context.Context, name string) (string, error)
	CreateSession(ctx context.Context, req SessionRequest) (*SessionInfo, error)
	// StopSession ends the session; this is the point where the backend
	// writes the session's cookies back into its identity.
	StopSession(ctx context.Context, sessionID string) error
	ListActiveSessions(ctx context.Context) ([]SessionInfo, error)
}

// TaskEngine runs automation jobs to completion
type TaskEngine interface {
	Name() string
	SubmitTask(ctx context.Context, payload TaskPayload) (string, error)
	GetTaskStatus(ctx context.Context, runID string) (*RunStatus, error)
	StopTask(ctx context.Context, runID string) error
	// ListActiveTasks returns runs the backend still considers started or paused
	ListActiveTasks(ctx context.Context) ([]RunInfo, error)
}
