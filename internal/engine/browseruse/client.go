// Package browseruse talks to a Browser Use style cloud API: durable
// profiles, keep-alive sessions with live view, and agent tasks that can
// run inside a profile-bound session.
package browseruse

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/browserpilot/internal/engine"
	apperrors "github.com/shehryarbajwa/browserpilot/internal/errors"
)

// Name is the backend name tasks and identities record
const Name = "browser-use"

// Backend statuses as reported by the API
const (
	StatusCreated  = "created"
	StatusStarted  = "started"
	StatusPaused   = "paused"
	StatusFinished = "finished"
	StatusStopped  = "stopped"
	StatusFailed   = "failed"
)

// Client implements both engine.SessionEngine and engine.TaskEngine
type Client struct {
	transport *engine.Transport
	logger    zerolog.Logger
}

var (
	_ engine.SessionEngine = (*Client)(nil)
	_ engine.TaskEngine    = (*Client)(nil)
)

// NewClient creates a client for baseURL authenticated with apiKey
func NewClient(baseURL, apiKey string, httpClient *http.Client, logger zerolog.Logger) *Client {
	header := http.Header{}
	header.Set("X-Browser-Use-API-Key", apiKey)
	return &Client{
		transport: engine.NewTransport(Name, baseURL, httpClient, header),
		logger:    logger.With().Str("engine", Name).Logger(),
	}
}

func (c *Client) Name() string { return Name }

type profileRequest struct {
	Name string `json:"name"`
}

type profileResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (c *Client) CreateIdentity(ctx context.Context, name string) (string, error) {
	var resp profileResponse
	if err := c.transport.Do(ctx, "create profile", http.MethodPost, "/profiles", profileRequest{Name: name}, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create profile: empty id in response")
	}
	c.logger.Info().Str("profile_id", resp.ID).Str("name", name).Msg("Created profile")
	return resp.ID, nil
}

type sessionRequest struct {
	ProfileID string              `json:"profileId,omitempty"`
	StartURL  string              `json:"startUrl,omitempty"`
	KeepAlive bool                `json:"keepAlive"`
	Proxy     *engine.ProxyConfig `json:"customProxy,omitempty"`
}

type sessionResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	LiveURL   string    `json:"liveUrl"`
	ProfileID string    `json:"profileId"`
	StartedAt time.Time `json:"startedAt"`
}

func (s sessionResponse) info() engine.SessionInfo {
	return engine.SessionInfo{
		ID:          s.ID,
		IdentityID:  s.ProfileID,
		LiveViewURL: s.LiveURL,
		Status:      s.Status,
		StartedAt:   s.StartedAt,
	}
}

func (c *Client) CreateSession(ctx context.Context, req engine.SessionRequest) (*engine.SessionInfo, error) {
	var resp sessionResponse
	body := sessionRequest{
		ProfileID: req.IdentityID,
		StartURL:  req.StartURL,
		KeepAlive: req.KeepAlive,
		Proxy:     req.Proxy,
	}
	if err := c.transport.Do(ctx, "create session", http.MethodPost, "/sessions", body, &resp); err != nil {
		return nil, err
	}
	if resp.ProfileID == "" {
		resp.ProfileID = req.IdentityID
	}
	info := resp.info()
	return &info, nil
}

type actionRequest struct {
	Action string `json:"action"`
}

func (c *Client) StopSession(ctx context.Context, sessionID string) error {
	path := "/sessions/" + url.PathEscape(sessionID)
	return c.transport.Do(ctx, "stop session", http.MethodPatch, path, actionRequest{Action: "stop"}, nil)
}

type sessionList struct {
	Items []sessionResponse `json:"items"`
}

func (c *Client) ListActiveSessions(ctx context.Context) ([]engine.SessionInfo, error) {
	var resp sessionList
	if err := c.transport.Do(ctx, "list sessions", http.MethodGet, "/sessions?filterBy=active", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]engine.SessionInfo, 0, len(resp.Items))
	for _, s := range resp.Items {
		out = append(out, s.info())
	}
	return out, nil
}

type taskRequest struct {
	Task           string            `json:"task"`
	SessionID      string            `json:"sessionId,omitempty"`
	StartURL       string            `json:"startUrl,omitempty"`
	MaxSteps       int               `json:"maxSteps,omitempty"`
	AllowedDomains []string          `json:"allowedDomains,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type taskCreated struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
}

// SubmitTask runs the task inside a fresh session bound to the payload's
// profile so the run sees the identity's cookies.
func (c *Client) SubmitTask(ctx context.Context, payload engine.TaskPayload) (string, error) {
	body := taskRequest{
		Task:           payload.Instruction,
		StartURL:       payload.StartURL,
		MaxSteps:       payload.MaxSteps,
		AllowedDomains: payload.AllowedSites,
		Metadata:       withTaskID(payload.Metadata, payload.TaskID),
	}

	if payload.IdentityID != "" {
		session, err := c.CreateSession(ctx, engine.SessionRequest{
			IdentityID: payload.IdentityID,
			StartURL:   payload.StartURL,
			Proxy:      payload.Proxy,
		})
		if err != nil {
			return "", engine.AsRejection(err)
		}
		body.SessionID = session.ID
	}

	var resp taskCreated
	if err := c.transport.Do(ctx, "create task", http.MethodPost, "/tasks", body, &resp); err != nil {
		if body.SessionID != "" {
			c.stopOrphanSession(body.SessionID)
		}
		return "", engine.AsRejection(err)
	}
	if resp.ID == "" {
		return "", &apperrors.SubmissionRejectedError{StatusCode: http.StatusOK, Detail: "backend returned no task id"}
	}
	return resp.ID, nil
}

func (c *Client) stopOrphanSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.StopSession(ctx, sessionID); err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to stop session of rejected task")
	}
}

type taskStep struct {
	Number   int    `json:"number"`
	Memory   string `json:"memory"`
	NextGoal string `json:"nextGoal"`
	URL      string `json:"url"`
}

type taskView struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"sessionId"`
	Status       string     `json:"status"`
	Output       string     `json:"output"`
	IsSuccess    *bool      `json:"isSuccess"`
	Steps        []taskStep `json:"steps"`
	LiveURL      string     `json:"liveUrl"`
	RecordingURL string     `json:"recordingUrl"`
	Error        string     `json:"error"`
	FinishedAt   *time.Time `json:"finishedAt"`
}

func (c *Client) GetTaskStatus(ctx context.Context, runID string) (*engine.RunStatus, error) {
	var view taskView
	if err := c.transport.Do(ctx, "get task", http.MethodGet, "/tasks/"+url.PathEscape(runID), nil, &view); err != nil {
		var statusErr *engine.StatusError
		if apperrors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, &apperrors.EngineError{Engine: Name, Op: "get task", Err: fmt.Errorf("run %s: %w", runID, apperrors.ErrNotFound)}
		}
		return nil, err
	}

	status := &engine.RunStatus{
		RunID:        view.ID,
		SessionID:    view.SessionID,
		Status:       strings.ToLower(view.Status),
		Output:       view.Output,
		Success:      view.IsSuccess,
		Steps:        len(view.Steps),
		LiveURL:      view.LiveURL,
		RecordingURL: view.RecordingURL,
		Error:        view.Error,
		FinishedAt:   view.FinishedAt,
	}
	if n := len(view.Steps); n > 0 {
		lines := make([]string, 0, n)
		for _, step := range view.Steps {
			lines = append(lines, strings.TrimSpace(step.Memory+" "+step.NextGoal))
		}
		status.LastStep = lines[n-1]
		status.Trace = strings.Join(lines, "\n")
	}
	if status.RunID == "" {
		status.RunID = runID
	}
	return status, nil
}

func (c *Client) StopTask(ctx context.Context, runID string) error {
	path := "/tasks/" + url.PathEscape(runID)
	return c.transport.Do(ctx, "stop task", http.MethodPatch, path, actionRequest{Action: "stop"}, nil)
}

type taskList struct {
	Items []taskView `json:"items"`
}

func (c *Client) ListActiveTasks(ctx context.Context) ([]engine.RunInfo, error) {
	var out []engine.RunInfo
	for _, filter := range []string{StatusStarted, StatusPaused} {
		var resp taskList
		if err := c.transport.Do(ctx, "list tasks", http.MethodGet, "/tasks?filterBy="+filter, nil, &resp); err != nil {
			return nil, err
		}
		for _, t := range resp.Items {
			out = append(out, engine.RunInfo{RunID: t.ID, SessionID: t.SessionID, Status: t.Status})
		}
	}
	return out, nil
}

func withTaskID(metadata map[string]string, taskID string) map[string]string {
	if taskID == "" {
		return metadata
	}
	out := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out["localTaskId"] = taskID
	return out
}
