// Package bridge drives a Browser Use proxy bridge server. The bridge runs
// a whole task inside one blocking POST /run-task call, so the client runs
// each call in the background and serves status from memory.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/browserpilot/internal/engine"
	apperrors "github.com/shehryarbajwa/browserpilot/internal/errors"
)

// Name is the backend name tasks record
const Name = "bridge"

// Run statuses reported by this client
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusErrored   = "errored"
	StatusCancelled = "cancelled"
)

const (
	defaultMaxSteps  = 50
	defaultRunLimit  = 30 * time.Minute
	finishedRetained = time.Hour
)

// Options tunes a bridge client
type Options struct {
	MaxSteps      int
	SaveRecording bool
	// RunTimeout bounds a single /run-task call
	RunTimeout time.Duration
}

type run struct {
	mu         sync.Mutex
	id         string
	status     string
	result     string
	errMsg     string
	recording  string
	success    *bool
	cancel     context.CancelFunc
	startedAt  time.Time
	finishedAt *time.Time
}

func (r *run) snapshot() *engine.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &engine.RunStatus{
		RunID:        r.id,
		Status:       r.status,
		Output:       r.result,
		Success:      r.success,
		RecordingURL: r.recording,
		Error:        r.errMsg,
		FinishedAt:   r.finishedAt,
	}
}

// Client implements engine.TaskEngine against a bridge server
type Client struct {
	transport *engine.Transport
	opts      Options
	runs      sync.Map // map[runID]*run
	wg        sync.WaitGroup
	logger    zerolog.Logger
	now       func() time.Time
}

var _ engine.TaskEngine = (*Client)(nil)

// NewClient creates a bridge client. The HTTP client must not carry a
// timeout shorter than opts.RunTimeout.
func NewClient(baseURL, apiKey string, httpClient *http.Client, opts Options, logger zerolog.Logger) *Client {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = defaultMaxSteps
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = defaultRunLimit
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)
	return &Client{
		transport: engine.NewTransport(Name, baseURL, httpClient, header),
		opts:      opts,
		logger:    logger.With().Str("engine", Name).Logger(),
		now:       time.Now,
	}
}

func (c *Client) Name() string { return Name }

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// Health checks that the bridge is up
func (c *Client) Health(ctx context.Context) error {
	var resp healthResponse
	if err := c.transport.Do(ctx, "health", http.MethodGet, "/health", nil, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return &apperrors.EngineError{Engine: Name, Op: "health", Err: fmt.Errorf("status %q", resp.Status)}
	}
	return nil
}

type runTaskRequest struct {
	Task          string              `json:"task"`
	Proxy         *engine.ProxyConfig `json:"proxy,omitempty"`
	SaveRecording bool                `json:"save_recording"`
	MaxSteps      int                 `json:"max_steps"`
}

type runTaskResponse struct {
	Success      bool   `json:"success"`
	Result       string `json:"result"`
	Error        string `json:"error"`
	RecordingURL string `json:"recording_url"`
}

// SubmitTask checks the bridge is reachable, then starts the run in the
// background. The local task id doubles as run id, so resubmitting the same
// task returns the run already in flight.
func (c *Client) SubmitTask(ctx context.Context, payload engine.TaskPayload) (string, error) {
	if payload.Instruction == "" {
		return "", &apperrors.SubmissionRejectedError{StatusCode: http.StatusBadRequest, Detail: "task instruction is empty"}
	}

	runID := payload.TaskID
	if runID == "" {
		runID = uuid.New().String()
	}
	if _, ok := c.runs.Load(runID); ok {
		return runID, nil
	}

	if err := c.Health(ctx); err != nil {
		return "", engine.AsRejection(err)
	}

	maxSteps := payload.MaxSteps
	if maxSteps <= 0 {
		maxSteps = c.opts.MaxSteps
	}
	req := runTaskRequest{
		Task:          payload.Instruction,
		Proxy:         payload.Proxy,
		SaveRecording: payload.SaveRecording || c.opts.SaveRecording,
		MaxSteps:      maxSteps,
	}

	runCtx, cancel := context.WithTimeout(context.Background(), c.opts.RunTimeout)
	r := &run{id: runID, status: StatusQueued, cancel: cancel, startedAt: c.now()}
	if existing, loaded := c.runs.LoadOrStore(runID, r); loaded {
		cancel()
		return existing.(*run).id, nil
	}

	c.pruneFinished()

	c.wg.Add(1)
	go c.execute(runCtx, r, req)

	c.logger.Info().Str("run_id", runID).Int("max_steps", maxSteps).Msg("Started bridge run")
	return runID, nil
}

func (c *Client) execute(ctx context.Context, r *run, req runTaskRequest) {
	defer c.wg.Done()
	defer r.cancel()

	r.mu.Lock()
	if r.status == StatusQueued {
		r.status = StatusRunning
	}
	r.mu.Unlock()

	var resp runTaskResponse
	err := c.transport.Do(ctx, "run task", http.MethodPost, "/run-task", req, &resp)

	r.mu.Lock()
	defer r.mu.Unlock()

	finished := c.now()
	r.finishedAt = &finished
	if r.status == StatusCancelled {
		return
	}

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		r.status = StatusCancelled
	case err != nil:
		r.status = StatusErrored
		r.errMsg = engine.AsRejection(err).Error()
	case resp.Success:
		r.status = StatusSucceeded
		r.result = resp.Result
		r.recording = resp.RecordingURL
		ok := true
		r.success = &ok
	default:
		r.status = StatusErrored
		r.errMsg = resp.Error
		r.result = resp.Result
		ok := false
		r.success = &ok
	}

	c.logger.Info().Str("run_id", r.id).Str("status", r.status).Msg("Bridge run finished")
}

func (c *Client) GetTaskStatus(ctx context.Context, runID string) (*engine.RunStatus, error) {
	value, ok := c.runs.Load(runID)
	if !ok {
		// Runs live in this process only; a restart loses them
		return nil, &apperrors.EngineError{Engine: Name, Op: "get task", Err: fmt.Errorf("run %s: %w", runID, apperrors.ErrNotFound)}
	}
	return value.(*run).snapshot(), nil
}

// StopTask cancels an in-flight run. Unknown or finished runs are a no-op.
func (c *Client) StopTask(ctx context.Context, runID string) error {
	value, ok := c.runs.Load(runID)
	if !ok {
		return nil
	}
	r := value.(*run)

	r.mu.Lock()
	if r.status == StatusQueued || r.status == StatusRunning {
		r.status = StatusCancelled
		finished := c.now()
		r.finishedAt = &finished
	}
	r.mu.Unlock()

	r.cancel()
	return nil
}

func (c *Client) ListActiveTasks(ctx context.Context) ([]engine.RunInfo, error) {
	var out []engine.RunInfo
	c.runs.Range(func(key, value interface{}) bool {
		s := value.(*run).snapshot()
		if s.Status == StatusQueued || s.Status == StatusRunning {
			out = append(out, engine.RunInfo{RunID: s.RunID, Status: s.Status})
		}
		return true
	})
	return out, nil
}

// TestProxy asks the bridge to load a page through proxy and report the
// exit IP it observed.
func (c *Client) TestProxy(ctx context.Context, proxy engine.ProxyConfig) (string, error) {
	var resp runTaskResponse
	if err := c.transport.Do(ctx, "test proxy", http.MethodPost, "/test-proxy", proxy, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("proxy test failed: %s", resp.Error)
	}
	return resp.Result, nil
}

// Close cancels every in-flight run and waits for them to unwind
func (c *Client) Close() {
	c.runs.Range(func(key, value interface{}) bool {
		value.(*run).cancel()
		return true
	})
	c.wg.Wait()
}

func (c *Client) pruneFinished() {
	cutoff := c.now().Add(-finishedRetained)
	c.runs.Range(func(key, value interface{}) bool {
		r := value.(*run)
		r.mu.Lock()
		done := r.finishedAt != nil && r.finishedAt.Before(cutoff)
		r.mu.Unlock()
		if done {
			c.runs.Delete(key)
		}
		return true
	})
}
