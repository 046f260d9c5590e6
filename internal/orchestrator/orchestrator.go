// Package orchestrator builds automation tasks, gates them against the
// per-owner concurrency ceiling and submits them to a task backend.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/browserpilot/internal/engine"
	apperrors "github.com/shehryarbajwa/browserpilot/internal/errors"
	"github.com/shehryarbajwa/browserpilot/internal/events"
	"github.com/shehryarbajwa/browserpilot/internal/secrets"
	"github.com/shehryarbajwa/browserpilot/internal/storage"
	"github.com/shehryarbajwa/browserpilot/internal/sweeper"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// Options are the task policy settings
type Options struct {
	MaxConcurrentTasks int
	EngineTimeout      time.Duration
	MaxSteps           int
	SaveRecording      bool
}

// Orchestrator submits and cancels automation tasks
type Orchestrator struct {
	store     storage.Storage
	registry  *engine.Registry
	cipher    secrets.Cipher
	sweeper   *sweeper.Sweeper
	publisher events.Publisher
	opts      Options
	logger    zerolog.Logger

	// intn drives the credential shuffle
	intn func(n int) int
	wg   sync.WaitGroup
}

func New(
	store storage.Storage,
	registry *engine.Registry,
	cipher secrets.Cipher,
	sw *sweeper.Sweeper,
	publisher events.Publisher,
	opts Options,
	logger zerolog.Logger,
) *Orchestrator {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Orchestrator{
		store:     store,
		registry:  registry,
		cipher:    cipher,
		sweeper:   sw,
		publisher: publisher,
		opts:      opts,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		intn:      rand.IntN,
	}
}

// Submit creates a task for ownerID and hands it to a backend.
//
// The concurrency check and the insert happen in one transaction; at the
// ceiling it returns ErrConcurrencyLimitExceeded and stores nothing. Once
// the task exists every later failure is recorded on it, and the stored
// task is returned alongside the error.
func (o *Orchestrator) Submit(ctx context.Context, ownerID string, req models.TaskRequest) (*models.AutomationTask, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("owner id is required: %w", apperrors.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Objective.Query) == "" && strings.TrimSpace(req.Objective.Instruction) == "" {
		return nil, fmt.Errorf("objective needs a query or an instruction: %w", apperrors.ErrInvalidRequest)
	}
	if req.Objective.Kind == "" {
		req.Objective.Kind = models.KindOrder
	}

	backend := o.registry.Route(req.Backend)
	task := &models.AutomationTask{
		ID:         uuid.New().String(),
		OwnerID:    ownerID,
		Backend:    backend.Name(),
		Objective:  req.Objective,
		Shipping:   req.Shipping,
		Status:     models.TaskPending,
		SitesTried: append([]string(nil), req.Objective.Sites...),
		CreatedAt:  time.Now().UTC(),
	}
	if err := o.store.Tasks().InsertTaskWithinLimit(ctx, task, o.opts.MaxConcurrentTasks); err != nil {
		if apperrors.Is(err, apperrors.ErrConcurrencyLimitExceeded) {
			o.logger.Info().Str("owner_id", ownerID).Int("limit", o.opts.MaxConcurrentTasks).Msg("Task rejected at concurrency limit")
		}
		return nil, err
	}

	// A missing identity is fine; the backend runs without a profile
	identity, err := o.store.Identities().GetIdentity(ctx, ownerID)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return o.fail(ctx, task, err)
	}

	payload, refs, err := o.buildPayload(ctx, task, identity, req.CredentialIDs, backend.Name())
	if err != nil {
		return o.fail(ctx, task, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.opts.EngineTimeout)
	runID, err := backend.SubmitTask(callCtx, payload)
	cancel()

	now := time.Now().UTC()
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		// Unknown outcome: leave it pending for the reconciler to settle
		o.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Task submission timed out")
		return o.store.Tasks().UpdateTask(ctx, task.ID, func(t *models.AutomationTask) error {
			t.CardsTried = refs
			t.SubmittedAt = &now
			t.LastSyncError = "submission timed out: " + err.Error()
			return nil
		})
	}
	if err != nil {
		o.logger.Error().Err(err).Str("task_id", task.ID).Str("backend", backend.Name()).Msg("Task submission failed")
		stored, ferr := o.store.Tasks().UpdateTask(ctx, task.ID, func(t *models.AutomationTask) error {
			t.CardsTried = refs
			t.SubmittedAt = &now
			if !t.Status.IsTerminal() {
				t.Finish(models.TaskFailed, err.Error(), now)
			}
			return nil
		})
		if ferr != nil {
			return nil, ferr
		}
		o.publisher.Publish(events.NewTaskEvent(events.TaskFinished, stored))
		return stored, err
	}

	stillWanted := true
	stored, err := o.store.Tasks().UpdateTask(ctx, task.ID, func(t *models.AutomationTask) error {
		t.ExternalRunID = runID
		t.CardsTried = refs
		t.SubmittedAt = &now
		if t.Status.CanAdvanceTo(models.TaskSearching) {
			t.Status = models.TaskSearching
		}
		stillWanted = !t.Status.IsTerminal()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !stillWanted {
		// Cancelled while the submit was in flight
		o.stopAsync(stored)
		return stored, nil
	}

	if identity != nil {
		o.trackOnIdentity(ctx, ownerID, task.ID)
	}

	o.logger.Info().
		Str("task_id", task.ID).
		Str("owner_id", ownerID).
		Str("backend", backend.Name()).
		Str("run_id", runID).
		Int("cards", len(refs)).
		Msg("Task submitted")
	o.publisher.Publish(events.NewTaskEvent(events.TaskSubmitted, stored))
	return stored, nil
}

func (o *Orchestrator) fail(ctx context.Context, task *models.AutomationTask, cause error) (*models.AutomationTask, error) {
	o.logger.Error().Err(cause).Str("task_id", task.ID).Msg("Task could not be prepared")
	stored, err := o.store.Tasks().UpdateTask(ctx, task.ID, func(t *models.AutomationTask) error {
		if !t.Status.IsTerminal() {
			t.Finish(models.TaskFailed, cause.Error(), time.Now().UTC())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publisher.Publish(events.NewTaskEvent(events.TaskFinished, stored))
	return stored, cause
}

// buildPayload decrypts the referenced credentials and renders the
// payload. Plaintext never leaves this call except inside the payload.
func (o *Orchestrator) buildPayload(
	ctx context.Context,
	task *models.AutomationTask,
	identity *models.BrowserIdentity,
	credentialIDs []string,
	backendName string,
) (engine.TaskPayload, []models.CredentialRef, error) {
	creds, err := o.resolveCredentials(ctx, task.OwnerID, credentialIDs, task.Objective.Sites)
	if err != nil {
		return engine.TaskPayload{}, nil, err
	}

	var cards, logins []secret
	var proxyPassword string
	for _, c := range creds {
		fields, err := secrets.DecryptFields(o.cipher, c.Fields)
		if err != nil {
			return engine.TaskPayload{}, nil, apperrors.Wrapf(err, "credential %s", c.Name)
		}
		switch c.Kind {
		case models.CredentialCard:
			cards = append(cards, secret{ref: c.Ref(), fields: fields})
		case models.CredentialSiteLogin:
			logins = append(logins, secret{ref: c.Ref(), fields: fields})
		case models.CredentialProxy:
			proxyPassword = fields["password"]
		}
	}

	Shuffle(cards, o.intn)
	refs := make([]models.CredentialRef, 0, len(cards)+len(logins))
	for _, c := range cards {
		refs = append(refs, c.ref)
	}
	for _, l := range logins {
		refs = append(refs, l.ref)
	}

	payload := engine.TaskPayload{
		TaskID:        task.ID,
		Instruction:   buildInstruction(task.Objective, task.Shipping, cards, logins),
		StartURL:      task.Objective.StartURL,
		AllowedSites:  task.Objective.Sites,
		MaxSteps:      o.opts.MaxSteps,
		SaveRecording: o.opts.SaveRecording,
		Metadata: map[string]string{
			"ownerId": task.OwnerID,
			"kind":    string(task.Objective.Kind),
		},
	}
	if identity != nil {
		if identity.Ready() && identity.Backend == backendName {
			payload.IdentityID = identity.IdentityID
		}
		if identity.Proxy != nil {
			payload.Proxy = &engine.ProxyConfig{
				Server:   identity.Proxy.Server,
				Username: identity.Proxy.Username,
				Password: proxyPassword,
			}
		}
	}
	return payload, refs, nil
}

// resolveCredentials loads the explicitly referenced credentials. With no
// references it uses every stored card, the site logins for the target
// sites and the default proxy credential.
func (o *Orchestrator) resolveCredentials(ctx context.Context, ownerID string, ids []string, sites []string) ([]*models.Credential, error) {
	if len(ids) > 0 {
		out := make([]*models.Credential, 0, len(ids))
		for _, id := range ids {
			c, err := o.store.Credentials().GetCredential(ctx, ownerID, id)
			if apperrors.Is(err, apperrors.ErrNotFound) {
				return nil, fmt.Errorf("unknown credential %s: %w", id, apperrors.ErrInvalidRequest)
			}
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil
	}

	out, err := o.store.Credentials().ListCredentials(ctx, ownerID, models.CredentialCard)
	if err != nil {
		return nil, err
	}

	if len(sites) > 0 {
		logins, err := o.store.Credentials().ListCredentials(ctx, ownerID, models.CredentialSiteLogin)
		if err != nil {
			return nil, err
		}
		wanted := make(map[string]bool, len(sites))
		for _, s := range sites {
			wanted[strings.ToLower(s)] = true
		}
		for _, l := range logins {
			if wanted[strings.ToLower(l.Name)] {
				out = append(out, l)
			}
		}
	}

	proxies, err := o.store.Credentials().ListCredentials(ctx, ownerID, models.CredentialProxy)
	if err != nil {
		return nil, err
	}
	for _, p := range proxies {
		if p.IsDefault {
			out = append(out, p)
			break
		}
	}
	return out, nil
}

func (o *Orchestrator) trackOnIdentity(ctx context.Context, ownerID, taskID string) {
	_, err := o.store.Identities().UpdateIdentity(ctx, ownerID, func(i *models.BrowserIdentity) error {
		if i.PendingTaskID == "" {
			i.PendingTaskID = taskID
		}
		return nil
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("owner_id", ownerID).Msg("Failed to track task on identity")
	}
}

// Cancel marks a non-terminal task cancelled and tells its backend to stop
// without waiting for the acknowledgement.
func (o *Orchestrator) Cancel(ctx context.Context, ownerID, taskID string) (*models.AutomationTask, error) {
	task, err := o.store.Tasks().UpdateTask(ctx, taskID, func(t *models.AutomationTask) error {
		if t.OwnerID != ownerID {
			return fmt.Errorf("task %s: %w", taskID, apperrors.ErrNotFound)
		}
		if t.Status.IsTerminal() {
			return fmt.Errorf("task %s is %s: %w", taskID, t.Status, apperrors.ErrTaskTerminal)
		}
		t.Finish(models.TaskCancelled, "cancelled by user", time.Now().UTC())
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info().Str("task_id", taskID).Str("owner_id", ownerID).Msg("Task cancelled")
	o.publisher.Publish(events.NewTaskEvent(events.TaskFinished, task))
	o.stopAsync(task)
	return task, nil
}

func (o *Orchestrator) stopAsync(task *models.AutomationTask) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.sweeper.ReleaseTask(context.Background(), task, true); err != nil {
			o.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to release task on identity")
		}
	}()
}

// Wait blocks until background stop calls have returned
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Get returns one of the owner's tasks
func (o *Orchestrator) Get(ctx context.Context, ownerID, taskID string) (*models.AutomationTask, error) {
	task, err := o.store.Tasks().GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.OwnerID != ownerID {
		return nil, fmt.Errorf("task %s: %w", taskID, apperrors.ErrNotFound)
	}
	return task, nil
}

// List returns the owner's most recent tasks
func (o *Orchestrator) List(ctx context.Context, ownerID string, limit int) ([]*models.AutomationTask, error) {
	return o.store.Tasks().ListTasks(ctx, ownerID, limit)
}

// ActiveCount returns how many of the owner's tasks hold a concurrency slot
func (o *Orchestrator) ActiveCount(ctx context.Context, ownerID string) (int, error) {
	return o.store.Tasks().CountActiveTasks(ctx, ownerID)
}

// MaxConcurrentTasks returns the configured ceiling
func (o *Orchestrator) MaxConcurrentTasks() int {
	return o.opts.MaxConcurrentTasks
}
