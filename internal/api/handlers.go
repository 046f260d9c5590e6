package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	apperrors "github.com/shehryarbajwa/browserpilot/internal/errors"
	"github.com/shehryarbajwa/browserpilot/internal/events"
	"github.com/shehryarbajwa/browserpilot/internal/identity"
	"github.com/shehryarbajwa/browserpilot/internal/orchestrator"
	"github.com/shehryarbajwa/browserpilot/internal/proxy"
	"github.com/shehryarbajwa/browserpilot/internal/ratelimit"
	"github.com/shehryarbajwa/browserpilot/internal/reconciler"
	"github.com/shehryarbajwa/browserpilot/internal/session"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

const defaultListLimit = 50

// Services are the components the HTTP layer calls into. Live and
// Limiter are optional.
type Services struct {
	Identities   *identity.Manager
	Sessions     *session.Controller
	Orchestrator *orchestrator.Orchestrator
	Reconciler   *reconciler.Reconciler
	Events       *events.Hub
	Live         *proxy.Server
	Limiter      *ratelimit.Limiter
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	Services
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewHandler(svc Services, logger zerolog.Logger) *Handler {
	return &Handler{
		Services: svc,
		validate: validator.New(),
		logger:   logger,
	}
}

func owner(r *http.Request) string {
	return strings.TrimSpace(mux.Vars(r)["owner"])
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{"status": "ok"})
}

// Status handles GET /v1/owners/{owner}/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := owner(r)

	var ident *models.BrowserIdentity
	switch got, err := h.Identities.Get(ctx, ownerID); {
	case err == nil:
		ident = got
	case !apperrors.Is(err, apperrors.ErrNotFound):
		writeError(w, r, err, nil)
		return
	}

	sessions, err := h.Sessions.ActiveSessions(ctx, ownerID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	active, err := h.Orchestrator.ActiveCount(ctx, ownerID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}

	limit := h.Orchestrator.MaxConcurrentTasks()
	writeJSON(w, http.StatusOK, envelope{
		"identity":           ident,
		"activeSessions":     sessions,
		"activeTasks":        active,
		"maxConcurrentTasks": limit,
		"canSubmit":          active < limit,
	})
}

type profileRequest struct {
	Proxy *models.ProxyConfig `json:"proxy,omitempty"`
}

// EnsureProfile handles POST /v1/owners/{owner}/profile
func (h *Handler) EnsureProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := h.decode(r, &req, true); err != nil {
		writeError(w, r, err, nil)
		return
	}

	ctx := r.Context()
	ownerID := owner(r)
	if req.Proxy != nil {
		if _, err := h.Identities.SetProxy(ctx, ownerID, req.Proxy); err != nil {
			writeError(w, r, err, nil)
			return
		}
	}
	ident, err := h.Identities.GetOrCreate(ctx, ownerID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"identity": ident})
}

type loginRequest struct {
	Site string `json:"site" validate:"required"`
}

type confirmRequest struct {
	Site string `json:"site,omitempty"`
}

// StartLogin handles POST /v1/owners/{owner}/login
func (h *Handler) StartLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := h.decode(r, &req, false); err != nil {
		writeError(w, r, err, nil)
		return
	}
	login, err := h.Sessions.StartLogin(r.Context(), owner(r), req.Site)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{"login": login})
}

// ConfirmLogin handles POST /v1/owners/{owner}/login/confirm
func (h *Handler) ConfirmLogin(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := h.decode(r, &req, true); err != nil {
		writeError(w, r, err, nil)
		return
	}
	confirm, err := h.Sessions.ConfirmLogin(r.Context(), owner(r), req.Site)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	body := envelope{"identity": confirm.Identity}
	if confirm.Warning != "" {
		body["warning"] = confirm.Warning
	}
	writeJSON(w, http.StatusOK, body)
}

// CancelLogin handles POST /v1/owners/{owner}/login/cancel
func (h *Handler) CancelLogin(w http.ResponseWriter, r *http.Request) {
	ident, err := h.Sessions.CancelLogin(r.Context(), owner(r))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"identity": ident})
}

// RestartLogin handles POST /v1/owners/{owner}/login/restart
func (h *Handler) RestartLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := h.decode(r, &req, false); err != nil {
		writeError(w, r, err, nil)
		return
	}
	restart, err := h.Sessions.RestartSession(r.Context(), owner(r), req.Site)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{"cleanup": restart.Cleanup, "login": restart.Login})
}

// CleanupSessions handles POST /v1/owners/{owner}/sessions/cleanup
func (h *Handler) CleanupSessions(w http.ResponseWriter, r *http.Request) {
	result, err := h.Sessions.Cleanup(r.Context(), owner(r))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"cleanup": result})
}

// ListSessions handles GET /v1/owners/{owner}/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Sessions.ActiveSessions(r.Context(), owner(r))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"sessions": sessions})
}

// LiveView handles GET /v1/sessions/{id}/live
func (h *Handler) LiveView(w http.ResponseWriter, r *http.Request) {
	if h.Live == nil {
		writeError(w, r, apperrors.Wrapf(apperrors.ErrUnsupported, "live view needs the local session backend"), nil)
		return
	}
	h.Live.HandleLiveView(w, r, mux.Vars(r)["id"])
}

// SubmitOrder handles POST /v1/owners/{owner}/orders
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req models.TaskRequest
	if err := h.decode(r, &req, false); err != nil {
		writeError(w, r, err, nil)
		return
	}
	task, err := h.Orchestrator.Submit(r.Context(), owner(r), req)
	if err != nil {
		// The task exists once the slot was taken; report it with the failure
		var extra envelope
		if task != nil {
			extra = envelope{"task": task}
		}
		writeError(w, r, err, extra)
		return
	}
	writeJSON(w, http.StatusAccepted, envelope{"task": task})
}

// ListOrders handles GET /v1/owners/{owner}/orders
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, apperrors.Wrapf(apperrors.ErrInvalidRequest, "limit must be a positive integer"), nil)
			return
		}
		limit = n
	}
	tasks, err := h.Orchestrator.List(r.Context(), owner(r), limit)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"tasks": tasks})
}

// GetOrder handles GET /v1/owners/{owner}/orders/{taskId}. An active task
// is synced with its backend once before it is returned.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	task, err := h.Orchestrator.Get(ctx, owner(r), mux.Vars(r)["taskId"])
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if !task.Status.IsTerminal() {
		outcome, err := h.Reconciler.SyncOne(ctx, task)
		if err != nil {
			hlog.FromRequest(r).Debug().Err(err).Str("task_id", task.ID).Msg("Sync before read failed")
		}
		if outcome.Task != nil {
			task = outcome.Task
		}
	}
	writeJSON(w, http.StatusOK, envelope{"task": task})
}

// CancelOrder handles POST /v1/owners/{owner}/orders/{taskId}/cancel
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	task, err := h.Orchestrator.Cancel(r.Context(), owner(r), mux.Vars(r)["taskId"])
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"task": task})
}

// SyncOrders handles POST /v1/owners/{owner}/orders/sync
func (h *Handler) SyncOrders(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Reconciler.SyncAll(r.Context(), owner(r))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"summary": summary})
}
