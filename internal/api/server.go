package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/browserpilot/internal/ratelimit"
)

// Routes builds the caller-facing router
func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(accessLog(h.logger)...)
	r.Use(recoverMiddleware)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()

	// Long-lived websockets, not rate limited
	if h.Events != nil {
		api.Handle("/events", h.Events).Methods(http.MethodGet)
	}
	api.HandleFunc("/sessions/{id}/live", h.LiveView).Methods(http.MethodGet)

	owners := api.PathPrefix("/owners/{owner}").Subrouter()
	if h.Limiter != nil {
		owners.Use(ratelimit.Middleware(h.Limiter, owner))
	}

	owners.HandleFunc("/status", h.Status).Methods(http.MethodGet)
	owners.HandleFunc("/profile", h.EnsureProfile).Methods(http.MethodPost)

	owners.HandleFunc("/login", h.StartLogin).Methods(http.MethodPost)
	owners.HandleFunc("/login/confirm", h.ConfirmLogin).Methods(http.MethodPost)
	owners.HandleFunc("/login/cancel", h.CancelLogin).Methods(http.MethodPost)
	owners.HandleFunc("/login/restart", h.RestartLogin).Methods(http.MethodPost)

	owners.HandleFunc("/sessions", h.ListSessions).Methods(http.MethodGet)
	owners.HandleFunc("/sessions/cleanup", h.CleanupSessions).Methods(http.MethodPost)

	owners.HandleFunc("/orders", h.SubmitOrder).Methods(http.MethodPost)
	owners.HandleFunc("/orders", h.ListOrders).Methods(http.MethodGet)
	owners.HandleFunc("/orders/sync", h.SyncOrders).Methods(http.MethodPost)
	owners.HandleFunc("/orders/{taskId}", h.GetOrder).Methods(http.MethodGet)
	owners.HandleFunc("/orders/{taskId}/cancel", h.CancelOrder).Methods(http.MethodPost)

	owners.HandleFunc("/credentials", h.PutCredential).Methods(http.MethodPut)
	owners.HandleFunc("/credentials", h.ListCredentials).Methods(http.MethodGet)
	owners.HandleFunc("/credentials/{id}", h.DeleteCredential).Methods(http.MethodDelete)

	// Outside the router so preflight requests never hit method matching
	return corsMiddleware(r)
}
