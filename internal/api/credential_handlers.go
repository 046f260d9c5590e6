package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// PutCredential handles PUT /v1/owners/{owner}/credentials
func (h *Handler) PutCredential(w http.ResponseWriter, r *http.Request) {
	var in models.CredentialInput
	if err := h.decode(r, &in, false); err != nil {
		writeError(w, r, err, nil)
		return
	}

	credential, err := h.Orchestrator.StoreCredential(r.Context(), owner(r), in)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{"credential": credential.Ref()})
}

// ListCredentials handles GET /v1/owners/{owner}/credentials
func (h *Handler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	kind := models.CredentialKind(r.URL.Query().Get("kind"))

	refs, err := h.Orchestrator.ListCredentials(r.Context(), owner(r), kind)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"credentials": refs})
}

// DeleteCredential handles DELETE /v1/owners/{owner}/credentials/{id}
func (h *Handler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := h.Orchestrator.DeleteCredential(r.Context(), owner(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
