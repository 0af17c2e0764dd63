package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/technosupport/ts-dispatch/internal/dispatch"
)

// DispatchHandler exposes the claim lifecycle.
type DispatchHandler struct {
	Machine    *dispatch.StateMachine
	Dispatcher *dispatch.Dispatcher
}

func NewDispatchHandler(machine *dispatch.StateMachine, dispatcher *dispatch.Dispatcher) *DispatchHandler {
	return &DispatchHandler{Machine: machine, Dispatcher: dispatcher}
}

// POST /api/v1/accounts/{accountID}/claim
func (h *DispatchHandler) Claim(w http.ResponseWriter, r *http.Request) {
	ac, ok := authOperator(w, r)
	if !ok {
		return
	}
	accountID, err := urlUUID(r, "accountID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	claim, err := h.Machine.ClaimAccount(r.Context(), accountID, ac.OperatorID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, claim)
}

// POST /api/v1/accounts/{accountID}/release
func (h *DispatchHandler) Release(w http.ResponseWriter, r *http.Request) {
	h.releaseWith(w, r, h.Machine.Release)
}

// POST /api/v1/accounts/{accountID}/revert
func (h *DispatchHandler) Revert(w http.ResponseWriter, r *http.Request) {
	h.releaseWith(w, r, h.Machine.RevertToPending)
}

func (h *DispatchHandler) releaseWith(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, accountID, operatorID uuid.UUID) error) {
	ac, ok := authOperator(w, r)
	if !ok {
		return
	}
	accountID, err := urlUUID(r, "accountID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	if err := fn(r.Context(), accountID, ac.OperatorID); err != nil {
		respondDomainError(w, err)
		return
	}

	// A freed account may be assignable immediately.
	h.Dispatcher.Dispatch(r.Context())

	respondJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// POST /api/v1/accounts/{accountID}/hold
func (h *DispatchHandler) Hold(w http.ResponseWriter, r *http.Request) {
	ac, ok := authOperator(w, r)
	if !ok {
		return
	}
	accountID, err := urlUUID(r, "accountID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	var req struct {
		Notes string `json:"notes"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) // notes optional
	}

	rec, err := h.Machine.Hold(r.Context(), accountID, ac.OperatorID, req.Notes)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// POST /api/v1/accounts/{accountID}/unhold
func (h *DispatchHandler) Unhold(w http.ResponseWriter, r *http.Request) {
	ac, ok := authOperator(w, r)
	if !ok {
		return
	}
	accountID, err := urlUUID(r, "accountID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	if err := h.Machine.Unhold(r.Context(), accountID, ac.OperatorID); err != nil {
		respondDomainError(w, err)
		return
	}

	h.Dispatcher.Dispatch(r.Context())

	respondJSON(w, http.StatusOK, map[string]string{"status": "pending"})
}

// POST /api/v1/events/{eventID}/escalate
func (h *DispatchHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	ac, ok := authOperator(w, r)
	if !ok {
		return
	}
	eventID, err := urlUUID(r, "eventID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	var req struct {
		Notes string `json:"notes"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	esc, err := h.Machine.Escalate(r.Context(), eventID, ac.OperatorID, req.Notes)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, esc.Escalation)
}

// POST /api/v1/accounts/{accountID}/resolve
func (h *DispatchHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	ac, ok := authOperator(w, r)
	if !ok {
		return
	}
	accountID, err := urlUUID(r, "accountID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	var req struct {
		Resolution string `json:"resolution"`
		Override   bool   `json:"override"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if err := h.Machine.Resolve(r.Context(), accountID, ac.OperatorID, ac.Role, req.Resolution, req.Override); err != nil {
		respondDomainError(w, err)
		return
	}

	h.Dispatcher.Dispatch(r.Context())

	respondJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// POST /api/v1/accounts/{accountID}/dismiss-all
func (h *DispatchHandler) DismissAll(w http.ResponseWriter, r *http.Request) {
	ac, ok := authOperator(w, r)
	if !ok {
		return
	}
	accountID, err := urlUUID(r, "accountID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	var req struct {
		AllViewed bool `json:"all_viewed"`
		Override  bool `json:"override"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if err := h.Machine.DismissAll(r.Context(), accountID, ac.OperatorID, ac.Role, req.AllViewed, req.Override); err != nil {
		respondDomainError(w, err)
		return
	}

	h.Dispatcher.Dispatch(r.Context())

	respondJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}

// POST /api/v1/events/{eventID}/viewed
func (h *DispatchHandler) MarkViewed(w http.ResponseWriter, r *http.Request) {
	ac, ok := authOperator(w, r)
	if !ok {
		return
	}
	eventID, err := urlUUID(r, "eventID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	if err := h.Machine.MarkEventViewed(r.Context(), eventID, ac.OperatorID); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}
