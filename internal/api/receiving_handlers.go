package api

import (
	"encoding/json"
	"net/http"

	"github.com/technosupport/ts-dispatch/internal/dispatch"
	"github.com/technosupport/ts-dispatch/internal/receiving"
)

// ReceivingHandler exposes the receiving flag and its automatic
// suspend/restore signals.
type ReceivingHandler struct {
	Arbiter    *receiving.Arbiter
	Ledger     *dispatch.Ledger
	Machine    *dispatch.StateMachine
	Dispatcher *dispatch.Dispatcher
}

// PUT /api/v1/receiving
func (h *ReceivingHandler) Set(w http.ResponseWriter, r *http.Request) {
	ac, ok := authOperator(w, r)
	if !ok {
		return
	}

	var req struct {
		Receiving bool `json:"receiving"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	actual, err := h.Arbiter.SetReceiving(r.Context(), ac.OperatorID, req.Receiving)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// A newly receiving operator may have pending work waiting for them.
	if actual {
		h.Dispatcher.Dispatch(r.Context())
	}

	respondJSON(w, http.StatusOK, map[string]bool{"receiving": actual})
}

// POST /api/v1/receiving/auto-disable
func (h *ReceivingHandler) AutoDisable(w http.ResponseWriter, r *http.Request) {
	ac, ok := authOperator(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	reason := receiving.DisableReason(req.Reason)
	switch reason {
	case receiving.ReasonPageLoad, receiving.ReasonBlur, receiving.ReasonDetailView:
	default:
		respondError(w, http.StatusBadRequest, "unknown reason")
		return
	}

	if err := h.Arbiter.AutoDisable(r.Context(), ac.OperatorID, reason); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"receiving": false})
}

// POST /api/v1/receiving/restore
func (h *ReceivingHandler) Restore(w http.ResponseWriter, r *http.Request) {
	ac, ok := authOperator(w, r)
	if !ok {
		return
	}

	if err := h.Arbiter.RestoreReceiving(r.Context(), ac.OperatorID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	isReceiving, err := h.Arbiter.IsReceiving(r.Context(), ac.OperatorID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if isReceiving {
		h.Dispatcher.Dispatch(r.Context())
	}
	respondJSON(w, http.StatusOK, map[string]bool{"receiving": isReceiving})
}

// POST /api/v1/beacon/unload
//
// Fired by navigator.sendBeacon on page unload. Fire-and-forget on the
// client side, so everything here is best effort: turn receiving off and
// revert any claims the departing operator still holds. Stream refcounts
// drain on their own through the grace window.
func (h *ReceivingHandler) UnloadBeacon(w http.ResponseWriter, r *http.Request) {
	ac, ok := authOperator(w, r)
	if !ok {
		return
	}

	// Departure is an explicit off, not a suspension: clear any saved
	// state so the claim-end restore below cannot re-enable an operator
	// whose client is gone.
	if _, err := h.Arbiter.SetReceiving(r.Context(), ac.OperatorID, false); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	claims, err := h.Ledger.ClaimsByOperator(r.Context(), ac.OperatorID)
	if err == nil {
		for _, accountID := range claims {
			if err := h.Machine.RevertToPending(r.Context(), accountID, ac.OperatorID); err != nil {
				respondDomainError(w, err)
				return
			}
		}
		if len(claims) > 0 {
			h.Dispatcher.Dispatch(r.Context())
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
