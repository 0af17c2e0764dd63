package api

import (
	"net/http"

	"github.com/technosupport/ts-dispatch/internal/data"
	"github.com/technosupport/ts-dispatch/internal/dispatch"
	"github.com/technosupport/ts-dispatch/internal/receiving"
)

// DashboardHandler serves the account-grouped read model plus per-operator
// status. Postgres supplies the event groups; the ledger overlays live
// claim and hold state.
type DashboardHandler struct {
	Dashboard data.DashboardModel
	Ledger    *dispatch.Ledger
	Arbiter   *receiving.Arbiter
}

// GET /api/v1/dashboard?show_all_holds=true
func (h *DashboardHandler) Get(w http.ResponseWriter, r *http.Request) {
	ac, ok := authOperator(w, r)
	if !ok {
		return
	}
	showAllHolds := r.URL.Query().Get("show_all_holds") == "true"

	items, err := h.Dashboard.ListActive(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]*data.DashboardItem, 0, len(items))
	for _, item := range items {
		state, err := h.Ledger.GetState(r.Context(), item.Account.ID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}

		switch state.Kind {
		case dispatch.StateClaimed:
			item.State = "claimed"
			op := state.Claim.Operator
			item.ClaimedBy = &op
		case dispatch.StateHeld:
			// Holds belong to their owner's worklist; others only see
			// them when asked for explicitly.
			if state.Hold.HeldBy != ac.OperatorID && !showAllHolds {
				continue
			}
			item.State = "held"
			op := state.Hold.HeldBy
			item.HeldBy = &op
			item.HoldNotes = state.Hold.Notes
		default:
			item.State = "pending"
		}
		out = append(out, item)
	}

	respondJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

// GET /api/v1/operators/me/status
func (h *DashboardHandler) UserStatus(w http.ResponseWriter, r *http.Request) {
	ac, ok := authOperator(w, r)
	if !ok {
		return
	}

	isReceiving, err := h.Arbiter.IsReceiving(r.Context(), ac.OperatorID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	claims, err := h.Ledger.ClaimsByOperator(r.Context(), ac.OperatorID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"operator_id": ac.OperatorID,
		"role":        ac.Role,
		"receiving":   isReceiving,
		"claims":      claims,
	})
}
