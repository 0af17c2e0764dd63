package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/technosupport/ts-dispatch/internal/data"
	"github.com/technosupport/ts-dispatch/internal/dispatch"
	"github.com/technosupport/ts-dispatch/internal/live"
	"github.com/technosupport/ts-dispatch/internal/middleware"
)

// Helpers
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func urlUUID(r *http.Request, param string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, param))
}

func authOperator(w http.ResponseWriter, r *http.Request) (*middleware.AuthContext, bool) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return nil, false
	}
	return ac, true
}

// respondDomainError maps the coordinator's error taxonomy onto HTTP.
func respondDomainError(w http.ResponseWriter, err error) {
	var conflict *dispatch.ConflictError
	if errors.As(err, &conflict) {
		payload := map[string]any{"error": "account unavailable", "held": conflict.Held}
		if conflict.ClaimedBy != uuid.Nil {
			payload["claimed_by"] = conflict.ClaimedBy
		}
		respondJSON(w, http.StatusConflict, payload)
		return
	}

	var notOwner *dispatch.NotOwnerError
	if errors.As(err, &notOwner) {
		respondError(w, http.StatusForbidden, "not the claim owner")
		return
	}

	var invalid *dispatch.InvalidStateError
	if errors.As(err, &invalid) {
		respondError(w, http.StatusConflict, invalid.Error())
		return
	}

	var gate *dispatch.GateBlockedError
	if errors.As(err, &gate) {
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":            "eyes-on requirement not met",
			"event_id":         gate.EventID,
			"reviews_required": gate.Required,
			"reviews_current":  gate.Current,
		})
		return
	}

	var timeout *live.StreamTimeoutError
	if errors.As(err, &timeout) {
		respondError(w, http.StatusGatewayTimeout, timeout.Error())
		return
	}

	if errors.Is(err, dispatch.ErrNotFound) || errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "not found")
		return
	}

	respondError(w, http.StatusInternalServerError, err.Error())
}
