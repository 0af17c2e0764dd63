package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/technosupport/ts-dispatch/internal/live"
)

// LiveHandler manages stream viewing sessions and event captures.
type LiveHandler struct {
	Streams      *live.StreamManager
	Captures     *live.CaptureManager
	ReadyTimeout func() time.Duration
}

func (h *LiveHandler) readyTimeout() time.Duration {
	if h.ReadyTimeout != nil {
		if d := h.ReadyTimeout(); d > 0 {
			return d
		}
	}
	return 15 * time.Second
}

// POST /api/v1/cameras/{cameraID}/stream
func (h *LiveHandler) StartStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := authOperator(w, r); !ok {
		return
	}
	cameraID, err := urlUUID(r, "cameraID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid camera id")
		return
	}

	var req struct {
		Quality string `json:"quality"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Quality == "" {
		req.Quality = "sub"
	}

	sess, err := h.Streams.Acquire(r.Context(), cameraID, req.Quality)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	if err := h.Streams.WaitReady(r.Context(), cameraID, h.readyTimeout()); err != nil {
		// The viewer never got a playable stream; drop the ref we took.
		h.Streams.Release(r.Context(), cameraID)
		respondDomainError(w, err)
		return
	}

	sess, err = h.Streams.Status(r.Context(), cameraID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// DELETE /api/v1/cameras/{cameraID}/stream
func (h *LiveHandler) StopStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := authOperator(w, r); !ok {
		return
	}
	cameraID, err := urlUUID(r, "cameraID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid camera id")
		return
	}

	if err := h.Streams.Release(r.Context(), cameraID); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// GET /api/v1/cameras/{cameraID}/stream
func (h *LiveHandler) StreamStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := authOperator(w, r); !ok {
		return
	}
	cameraID, err := urlUUID(r, "cameraID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid camera id")
		return
	}

	sess, err := h.Streams.Status(r.Context(), cameraID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// POST /api/v1/events/{eventID}/capture/{cameraID}
func (h *LiveHandler) StartCapture(w http.ResponseWriter, r *http.Request) {
	if _, ok := authOperator(w, r); !ok {
		return
	}
	eventID, err := urlUUID(r, "eventID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	cameraID, err := urlUUID(r, "cameraID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid camera id")
		return
	}

	started, err := h.Captures.EnsureCapture(r.Context(), eventID, cameraID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"recording": true, "started": started})
}

// POST /api/v1/events/{eventID}/capture/{cameraID}/heartbeat
func (h *LiveHandler) CaptureHeartbeat(w http.ResponseWriter, r *http.Request) {
	if _, ok := authOperator(w, r); !ok {
		return
	}
	eventID, err := urlUUID(r, "eventID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	cameraID, err := urlUUID(r, "cameraID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid camera id")
		return
	}

	if err := h.Captures.Heartbeat(r.Context(), eventID, cameraID); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DELETE /api/v1/events/{eventID}/capture/{cameraID}
func (h *LiveHandler) StopCapture(w http.ResponseWriter, r *http.Request) {
	if _, ok := authOperator(w, r); !ok {
		return
	}
	eventID, err := urlUUID(r, "eventID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	cameraID, err := urlUUID(r, "cameraID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid camera id")
		return
	}

	if err := h.Captures.StopCapture(r.Context(), eventID, cameraID); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// GET /api/v1/events/{eventID}/capture/{cameraID}
func (h *LiveHandler) CaptureStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := authOperator(w, r); !ok {
		return
	}
	eventID, err := urlUUID(r, "eventID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	cameraID, err := urlUUID(r, "cameraID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid camera id")
		return
	}

	active, err := h.Captures.Active(r.Context(), eventID, cameraID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"recording": active})
}
