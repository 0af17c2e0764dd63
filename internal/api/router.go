package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/technosupport/ts-dispatch/internal/middleware"
)

// RouterDeps collects everything the HTTP surface needs.
type RouterDeps struct {
	Dispatch  *DispatchHandler
	Dashboard *DashboardHandler
	Receiving *ReceivingHandler
	Live      *LiveHandler
	WS        *WSHandler

	JWTAuth   *middleware.JWTAuth
	RateLimit *middleware.RateLimitMiddleware
	Observer  middleware.HTTPObserver
}

// NewRouter wires the full route table. Everything under /api/v1 requires
// a valid access token; health stays open for the load balancer.
func NewRouter(deps RouterDeps) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	if deps.Observer != nil {
		r.Use(middleware.Metrics(deps.Observer))
	}
	if deps.RateLimit != nil {
		r.Use(deps.RateLimit.GlobalLimiter)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.JWTAuth.Middleware)

		// The websocket owns its connection lifetime; no request timeout.
		r.Get("/ws", deps.WS.ServeWS)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(30 * time.Second))

			r.Get("/dashboard", deps.Dashboard.Get)
			r.Get("/operators/me/status", deps.Dashboard.UserStatus)

			r.Route("/accounts/{accountID}", func(r chi.Router) {
				r.Post("/claim", deps.Dispatch.Claim)
				r.Post("/release", deps.Dispatch.Release)
				r.Post("/revert", deps.Dispatch.Revert)
				r.Post("/hold", deps.Dispatch.Hold)
				r.Post("/unhold", deps.Dispatch.Unhold)
				r.Post("/resolve", deps.Dispatch.Resolve)
				r.Post("/dismiss-all", deps.Dispatch.DismissAll)
			})

			r.Route("/events/{eventID}", func(r chi.Router) {
				r.Post("/escalate", deps.Dispatch.Escalate)
				r.Post("/viewed", deps.Dispatch.MarkViewed)

				r.Route("/capture/{cameraID}", func(r chi.Router) {
					r.Post("/", deps.Live.StartCapture)
					r.Delete("/", deps.Live.StopCapture)
					r.Get("/", deps.Live.CaptureStatus)
					r.Post("/heartbeat", deps.Live.CaptureHeartbeat)
				})
			})

			r.Route("/cameras/{cameraID}/stream", func(r chi.Router) {
				r.Post("/", deps.Live.StartStream)
				r.Delete("/", deps.Live.StopStream)
				r.Get("/", deps.Live.StreamStatus)
			})

			r.Put("/receiving", deps.Receiving.Set)
			r.Post("/receiving/auto-disable", deps.Receiving.AutoDisable)
			r.Post("/receiving/restore", deps.Receiving.Restore)
			r.Post("/beacon/unload", deps.Receiving.UnloadBeacon)
		})
	})

	return r
}
