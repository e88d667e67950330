/**
 * @description
 * This file sets up the HTTP router for the crowdfunding-service. It defines the API
 * endpoints, associates them with their handlers and applies authentication and
 * write throttling.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/transfa/crowdfunding-service/internal/app"
)

// RouterOptions carries the cross-cutting settings of the HTTP surface.
type RouterOptions struct {
	Auth           AuthOptions
	AllowedOrigins []string
	Limiter        app.WriteLimiter
	WriteLimits    app.WriteLimits
}

// CampaignRoutes creates and returns a new router for the crowdfunding service.
func CampaignRoutes(h *CampaignHandlers, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(opts.Auth))
		r.Use(WriteRateLimitMiddleware(opts.Limiter, opts.WriteLimits))

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", h.LaunchHandler)
			r.Get("/", h.ListCampaignsHandler)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetCampaignHandler)
				r.Get("/status", h.GetStatusHandler)
				r.Get("/pledges", h.ListPledgesHandler)
				r.Get("/pledges/{backer}", h.GetPledgeHandler)
				r.Post("/cancel", h.CancelHandler)
				r.Post("/pledge", h.PledgeHandler)
				r.Post("/unpledge", h.UnpledgeHandler)
				r.Post("/claim", h.ClaimHandler)
				r.Post("/refund", h.RefundHandler)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/params", h.GetParamsHandler)
			r.Put("/max-duration", h.SetMaxDurationHandler)
			r.Put("/min-duration", h.SetMinDurationHandler)
			r.Post("/upgrade", h.UpgradeHandler)
		})
	})

	return r
}
