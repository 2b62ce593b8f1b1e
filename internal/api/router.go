// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keyline-app/keyline/internal/activation"
	"github.com/keyline-app/keyline/internal/api/handlers"
	apimiddleware "github.com/keyline-app/keyline/internal/api/middleware"
	"github.com/keyline-app/keyline/internal/config"
	"github.com/keyline-app/keyline/internal/lifecycle"
	"github.com/keyline-app/keyline/internal/metrics"
	"github.com/keyline-app/keyline/internal/models"
	"github.com/keyline-app/keyline/internal/ratelimit"
	"github.com/keyline-app/keyline/internal/secrets"
	"github.com/keyline-app/keyline/internal/trial"
)

// Dependencies holds everything the API needs
type Dependencies struct {
	Config *config.AppConfig
	DB     *sql.DB

	LicenseStore    *models.LicenseStore
	ActivationStore *models.ActivationStore

	TrialService      *trial.Service
	ActivationService *activation.Service
	LifecycleService  *lifecycle.Service

	Secrets *secrets.Resolver
	Limiter *ratelimit.Limiter
	Metrics *metrics.Manager
}

// NewRouter creates and configures the main application router
func NewRouter(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apimiddleware.HTTPLogger)
	r.Use(middleware.Recoverer)

	if deps.Limiter != nil && deps.Metrics != nil {
		deps.Limiter.OnDenied = func(preset string) {
			deps.Metrics.RateLimited.WithLabelValues(preset).Inc()
		}
	}

	trialHandler := handlers.NewTrialHandler(deps.TrialService, deps.Metrics)
	licensesHandler := handlers.NewLicensesHandler(deps.ActivationService, deps.LicenseStore, deps.ActivationStore, deps.Metrics)
	webhooksHandler := handlers.NewWebhooksHandler(deps.LifecycleService, deps.Secrets, deps.Metrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/trial", func(r chi.Router) {
			r.With(ratelimit.Middleware(deps.Limiter, "trial-init", ratelimit.FingerprintFromBody)).
				Post("/init", trialHandler.Init)
			r.Post("/verify", trialHandler.Verify)
			r.Get("/status", trialHandler.Status)
		})

		r.Route("/licenses", func(r chi.Router) {
			r.With(ratelimit.Middleware(deps.Limiter, "license-activate", ratelimit.FingerprintFromBody)).
				Post("/activate", licensesHandler.Activate)
			r.With(ratelimit.Middleware(deps.Limiter, "license-validate", ratelimit.FingerprintFromBody)).
				Post("/validate", licensesHandler.Validate)
			r.With(ratelimit.Middleware(deps.Limiter, "heartbeat", ratelimit.FingerprintFromBody)).
				Post("/heartbeat", licensesHandler.Validate)
			r.Get("/{licenseID}", licensesHandler.Get)
		})
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhooksHandler.Stripe)
		r.Post("/keygen", webhooksHandler.Keygen)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if deps.DB != nil {
			if err := deps.DB.PingContext(r.Context()); err != nil {
				handlers.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
				return
			}
		}
		handlers.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Metrics.GetRegistry(), promhttp.HandlerOpts{}))
	}

	return r
}
