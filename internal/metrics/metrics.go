// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Manager owns the registry and the licensing instruments.
type Manager struct {
	registry *prometheus.Registry

	WebhookEvents  *prometheus.CounterVec
	Activations    *prometheus.CounterVec
	TrialsIssued   prometheus.Counter
	RateLimited    *prometheus.CounterVec
	UpstreamErrors *prometheus.CounterVec
}

func NewManager() *Manager {
	m := &Manager{
		registry: prometheus.NewRegistry(),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyline_webhook_events_total",
			Help: "Webhook deliveries by source, event type and outcome",
		}, []string{"source", "event", "outcome"}),
		Activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyline_device_activations_total",
			Help: "Device activation attempts by outcome",
		}, []string{"outcome"}),
		TrialsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keyline_trials_issued_total",
			Help: "Trial tokens issued",
		}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyline_rate_limited_total",
			Help: "Requests denied by the rate limiter, by preset",
		}, []string{"preset"}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyline_upstream_errors_total",
			Help: "Failed calls to external collaborators",
		}, []string{"service"}),
	}

	m.registry.MustRegister(m.WebhookEvents, m.Activations, m.TrialsIssued, m.RateLimited, m.UpstreamErrors)

	log.Info().Msg("Metrics manager initialized")
	return m
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}
