// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/keyline-app/keyline/internal/keygen"
	"github.com/keyline-app/keyline/internal/lifecycle"
	"github.com/keyline-app/keyline/internal/metrics"
	"github.com/keyline-app/keyline/internal/secrets"
)

// maxWebhookBody caps inbound webhook payloads. Stripe's own examples use 64KB.
const maxWebhookBody = 65536

// WebhooksHandler receives billing events from Stripe and license lifecycle
// events from the license service, verifies their signatures and feeds them
// into the lifecycle state machine.
type WebhooksHandler struct {
	lifecycle *lifecycle.Service
	secrets   *secrets.Resolver
	metrics   *metrics.Manager
}

func NewWebhooksHandler(lifecycle *lifecycle.Service, secrets *secrets.Resolver, metrics *metrics.Manager) *WebhooksHandler {
	return &WebhooksHandler{
		lifecycle: lifecycle,
		secrets:   secrets,
		metrics:   metrics,
	}
}

func (h *WebhooksHandler) count(source, event, outcome string) {
	if h.metrics != nil {
		h.metrics.WebhookEvents.WithLabelValues(source, event, outcome).Inc()
	}
}

// Stripe handles billing webhooks. Signature failures are 400s; handler
// failures are 500s so Stripe retries the delivery.
func (h *WebhooksHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	secret, err := h.secrets.StripeWebhookSecret()
	if err != nil {
		log.Error().Err(err).Msg("Stripe webhook secret unavailable")
		RespondError(w, http.StatusInternalServerError, "Webhook verification unavailable")
		return
	}

	event, err := webhook.ConstructEvent(body, r.Header.Get("Stripe-Signature"), secret)
	if err != nil {
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Stripe webhook signature verification failed")
		h.count("stripe", "unknown", "invalid_signature")
		RespondError(w, http.StatusBadRequest, "Invalid signature")
		return
	}

	if err := h.dispatchStripe(r, &event); err != nil {
		log.Error().Err(err).Str("event", string(event.Type)).Str("eventId", event.ID).Msg("Stripe webhook processing failed")
		h.count("stripe", string(event.Type), "error")
		RespondError(w, http.StatusInternalServerError, "Failed to process event")
		return
	}

	h.count("stripe", string(event.Type), "ok")
	RespondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *WebhooksHandler) dispatchStripe(r *http.Request, event *stripe.Event) error {
	ctx := r.Context()

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return err
		}
		return h.lifecycle.HandleCheckoutCompleted(ctx, &session)

	case "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return err
		}
		return h.lifecycle.HandleSubscriptionUpdated(ctx, &sub)

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return err
		}
		return h.lifecycle.HandleSubscriptionDeleted(ctx, &sub)

	case "invoice.paid":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return err
		}
		return h.lifecycle.HandleInvoicePaid(ctx, &invoice)

	case "invoice.payment_failed":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return err
		}
		return h.lifecycle.HandleInvoicePaymentFailed(ctx, &invoice)

	case "charge.dispute.created":
		var dispute stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
			return err
		}
		return h.lifecycle.HandleDisputeCreated(ctx, &dispute)

	case "charge.dispute.closed":
		var dispute stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
			return err
		}
		return h.lifecycle.HandleDisputeClosed(ctx, &dispute)

	default:
		log.Debug().Str("event", string(event.Type)).Msg("Ignoring unhandled Stripe event")
		return nil
	}
}

// Keygen handles license service webhooks. Verification failures are 401s;
// the sender will not retry those.
func (h *WebhooksHandler) Keygen(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	publicKey, err := h.secrets.KeygenWebhookPublicKey()
	if err != nil {
		log.Error().Err(err).Msg("License service webhook public key unavailable")
		RespondError(w, http.StatusInternalServerError, "Webhook verification unavailable")
		return
	}

	// net/http moves the Host header into r.Host; restore it so signatures
	// covering a host component verify.
	r.Header.Set("Host", r.Host)

	if err := keygen.VerifyWebhook(publicKey, r.Method, r.URL.RequestURI(), r.Header, body); err != nil {
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("License service webhook signature verification failed")
		h.count("keygen", "unknown", "invalid_signature")
		RespondError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	event, err := keygen.ParseEvent(body)
	if err != nil {
		h.count("keygen", "unknown", "malformed")
		RespondError(w, http.StatusBadRequest, "Malformed event")
		return
	}

	if err := h.lifecycle.HandleKeygenEvent(r.Context(), event); err != nil {
		log.Error().Err(err).Str("event", event.Name).Msg("License service webhook processing failed")
		h.count("keygen", event.Name, "error")
		RespondError(w, http.StatusInternalServerError, "Failed to process event")
		return
	}

	h.count("keygen", event.Name, "ok")
	RespondJSON(w, http.StatusOK, map[string]bool{"received": true})
}
