// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keyline-app/keyline/internal/metrics"
	"github.com/keyline-app/keyline/internal/models"
	"github.com/keyline-app/keyline/internal/trial"
)

// TrialHandler serves trial issuance, verification and status lookups
type TrialHandler struct {
	service *trial.Service
	metrics *metrics.Manager
}

func NewTrialHandler(service *trial.Service, metrics *metrics.Manager) *TrialHandler {
	return &TrialHandler{
		service: service,
		metrics: metrics,
	}
}

type trialInitRequest struct {
	Fingerprint string `json:"fingerprint" validate:"required,fingerprint"`
}

type trialGrantResponse struct {
	Token         string    `json:"token"`
	IssuedAt      time.Time `json:"issuedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	RemainingDays int       `json:"remainingDays"`
}

// Init issues the single trial a fingerprint will ever get.
func (h *TrialHandler) Init(w http.ResponseWriter, r *http.Request) {
	var req trialInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		RespondErrorCode(w, http.StatusBadRequest, "invalid_fingerprint", "Fingerprint must be 32-128 hex characters")
		return
	}

	grant, err := h.service.Issue(r.Context(), req.Fingerprint)
	if err != nil {
		var exists *trial.TrialExistsError
		switch {
		case errors.Is(err, trial.ErrInvalidFingerprint):
			RespondErrorCode(w, http.StatusBadRequest, "invalid_fingerprint", "Fingerprint must be 32-128 hex characters")
		case errors.As(err, &exists):
			RespondJSON(w, http.StatusConflict, map[string]interface{}{
				"error":     "trial_exists",
				"message":   "A trial is already active for this device",
				"expiresAt": exists.ExpiresAt,
			})
		case errors.Is(err, trial.ErrTrialExpired):
			RespondErrorCode(w, http.StatusGone, "trial_expired", "The trial for this device has ended")
		default:
			log.Error().Err(err).Msg("Trial issuance failed")
			RespondError(w, http.StatusInternalServerError, "Failed to issue trial")
		}
		return
	}

	if h.metrics != nil {
		h.metrics.TrialsIssued.Inc()
	}

	RespondJSON(w, http.StatusOK, trialGrantResponse{
		Token:         grant.Token,
		IssuedAt:      grant.IssuedAt,
		ExpiresAt:     grant.ExpiresAt,
		RemainingDays: remainingDays(grant.ExpiresAt, grant.IssuedAt),
	})
}

type trialVerifyRequest struct {
	Token       string `json:"token" validate:"required"`
	Fingerprint string `json:"fingerprint" validate:"required,fingerprint"`
}

// Verify checks a trial token offline against the device fingerprint.
func (h *TrialHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req trialVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		RespondErrorCode(w, http.StatusBadRequest, "invalid_fingerprint", "Fingerprint must be 32-128 hex characters")
		return
	}

	result, err := h.service.Verify(req.Token, req.Fingerprint)
	if err != nil {
		log.Error().Err(err).Msg("Trial verification failed")
		RespondError(w, http.StatusInternalServerError, "Failed to verify trial token")
		return
	}

	RespondJSON(w, http.StatusOK, result)
}

// Status reports whether a fingerprint has a trial, without issuing one.
func (h *TrialHandler) Status(w http.ResponseWriter, r *http.Request) {
	fingerprint := r.URL.Query().Get("fingerprint")
	if !models.ValidFingerprint(fingerprint) {
		RespondErrorCode(w, http.StatusBadRequest, "invalid_fingerprint", "Fingerprint must be 32-128 hex characters")
		return
	}

	record, err := h.service.Status(r.Context(), fingerprint)
	if err != nil {
		if errors.Is(err, models.ErrTrialNotFound) {
			RespondJSON(w, http.StatusOK, map[string]interface{}{
				"exists": false,
			})
			return
		}
		log.Error().Err(err).Msg("Trial status lookup failed")
		RespondError(w, http.StatusInternalServerError, "Failed to look up trial status")
		return
	}

	now := time.Now()
	resp := map[string]interface{}{
		"exists":    true,
		"expired":   record.Expired(now),
		"issuedAt":  record.IssuedAt,
		"expiresAt": record.ExpiresAt,
	}
	if !record.Expired(now) {
		resp["remainingDays"] = remainingDays(record.ExpiresAt, now)
	}
	RespondJSON(w, http.StatusOK, resp)
}

func remainingDays(expiresAt, from time.Time) int {
	days := int(math.Ceil(expiresAt.Sub(from).Hours() / 24))
	if days < 0 {
		return 0
	}
	return days
}
