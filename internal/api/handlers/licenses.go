// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/keyline-app/keyline/internal/activation"
	"github.com/keyline-app/keyline/internal/keygen"
	"github.com/keyline-app/keyline/internal/metrics"
	"github.com/keyline-app/keyline/internal/models"
)

// LicensesHandler serves device activation, validation heartbeats and
// license read endpoints
type LicensesHandler struct {
	service     *activation.Service
	licenses    *models.LicenseStore
	activations *models.ActivationStore
	metrics     *metrics.Manager
}

func NewLicensesHandler(service *activation.Service, licenses *models.LicenseStore, activations *models.ActivationStore, metrics *metrics.Manager) *LicensesHandler {
	return &LicensesHandler{
		service:     service,
		licenses:    licenses,
		activations: activations,
		metrics:     metrics,
	}
}

type activateRequest struct {
	LicenseKey  string  `json:"licenseKey" validate:"required"`
	Fingerprint string  `json:"fingerprint" validate:"required,fingerprint"`
	UserID      *string `json:"userId,omitempty"`
	UserEmail   *string `json:"userEmail,omitempty" validate:"omitempty,email"`
	Name        string  `json:"name,omitempty"`
	Platform    string  `json:"platform,omitempty"`
}

// Activate binds a device to a license, enforcing the concurrency cap.
func (h *LicensesHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		RespondErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := h.service.Activate(r.Context(), activation.ActivateRequest{
		LicenseKey:  req.LicenseKey,
		Fingerprint: req.Fingerprint,
		UserID:      req.UserID,
		UserEmail:   req.UserEmail,
		Name:        req.Name,
		Platform:    req.Platform,
	})
	if err != nil {
		h.respondActivationError(w, err)
		return
	}

	outcome := "activated"
	if result.AlreadyActivated {
		outcome = "already_activated"
	}
	if h.metrics != nil {
		h.metrics.Activations.WithLabelValues(outcome).Inc()
	}

	RespondJSON(w, http.StatusOK, result)
}

func (h *LicensesHandler) respondActivationError(w http.ResponseWriter, err error) {
	var limitErr *activation.DeviceLimitError
	var upstreamErr *activation.UpstreamError

	switch {
	case errors.Is(err, activation.ErrInvalidFingerprint):
		RespondErrorCode(w, http.StatusBadRequest, "invalid_fingerprint", "Fingerprint must be 32-128 hex characters")
	case errors.Is(err, models.ErrLicenseNotFound):
		RespondErrorCode(w, http.StatusNotFound, "license_not_found", "No license matches that key")
	case errors.As(err, &limitErr):
		if h.metrics != nil {
			h.metrics.Activations.WithLabelValues("device_limit").Inc()
		}
		RespondJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":         "device_limit_exceeded",
			"message":       "Too many devices used this license recently",
			"activeDevices": limitErr.ActiveDevices,
			"maxDevices":    limitErr.MaxDevices,
		})
	case errors.As(err, &upstreamErr):
		if h.metrics != nil {
			h.metrics.Activations.WithLabelValues("rejected").Inc()
		}
		RespondErrorCode(w, http.StatusForbidden, upstreamErrorCode(upstreamErr.Code), "License cannot be activated")
	default:
		log.Error().Err(err).Msg("Device activation failed")
		if h.metrics != nil {
			h.metrics.UpstreamErrors.WithLabelValues("keygen").Inc()
		}
		RespondError(w, http.StatusInternalServerError, "Failed to activate device")
	}
}

func upstreamErrorCode(code keygen.ValidationCode) string {
	switch code {
	case keygen.CodeExpired:
		return "license_expired"
	case keygen.CodeSuspended:
		return "license_suspended"
	case keygen.CodeNotFound:
		return "license_not_found"
	default:
		return "activation_rejected"
	}
}

type validateRequest struct {
	LicenseKey  string `json:"licenseKey" validate:"required"`
	Fingerprint string `json:"fingerprint" validate:"required,fingerprint"`
}

// Validate is the periodic heartbeat check a device runs against its license.
func (h *LicensesHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		RespondErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := h.service.Validate(r.Context(), req.LicenseKey, req.Fingerprint)
	if err != nil {
		switch {
		case errors.Is(err, activation.ErrInvalidFingerprint):
			RespondErrorCode(w, http.StatusBadRequest, "invalid_fingerprint", "Fingerprint must be 32-128 hex characters")
		case errors.Is(err, models.ErrLicenseNotFound):
			RespondErrorCode(w, http.StatusNotFound, "license_not_found", "No license matches that key")
		default:
			log.Error().Err(err).Msg("License validation failed")
			if h.metrics != nil {
				h.metrics.UpstreamErrors.WithLabelValues("keygen").Inc()
			}
			RespondError(w, http.StatusInternalServerError, "Failed to validate license")
		}
		return
	}

	RespondJSON(w, http.StatusOK, result)
}

// Get returns a license summary with its current device usage.
func (h *LicensesHandler) Get(w http.ResponseWriter, r *http.Request) {
	licenseID := chi.URLParam(r, "licenseID")

	license, err := h.licenses.GetByID(r.Context(), licenseID)
	if err != nil {
		if errors.Is(err, models.ErrLicenseNotFound) {
			RespondErrorCode(w, http.StatusNotFound, "license_not_found", "No license with that ID")
			return
		}
		log.Error().Err(err).Msg("License lookup failed")
		RespondError(w, http.StatusInternalServerError, "Failed to look up license")
		return
	}

	devices, err := h.activations.ListByLicense(r.Context(), licenseID)
	if err != nil {
		log.Error().Err(err).Str("licenseId", licenseID).Msg("Failed to list device activations")
		RespondError(w, http.StatusInternalServerError, "Failed to look up license")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"license":     license,
		"deviceCount": len(devices),
		"devices":     devices,
	})
}
