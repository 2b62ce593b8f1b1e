// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package lifecycle is the license-status state machine: the authoritative
// mapping from upstream events (payment success/failure, cancellation,
// dispute, license suspension/revocation/renewal) to the local license
// status. The local status is what access decisions read; upstream
// suspend/reinstate calls are best-effort mirrors.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/keyline-app/keyline/internal/keygen"
	"github.com/keyline-app/keyline/internal/models"
	"github.com/keyline-app/keyline/internal/notifications"
)

// maxPaymentFailures is the consecutive-failure count that suspends a
// license. A hard threshold, not configurable per request.
const maxPaymentFailures = 3

// PolicyConfig maps plan types to the license service's policies.
type PolicyConfig struct {
	IndividualPolicyID string
	BusinessPolicyID   string
}

// Service drives all license status transitions.
type Service struct {
	licenses    *models.LicenseStore
	customers   *models.CustomerStore
	activations *models.ActivationStore
	client      keygen.Client
	notifier    notifications.Notifier
	policies    PolicyConfig

	// invalidate drops a cached license row after a transition; nil when no
	// cache is wired
	invalidate func(licenseKey string)
}

func NewService(
	licenses *models.LicenseStore,
	customers *models.CustomerStore,
	activations *models.ActivationStore,
	client keygen.Client,
	notifier notifications.Notifier,
	policies PolicyConfig,
) *Service {
	return &Service{
		licenses:    licenses,
		customers:   customers,
		activations: activations,
		client:      client,
		notifier:    notifier,
		policies:    policies,
	}
}

// SetCacheInvalidator wires a cache-drop hook called after every transition.
func (s *Service) SetCacheInvalidator(fn func(licenseKey string)) {
	s.invalidate = fn
}

// transition applies a status change with its upstream side effects. The
// conditional status write makes replays no-ops: side effects only fire when
// the row actually changed.
func (s *Service) transition(ctx context.Context, license *models.License, newStatus string) error {
	prev := license.Status
	changed, err := s.licenses.SetStatus(ctx, license.ID, newStatus)
	if err != nil {
		return err
	}
	if !changed {
		log.Debug().
			Str("licenseId", license.ID).
			Str("status", newStatus).
			Msg("License already in target status, skipping transition")
		return nil
	}

	log.Info().
		Str("licenseId", license.ID).
		Str("from", prev).
		Str("to", newStatus).
		Msg("License status transition")

	// Upstream mirror calls are best-effort: local status is authoritative
	// for access decisions, and suspend/reinstate are idempotent upstream.
	switch newStatus {
	case models.StatusSuspended, models.StatusCanceled, models.StatusDisputed:
		if err := s.client.SuspendLicense(ctx, license.ID); err != nil {
			log.Error().Err(err).Str("licenseId", license.ID).Msg("Failed to suspend license upstream")
		}
	case models.StatusActive:
		switch prev {
		case models.StatusSuspended, models.StatusPastDue, models.StatusDisputed:
			if err := s.client.ReinstateLicense(ctx, license.ID); err != nil {
				log.Error().Err(err).Str("licenseId", license.ID).Msg("Failed to reinstate license upstream")
			}
		}
	}

	license.Status = newStatus
	if s.invalidate != nil {
		s.invalidate(license.LicenseKey)
	}
	return nil
}

// mirrorStatus records a status already decided by the license service. No
// upstream calls: the service is the origin of the event.
func (s *Service) mirrorStatus(ctx context.Context, licenseID, status string) error {
	license, err := s.licenses.GetByID(ctx, licenseID)
	if err != nil {
		if errors.Is(err, models.ErrLicenseNotFound) {
			log.Warn().Str("licenseId", licenseID).Str("status", status).Msg("License event for unknown license, ignoring")
			return nil
		}
		return err
	}

	changed, err := s.licenses.SetStatus(ctx, licenseID, status)
	if err != nil {
		return err
	}
	if changed {
		log.Info().
			Str("licenseId", licenseID).
			Str("from", license.Status).
			Str("to", status).
			Msg("License status mirrored from license service")
		if s.invalidate != nil {
			s.invalidate(license.LicenseKey)
		}
	}
	return nil
}

// HandleKeygenEvent applies one license-service webhook event.
func (s *Service) HandleKeygenEvent(ctx context.Context, event *keygen.Event) error {
	switch event.Name {
	case "license.expired":
		return s.mirrorStatus(ctx, event.LicenseID, models.StatusExpired)
	case "license.suspended":
		return s.mirrorStatus(ctx, event.LicenseID, models.StatusSuspended)
	case "license.reinstated", "license.renewed":
		return s.mirrorStatus(ctx, event.LicenseID, models.StatusActive)
	case "license.revoked":
		return s.mirrorStatus(ctx, event.LicenseID, models.StatusRevoked)
	case "machine.deleted":
		if event.MachineID == "" {
			return fmt.Errorf("machine.deleted event without machine id")
		}
		if err := s.activations.DeleteByMachineID(ctx, event.MachineID); err != nil {
			return fmt.Errorf("failed to remove device activation: %w", err)
		}
		log.Info().Str("machineId", event.MachineID).Msg("Device activation removed after upstream machine deletion")
		return nil
	default:
		log.Debug().Str("event", event.Name).Msg("Ignoring unhandled license service event")
		return nil
	}
}
