// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package activation binds licenses to device fingerprints and enforces
// per-plan concurrency limits over a rolling window. The local windowed
// count is the enforcement authority; the license service may be configured
// to tolerate overage and is deliberately not trusted for this decision.
package activation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog/log"

	"github.com/keyline-app/keyline/internal/keygen"
	"github.com/keyline-app/keyline/internal/models"
)

var ErrInvalidFingerprint = errors.New("invalid fingerprint")

// DeviceLimitError reports a hard concurrency-cap rejection with the counts
// the client needs for messaging.
type DeviceLimitError struct {
	ActiveDevices int
	MaxDevices    int
}

func (e *DeviceLimitError) Error() string {
	return fmt.Sprintf("device limit exceeded: %d active of %d allowed", e.ActiveDevices, e.MaxDevices)
}

// UpstreamError carries the license service's validation code when it blocks
// activation outright (expired, suspended, not found).
type UpstreamError struct {
	Code    keygen.ValidationCode
	RawCode string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("license validation failed upstream: %s", e.RawCode)
}

// ActivateRequest carries device metadata for a new binding.
type ActivateRequest struct {
	LicenseKey  string
	Fingerprint string
	UserID      *string
	UserEmail   *string
	Name        string
	Platform    string
}

// ActivateResult is the successful outcome: either a fresh binding or an
// idempotent replay of an existing one.
type ActivateResult struct {
	Activated        bool                     `json:"activated"`
	AlreadyActivated bool                     `json:"alreadyActivated"`
	Device           *models.DeviceActivation `json:"device"`
}

// ValidateResult is the heartbeat/validation outcome with device identity
// attached from the local row.
type ValidateResult struct {
	Valid     bool                   `json:"valid"`
	Code      keygen.ValidationCode  `json:"code"`
	License   *models.License        `json:"license,omitempty"`
	MachineID *string                `json:"machineId,omitempty"`
	UserID    *string                `json:"userId,omitempty"`
	UserEmail *string                `json:"userEmail,omitempty"`
}

// Config controls window size and per-plan device caps.
type Config struct {
	Window          time.Duration
	IndividualLimit int
	SeatLimit       int
}

// Service is the device activation registry.
type Service struct {
	licenses    *models.LicenseStore
	activations *models.ActivationStore
	client      keygen.Client
	cfg         Config

	// licenseCache keeps hot license rows off the validate path's query load
	licenseCache *ristretto.Cache

	now func() time.Time
}

func NewService(licenses *models.LicenseStore, activations *models.ActivationStore, client keygen.Client, cfg Config) (*Service, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create license cache: %w", err)
	}

	return &Service{
		licenses:     licenses,
		activations:  activations,
		client:       client,
		cfg:          cfg,
		licenseCache: cache,
		now:          time.Now,
	}, nil
}

// Activate binds a fingerprint to a license. Existing confirmed bindings and
// bindings that never completed their first heartbeat both return idempotent
// success; the latter self-heals with one heartbeat.
func (s *Service) Activate(ctx context.Context, req ActivateRequest) (*ActivateResult, error) {
	if !models.ValidFingerprint(req.Fingerprint) {
		return nil, ErrInvalidFingerprint
	}

	license, err := s.licenses.GetByKey(ctx, req.LicenseKey)
	if err != nil {
		return nil, err
	}

	validation, err := s.client.ValidateLicense(ctx, req.LicenseKey, req.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("upstream validation failed: %w", err)
	}

	switch validation.Code {
	case keygen.CodeValid:
		return s.replayExisting(ctx, license.ID, req.Fingerprint, false)

	case keygen.CodeHeartbeatNotStarted:
		// Binding exists but never confirmed alive; send one heartbeat so
		// the device recovers without a new row.
		return s.replayExisting(ctx, license.ID, req.Fingerprint, true)

	case keygen.CodeFingerprintMissing, keygen.CodeNoMachines:
		// No binding yet, proceed to activation below

	default:
		return nil, &UpstreamError{Code: validation.Code, RawCode: validation.RawCode}
	}

	limit, seatScope := s.limitFor(license, req.UserID)
	cutoff := s.now().Add(-s.cfg.Window)
	active, err := s.activations.CountActiveSince(ctx, license.ID, seatScope, cutoff)
	if err != nil {
		return nil, err
	}
	if active >= limit {
		log.Warn().
			Str("licenseId", license.ID).
			Int("active", active).
			Int("limit", limit).
			Msg("Device limit exceeded")
		return nil, &DeviceLimitError{ActiveDevices: active, MaxDevices: limit}
	}

	machine, err := s.client.ActivateMachine(ctx, keygen.ActivateMachineRequest{
		LicenseID:   license.ID,
		Fingerprint: req.Fingerprint,
		Name:        req.Name,
		Platform:    req.Platform,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}

	device := &models.DeviceActivation{
		LicenseID:   license.ID,
		Fingerprint: req.Fingerprint,
		MachineID:   &machine.ID,
		UserID:      req.UserID,
		UserEmail:   req.UserEmail,
		Name:        req.Name,
		Platform:    req.Platform,
	}
	created, err := s.activations.Create(ctx, device)
	if err != nil {
		return nil, fmt.Errorf("failed to persist device activation: %w", err)
	}
	if !created {
		// Lost a concurrent race for the same fingerprint; the winner's row
		// already carries the machine id
		return &ActivateResult{AlreadyActivated: true, Device: device}, nil
	}

	// First heartbeat so the device is recognized alive immediately. The
	// device self-heals on its next validation call if this fails.
	if err := s.client.MachineHeartbeat(ctx, machine.ID); err != nil {
		log.Warn().Err(err).Str("machineId", machine.ID).Msg("Initial heartbeat failed, device will self-heal")
	}

	log.Info().
		Str("licenseId", license.ID).
		Str("fingerprint", maskFingerprint(req.Fingerprint)).
		Str("machineId", machine.ID).
		Msg("Device activated")

	return &ActivateResult{Activated: true, Device: device}, nil
}

func (s *Service) replayExisting(ctx context.Context, licenseID, fingerprint string, heal bool) (*ActivateResult, error) {
	device, err := s.activations.Get(ctx, licenseID, fingerprint)
	if err != nil {
		if errors.Is(err, models.ErrActivationNotFound) {
			// Upstream knows the binding but we have no row (e.g. restored
			// database); treat as already activated without identity
			return &ActivateResult{AlreadyActivated: true}, nil
		}
		return nil, err
	}

	if heal && device.MachineID != nil {
		if err := s.client.MachineHeartbeat(ctx, *device.MachineID); err != nil {
			log.Warn().Err(err).Str("machineId", *device.MachineID).Msg("Self-heal heartbeat failed")
		}
	}

	if err := s.activations.TouchLastSeen(ctx, licenseID, fingerprint); err != nil {
		log.Warn().Err(err).Msg("Failed to update last seen timestamp")
	}

	return &ActivateResult{AlreadyActivated: true, Device: device}, nil
}

// limitFor picks the cap and its scope: individual plans pool all devices
// per license, business plans pool per (license, seat) so one seat's churn
// cannot starve another.
func (s *Service) limitFor(license *models.License, userID *string) (int, *string) {
	if license.PlanType == models.PlanBusiness && userID != nil {
		return s.cfg.SeatLimit, userID
	}
	return s.cfg.IndividualLimit, nil
}

// Validate is the heartbeat/validation path: check upstream, self-heal a
// never-started heartbeat, attach local identity, refresh last-seen.
func (s *Service) Validate(ctx context.Context, licenseKey, fingerprint string) (*ValidateResult, error) {
	if !models.ValidFingerprint(fingerprint) {
		return nil, ErrInvalidFingerprint
	}

	license, err := s.cachedLicense(ctx, licenseKey)
	if err != nil {
		return nil, err
	}

	validation, err := s.client.ValidateLicense(ctx, licenseKey, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("upstream validation failed: %w", err)
	}

	result := &ValidateResult{
		Valid:   validation.Valid,
		Code:    validation.Code,
		License: license,
	}

	device, err := s.activations.Get(ctx, license.ID, fingerprint)
	if err == nil {
		result.MachineID = device.MachineID
		result.UserID = device.UserID
		result.UserEmail = device.UserEmail

		if validation.Code == keygen.CodeHeartbeatNotStarted && device.MachineID != nil {
			if err := s.client.MachineHeartbeat(ctx, *device.MachineID); err != nil {
				log.Warn().Err(err).Str("machineId", *device.MachineID).Msg("Self-heal heartbeat failed")
			} else {
				result.Valid = true
				result.Code = keygen.CodeValid
			}
		}

		if err := s.activations.TouchLastSeen(ctx, license.ID, fingerprint); err != nil {
			log.Warn().Err(err).Msg("Failed to update last seen timestamp")
		}
	} else if !errors.Is(err, models.ErrActivationNotFound) {
		return nil, err
	}

	return result, nil
}

func (s *Service) cachedLicense(ctx context.Context, licenseKey string) (*models.License, error) {
	if cached, ok := s.licenseCache.Get(licenseKey); ok {
		if license, ok := cached.(*models.License); ok {
			return license, nil
		}
	}

	license, err := s.licenses.GetByKey(ctx, licenseKey)
	if err != nil {
		return nil, err
	}

	s.licenseCache.SetWithTTL(licenseKey, license, 1, time.Minute)
	return license, nil
}

// InvalidateLicense drops a cached license row after a status transition.
func (s *Service) InvalidateLicense(licenseKey string) {
	s.licenseCache.Del(licenseKey)
}

func maskFingerprint(fingerprint string) string {
	if len(fingerprint) <= 8 {
		return "***"
	}
	return fingerprint[:8] + "***"
}
