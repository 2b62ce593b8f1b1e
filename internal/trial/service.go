// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package trial issues and verifies signed, fingerprint-bound trial
// credentials. The trial record, not the token, is authoritative for
// eligibility: one trial ever per fingerprint, expiry included.
package trial

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keyline-app/keyline/internal/models"
)

// Duration is fixed at issuance and not attacker-controllable.
const Duration = 14 * 24 * time.Hour

var (
	ErrInvalidFingerprint = errors.New("invalid fingerprint")
	// ErrTrialExpired means the fingerprint's one trial has run out; a new
	// one is never issued, purchase is required.
	ErrTrialExpired = errors.New("trial expired")
)

// TrialExistsError is returned when an unexpired trial already exists for
// the fingerprint. It carries the existing expiry for client messaging; no
// token is re-issued.
type TrialExistsError struct {
	ExpiresAt time.Time
}

func (e *TrialExistsError) Error() string {
	return fmt.Sprintf("trial already issued, valid until %s", e.ExpiresAt.UTC().Format(time.RFC3339))
}

// Grant is the successful issuance result.
type Grant struct {
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SecretProvider supplies the HMAC key. Implemented by secrets.Resolver.
type SecretProvider interface {
	TrialTokenSecret() ([]byte, error)
}

// Service mints and checks trial tokens. The signing secret is fetched once
// on first use and held for the service's lifetime; tests inject their own
// provider to reset it.
type Service struct {
	store   *models.TrialStore
	secrets SecretProvider

	secretOnce sync.Once
	secret     []byte
	secretErr  error

	now func() time.Time
}

func NewService(store *models.TrialStore, secrets SecretProvider) *Service {
	return &Service{
		store:   store,
		secrets: secrets,
		now:     time.Now,
	}
}

func (s *Service) signingSecret() ([]byte, error) {
	s.secretOnce.Do(func() {
		s.secret, s.secretErr = s.secrets.TrialTokenSecret()
	})
	return s.secret, s.secretErr
}

// Issue creates the one trial a fingerprint will ever get. A concurrent
// first request may lose the insert race; the loser returns the winner's
// grant instead of erroring.
func (s *Service) Issue(ctx context.Context, fingerprint string) (*Grant, error) {
	if !models.ValidFingerprint(fingerprint) {
		return nil, ErrInvalidFingerprint
	}

	existing, err := s.store.Get(ctx, fingerprint)
	if err != nil && !errors.Is(err, models.ErrTrialNotFound) {
		return nil, fmt.Errorf("failed to check trial record: %w", err)
	}
	if existing != nil {
		return nil, s.existingOutcome(existing)
	}

	secret, err := s.signingSecret()
	if err != nil {
		return nil, fmt.Errorf("trial signing unavailable: %w", err)
	}

	issuedAt := s.now()
	expiresAt := issuedAt.Add(Duration)

	token, err := signToken(secret, TokenPayload{
		Type:        "trial",
		Fingerprint: fingerprint,
		IssuedAt:    issuedAt.Unix(),
		ExpiresAt:   expiresAt.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign trial token: %w", err)
	}

	record := &models.TrialRecord{
		Fingerprint: fingerprint,
		TrialToken:  token,
		IssuedAt:    issuedAt,
		ExpiresAt:   expiresAt,
	}

	created, err := s.store.Create(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("failed to persist trial record: %w", err)
	}
	if !created {
		winner, err := s.store.Get(ctx, fingerprint)
		if err != nil {
			return nil, fmt.Errorf("failed to read trial record after lost race: %w", err)
		}
		if winner.Expired(s.now()) {
			return nil, ErrTrialExpired
		}
		log.Debug().Str("fingerprint", maskFingerprint(fingerprint)).Msg("Lost trial creation race, returning existing grant")
		return &Grant{Token: winner.TrialToken, IssuedAt: winner.IssuedAt, ExpiresAt: winner.ExpiresAt}, nil
	}

	log.Info().
		Str("fingerprint", maskFingerprint(fingerprint)).
		Time("expiresAt", expiresAt).
		Msg("Trial issued")

	return &Grant{Token: token, IssuedAt: issuedAt, ExpiresAt: expiresAt}, nil
}

func (s *Service) existingOutcome(record *models.TrialRecord) error {
	if record.Expired(s.now()) {
		return ErrTrialExpired
	}
	return &TrialExistsError{ExpiresAt: record.ExpiresAt}
}

// Verify checks a transmitted token against the expected fingerprint.
func (s *Service) Verify(token, expectedFingerprint string) (VerifyResult, error) {
	secret, err := s.signingSecret()
	if err != nil {
		return VerifyResult{}, fmt.Errorf("trial signing unavailable: %w", err)
	}
	return verifyToken(secret, token, expectedFingerprint, s.now()), nil
}

// Status reports the trial record for a fingerprint without issuing.
func (s *Service) Status(ctx context.Context, fingerprint string) (*models.TrialRecord, error) {
	if !models.ValidFingerprint(fingerprint) {
		return nil, ErrInvalidFingerprint
	}
	return s.store.Get(ctx, fingerprint)
}

func maskFingerprint(fingerprint string) string {
	if len(fingerprint) <= 8 {
		return "***"
	}
	return fingerprint[:8] + "***"
}
