// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package secrets resolves signing material with a strict order: the
// dedicated config section first, then the legacy environment variable,
// then a hard error. There is no silent fallback to weaker defaults; a
// misconfigured deployment fails at the point of use.
package secrets

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/keyline-app/keyline/internal/domain"
)

// Legacy environment variable names kept for deployments predating the
// config file sections.
const (
	envTrialTokenSecret    = "TRIAL_TOKEN_SECRET"
	envStripeWebhookSecret = "STRIPE_WEBHOOK_SECRET"
	envKeygenWebhookPubKey = "KEYGEN_WEBHOOK_PUBLIC_KEY"
)

// Resolver resolves secrets against config and legacy environment.
type Resolver struct {
	cfg *domain.Config
}

func NewResolver(cfg *domain.Config) *Resolver {
	return &Resolver{cfg: cfg}
}

func (r *Resolver) resolve(configured, legacyEnv, what string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if v := os.Getenv(legacyEnv); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%s not configured: set it in config.toml or via %s", what, legacyEnv)
}

// TrialTokenSecret returns the HMAC key for trial tokens.
func (r *Resolver) TrialTokenSecret() ([]byte, error) {
	s, err := r.resolve(r.cfg.Trial.TokenSecret, envTrialTokenSecret, "trial token secret")
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// StripeWebhookSecret returns the Stripe webhook signing secret.
func (r *Resolver) StripeWebhookSecret() (string, error) {
	return r.resolve(r.cfg.Stripe.WebhookSecret, envStripeWebhookSecret, "stripe webhook secret")
}

// KeygenWebhookPublicKey returns the Ed25519 key used to verify
// license-service webhook signatures. The configured value is hex encoded.
func (r *Resolver) KeygenWebhookPublicKey() (ed25519.PublicKey, error) {
	s, err := r.resolve(r.cfg.Keygen.WebhookPublicKey, envKeygenWebhookPubKey, "keygen webhook public key")
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("keygen webhook public key is not valid hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("keygen webhook public key has wrong length: got %d, want %d", len(raw), ed25519.PublicKeySize)
	}

	return ed25519.PublicKey(raw), nil
}
