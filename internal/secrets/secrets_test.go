// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package secrets

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyline-app/keyline/internal/domain"
)

func TestTrialTokenSecretOrder(t *testing.T) {
	t.Run("config wins", func(t *testing.T) {
		t.Setenv("TRIAL_TOKEN_SECRET", "from-env")

		r := NewResolver(&domain.Config{Trial: domain.TrialConfig{TokenSecret: "from-config"}})
		secret, err := r.TrialTokenSecret()
		require.NoError(t, err)
		assert.Equal(t, []byte("from-config"), secret)
	})

	t.Run("falls back to legacy env", func(t *testing.T) {
		t.Setenv("TRIAL_TOKEN_SECRET", "from-env")

		r := NewResolver(&domain.Config{})
		secret, err := r.TrialTokenSecret()
		require.NoError(t, err)
		assert.Equal(t, []byte("from-env"), secret)
	})

	t.Run("unconfigured is a hard error", func(t *testing.T) {
		t.Setenv("TRIAL_TOKEN_SECRET", "")

		r := NewResolver(&domain.Config{})
		_, err := r.TrialTokenSecret()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "TRIAL_TOKEN_SECRET")
	})
}

func TestStripeWebhookSecret(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")

	r := NewResolver(&domain.Config{Stripe: domain.StripeConfig{WebhookSecret: "whsec_test"}})
	secret, err := r.StripeWebhookSecret()
	require.NoError(t, err)
	assert.Equal(t, "whsec_test", secret)

	_, err = NewResolver(&domain.Config{}).StripeWebhookSecret()
	assert.Error(t, err)
}

func TestKeygenWebhookPublicKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	t.Run("valid hex key", func(t *testing.T) {
		r := NewResolver(&domain.Config{Keygen: domain.KeygenConfig{WebhookPublicKey: hex.EncodeToString(pub)}})
		got, err := r.KeygenWebhookPublicKey()
		require.NoError(t, err)
		assert.Equal(t, ed25519.PublicKey(pub), got)
	})

	t.Run("not hex", func(t *testing.T) {
		r := NewResolver(&domain.Config{Keygen: domain.KeygenConfig{WebhookPublicKey: "not-hex"}})
		_, err := r.KeygenWebhookPublicKey()
		assert.Error(t, err)
	})

	t.Run("wrong length", func(t *testing.T) {
		r := NewResolver(&domain.Config{Keygen: domain.KeygenConfig{WebhookPublicKey: "deadbeef"}})
		_, err := r.KeygenWebhookPublicKey()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "wrong length")
	})

	t.Run("unconfigured", func(t *testing.T) {
		t.Setenv("KEYGEN_WEBHOOK_PUBLIC_KEY", "")
		_, err := NewResolver(&domain.Config{}).KeygenWebhookPublicKey()
		assert.Error(t, err)
	})
}
