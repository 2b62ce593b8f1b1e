// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// Config represents the application configuration
type Config struct {
	Host         string           `toml:"host" mapstructure:"host"`
	Port         int              `toml:"port" mapstructure:"port"`
	BaseURL      string           `toml:"baseUrl" mapstructure:"baseUrl"`
	LogLevel     string           `toml:"logLevel" mapstructure:"logLevel"`
	LogPath      string           `toml:"logPath" mapstructure:"logPath"`
	DataDir      string           `toml:"dataDir" mapstructure:"dataDir"`
	HTTPTimeouts HTTPTimeouts     `toml:"httpTimeouts" mapstructure:"httpTimeouts"`
	Stripe       StripeConfig     `toml:"stripe" mapstructure:"stripe"`
	Keygen       KeygenConfig     `toml:"keygen" mapstructure:"keygen"`
	Trial        TrialConfig      `toml:"trial" mapstructure:"trial"`
	Activation   ActivationConfig `toml:"activation" mapstructure:"activation"`
}

// HTTPTimeouts represents HTTP server timeout configuration
type HTTPTimeouts struct {
	ReadTimeout  int `toml:"readTimeout" mapstructure:"readTimeout"`   // seconds
	WriteTimeout int `toml:"writeTimeout" mapstructure:"writeTimeout"` // seconds
	IdleTimeout  int `toml:"idleTimeout" mapstructure:"idleTimeout"`   // seconds
}

// StripeConfig holds payment-processor credentials. WebhookSecret may also
// arrive through the legacy STRIPE_WEBHOOK_SECRET environment variable; the
// secrets resolver owns that fallback order.
type StripeConfig struct {
	SecretKey     string `toml:"secretKey" mapstructure:"secretKey"`
	WebhookSecret string `toml:"webhookSecret" mapstructure:"webhookSecret"`
}

// KeygenConfig holds license-management service credentials and the Ed25519
// public key used to verify inbound webhook signatures.
type KeygenConfig struct {
	APIURL             string `toml:"apiUrl" mapstructure:"apiUrl"`
	AccountID          string `toml:"accountId" mapstructure:"accountId"`
	APIToken           string `toml:"apiToken" mapstructure:"apiToken"`
	IndividualPolicyID string `toml:"individualPolicyId" mapstructure:"individualPolicyId"`
	BusinessPolicyID   string `toml:"businessPolicyId" mapstructure:"businessPolicyId"`
	WebhookPublicKey   string `toml:"webhookPublicKey" mapstructure:"webhookPublicKey"`
}

// TrialConfig holds the trial token signing secret.
type TrialConfig struct {
	TokenSecret string `toml:"tokenSecret" mapstructure:"tokenSecret"`
}

// ActivationConfig controls device-concurrency enforcement.
type ActivationConfig struct {
	WindowHours           int `toml:"windowHours" mapstructure:"windowHours"`
	IndividualDeviceLimit int `toml:"individualDeviceLimit" mapstructure:"individualDeviceLimit"`
	SeatDeviceLimit       int `toml:"seatDeviceLimit" mapstructure:"seatDeviceLimit"`
}
