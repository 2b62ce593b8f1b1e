// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := New(filepath.Join(t.TempDir(), "nonexistent"))
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Config.Host)
	assert.Equal(t, 8080, cfg.Config.Port)
	assert.Equal(t, "INFO", cfg.Config.LogLevel)
	assert.Equal(t, "https://api.keygen.sh", cfg.Config.Keygen.APIURL)
	assert.Equal(t, 72, cfg.Config.Activation.WindowHours)
	assert.Equal(t, 3, cfg.Config.Activation.IndividualDeviceLimit)
	assert.Equal(t, 2, cfg.Config.Activation.SeatDeviceLimit)
	assert.Equal(t, 60, cfg.Config.HTTPTimeouts.ReadTimeout)
}

func TestLoadFromFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	content := `
host = "0.0.0.0"
port = 9000
logLevel = "DEBUG"

[activation]
windowHours = 24
individualDeviceLimit = 5

[keygen]
accountId = "acct_123"

[trial]
tokenSecret = "file-secret"
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := New(configPath)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Config.Host)
	assert.Equal(t, 9000, cfg.Config.Port)
	assert.Equal(t, "DEBUG", cfg.Config.LogLevel)
	assert.Equal(t, 24, cfg.Config.Activation.WindowHours)
	assert.Equal(t, 5, cfg.Config.Activation.IndividualDeviceLimit)
	assert.Equal(t, "acct_123", cfg.Config.Keygen.AccountID)
	assert.Equal(t, "file-secret", cfg.Config.Trial.TokenSecret)

	// Unset keys keep their defaults
	assert.Equal(t, 2, cfg.Config.Activation.SeatDeviceLimit)
}

func TestLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`port = 7070`), 0644))

	cfg, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Config.Port)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("KEYLINE__PORT", "9999")
	t.Setenv("KEYLINE__TRIAL_TOKENSECRET", "env-secret")

	cfg, err := New(filepath.Join(t.TempDir(), "nonexistent"))
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Config.Port)
	assert.Equal(t, "env-secret", cfg.Config.Trial.TokenSecret)
}

func TestGetDatabasePath(t *testing.T) {
	cfg, err := New(filepath.Join(t.TempDir(), "nonexistent"))
	require.NoError(t, err)

	cfg.SetDataDir("/custom/data")
	assert.Equal(t, filepath.Join("/custom/data", "keyline.db"), cfg.GetDatabasePath())
}
