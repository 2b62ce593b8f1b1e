// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/keyline-app/keyline/internal/domain"
)

const envPrefix = "KEYLINE__"

// AppConfig wraps the parsed configuration and the viper instance that
// produced it.
type AppConfig struct {
	Config *domain.Config
	viper  *viper.Viper
}

// New loads configuration from the given path (a config.toml file or a
// directory containing one). An empty path falls back to the OS default
// config directory.
func New(configPath string) (*AppConfig, error) {
	c := &AppConfig{
		viper:  viper.New(),
		Config: &domain.Config{},
	}

	c.defaults()
	c.bindEnv()

	if err := c.load(configPath); err != nil {
		return nil, err
	}

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return c, nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("host", "localhost")
	c.viper.SetDefault("port", 8080)
	c.viper.SetDefault("baseUrl", "")
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("dataDir", "")

	c.viper.SetDefault("httpTimeouts.readTimeout", 60)
	c.viper.SetDefault("httpTimeouts.writeTimeout", 120)
	c.viper.SetDefault("httpTimeouts.idleTimeout", 180)

	c.viper.SetDefault("stripe.secretKey", "")
	c.viper.SetDefault("stripe.webhookSecret", "")

	c.viper.SetDefault("keygen.apiUrl", "https://api.keygen.sh")
	c.viper.SetDefault("keygen.accountId", "")
	c.viper.SetDefault("keygen.apiToken", "")
	c.viper.SetDefault("keygen.individualPolicyId", "")
	c.viper.SetDefault("keygen.businessPolicyId", "")
	c.viper.SetDefault("keygen.webhookPublicKey", "")

	c.viper.SetDefault("trial.tokenSecret", "")

	c.viper.SetDefault("activation.windowHours", 72)
	c.viper.SetDefault("activation.individualDeviceLimit", 3)
	c.viper.SetDefault("activation.seatDeviceLimit", 2)
}

func (c *AppConfig) bindEnv() {
	c.viper.SetEnvPrefix(strings.TrimSuffix(envPrefix, "_"))
	c.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	c.viper.AutomaticEnv()
}

func (c *AppConfig) load(configPath string) error {
	if configPath == "" {
		configPath = GetDefaultConfigDir()
	}

	info, err := os.Stat(configPath)
	switch {
	case os.IsNotExist(err):
		// No config file is fine, defaults and env apply
		return nil
	case err != nil:
		return fmt.Errorf("failed to stat config path: %w", err)
	}

	if info.IsDir() {
		c.viper.AddConfigPath(configPath)
		c.viper.SetConfigName("config")
		c.viper.SetConfigType("toml")
	} else {
		c.viper.SetConfigFile(configPath)
	}

	if err := c.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// GetDefaultConfigDir returns the OS-specific default config directory.
func GetDefaultConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "keyline")
	}
	return "."
}

// SetDataDir overrides the data directory, typically from a CLI flag.
func (c *AppConfig) SetDataDir(dataDir string) {
	c.Config.DataDir = dataDir
}

// GetDatabasePath resolves the sqlite database location: explicit dataDir
// from config or env, otherwise next to the config file.
func (c *AppConfig) GetDatabasePath() string {
	dataDir := c.Config.DataDir
	if dataDir == "" {
		dataDir = GetDefaultConfigDir()
	}
	return filepath.Join(dataDir, "keyline.db")
}

// ApplyLogConfig sets the global zerolog level and output from config.
func (c *AppConfig) ApplyLogConfig() {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Config.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if c.Config.LogPath != "" {
		f, err := os.OpenFile(c.Config.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Error().Err(err).Str("path", c.Config.LogPath).Msg("Failed to open log file, keeping stderr")
			return
		}
		log.Logger = log.Output(zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr}, f))
	}
}
