// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const defaultConfigTemplate = `# config.toml - Keyline license server

# Hostname / IP for the server to listen on
host = "localhost"

# Port for the server to listen on
port = 8080

# Base URL when served behind a reverse proxy under a subpath
baseUrl = ""

# Log level: TRACE, DEBUG, INFO, WARN, ERROR
logLevel = "INFO"

# Optional log file path (empty logs to stderr)
logPath = ""

# Directory for the sqlite database (defaults next to this file)
dataDir = ""

[httpTimeouts]
readTimeout = 60
writeTimeout = 120
idleTimeout = 180

[stripe]
secretKey = ""
webhookSecret = ""

[keygen]
apiUrl = "https://api.keygen.sh"
accountId = ""
apiToken = ""
individualPolicyId = ""
businessPolicyId = ""
# Hex-encoded Ed25519 public key for webhook signature verification
webhookPublicKey = ""

[trial]
tokenSecret = ""

[activation]
# Rolling window (hours) over which active devices are counted
windowHours = 72
# Device cap per individual-plan license
individualDeviceLimit = 3
# Device cap per (license, seat) on business plans
seatDeviceLimit = 2
`

// WriteDefaultConfig writes a commented default config file. An existing
// file is left untouched.
func WriteDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(defaultConfigTemplate), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
