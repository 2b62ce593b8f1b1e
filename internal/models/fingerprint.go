// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import "regexp"

// Fingerprints are stable hardware-derived identifiers: hex, 32-128 chars.
// Anything else is rejected before any state is touched.
var fingerprintPattern = regexp.MustCompile(`^[0-9a-fA-F]{32,128}$`)

func ValidFingerprint(fingerprint string) bool {
	return fingerprintPattern.MatchString(fingerprint)
}
