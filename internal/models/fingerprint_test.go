// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidFingerprint(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"md5 length hex", strings.Repeat("a", 32), true},
		{"sha256 length hex", strings.Repeat("0f", 32), true},
		{"sha512 length hex", strings.Repeat("Ab", 64), true},
		{"too short", strings.Repeat("a", 31), false},
		{"too long", strings.Repeat("a", 129), false},
		{"empty", "", false},
		{"non-hex characters", strings.Repeat("g", 32), false},
		{"embedded whitespace", strings.Repeat("a", 16) + " " + strings.Repeat("a", 15), false},
		{"sql injection attempt", "'; DROP TABLE trial_records; --", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ValidFingerprint(tt.input))
		})
	}
}
