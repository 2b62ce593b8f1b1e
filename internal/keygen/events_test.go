// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package keygen

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func webhookBody(t *testing.T, event, resourceType, resourceID string) []byte {
	t.Helper()

	payload := ""
	if resourceType != "" {
		inner, err := json.Marshal(map[string]any{
			"data": map[string]string{"type": resourceType, "id": resourceID},
		})
		require.NoError(t, err)
		payload = string(inner)
	}

	body, err := json.Marshal(map[string]any{
		"data": map[string]any{
			"attributes": map[string]string{
				"event":   event,
				"payload": payload,
			},
		},
	})
	require.NoError(t, err)
	return body
}

func TestParseEvent(t *testing.T) {
	t.Run("license event", func(t *testing.T) {
		event, err := ParseEvent(webhookBody(t, "license.suspended", "licenses", "lic_123"))
		require.NoError(t, err)
		assert.Equal(t, "license.suspended", event.Name)
		assert.Equal(t, "lic_123", event.LicenseID)
		assert.Empty(t, event.MachineID)
	})

	t.Run("machine event", func(t *testing.T) {
		event, err := ParseEvent(webhookBody(t, "machine.deleted", "machines", "mach_9"))
		require.NoError(t, err)
		assert.Equal(t, "machine.deleted", event.Name)
		assert.Equal(t, "mach_9", event.MachineID)
		assert.Empty(t, event.LicenseID)
	})

	t.Run("event without payload", func(t *testing.T) {
		event, err := ParseEvent(webhookBody(t, "account.updated", "", ""))
		require.NoError(t, err)
		assert.Equal(t, "account.updated", event.Name)
	})

	t.Run("malformed bodies", func(t *testing.T) {
		for _, body := range []string{"", "not json", "{}", `{"data":{"attributes":{"payload":"x"}}}`} {
			_, err := ParseEvent([]byte(body))
			assert.ErrorIs(t, err, ErrMalformedEvent, "body %q", body)
		}
	})

	t.Run("payload that is not json", func(t *testing.T) {
		body := `{"data":{"attributes":{"event":"license.expired","payload":"not json"}}}`
		_, err := ParseEvent([]byte(body))
		assert.ErrorIs(t, err, ErrMalformedEvent)
	})
}
