// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package keygen

import (
	"encoding/json"
	"errors"
)

var ErrMalformedEvent = errors.New("malformed webhook event")

// Event is one license-service webhook delivery, reduced to what the
// lifecycle engine needs: the event name and the affected resource.
type Event struct {
	Name      string
	LicenseID string
	MachineID string
}

type webhookEnvelope struct {
	Data struct {
		Attributes struct {
			Event   string `json:"event"`
			Payload string `json:"payload"`
		} `json:"attributes"`
	} `json:"data"`
}

type webhookPayload struct {
	Data struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"data"`
}

// ParseEvent decodes a webhook envelope. The inner payload is a JSON string
// holding the affected resource document.
func ParseEvent(body []byte) (*Event, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, ErrMalformedEvent
	}
	if envelope.Data.Attributes.Event == "" {
		return nil, ErrMalformedEvent
	}

	event := &Event{Name: envelope.Data.Attributes.Event}

	if raw := envelope.Data.Attributes.Payload; raw != "" {
		var payload webhookPayload
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return nil, ErrMalformedEvent
		}
		switch payload.Data.Type {
		case "licenses":
			event.LicenseID = payload.Data.ID
		case "machines":
			event.MachineID = payload.Data.ID
		}
	}

	return event, nil
}
