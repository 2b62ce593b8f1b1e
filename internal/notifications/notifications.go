// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package notifications records durable notification triggers. Actual
// delivery (templated email, support tooling) is owned by an external
// worker consuming the flags table.
package notifications

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/keyline-app/keyline/internal/models"
)

// Notifier flags a notification for external delivery. Implementations must
// never fail the calling request; recording problems are logged.
type Notifier interface {
	Flag(ctx context.Context, kind string, licenseID, customerEmail *string, detail string)
}

// Recorder persists flags to the notification_flags table.
type Recorder struct {
	store *models.NotificationStore
}

func NewRecorder(store *models.NotificationStore) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) Flag(ctx context.Context, kind string, licenseID, customerEmail *string, detail string) {
	event := log.Info().Str("kind", kind).Str("detail", detail)
	if licenseID != nil {
		event = event.Str("licenseId", *licenseID)
	}
	event.Msg("Notification flagged")

	if err := r.store.Record(ctx, kind, licenseID, customerEmail, detail); err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("Failed to record notification flag")
	}
}
