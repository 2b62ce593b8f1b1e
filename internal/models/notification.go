// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"time"
)

// Notification kinds flagged by the lifecycle engine. Delivery is owned by an
// external worker; this table is the durable trigger.
const (
	NotifyCancellationScheduled = "cancellation_scheduled"
	NotifyPaymentFailed         = "payment_failed"
	NotifyReactivated           = "reactivated"
	NotifySupportAlert          = "support_alert"
)

type NotificationFlag struct {
	ID            int       `json:"id"`
	Kind          string    `json:"kind"`
	LicenseID     *string   `json:"licenseId,omitempty"`
	CustomerEmail *string   `json:"customerEmail,omitempty"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"createdAt"`
}

type NotificationStore struct {
	db *sql.DB
}

func NewNotificationStore(db *sql.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

func (s *NotificationStore) Record(ctx context.Context, kind string, licenseID, customerEmail *string, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_flags (kind, license_id, customer_email, detail)
		VALUES (?, ?, ?, ?)`,
		kind, licenseID, customerEmail, detail,
	)
	return err
}

func (s *NotificationStore) ListByKind(ctx context.Context, kind string) ([]*NotificationFlag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, license_id, customer_email, detail, created_at
		FROM notification_flags WHERE kind = ? ORDER BY created_at`,
		kind,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flags []*NotificationFlag
	for rows.Next() {
		f := &NotificationFlag{}
		if err := rows.Scan(&f.ID, &f.Kind, &f.LicenseID, &f.CustomerEmail, &f.Detail, &f.CreatedAt); err != nil {
			return nil, err
		}
		flags = append(flags, f)
	}
	return flags, rows.Err()
}
