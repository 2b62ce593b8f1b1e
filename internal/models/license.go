// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrLicenseNotFound = errors.New("license not found")

// Plan types
const (
	PlanIndividual = "individual"
	PlanBusiness   = "business"
)

// License statuses. Status changes flow through the lifecycle engine or
// initial provisioning, never ad hoc from routes.
const (
	StatusPending   = "pending"
	StatusTrialing  = "trialing"
	StatusActive    = "active"
	StatusPastDue   = "past_due"
	StatusSuspended = "suspended"
	StatusDisputed  = "disputed"
	StatusCanceled  = "canceled"
	StatusExpired   = "expired"
	StatusRevoked   = "revoked"
	StatusPaused    = "paused"
)

// License represents one purchased entitlement. The id is assigned by the
// license-management service. Rows are never deleted; terminal states are
// retained for audit.
type License struct {
	ID                  string     `json:"id"`
	LicenseKey          string     `json:"-"`
	OwnerID             int        `json:"ownerId"`
	PlanType            string     `json:"planType"`
	Status              string     `json:"status"`
	SeatLimit           *int       `json:"seatLimit,omitempty"`
	ExpiresAt           *time.Time `json:"expiresAt,omitempty"`
	AccessUntil         *time.Time `json:"accessUntil,omitempty"`
	PaymentFailureCount int        `json:"-"`
	LastFailedInvoiceID *string    `json:"-"`
	FraudFlag           bool       `json:"-"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Usable reports whether the license currently grants access.
func (l *License) Usable(now time.Time) bool {
	switch l.Status {
	case StatusActive, StatusTrialing, StatusPastDue:
	default:
		return false
	}
	if l.ExpiresAt != nil && now.After(*l.ExpiresAt) {
		return false
	}
	return true
}

type LicenseStore struct {
	db *sql.DB
}

func NewLicenseStore(db *sql.DB) *LicenseStore {
	return &LicenseStore{db: db}
}

const licenseColumns = `id, license_key, owner_id, plan_type, status, seat_limit, expires_at,
	access_until, payment_failure_count, last_failed_invoice_id, fraud_flag, created_at, updated_at`

func scanLicense(row interface{ Scan(...any) error }) (*License, error) {
	l := &License{}
	var fraud int
	err := row.Scan(
		&l.ID,
		&l.LicenseKey,
		&l.OwnerID,
		&l.PlanType,
		&l.Status,
		&l.SeatLimit,
		&l.ExpiresAt,
		&l.AccessUntil,
		&l.PaymentFailureCount,
		&l.LastFailedInvoiceID,
		&fraud,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.FraudFlag = fraud != 0
	return l, nil
}

func (s *LicenseStore) Create(ctx context.Context, l *License) error {
	now := time.Now()
	l.CreatedAt = now
	l.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO licenses (id, license_key, owner_id, plan_type, status, seat_limit, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.LicenseKey, l.OwnerID, l.PlanType, l.Status, l.SeatLimit, l.ExpiresAt, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create license: %w", err)
	}
	return nil
}

func (s *LicenseStore) GetByID(ctx context.Context, id string) (*License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE id = ?`, id)
	l, err := scanLicense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLicenseNotFound
	}
	return l, err
}

func (s *LicenseStore) GetByKey(ctx context.Context, key string) (*License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE license_key = ?`, key)
	l, err := scanLicense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLicenseNotFound
	}
	return l, err
}

func (s *LicenseStore) GetByOwner(ctx context.Context, ownerID int) (*License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE owner_id = ? ORDER BY created_at DESC LIMIT 1`, ownerID)
	l, err := scanLicense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLicenseNotFound
	}
	return l, err
}

// SetStatus updates the status and reports whether the row actually changed,
// so webhook replays can tell a no-op from a transition.
func (s *LicenseStore) SetStatus(ctx context.Context, id, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE licenses SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status != ?`,
		status, id, status,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update license status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LicenseStore) SetAccessUntil(ctx context.Context, id string, until *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE licenses SET access_until = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		until, id,
	)
	return err
}

func (s *LicenseStore) SetExpiresAt(ctx context.Context, id string, expiresAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE licenses SET expires_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		expiresAt, id,
	)
	return err
}

// RecordPaymentFailure increments the consecutive-failure counter, keyed by
// invoice so a redelivered webhook cannot double count. It returns the
// current count and whether this call actually incremented it.
func (s *LicenseStore) RecordPaymentFailure(ctx context.Context, id, invoiceID string) (int, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE licenses
		SET payment_failure_count = payment_failure_count + 1,
		    last_failed_invoice_id = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND (last_failed_invoice_id IS NULL OR last_failed_invoice_id != ?)`,
		invoiceID, id, invoiceID,
	)
	if err != nil {
		return 0, false, fmt.Errorf("failed to record payment failure: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT payment_failure_count FROM licenses WHERE id = ?`, id).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, ErrLicenseNotFound
		}
		return 0, false, err
	}
	return count, n > 0, nil
}

func (s *LicenseStore) ResetPaymentFailures(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE licenses
		SET payment_failure_count = 0, last_failed_invoice_id = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		id,
	)
	return err
}

func (s *LicenseStore) SetFraudFlag(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE licenses SET fraud_flag = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		id,
	)
	return err
}
