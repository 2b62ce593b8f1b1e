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

var ErrActivationNotFound = errors.New("device activation not found")

// DeviceActivation binds one device fingerprint to one license.
// (license_id, fingerprint) is unique; re-activation of the same fingerprint
// is answered from the existing row.
type DeviceActivation struct {
	ID          int       `json:"id"`
	LicenseID   string    `json:"licenseId"`
	Fingerprint string    `json:"fingerprint"`
	MachineID   *string   `json:"machineId,omitempty"`
	UserID      *string   `json:"userId,omitempty"`
	UserEmail   *string   `json:"userEmail,omitempty"`
	Name        string    `json:"name"`
	Platform    string    `json:"platform"`
	ActivatedAt time.Time `json:"activatedAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

type ActivationStore struct {
	db *sql.DB
}

func NewActivationStore(db *sql.DB) *ActivationStore {
	return &ActivationStore{db: db}
}

const activationColumns = `id, license_id, fingerprint, machine_id, user_id, user_email, name, platform, activated_at, last_seen_at`

func scanActivation(row interface{ Scan(...any) error }) (*DeviceActivation, error) {
	a := &DeviceActivation{}
	var name, platform sql.NullString
	err := row.Scan(
		&a.ID,
		&a.LicenseID,
		&a.Fingerprint,
		&a.MachineID,
		&a.UserID,
		&a.UserEmail,
		&name,
		&platform,
		&a.ActivatedAt,
		&a.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	a.Name = name.String
	a.Platform = platform.String
	return a, nil
}

// Create inserts the binding, treating a concurrent insert of the same
// (license, fingerprint) as a lost race: the existing row is returned with
// created=false.
func (s *ActivationStore) Create(ctx context.Context, a *DeviceActivation) (created bool, err error) {
	// UTC throughout: last_seen_at is compared against Go-bound cutoffs in
	// CountActiveSince, so every writer must bind the same representation
	now := time.Now().UTC()
	a.ActivatedAt = now
	a.LastSeenAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO device_activations (license_id, fingerprint, machine_id, user_id, user_email, name, platform, activated_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (license_id, fingerprint) DO NOTHING`,
		a.LicenseID, a.Fingerprint, a.MachineID, a.UserID, a.UserEmail, a.Name, a.Platform, a.ActivatedAt, a.LastSeenAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create device activation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		existing, err := s.Get(ctx, a.LicenseID, a.Fingerprint)
		if err != nil {
			return false, err
		}
		*a = *existing
		return false, nil
	}

	existing, err := s.Get(ctx, a.LicenseID, a.Fingerprint)
	if err != nil {
		return false, err
	}
	*a = *existing
	return true, nil
}

func (s *ActivationStore) Get(ctx context.Context, licenseID, fingerprint string) (*DeviceActivation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+activationColumns+` FROM device_activations
		WHERE license_id = ? AND fingerprint = ?`,
		licenseID, fingerprint,
	)
	a, err := scanActivation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrActivationNotFound
	}
	return a, err
}

// CountActiveSince counts devices seen within the concurrency window. For
// business plans the pool is scoped per seat via userID; for individual
// plans userID is nil and the whole license shares one pool.
func (s *ActivationStore) CountActiveSince(ctx context.Context, licenseID string, userID *string, cutoff time.Time) (int, error) {
	var count int
	var err error
	if userID != nil {
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM device_activations
			WHERE license_id = ? AND user_id = ? AND last_seen_at >= ?`,
			licenseID, *userID, cutoff,
		).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM device_activations
			WHERE license_id = ? AND last_seen_at >= ?`,
			licenseID, cutoff,
		).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count active devices: %w", err)
	}
	return count, nil
}

func (s *ActivationStore) TouchLastSeen(ctx context.Context, licenseID, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE device_activations SET last_seen_at = ?
		WHERE license_id = ? AND fingerprint = ?`,
		time.Now().UTC(), licenseID, fingerprint,
	)
	return err
}

func (s *ActivationStore) SetMachineID(ctx context.Context, licenseID, fingerprint, machineID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE device_activations SET machine_id = ?
		WHERE license_id = ? AND fingerprint = ?`,
		machineID, licenseID, fingerprint,
	)
	return err
}

// DeleteByMachineID removes the binding when the license service reports the
// machine deleted. Missing rows are not an error; deletions replay.
func (s *ActivationStore) DeleteByMachineID(ctx context.Context, machineID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM device_activations WHERE machine_id = ?`, machineID)
	return err
}

func (s *ActivationStore) ListByLicense(ctx context.Context, licenseID string) ([]*DeviceActivation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+activationColumns+` FROM device_activations
		WHERE license_id = ? ORDER BY activated_at`,
		licenseID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activations []*DeviceActivation
	for rows.Next() {
		a, err := scanActivation(rows)
		if err != nil {
			return nil, err
		}
		activations = append(activations, a)
	}
	return activations, rows.Err()
}
