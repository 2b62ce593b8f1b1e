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

var ErrTrialNotFound = errors.New("trial record not found")

// TrialRecord tracks trial issuance per fingerprint. At most one row per
// fingerprint, ever; rows are never updated or deleted. Device identity is
// the source of truth for trial eligibility, not the token the client holds.
type TrialRecord struct {
	Fingerprint string    `json:"fingerprint"`
	TrialToken  string    `json:"-"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Expired reports whether the trial window has passed.
func (t *TrialRecord) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

type TrialStore struct {
	db *sql.DB
}

func NewTrialStore(db *sql.DB) *TrialStore {
	return &TrialStore{db: db}
}

// Create inserts the record if absent. When two first-issuance requests race,
// the loser gets created=false and must read back the winner's row.
func (s *TrialStore) Create(ctx context.Context, t *TrialRecord) (created bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trial_records (fingerprint, trial_token, issued_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO NOTHING`,
		t.Fingerprint, t.TrialToken, t.IssuedAt, t.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create trial record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *TrialStore) Get(ctx context.Context, fingerprint string) (*TrialRecord, error) {
	t := &TrialRecord{}
	err := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, trial_token, issued_at, expires_at
		FROM trial_records WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&t.Fingerprint, &t.TrialToken, &t.IssuedAt, &t.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTrialNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}
