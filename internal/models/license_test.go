// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLicenseUsable(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name     string
		license  License
		expected bool
	}{
		{
			name:     "active license",
			license:  License{Status: StatusActive},
			expected: true,
		},
		{
			name:     "trialing license",
			license:  License{Status: StatusTrialing},
			expected: true,
		},
		{
			name:     "past due keeps access during grace",
			license:  License{Status: StatusPastDue},
			expected: true,
		},
		{
			name:     "suspended license",
			license:  License{Status: StatusSuspended},
			expected: false,
		},
		{
			name:     "canceled license",
			license:  License{Status: StatusCanceled},
			expected: false,
		},
		{
			name:     "disputed license",
			license:  License{Status: StatusDisputed},
			expected: false,
		},
		{
			name:     "active but past expiry",
			license:  License{Status: StatusActive, ExpiresAt: &past},
			expected: false,
		},
		{
			name:     "active with future expiry",
			license:  License{Status: StatusActive, ExpiresAt: &future},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.license.Usable(time.Now()))
		})
	}
}

func TestLicenseStoreSetStatus(t *testing.T) {
	ctx := t.Context()
	db := setupTestDB(t)
	store := NewLicenseStore(db)

	license := createTestLicense(t, db, "lic_status", PlanIndividual)

	changed, err := store.SetStatus(ctx, license.ID, StatusSuspended)
	require.NoError(t, err)
	assert.True(t, changed, "First transition should report a change")

	// Replayed webhook delivers the same status again
	changed, err = store.SetStatus(ctx, license.ID, StatusSuspended)
	require.NoError(t, err)
	assert.False(t, changed, "Same-status update should be a no-op")

	got, err := store.GetByID(ctx, license.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, got.Status)
}

func TestLicenseStoreRecordPaymentFailure(t *testing.T) {
	ctx := t.Context()
	db := setupTestDB(t)
	store := NewLicenseStore(db)

	license := createTestLicense(t, db, "lic_payfail", PlanIndividual)

	count, incremented, err := store.RecordPaymentFailure(ctx, license.ID, "in_1#1")
	require.NoError(t, err)
	assert.True(t, incremented)
	assert.Equal(t, 1, count)

	// Redelivery of the same attempt must not double count
	count, incremented, err = store.RecordPaymentFailure(ctx, license.ID, "in_1#1")
	require.NoError(t, err)
	assert.False(t, incremented)
	assert.Equal(t, 1, count)

	// Next retry attempt does count
	count, incremented, err = store.RecordPaymentFailure(ctx, license.ID, "in_1#2")
	require.NoError(t, err)
	assert.True(t, incremented)
	assert.Equal(t, 2, count)

	require.NoError(t, store.ResetPaymentFailures(ctx, license.ID))

	got, err := store.GetByID(ctx, license.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.PaymentFailureCount)
	assert.Nil(t, got.LastFailedInvoiceID)
}

func TestLicenseStoreGetByKey(t *testing.T) {
	ctx := t.Context()
	db := setupTestDB(t)
	store := NewLicenseStore(db)

	license := createTestLicense(t, db, "lic_bykey", PlanBusiness)

	got, err := store.GetByKey(ctx, license.LicenseKey)
	require.NoError(t, err)
	assert.Equal(t, license.ID, got.ID)
	assert.Equal(t, PlanBusiness, got.PlanType)

	_, err = store.GetByKey(ctx, "KEY-missing")
	assert.ErrorIs(t, err, ErrLicenseNotFound)
}

func TestLicenseStoreAccessUntil(t *testing.T) {
	ctx := t.Context()
	db := setupTestDB(t)
	store := NewLicenseStore(db)

	license := createTestLicense(t, db, "lic_access", PlanIndividual)

	until := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, store.SetAccessUntil(ctx, license.ID, &until))

	got, err := store.GetByID(ctx, license.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AccessUntil)
	assert.WithinDuration(t, until, *got.AccessUntil, time.Second)

	require.NoError(t, store.SetAccessUntil(ctx, license.ID, nil))

	got, err = store.GetByID(ctx, license.ID)
	require.NoError(t, err)
	assert.Nil(t, got.AccessUntil)
}
