// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keyline-app/keyline/internal/database"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "Failed to initialize test database")
	t.Cleanup(func() { db.Close() })

	return db.Conn()
}

func createTestCustomer(t *testing.T, db *sql.DB, stripeID string) *Customer {
	t.Helper()

	customer := &Customer{
		Email:            stripeID + "@example.com",
		Name:             "Test Customer",
		StripeCustomerID: &stripeID,
	}
	require.NoError(t, NewCustomerStore(db).Create(context.Background(), customer))
	return customer
}

func createTestLicense(t *testing.T, db *sql.DB, id, planType string) *License {
	t.Helper()

	customer := createTestCustomer(t, db, "cus_"+id)
	license := &License{
		ID:         id,
		LicenseKey: "KEY-" + id,
		OwnerID:    customer.ID,
		PlanType:   planType,
		Status:     StatusActive,
	}
	require.NoError(t, NewLicenseStore(db).Create(context.Background(), license))
	return license
}
