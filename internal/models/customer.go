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

var ErrCustomerNotFound = errors.New("customer not found")

// Customer links local records to the payment processor's customer object.
type Customer struct {
	ID                   int       `json:"id"`
	Email                string    `json:"email"`
	Name                 string    `json:"name"`
	OrganizationID       *string   `json:"organizationId,omitempty"`
	StripeCustomerID     *string   `json:"-"`
	StripeSubscriptionID *string   `json:"-"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

type CustomerStore struct {
	db *sql.DB
}

func NewCustomerStore(db *sql.DB) *CustomerStore {
	return &CustomerStore{db: db}
}

const customerColumns = `id, email, name, organization_id, stripe_customer_id, stripe_subscription_id, created_at, updated_at`

func scanCustomer(row interface{ Scan(...any) error }) (*Customer, error) {
	c := &Customer{}
	var name sql.NullString
	err := row.Scan(
		&c.ID,
		&c.Email,
		&name,
		&c.OrganizationID,
		&c.StripeCustomerID,
		&c.StripeSubscriptionID,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Name = name.String
	return c, nil
}

func (s *CustomerStore) Create(ctx context.Context, c *Customer) error {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO customers (email, name, organization_id, stripe_customer_id, stripe_subscription_id)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id, created_at, updated_at`,
		c.Email, c.Name, c.OrganizationID, c.StripeCustomerID, c.StripeSubscriptionID,
	)
	if err := row.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create customer: %w", err)
	}
	return nil
}

func (s *CustomerStore) GetByID(ctx context.Context, id int) (*Customer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = ?`, id)
	c, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCustomerNotFound
	}
	return c, err
}

func (s *CustomerStore) GetByStripeID(ctx context.Context, stripeCustomerID string) (*Customer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE stripe_customer_id = ?`, stripeCustomerID)
	c, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCustomerNotFound
	}
	return c, err
}

func (s *CustomerStore) SetSubscriptionID(ctx context.Context, id int, subscriptionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE customers SET stripe_subscription_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		subscriptionID, id,
	)
	return err
}
