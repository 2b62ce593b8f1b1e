// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82"

	"github.com/keyline-app/keyline/internal/keygen"
	"github.com/keyline-app/keyline/internal/models"
)

// statusFromSubscription is the deterministic map from the payment
// processor's subscription status to the local license status.
func statusFromSubscription(status stripe.SubscriptionStatus) string {
	switch status {
	case stripe.SubscriptionStatusActive:
		return models.StatusActive
	case stripe.SubscriptionStatusPastDue:
		return models.StatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return models.StatusCanceled
	case stripe.SubscriptionStatusUnpaid:
		return models.StatusSuspended
	case stripe.SubscriptionStatusIncomplete:
		return models.StatusPending
	case stripe.SubscriptionStatusIncompleteExpired:
		return models.StatusExpired
	case stripe.SubscriptionStatusTrialing:
		return models.StatusTrialing
	case stripe.SubscriptionStatusPaused:
		return models.StatusPaused
	default:
		return models.StatusActive
	}
}

// HandleCheckoutCompleted provisions a license after a successful checkout.
// Replays are idempotent: an existing license only refreshes subscription
// metadata, nothing is re-provisioned.
func (s *Service) HandleCheckoutCompleted(ctx context.Context, session *stripe.CheckoutSession) error {
	if session.Customer == nil {
		return fmt.Errorf("checkout session %s has no customer", session.ID)
	}

	email := session.CustomerEmail
	name := ""
	if session.CustomerDetails != nil {
		if session.CustomerDetails.Email != "" {
			email = session.CustomerDetails.Email
		}
		name = session.CustomerDetails.Name
	}

	customer, err := s.customers.GetByStripeID(ctx, session.Customer.ID)
	if errors.Is(err, models.ErrCustomerNotFound) {
		customer = &models.Customer{
			Email:            email,
			Name:             name,
			StripeCustomerID: &session.Customer.ID,
		}
		if err := s.customers.Create(ctx, customer); err != nil {
			return err
		}
		log.Info().Int("customerId", customer.ID).Msg("Customer created from checkout")
	} else if err != nil {
		return err
	}

	if session.Subscription != nil {
		if err := s.customers.SetSubscriptionID(ctx, customer.ID, session.Subscription.ID); err != nil {
			return err
		}
	}

	if existing, err := s.licenses.GetByOwner(ctx, customer.ID); err == nil {
		log.Info().
			Str("licenseId", existing.ID).
			Int("customerId", customer.ID).
			Msg("Checkout replay for customer with existing license, metadata updated only")
		return nil
	} else if !errors.Is(err, models.ErrLicenseNotFound) {
		return err
	}

	planType := models.PlanIndividual
	policyID := s.policies.IndividualPolicyID
	if session.Metadata["plan"] == models.PlanBusiness {
		planType = models.PlanBusiness
		policyID = s.policies.BusinessPolicyID
	}

	created, err := s.client.CreateLicense(ctx, keygen.CreateLicenseRequest{
		PolicyID: policyID,
		Name:     name,
		Email:    email,
		Metadata: map[string]string{"stripeCustomerId": session.Customer.ID},
	})
	if err != nil {
		return fmt.Errorf("failed to provision license: %w", err)
	}

	license := &models.License{
		ID:         created.ID,
		LicenseKey: created.Key,
		OwnerID:    customer.ID,
		PlanType:   planType,
		Status:     models.StatusActive,
		ExpiresAt:  created.ExpiresAt,
	}
	if err := s.licenses.Create(ctx, license); err != nil {
		return err
	}

	log.Info().
		Str("licenseId", license.ID).
		Int("customerId", customer.ID).
		Str("planType", planType).
		Msg("License provisioned from checkout")
	return nil
}

// HandleSubscriptionUpdated applies subscription state to the license. A
// scheduled cancellation records the access-until marker and flags a notice
// without changing status; status changes only on the later deleted event.
func (s *Service) HandleSubscriptionUpdated(ctx context.Context, sub *stripe.Subscription) error {
	license, customer, err := s.licenseForStripeCustomer(ctx, sub.Customer)
	if err != nil || license == nil {
		return err
	}

	if err := s.customers.SetSubscriptionID(ctx, customer.ID, sub.ID); err != nil {
		return err
	}

	if sub.CancelAtPeriodEnd && sub.CancelAt > 0 {
		until := time.Unix(sub.CancelAt, 0)
		if license.AccessUntil == nil || !license.AccessUntil.Equal(until) {
			if err := s.licenses.SetAccessUntil(ctx, license.ID, &until); err != nil {
				return err
			}
			s.notifier.Flag(ctx, models.NotifyCancellationScheduled, &license.ID, &customer.Email,
				fmt.Sprintf("access until %s", until.UTC().Format(time.RFC3339)))
		}
	} else if !sub.CancelAtPeriodEnd && license.AccessUntil != nil {
		if err := s.licenses.SetAccessUntil(ctx, license.ID, nil); err != nil {
			return err
		}
	}

	return s.transition(ctx, license, statusFromSubscription(sub.Status))
}

// HandleSubscriptionDeleted cancels the license when the subscription ends.
func (s *Service) HandleSubscriptionDeleted(ctx context.Context, sub *stripe.Subscription) error {
	license, _, err := s.licenseForStripeCustomer(ctx, sub.Customer)
	if err != nil || license == nil {
		return err
	}
	return s.transition(ctx, license, models.StatusCanceled)
}

// HandleInvoicePaymentFailed counts a failed payment attempt and suspends at
// the third consecutive failure. The counter is keyed by (invoice, attempt)
// so redelivery of the same attempt cannot double count.
func (s *Service) HandleInvoicePaymentFailed(ctx context.Context, invoice *stripe.Invoice) error {
	license, customer, err := s.licenseForStripeCustomer(ctx, invoice.Customer)
	if err != nil || license == nil {
		return err
	}

	attemptKey := fmt.Sprintf("%s#%d", invoice.ID, invoice.AttemptCount)
	count, incremented, err := s.licenses.RecordPaymentFailure(ctx, license.ID, attemptKey)
	if err != nil {
		return err
	}

	// The processor's own attempt count can outrun our webhook history (missed
	// deliveries, retries before we existed); the threshold honors whichever
	// counter is further along.
	failures := count
	if n := int(invoice.AttemptCount); n > failures {
		failures = n
	}

	if incremented {
		s.notifier.Flag(ctx, models.NotifyPaymentFailed, &license.ID, &customer.Email,
			fmt.Sprintf("payment failure %d of %d", failures, maxPaymentFailures))
	}

	if failures >= maxPaymentFailures {
		return s.transition(ctx, license, models.StatusSuspended)
	}
	return nil
}

// HandleInvoicePaid clears the failure counter and reactivates a license in
// arrears.
func (s *Service) HandleInvoicePaid(ctx context.Context, invoice *stripe.Invoice) error {
	license, customer, err := s.licenseForStripeCustomer(ctx, invoice.Customer)
	if err != nil || license == nil {
		return err
	}

	if err := s.licenses.ResetPaymentFailures(ctx, license.ID); err != nil {
		return err
	}

	switch license.Status {
	case models.StatusPastDue, models.StatusSuspended:
		if err := s.transition(ctx, license, models.StatusActive); err != nil {
			return err
		}
		s.notifier.Flag(ctx, models.NotifyReactivated, &license.ID, &customer.Email, "payment received")
	}
	return nil
}

// HandleDisputeCreated suspends access immediately and always raises a
// support alert, with an "unknown" placeholder when the disputing charge
// matches no local customer. The alert is never silently dropped.
func (s *Service) HandleDisputeCreated(ctx context.Context, dispute *stripe.Dispute) error {
	customerEmail := "unknown"
	var license *models.License
	var customer *models.Customer

	if dispute.Charge != nil && dispute.Charge.Customer != nil {
		var err error
		license, customer, err = s.licenseForStripeCustomer(ctx, dispute.Charge.Customer)
		if err != nil {
			return err
		}
		if customer != nil {
			customerEmail = customer.Email
		}
	}

	if license != nil {
		if err := s.transition(ctx, license, models.StatusDisputed); err != nil {
			return err
		}
	}

	var licenseID *string
	if license != nil {
		licenseID = &license.ID
	}
	s.notifier.Flag(ctx, models.NotifySupportAlert, licenseID, &customerEmail,
		fmt.Sprintf("dispute %s created for customer %s", dispute.ID, customerEmail))
	return nil
}

// HandleDisputeClosed resolves a dispute: a win reinstates, a loss leaves
// the license suspended and marks the fraud flag.
func (s *Service) HandleDisputeClosed(ctx context.Context, dispute *stripe.Dispute) error {
	if dispute.Charge == nil || dispute.Charge.Customer == nil {
		log.Warn().Str("disputeId", dispute.ID).Msg("Dispute closed without resolvable customer, ignoring")
		return nil
	}

	license, _, err := s.licenseForStripeCustomer(ctx, dispute.Charge.Customer)
	if err != nil || license == nil {
		return err
	}

	switch string(dispute.Status) {
	case "won", "withdrawn", "warning_closed":
		return s.transition(ctx, license, models.StatusActive)
	case "lost":
		if err := s.transition(ctx, license, models.StatusSuspended); err != nil {
			return err
		}
		return s.licenses.SetFraudFlag(ctx, license.ID)
	default:
		log.Warn().Str("disputeId", dispute.ID).Str("status", string(dispute.Status)).Msg("Unexpected dispute outcome, ignoring")
		return nil
	}
}

// licenseForStripeCustomer resolves the local license for a processor
// customer. Unknown customers and licenses are logged and skipped: the
// webhook must still be acknowledged or the sender retries forever.
func (s *Service) licenseForStripeCustomer(ctx context.Context, stripeCustomer *stripe.Customer) (*models.License, *models.Customer, error) {
	if stripeCustomer == nil {
		log.Warn().Msg("Event without customer reference, ignoring")
		return nil, nil, nil
	}

	customer, err := s.customers.GetByStripeID(ctx, stripeCustomer.ID)
	if errors.Is(err, models.ErrCustomerNotFound) {
		log.Warn().Str("stripeCustomerId", stripeCustomer.ID).Msg("Event for unknown customer, ignoring")
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	license, err := s.licenses.GetByOwner(ctx, customer.ID)
	if errors.Is(err, models.ErrLicenseNotFound) {
		log.Warn().Int("customerId", customer.ID).Msg("Event for customer without license, ignoring")
		return nil, customer, nil
	}
	if err != nil {
		return nil, customer, err
	}

	return license, customer, nil
}
