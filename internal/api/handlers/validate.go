// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"github.com/go-playground/validator/v10"

	"github.com/keyline-app/keyline/internal/models"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// fingerprint validates the hex device fingerprint format
	_ = v.RegisterValidation("fingerprint", func(fl validator.FieldLevel) bool {
		return models.ValidFingerprint(fl.Field().String())
	})

	return v
}
