// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package keygen talks to the license-management service: license
// validation, machine registration and heartbeats, suspend/reinstate, and
// verification of the service's signed webhooks.
package keygen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ValidationCode is the closed set of outcomes a license validation can
// produce. Anything the service reports outside this set maps to CodeOther
// and is treated as a hard failure carrying the raw code.
type ValidationCode string

const (
	CodeValid               ValidationCode = "VALID"
	CodeHeartbeatNotStarted ValidationCode = "HEARTBEAT_NOT_STARTED"
	CodeFingerprintMissing  ValidationCode = "FINGERPRINT_SCOPE_MISMATCH"
	CodeNoMachines          ValidationCode = "NO_MACHINES"
	CodeExpired             ValidationCode = "EXPIRED"
	CodeSuspended           ValidationCode = "SUSPENDED"
	CodeNotFound            ValidationCode = "NOT_FOUND"
	CodeOther               ValidationCode = "OTHER"
)

func parseValidationCode(raw string) ValidationCode {
	switch ValidationCode(raw) {
	case CodeValid, CodeHeartbeatNotStarted, CodeFingerprintMissing, CodeNoMachines,
		CodeExpired, CodeSuspended, CodeNotFound:
		return ValidationCode(raw)
	}
	return CodeOther
}

// ValidationResult is the service's answer for a (license, fingerprint) pair.
type ValidationResult struct {
	Valid     bool
	Code      ValidationCode
	RawCode   string
	LicenseID string
}

// Machine is the service's representation of an activated device.
type Machine struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
	Name        string `json:"name"`
	Platform    string `json:"platform"`
}

// ActivateMachineRequest registers a device against a license.
type ActivateMachineRequest struct {
	LicenseID   string
	Fingerprint string
	Name        string
	Platform    string
	Metadata    map[string]string
}

// CreateLicenseRequest provisions a new license under a policy.
type CreateLicenseRequest struct {
	PolicyID string
	Name     string
	Email    string
	Metadata map[string]string
}

// CreatedLicense is the provisioning result.
type CreatedLicense struct {
	ID        string
	Key       string
	ExpiresAt *time.Time
}

// Client is the license-management service surface the engine depends on.
// The HTTP implementation below owns wire formats and timeouts; callers see
// typed results only.
type Client interface {
	ValidateLicense(ctx context.Context, key, fingerprint string) (*ValidationResult, error)
	ActivateMachine(ctx context.Context, req ActivateMachineRequest) (*Machine, error)
	MachineHeartbeat(ctx context.Context, machineID string) error
	CreateLicense(ctx context.Context, req CreateLicenseRequest) (*CreatedLicense, error)
	SuspendLicense(ctx context.Context, licenseID string) error
	ReinstateLicense(ctx context.Context, licenseID string) error
}

// HTTPClient implements Client against the service's REST API.
type HTTPClient struct {
	baseURL   string
	accountID string
	token     string
	http      *http.Client
}

func NewHTTPClient(baseURL, accountID, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:   baseURL,
		accountID: accountID,
		token:     token,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *HTTPClient) url(path string) string {
	return fmt.Sprintf("%s/v1/accounts/%s%s", c.baseURL, c.accountID, path)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload, out any) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, errors.Wrap(err, "failed to encode request")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return 0, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "license service request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, errors.Wrap(err, "failed to read response")
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, errors.Wrapf(err, "failed to decode response (status %d)", resp.StatusCode)
		}
	}

	return resp.StatusCode, nil
}

type validateKeyResponse struct {
	Data *struct {
		ID string `json:"id"`
	} `json:"data"`
	Meta struct {
		Valid bool   `json:"valid"`
		Code  string `json:"code"`
	} `json:"meta"`
}

func (c *HTTPClient) ValidateLicense(ctx context.Context, key, fingerprint string) (*ValidationResult, error) {
	payload := map[string]any{
		"meta": map[string]any{
			"key": key,
			"scope": map[string]any{
				"fingerprint": fingerprint,
			},
		},
	}

	var resp validateKeyResponse
	status, err := c.do(ctx, http.MethodPost, "/licenses/actions/validate-key", payload, &resp)
	if err != nil {
		return nil, err
	}
	if status >= 500 {
		return nil, errors.Errorf("license service returned %d during validation", status)
	}

	result := &ValidationResult{
		Valid:   resp.Meta.Valid,
		Code:    parseValidationCode(resp.Meta.Code),
		RawCode: resp.Meta.Code,
	}
	if resp.Data != nil {
		result.LicenseID = resp.Data.ID
	}

	log.Debug().
		Str("code", resp.Meta.Code).
		Bool("valid", resp.Meta.Valid).
		Str("fingerprint", maskValue(fingerprint)).
		Msg("License validated with license service")

	return result, nil
}

type machineResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Fingerprint string `json:"fingerprint"`
			Name        string `json:"name"`
			Platform    string `json:"platform"`
		} `json:"attributes"`
	} `json:"data"`
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Code   string `json:"code"`
	} `json:"errors"`
}

func (c *HTTPClient) ActivateMachine(ctx context.Context, req ActivateMachineRequest) (*Machine, error) {
	payload := map[string]any{
		"data": map[string]any{
			"type": "machines",
			"attributes": map[string]any{
				"fingerprint": req.Fingerprint,
				"name":        req.Name,
				"platform":    req.Platform,
				"metadata":    req.Metadata,
			},
			"relationships": map[string]any{
				"license": map[string]any{
					"data": map[string]any{"type": "licenses", "id": req.LicenseID},
				},
			},
		},
	}

	var resp machineResponse
	status, err := c.do(ctx, http.MethodPost, "/machines", payload, &resp)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		detail := "unknown error"
		if len(resp.Errors) > 0 {
			detail = resp.Errors[0].Detail
		}
		return nil, errors.Errorf("machine activation rejected (%d): %s", status, detail)
	}

	log.Info().
		Str("machineId", resp.Data.ID).
		Str("fingerprint", maskValue(req.Fingerprint)).
		Msg("Machine registered with license service")

	return &Machine{
		ID:          resp.Data.ID,
		Fingerprint: resp.Data.Attributes.Fingerprint,
		Name:        resp.Data.Attributes.Name,
		Platform:    resp.Data.Attributes.Platform,
	}, nil
}

func (c *HTTPClient) MachineHeartbeat(ctx context.Context, machineID string) error {
	status, err := c.do(ctx, http.MethodPost, "/machines/"+machineID+"/actions/ping", nil, nil)
	if err != nil {
		return err
	}
	if status >= 400 {
		return errors.Errorf("machine heartbeat rejected (%d)", status)
	}
	return nil
}

type licenseResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Key    string     `json:"key"`
			Expiry *time.Time `json:"expiry"`
		} `json:"attributes"`
	} `json:"data"`
}

func (c *HTTPClient) CreateLicense(ctx context.Context, req CreateLicenseRequest) (*CreatedLicense, error) {
	metadata := map[string]string{"email": req.Email}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	payload := map[string]any{
		"data": map[string]any{
			"type": "licenses",
			"attributes": map[string]any{
				"name":     req.Name,
				"metadata": metadata,
			},
			"relationships": map[string]any{
				"policy": map[string]any{
					"data": map[string]any{"type": "policies", "id": req.PolicyID},
				},
			},
		},
	}

	var resp licenseResponse
	status, err := c.do(ctx, http.MethodPost, "/licenses", payload, &resp)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, errors.Errorf("license creation rejected (%d)", status)
	}

	log.Info().
		Str("licenseId", resp.Data.ID).
		Str("licenseKey", maskValue(resp.Data.Attributes.Key)).
		Msg("License created with license service")

	return &CreatedLicense{
		ID:        resp.Data.ID,
		Key:       resp.Data.Attributes.Key,
		ExpiresAt: resp.Data.Attributes.Expiry,
	}, nil
}

func (c *HTTPClient) SuspendLicense(ctx context.Context, licenseID string) error {
	return c.licenseAction(ctx, licenseID, "suspend")
}

func (c *HTTPClient) ReinstateLicense(ctx context.Context, licenseID string) error {
	return c.licenseAction(ctx, licenseID, "reinstate")
}

func (c *HTTPClient) licenseAction(ctx context.Context, licenseID, action string) error {
	status, err := c.do(ctx, http.MethodPost, "/licenses/"+licenseID+"/actions/"+action, nil, nil)
	if err != nil {
		return err
	}
	// 422 means the license is already in the target state; both actions are
	// idempotent at the service.
	if status >= 400 && status != http.StatusUnprocessableEntity {
		return errors.Errorf("license %s rejected (%d)", action, status)
	}
	return nil
}

func maskValue(v string) string {
	if len(v) <= 8 {
		return "***"
	}
	return v[:8] + "***"
}
