// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package trial

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// TokenPayload is the signed trial credential. The serialized form is the
// exact byte sequence the signature covers; timestamps are unix seconds so
// serialization stays deterministic.
type TokenPayload struct {
	Type        string `json:"type"`
	Fingerprint string `json:"fingerprint"`
	IssuedAt    int64  `json:"issuedAt"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// Verify failure reasons. Distinct so callers can message the user correctly.
const (
	ReasonMalformed           = "malformed token"
	ReasonInvalidSignature    = "invalid signature"
	ReasonFingerprintMismatch = "fingerprint mismatch"
	ReasonExpired             = "token expired"
)

// VerifyResult is the outcome of token verification.
type VerifyResult struct {
	Valid   bool          `json:"valid"`
	Payload *TokenPayload `json:"payload,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}

func signToken(secret []byte, payload TokenPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(raw)
	sig := mac.Sum(nil)

	return base64.RawURLEncoding.EncodeToString(raw) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// verifyToken recomputes the signature over the transmitted payload bytes and
// compares in constant time. Each failure mode yields its own reason.
func verifyToken(secret []byte, token, expectedFingerprint string, now time.Time) VerifyResult {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return VerifyResult{Reason: ReasonMalformed}
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return VerifyResult{Reason: ReasonMalformed}
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return VerifyResult{Reason: ReasonMalformed}
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(raw)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return VerifyResult{Reason: ReasonInvalidSignature}
	}

	var payload TokenPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Type != "trial" {
		return VerifyResult{Reason: ReasonMalformed}
	}

	if expectedFingerprint != "" && payload.Fingerprint != expectedFingerprint {
		return VerifyResult{Reason: ReasonFingerprintMismatch}
	}

	if now.Unix() >= payload.ExpiresAt {
		return VerifyResult{Payload: &payload, Reason: ReasonExpired}
	}

	return VerifyResult{Valid: true, Payload: &payload}
}
