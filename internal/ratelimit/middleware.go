// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package ratelimit

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// IdentifierFunc extracts the rate-limit identifier from a request. The body
// has already been buffered and will be replayed for the wrapped handler.
// Returning "" means the request cannot be attributed and passes through.
type IdentifierFunc func(r *http.Request, body []byte) string

type deniedResponse struct {
	Error      string `json:"error"`
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
	RetryAfter int    `json:"retryAfter"`
	ResetAt    string `json:"resetAt"`
}

// Middleware wraps a handler with a named preset. Unknown presets and missing
// identifiers fail open; denials answer 429 with Retry-After and never reach
// the handler.
func Middleware(limiter *Limiter, preset string, identify IdentifierFunc) func(http.Handler) http.Handler {
	cfg, ok := Presets[preset]
	if !ok {
		log.Error().Str("preset", preset).Msg("Unknown rate limit preset, rate limiting disabled for route")
	}
	if limiter == nil {
		log.Error().Str("preset", preset).Msg("No rate limiter configured, rate limiting disabled for route")
		ok = false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			var body []byte
			if r.Body != nil {
				var err error
				body, err = io.ReadAll(io.LimitReader(r.Body, 1<<16))
				if err != nil {
					http.Error(w, "Error reading request body", http.StatusBadRequest)
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			identifier := identify(r, body)
			if identifier == "" {
				// Cannot attribute the request, allow it
				next.ServeHTTP(w, r)
				return
			}

			result := limiter.Check(identifier, cfg)
			if !result.Allowed {
				retryAfter := int(time.Until(result.ResetAt).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}

				log.Warn().
					Str("preset", preset).
					Str("identifier", maskIdentifier(identifier)).
					Int("current", result.Current).
					Int("limit", result.Limit).
					Msg("Rate limit exceeded")

				if limiter.OnDenied != nil {
					limiter.OnDenied(preset)
				}

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(deniedResponse{
					Error:      "rate_limited",
					Limit:      result.Limit,
					Remaining:  result.Remaining,
					RetryAfter: retryAfter,
					ResetAt:    result.ResetAt.UTC().Format(time.RFC3339),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// FingerprintFromBody extracts the "fingerprint" field from a JSON body.
func FingerprintFromBody(_ *http.Request, body []byte) string {
	var payload struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Fingerprint
}

func maskIdentifier(id string) string {
	if len(id) <= 8 {
		return "***"
	}
	return id[:8] + "***"
}
