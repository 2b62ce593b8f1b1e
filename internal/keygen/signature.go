// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package keygen

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Webhook signature verification errors. There is no permissive default:
// every failure mode rejects the request.
var (
	ErrMissingPublicKey     = errors.New("webhook public key not configured")
	ErrMissingSignature     = errors.New("missing signature header")
	ErrMalformedSignature   = errors.New("malformed signature header")
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")
	ErrMissingComponent     = errors.New("missing signed component")
	ErrInvalidSignature     = errors.New("invalid signature")
)

// SignatureHeader is the parsed structured value of the service's signature
// header: which algorithm signed which request components.
type SignatureHeader struct {
	KeyID     string
	Algorithm string
	Signature string
	Headers   []string
}

// ParseSignatureHeader parses `keyid="..", algorithm="..", signature="..",
// headers=".."` into its parts.
func ParseSignatureHeader(value string) (*SignatureHeader, error) {
	if value == "" {
		return nil, ErrMissingSignature
	}

	parsed := &SignatureHeader{}
	for _, part := range strings.Split(value, ",") {
		key, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return nil, ErrMalformedSignature
		}
		val = strings.Trim(val, `"`)

		switch strings.ToLower(key) {
		case "keyid":
			parsed.KeyID = val
		case "algorithm":
			parsed.Algorithm = val
		case "signature":
			parsed.Signature = val
		case "headers":
			parsed.Headers = strings.Fields(val)
		}
	}

	if parsed.Signature == "" || parsed.Algorithm == "" {
		return nil, ErrMalformedSignature
	}
	if len(parsed.Headers) == 0 {
		// Default per the signing spec: only the date header was signed
		parsed.Headers = []string{"date"}
	}

	return parsed, nil
}

// signingString reconstructs the exact byte sequence the sender signed, in
// the order the header names its components.
func signingString(method, path string, header http.Header, body []byte, signed []string) (string, error) {
	lines := make([]string, 0, len(signed))
	for _, name := range signed {
		switch strings.ToLower(name) {
		case "(request-target)":
			lines = append(lines, fmt.Sprintf("(request-target): %s %s", strings.ToLower(method), path))
		case "digest":
			sum := sha256.Sum256(body)
			lines = append(lines, fmt.Sprintf("digest: sha-256=%s", base64.StdEncoding.EncodeToString(sum[:])))
		default:
			value := header.Get(name)
			if value == "" {
				return "", fmt.Errorf("%w: %s", ErrMissingComponent, name)
			}
			lines = append(lines, fmt.Sprintf("%s: %s", strings.ToLower(name), value))
		}
	}
	return strings.Join(lines, "\n"), nil
}

// VerifyWebhook checks the signature over the reconstructed signing string.
// Pure function of the request material and the trusted key: no side
// effects, no network.
func VerifyWebhook(publicKey ed25519.PublicKey, method, path string, header http.Header, body []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return ErrMissingPublicKey
	}

	sig, err := ParseSignatureHeader(header.Get("Keygen-Signature"))
	if err != nil {
		return err
	}

	if !strings.EqualFold(sig.Algorithm, "ed25519") {
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, sig.Algorithm)
	}

	message, err := signingString(method, path, header, body, sig.Headers)
	if err != nil {
		return err
	}

	rawSig, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return ErrMalformedSignature
	}

	if !ed25519.Verify(publicKey, []byte(message), rawSig) {
		return ErrInvalidSignature
	}

	return nil
}
