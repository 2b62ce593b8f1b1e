// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package keygen

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidationCode(t *testing.T) {
	tests := []struct {
		raw      string
		expected ValidationCode
	}{
		{"VALID", CodeValid},
		{"HEARTBEAT_NOT_STARTED", CodeHeartbeatNotStarted},
		{"FINGERPRINT_SCOPE_MISMATCH", CodeFingerprintMissing},
		{"NO_MACHINES", CodeNoMachines},
		{"EXPIRED", CodeExpired},
		{"SUSPENDED", CodeSuspended},
		{"NOT_FOUND", CodeNotFound},
		{"BANNED", CodeOther},
		{"", CodeOther},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseValidationCode(tt.raw))
		})
	}
}

func TestValidateLicense(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/v1/accounts/acct_1/licenses/actions/validate-key", r.URL.Path)

		var payload struct {
			Meta struct {
				Key   string `json:"key"`
				Scope struct {
					Fingerprint string `json:"fingerprint"`
				} `json:"scope"`
			} `json:"meta"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "KEY-1", payload.Meta.Key)
		assert.Equal(t, "fp-1", payload.Meta.Scope.Fingerprint)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"id":"lic_1"},"meta":{"valid":false,"code":"HEARTBEAT_NOT_STARTED"}}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "acct_1", "token-1")

	result, err := client.ValidateLicense(t.Context(), "KEY-1", "fp-1")
	require.NoError(t, err)

	assert.Equal(t, "Bearer token-1", gotAuth)
	assert.False(t, result.Valid)
	assert.Equal(t, CodeHeartbeatNotStarted, result.Code)
	assert.Equal(t, "HEARTBEAT_NOT_STARTED", result.RawCode)
	assert.Equal(t, "lic_1", result.LicenseID)
}

func TestValidateLicenseServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "acct_1", "token-1")

	_, err := client.ValidateLicense(t.Context(), "KEY-1", "fp-1")
	assert.Error(t, err)
}

func TestActivateMachine(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/accounts/acct_1/machines", r.URL.Path)

		var payload struct {
			Data struct {
				Attributes struct {
					Fingerprint string `json:"fingerprint"`
				} `json:"attributes"`
				Relationships struct {
					License struct {
						Data struct {
							ID string `json:"id"`
						} `json:"data"`
					} `json:"license"`
				} `json:"relationships"`
			} `json:"data"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "lic_1", payload.Data.Relationships.License.Data.ID)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"mach_1","attributes":{"fingerprint":"fp-1","name":"laptop","platform":"darwin"}}}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "acct_1", "token-1")

	machine, err := client.ActivateMachine(t.Context(), ActivateMachineRequest{
		LicenseID:   "lic_1",
		Fingerprint: "fp-1",
		Name:        "laptop",
		Platform:    "darwin",
	})
	require.NoError(t, err)

	assert.Equal(t, "mach_1", machine.ID)
	assert.Equal(t, "fp-1", machine.Fingerprint)
}

func TestActivateMachineRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"errors":[{"title":"Unprocessable resource","detail":"machine count has exceeded maximum","code":"MACHINE_LIMIT_EXCEEDED"}]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "acct_1", "token-1")

	_, err := client.ActivateMachine(t.Context(), ActivateMachineRequest{LicenseID: "lic_1", Fingerprint: "fp-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "machine count has exceeded maximum")
}

func TestMachineHeartbeat(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/v1/accounts/acct_1/machines/mach_1/actions/ping", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "acct_1", "token-1")

	require.NoError(t, client.MachineHeartbeat(t.Context(), "mach_1"))
	assert.Equal(t, 1, calls)
}

func TestMachineHeartbeatRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "acct_1", "token-1")

	assert.Error(t, client.MachineHeartbeat(t.Context(), "mach_gone"))
}

func TestCreateLicense(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/accounts/acct_1/licenses", r.URL.Path)

		var payload struct {
			Data struct {
				Attributes struct {
					Name     string            `json:"name"`
					Metadata map[string]string `json:"metadata"`
				} `json:"attributes"`
				Relationships struct {
					Policy struct {
						Data struct {
							ID string `json:"id"`
						} `json:"data"`
					} `json:"policy"`
				} `json:"relationships"`
			} `json:"data"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "pol_ind", payload.Data.Relationships.Policy.Data.ID)
		assert.Equal(t, "alice@example.com", payload.Data.Attributes.Metadata["email"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"lic_new","attributes":{"key":"KEY-NEW","expiry":"2027-01-01T00:00:00Z"}}}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "acct_1", "token-1")

	created, err := client.CreateLicense(t.Context(), CreateLicenseRequest{
		PolicyID: "pol_ind",
		Name:     "Alice",
		Email:    "alice@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, "lic_new", created.ID)
	assert.Equal(t, "KEY-NEW", created.Key)
	require.NotNil(t, created.ExpiresAt)
	assert.Equal(t, 2027, created.ExpiresAt.Year())
}

func TestLicenseActionIdempotent(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"success", http.StatusOK, false},
		{"already in target state", http.StatusUnprocessableEntity, false},
		{"not found", http.StatusNotFound, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/accounts/acct_1/licenses/lic_1/actions/suspend", r.URL.Path)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := NewHTTPClient(server.URL, "acct_1", "token-1")
			err := client.SuspendLicense(t.Context(), "lic_1")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
