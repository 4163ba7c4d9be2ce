package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fleetplane/internal/auth"
	"fleetplane/pkg/api"
)

func TestCreateOrg(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		mockSetup      func(*mockStore)
		expectedStatus int
		expectedInBody string
	}{
		{
			name:           "creates org and returns key once",
			body:           `{"name": "acme-hosting"}`,
			expectedStatus: http.StatusCreated,
			expectedInBody: `"api_key":"fp_`,
		},
		{
			name:           "rejects missing name",
			body:           `{}`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "Name is required",
		},
		{
			name:           "rejects malformed body",
			body:           `{"name": `,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "Invalid JSON",
		},
		{
			name: "store failure",
			body: `{"name": "acme-hosting"}`,
			mockSetup: func(m *mockStore) {
				m.createOrgErr = errors.New("connection refused")
			},
			expectedStatus: http.StatusInternalServerError,
			expectedInBody: "Failed to create org",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			if tt.mockSetup != nil {
				tt.mockSetup(e.store)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/orgs", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			e.handlers.CreateOrg(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.expectedStatus)
			}
			if !strings.Contains(rr.Body.String(), tt.expectedInBody) {
				t.Errorf("body = %s, want it to contain %q", rr.Body.String(), tt.expectedInBody)
			}
		})
	}
}

func TestCreateOrgStoresHashedKey(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/orgs", strings.NewReader(`{"name": "acme"}`))
	rr := httptest.NewRecorder()
	e.handlers.CreateOrg(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusCreated)
	}

	var resp api.CreateOrgResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	// Only the hash lands in the store; the raw key must map to it.
	if _, ok := e.store.orgKeys[resp.ApiKey]; ok {
		t.Error("raw api key stored verbatim")
	}
	if _, ok := e.store.orgKeys[auth.HashKey(resp.ApiKey)]; !ok {
		t.Error("hashed api key not found in store")
	}
}
