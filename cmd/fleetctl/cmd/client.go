package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"fleetplane/pkg/api"
)

// Client handles API calls to the fleetplane control plane.
type Client struct {
	BaseURL    string
	Token      string
	OrgID      string
	HTTPClient *http.Client
}

// NewClient creates a new client with the given base URL, token and org.
func NewClient(baseURL, token, orgID string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		OrgID:   orgID,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// do sends one JSON request and decodes the response into out (when out is
// non-nil). Non-2xx responses become *APIError.
func (c *Client) do(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *Client) orgPath(suffix string) string {
	return fmt.Sprintf("/api/orgs/%s%s", c.OrgID, suffix)
}

// CreateOrg sends POST /api/orgs to register a new org.
func (c *Client) CreateOrg(req api.CreateOrgRequest) (*api.CreateOrgResponse, error) {
	var result api.CreateOrgResponse
	if err := c.do(http.MethodPost, "/api/orgs", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreatePairingToken sends POST /api/orgs/{org}/pairing-tokens.
func (c *Client) CreatePairingToken(req api.CreatePairingTokenRequest) (*api.CreatePairingTokenResponse, error) {
	var result api.CreatePairingTokenResponse
	if err := c.do(http.MethodPost, c.orgPath("/pairing-tokens"), req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RotateKey sends POST /api/orgs/{org}/hosts/{id}/rotate-key.
func (c *Client) RotateKey(hostID string) (*api.RotateKeyResponse, error) {
	var result api.RotateKeyResponse
	if err := c.do(http.MethodPost, c.orgPath("/hosts/"+hostID+"/rotate-key"), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateSchedule sends POST /api/orgs/{org}/schedules.
func (c *Client) CreateSchedule(req api.CreateScheduleRequest) (*api.ScheduleResponse, error) {
	var result api.ScheduleResponse
	if err := c.do(http.MethodPost, c.orgPath("/schedules"), req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListSchedules sends GET /api/orgs/{org}/schedules.
func (c *Client) ListSchedules() ([]api.ScheduleResponse, error) {
	var result []api.ScheduleResponse
	if err := c.do(http.MethodGet, c.orgPath("/schedules"), nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// CreateBatch sends POST /api/orgs/{org}/batches.
func (c *Client) CreateBatch(req api.CreateBatchRequest) (*api.BatchResponse, error) {
	var result api.BatchResponse
	if err := c.do(http.MethodPost, c.orgPath("/batches"), req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListBatches sends GET /api/orgs/{org}/batches.
func (c *Client) ListBatches() ([]api.BatchResponse, error) {
	var result []api.BatchResponse
	if err := c.do(http.MethodGet, c.orgPath("/batches"), nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetBatch sends GET /api/orgs/{org}/batches/{id}.
func (c *Client) GetBatch(batchID string) (*api.BatchResponse, error) {
	var result api.BatchResponse
	if err := c.do(http.MethodGet, c.orgPath("/batches/"+batchID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelBatch sends POST /api/orgs/{org}/batches/{id}/cancel.
func (c *Client) CancelBatch(batchID string) (*api.BatchResponse, error) {
	var result api.BatchResponse
	if err := c.do(http.MethodPost, c.orgPath("/batches/"+batchID+"/cancel"), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
