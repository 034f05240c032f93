// Package securestorageclient talks to the secure-storage gateway that
// realizes a StoragePolicy decision as a confidential-computing storage
// policy.
package securestorageclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/serrano-project/orchestrator/internal/apperrors"
	"github.com/serrano-project/orchestrator/internal/resilience"
)

// PolicyRequest is the formatted body sent to the gateway during the
// StoragePolicy flow's second step.
type PolicyRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Backends    []string `json:"backends,omitempty"`
	EdgeDevices []string `json:"edge_devices,omitempty"`
	Redundancy  int      `json:"redundancy,omitempty"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		retry:   resilience.DefaultRetryConfig(),
		breaker: resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig()),
	}
}

// CreateOrUpdate POSTs a new policy (cc_policy_id==0) or PUTs an update to
// an existing one.
func (c *Client) CreateOrUpdate(ctx context.Context, ccPolicyID int64, req PolicyRequest) error {
	method := http.MethodPost
	path := "/api/v1/storage/policies"
	if ccPolicyID != 0 {
		method = http.MethodPut
		path = fmt.Sprintf("/api/v1/storage/policies/%d", ccPolicyID)
	}

	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
			body, err := json.Marshal(req)
			if err != nil {
				return err
			}
			httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
			if err != nil {
				return err
			}
			httpReq.Header.Set("Content-Type", "application/json")
			if c.token != "" {
				httpReq.Header.Set("Authorization", "Bearer "+c.token)
			}

			resp, err := c.http.Do(httpReq)
			if err != nil {
				return apperrors.CollaboratorUnavailable("secure-storage", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
				return apperrors.CollaboratorUnavailable("secure-storage", fmt.Errorf("status %d", resp.StatusCode))
			}
			return nil
		})
	})
}

// PolicyIDByName fetches the assigned cc_policy_id for a freshly created
// policy, looked up by name since the POST response does not always carry
// the numeric id back.
func (c *Client) PolicyIDByName(ctx context.Context, name string) (int64, error) {
	var out struct {
		CCPolicyID int64 `json:"cc_policy_id"`
	}
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/storage/policies/by-name/"+name, nil)
			if err != nil {
				return err
			}
			if c.token != "" {
				httpReq.Header.Set("Authorization", "Bearer "+c.token)
			}
			resp, err := c.http.Do(httpReq)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("secure-storage: lookup %s returned %d", name, resp.StatusCode)
			}
			return json.NewDecoder(resp.Body).Decode(&out)
		})
	})
	if err != nil {
		return 0, apperrors.CollaboratorUnavailable("secure-storage", err)
	}
	return out.CCPolicyID, nil
}
