// Package gatewayclient talks to the HPC gateway: staging data in/out of
// the HPC site's object store and submitting/polling batch jobs.
package gatewayclient

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

// TransferStatus is the polled state of an S3 stage-in/stage-out transfer
// or a submitted job.
type TransferStatus string

const (
	StatusQueued    TransferStatus = "queued"
	StatusRunning   TransferStatus = "running"
	StatusCompleted TransferStatus = "completed"
	StatusFailed    TransferStatus = "failed"
)

type asyncHandle struct {
	ID string `json:"id"`
}

type statusResponse struct {
	Status TransferStatus `json:"status"`
}

type Client struct {
	baseURL string
	http    *http.Client
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		retry:   resilience.DefaultRetryConfig(),
		breaker: resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig()),
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
			data, err := json.Marshal(body)
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return fmt.Errorf("gateway: %s returned %d", path, resp.StatusCode)
			}
			if out == nil {
				return nil
			}
			return json.NewDecoder(resp.Body).Decode(out)
		})
	})
}

func (c *Client) getStatus(ctx context.Context, path string) (TransferStatus, error) {
	var out statusResponse
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
			if err != nil {
				return err
			}
			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return fmt.Errorf("gateway: %s returned %d", path, resp.StatusCode)
			}
			return json.NewDecoder(resp.Body).Decode(&out)
		})
	})
	if err != nil {
		return "", apperrors.CollaboratorUnavailable("hpc-gateway", err)
	}
	return out.Status, nil
}

// StageIn requests the gateway copy bucket/objectName into the service's
// input path and returns a handle to poll.
func (c *Client) StageIn(ctx context.Context, bucket, objectName string) (string, error) {
	var h asyncHandle
	err := c.postJSON(ctx, "/s3_data", map[string]string{"bucket": bucket, "object_name": objectName}, &h)
	if err != nil {
		return "", apperrors.CollaboratorUnavailable("hpc-gateway", err)
	}
	return h.ID, nil
}

func (c *Client) StageInStatus(ctx context.Context, id string) (TransferStatus, error) {
	return c.getStatus(ctx, "/s3_data/"+id)
}

// SubmitJob submits the service descriptor and returns the gateway's job id.
func (c *Client) SubmitJob(ctx context.Context, services []string, infrastructure, params map[string]any) (string, error) {
	var h asyncHandle
	body := map[string]any{"services": services, "infrastructure": infrastructure, "params": params}
	if err := c.postJSON(ctx, "/job", body, &h); err != nil {
		return "", apperrors.CollaboratorUnavailable("hpc-gateway", err)
	}
	return h.ID, nil
}

func (c *Client) JobStatus(ctx context.Context, id string) (TransferStatus, error) {
	return c.getStatus(ctx, "/job/"+id)
}

// StageOut requests the gateway upload the service's results file back to
// the bucket and returns a handle to poll.
func (c *Client) StageOut(ctx context.Context, resultsFilename string) (string, error) {
	var h asyncHandle
	if err := c.postJSON(ctx, "/s3_result", map[string]string{"filename": resultsFilename}, &h); err != nil {
		return "", apperrors.CollaboratorUnavailable("hpc-gateway", err)
	}
	return h.ID, nil
}

func (c *Client) StageOutStatus(ctx context.Context, id string) (TransferStatus, error) {
	return c.getStatus(ctx, "/s3_result/"+id)
}

// Service describes one HPC service the gateway can schedule a job against.
type Service struct {
	Name string `json:"name"`
}

// Services lists the gateway's advertised services. A gateway that cannot be
// reached reports no services rather than failing the caller, matching
// get_hpc_services's bare except-and-return-empty-list behavior.
func (c *Client) Services(ctx context.Context) []Service {
	var out []Service
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/services", nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("gateway: /services returned %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil {
		return nil
	}
	return out
}

// Partition is one scheduler partition reported by the infrastructure's
// telemetry endpoint.
type Partition struct {
	Name        string `json:"name"`
	TotalNodes  int    `json:"total_nodes"`
	TotalCPUs   int    `json:"total_cpus"`
}

// InfrastructureTelemetry is the HPC site's scheduler and partition summary.
type InfrastructureTelemetry struct {
	Name       string      `json:"name"`
	Scheduler  string      `json:"scheduler"`
	Partitions []Partition `json:"partitions"`
}

// Telemetry fetches the named infrastructure's scheduler/partition summary.
// As in get_cluster_info, an unreachable endpoint yields a zero-value result
// rather than an error: cluster info is best-effort, not load-bearing.
func (c *Client) Telemetry(ctx context.Context, infrastructure string) InfrastructureTelemetry {
	var out InfrastructureTelemetry
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/infrastructure/%s/telemetry", c.baseURL, infrastructure), nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("gateway: infrastructure telemetry returned %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil {
		return InfrastructureTelemetry{}
	}
	return out
}
