// Package telemetryclient posts orchestrator state to the central
// telemetry handler: per-invocation FaaS metric logs and deployment
// monitoring updates that feed the anomaly detector.
package telemetryclient

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

type Client struct {
	endpoint string
	http     *http.Client
	retry    resilience.RetryConfig
	breaker  *resilience.CircuitBreaker
}

func New(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 10 * time.Second},
		retry:    resilience.DefaultRetryConfig(),
		breaker:  resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig()),
	}
}

func (c *Client) post(ctx context.Context, path string, body interface{}) error {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *Client) put(ctx context.Context, path string, body interface{}) error {
	return c.do(ctx, http.MethodPut, path, body)
}

func (c *Client) delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
			var reader *bytes.Reader
			if body != nil {
				data, err := json.Marshal(body)
				if err != nil {
					return err
				}
				reader = bytes.NewReader(data)
			} else {
				reader = bytes.NewReader(nil)
			}
			req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
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
				return fmt.Errorf("telemetry: %s %s returned %d", method, path, resp.StatusCode)
			}
			return nil
		})
	})
}

// PostMetricLogs forwards a batch of driver-originated metric log entries
// without any KV mutation.
func (c *Client) PostMetricLogs(ctx context.Context, logs []map[string]any) error {
	if err := c.post(ctx, "/api/v1/telemetry/metric_logs", map[string]any{"logs": logs}); err != nil {
		return apperrors.CollaboratorUnavailable("telemetry", err)
	}
	return nil
}

// NotifyAnomalyDetector tells the telemetry handler which worker nodes a
// deployment now occupies, feeding the anomaly detector's SHAP model. This
// is the Dispatcher's AnomalyNotifier hook.
func (c *Client) NotifyAnomalyDetector(ctx context.Context, deploymentUUID string, workerNodes []string) error {
	body := map[string]any{"deployment_uuid": deploymentUUID, "clusters": workerNodes}
	if err := c.post(ctx, "/api/v1/telemetry/central/deployments", body); err != nil {
		return apperrors.CollaboratorUnavailable("telemetry", err)
	}
	return nil
}

// DropDeployment tells the telemetry handler a deployment's monitoring
// record no longer applies. Called as part of the coordination store's
// cascade delete, so the two stores never disagree about which
// deployments are still live.
func (c *Client) DropDeployment(ctx context.Context, deploymentUUID string) error {
	if err := c.delete(ctx, "/api/v1/telemetry/central/deployments/"+deploymentUUID); err != nil {
		return apperrors.CollaboratorUnavailable("telemetry", err)
	}
	return nil
}

// PutKernelDeploymentCounter reports a FaaS kernel's lifecycle transition
// as a +1/-1/0 delta against the telemetry handler's running
// serrano_kernel_deployments counter, so the dashboard never needs the
// orchestrator to hold its own running total.
func (c *Client) PutKernelDeploymentCounter(ctx context.Context, clusterUUID, kernelMode string, counterDiff int) error {
	body := map[string]any{
		"deployment_mode": "FaaS",
		"cluster_uuid":    clusterUUID,
		"counter_diff":    counterDiff,
		"kernel_mode":     kernelMode,
	}
	if err := c.put(ctx, "/api/v1/telemetry/central/serrano_kernel_deployments", body); err != nil {
		return apperrors.CollaboratorUnavailable("telemetry", err)
	}
	return nil
}
