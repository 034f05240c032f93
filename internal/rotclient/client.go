// Package rotclient talks to the external placement oracle ("ROT"): a
// synchronous REST submission followed by an asynchronous, broker-delivered
// response correlated by execution_uuid.
package rotclient

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

// Plugin names the ROT accepts, one per request shape.
type Plugin string

const (
	PluginSimpleMatch    Plugin = "SimpleMatch"
	PluginOnDemandKernel Plugin = "OnDemandKernel"
	PluginStoragePolicy  Plugin = "StoragePolicy"
)

// SchedulingRequest is the REST submission body; its field set varies by
// Plugin. Every variant carries Kind; SimpleMatch and OnDemandKernel
// requests also carry ActiveClusters, StoragePolicy requests do not.
type SchedulingRequest struct {
	Kind                  string        `json:"kind"`
	Plugin                Plugin        `json:"plugin"`
	ApplicationDescription []ApplicationDoc `json:"application_description,omitempty"`
	DeploymentObjectives  []map[string]any `json:"deployment_objectives,omitempty"`
	ActiveClusters        []string      `json:"active_clusters,omitempty"`
	KernelName            string        `json:"kernel_name,omitempty"`
	RequestUUID           string        `json:"request_uuid,omitempty"`
	DataDescription       map[string]any `json:"data_description,omitempty"`
	PolicyParameters      map[string]any `json:"policy_parameters,omitempty"`
}

// ApplicationDoc is one Deployment-kind document extracted from the
// multi-document YAML submitted by a caller.
type ApplicationDoc struct {
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	Replicas int    `json:"replicas"`
}

// SubmitResponse carries the execution_uuid the async response will be
// correlated against.
type SubmitResponse struct {
	ExecutionUUID string `json:"execution_uuid"`
}

// EventKind distinguishes the three terminal ROT response events.
type EventKind string

const (
	EventExecutionCompleted EventKind = "EventExecutionCompleted"
	EventExecutionError     EventKind = "EventExecutionError"
	EventExecutionCancelled EventKind = "EventExecutionCancelled"
)

// ClusterAssignment is one entry of a completed SimpleMatch response.
type ClusterAssignment struct {
	ClusterUUID string   `json:"cluster_uuid"`
	Deployments []string `json:"deployments"`
}

// ExecutionResult is the asynchronous ROT response, delivered over the
// broker and correlated by ExecutionUUID.
type ExecutionResult struct {
	ExecutionUUID string                    `json:"execution_uuid"`
	Kind          EventKind                 `json:"kind"`
	Assignments   []ClusterAssignment       `json:"assignments,omitempty"`
	Instructions  map[string][]Instruction  `json:"instructions,omitempty"`
	ClusterUUID   string                    `json:"cluster_uuid,omitempty"` // OnDemandKernel/StoragePolicy single-cluster responses
	Decision      map[string]any            `json:"decision,omitempty"`
}

// Instruction assigns value at a dotted path into a decoded YAML document.
type Instruction struct {
	YAMLElement string `json:"yaml_element"`
	Value       any    `json:"value"`
}

// Client submits scheduling requests and delivers their async responses.
type Client interface {
	Submit(ctx context.Context, req SchedulingRequest) (SubmitResponse, error)
	Results() <-chan ExecutionResult
}

// HTTPClient is the REST-submit half of Client; results are delivered by
// whatever wires the broker subscription to feed its Results() channel
// (the Manager does this at startup).
type HTTPClient struct {
	baseURL    string
	user       string
	password   string
	httpClient *http.Client
	retry      resilience.RetryConfig
	breaker    *resilience.CircuitBreaker
	results    chan ExecutionResult
}

func NewHTTPClient(baseURL, user, password string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		user:       user,
		password:   password,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry:      resilience.DefaultRetryConfig(),
		breaker:    resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig()),
		results:    make(chan ExecutionResult, 64),
	}
}

func (c *HTTPClient) Submit(ctx context.Context, req SchedulingRequest) (SubmitResponse, error) {
	var out SubmitResponse
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
			body, err := json.Marshal(req)
			if err != nil {
				return err
			}
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/rot/execution", bytes.NewReader(body))
			if err != nil {
				return err
			}
			httpReq.Header.Set("Content-Type", "application/json")
			httpReq.SetBasicAuth(c.user, c.password)

			resp, err := c.httpClient.Do(httpReq)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return fmt.Errorf("rot: submit returned %d", resp.StatusCode)
			}
			return json.NewDecoder(resp.Body).Decode(&out)
		})
	})
	if err != nil {
		return SubmitResponse{}, apperrors.CollaboratorUnavailable("rot", err)
	}
	return out, nil
}

func (c *HTTPClient) Results() <-chan ExecutionResult { return c.results }

// Deliver feeds one asynchronous response into the client's Results
// channel. Called by whatever component bridges the broker subscription
// (a non-blocking send: a full channel means the Manager is falling
// behind and this result is dropped rather than stalling the bridge).
func (c *HTTPClient) Deliver(res ExecutionResult) {
	select {
	case c.results <- res:
	default:
	}
}
