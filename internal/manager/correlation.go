package manager

import "time"

// pendingKind distinguishes which submission flow an outstanding ROT
// execution_uuid belongs to, since all three share one correlation cache.
type pendingKind string

const (
	pendingDeployment    pendingKind = "deployment"
	pendingKernel        pendingKind = "kernel"
	pendingStoragePolicy pendingKind = "storage_policy"
)

// pendingRequest is what the Manager stashes under execution_uuid while
// waiting for the ROT's asynchronous response. It lives in Redis rather
// than process memory so a Manager restart doesn't strand an in-flight
// submission with no way to correlate the eventual ROT response.
type pendingRequest struct {
	Kind           pendingKind    `json:"kind"`
	DeploymentUUID string         `json:"deployment_uuid,omitempty"`
	RequestUUID    string         `json:"request_uuid,omitempty"`
	PolicyUUID     string         `json:"policy_uuid,omitempty"`
	Docs           []yamlDoc      `json:"docs,omitempty"`
}

const correlationTTL = time.Hour
