package driver

import (
	"context"

	"github.com/serrano-project/orchestrator/internal/domain"
	"github.com/serrano-project/orchestrator/internal/execwrapper"
)

// Backend is the cluster-specific half of a Driver: the container-scheduler
// variant applies Bundle documents to a Kubernetes API server, the HPC
// variant hands Kernel bundles to the HPC gateway. Both share the Service
// loop in driver.go that watches assignments and hydrates on startup.
type Backend interface {
	// Type identifies which cluster flavor this backend serves, stamped
	// onto the Cluster record at registration.
	Type() domain.ClusterType

	// ClusterInfo reports backend-specific capacity/identity info attached
	// to the Cluster record (node list for k8s, service/partition list for
	// HPC).
	ClusterInfo(ctx context.Context) (map[string]any, error)

	// ApplyDeployment materializes every bundle of a Deployment-kind
	// assignment and returns the per-bundle resource info the Driver
	// records into Monitoring. A backend that can't run Deployment-kind
	// assignments (the HPC variant) returns apperrors.Validation.
	ApplyDeployment(ctx context.Context, assignmentUUID string, bundles []domain.Bundle) ([]domain.K8sParam, error)

	// TerminateDeployment tears down the backend resources
	// ApplyDeployment created for assignmentUUID.
	TerminateDeployment(ctx context.Context, assignmentUUID string) error

	// RunKernel executes one Kernel/FaaS bundle's ExecutionWrapper
	// pipeline. It runs synchronously within the caller's goroutine; the
	// Service launches it in its own goroutine so the watch loop is never
	// blocked by an in-flight job.
	RunKernel(ctx context.Context, job execwrapper.Job)

	// CancelKernel requests the in-flight job for assignmentUUID stop at
	// its next poll. A no-op if no job is running for that assignment.
	CancelKernel(assignmentUUID string)
}
