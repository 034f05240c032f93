package dispatcher

import (
	"context"

	"github.com/serrano-project/orchestrator/internal/apperrors"
	"github.com/serrano-project/orchestrator/internal/domain"
	"github.com/serrano-project/orchestrator/internal/kvstore"
)

// AddAssignmentLog transitions an assignment and cascades the side effects
// an assignment reaching a terminal state triggers: flipping the parent
// Deployment/Kernel's status and, for Deployments, refreshing the
// assignments_status index so API readers never see a stale summary.
func (d *Dispatcher) AddAssignmentLog(ctx context.Context, clusterUUID, assignmentUUID string, next domain.AssignmentStatus, event string) error {
	if err := d.UpdateAssignmentStatus(ctx, clusterUUID, assignmentUUID, next, event); err != nil {
		return err
	}

	a, err := d.GetAssignment(ctx, clusterUUID, assignmentUUID)
	if err != nil {
		return err
	}

	switch a.Kind {
	case "Deployment":
		return d.onDeploymentAssignmentChanged(ctx, a)
	case "Kernel", "FaaS":
		return d.onKernelAssignmentChanged(ctx, a)
	}
	return nil
}

func (d *Dispatcher) onDeploymentAssignmentChanged(ctx context.Context, a domain.Assignment) error {
	dep, err := d.GetDeployment(ctx, a.ParentUUID)
	if err != nil {
		return err
	}

	if err := d.updateAssignmentsStatusIndex(ctx, &dep); err != nil {
		return err
	}
	if err := d.putJSON(ctx, kvstore.DeploymentKey(dep.DeploymentUUID), dep, domain.WriterDriver); err != nil {
		return err
	}

	switch a.Status {
	case domain.AssignmentFailed:
		return d.UpdateDeploymentStatus(ctx, dep.DeploymentUUID, domain.DeploymentFailed, domain.WriterDriver, "assignment failed: "+a.AssignmentUUID)
	case domain.AssignmentDeployed:
		if allAssignmentsDeployed(dep) {
			return d.UpdateDeploymentStatus(ctx, dep.DeploymentUUID, domain.DeploymentDeployed, domain.WriterDriver, "all assignments deployed")
		}
	}
	return nil
}

func allAssignmentsDeployed(dep domain.Deployment) bool {
	if len(dep.AssignmentsStatus) == 0 {
		return false
	}
	for _, s := range dep.AssignmentsStatus {
		if s != domain.AssignmentDeployed {
			return false
		}
	}
	return true
}

func (d *Dispatcher) onKernelAssignmentChanged(ctx context.Context, a domain.Assignment) error {
	switch a.Status {
	case domain.AssignmentFailed:
		return d.UpdateKernelStatusWithTelemetry(ctx, a.ParentUUID, domain.KernelFailed, domain.WriterDriver, "assignment failed: "+a.AssignmentUUID)
	case domain.AssignmentDeployed:
		return d.UpdateKernelStatusWithTelemetry(ctx, a.ParentUUID, domain.KernelDeployed, domain.WriterDriver, "assignment deployed: "+a.AssignmentUUID)
	}
	return nil
}

// UpdateKernelStatusWithTelemetry transitions a KernelRequest and, for a
// FaaS invocation with a materialized assignment and bundle, reports the
// transition as a counter delta against the telemetry handler: +1 entering
// IN_DEPLOYMENT, -1 reaching FINISHED or FAILED, 0 otherwise.
func (d *Dispatcher) UpdateKernelStatusWithTelemetry(ctx context.Context, requestUUID string, next domain.KernelStatus, updatedBy domain.Writer, event string) error {
	kr, err := d.GetKernelRequest(ctx, requestUUID)
	if err != nil {
		return err
	}
	if kr.Kind == domain.KernelKindFaaS {
		d.reportFaaSCounterDelta(ctx, kr, next)
	}
	return d.UpdateKernelRequestStatus(ctx, requestUUID, next, updatedBy, event)
}

// reportFaaSCounterDelta is best-effort: a telemetry outage must not block
// the kernel's own status transition.
func (d *Dispatcher) reportFaaSCounterDelta(ctx context.Context, kr domain.KernelRequest, next domain.KernelStatus) {
	if d.notifier == nil || kr.AssignmentUUID == "" || kr.BundleUUID == "" {
		return
	}
	diff := faasCounterDiff(next)

	assignment, err := d.findAssignment(ctx, kr.AssignmentUUID)
	if err != nil {
		return
	}
	bundle, err := d.GetBundle(ctx, kr.BundleUUID)
	if err != nil {
		return
	}

	if err := d.notifier.PutKernelDeploymentCounter(ctx, assignment.ClusterUUID, bundleKernelMode(bundle), diff); err != nil {
		d.log.WithError(err).Warn("faas counter-delta telemetry post failed")
	}
}

func faasCounterDiff(status domain.KernelStatus) int {
	switch status {
	case domain.KernelInDeploy:
		return 1
	case domain.KernelFinished, domain.KernelFailed:
		return -1
	default:
		return 0
	}
}

// bundleKernelMode reads description.data_description.mode off a Bundle,
// the FaaS invocation mode (e.g. "sync"/"async") the kernel_mode counter
// label is keyed by.
func bundleKernelMode(b domain.Bundle) string {
	dd, _ := b.Description["data_description"].(map[string]any)
	mode, _ := dd["mode"].(string)
	return mode
}

// EntityLogEntry is one line of a driver-originated log batch: an entity
// transition plus the event describing it. Kind selects which entity UUID
// addresses and which cascade, if any, follows.
type EntityLogEntry struct {
	Kind        string `json:"kind"` // "Deployment", "Assignment", "Bundle" or "FaaS"
	UUID        string `json:"uuid"`
	ClusterUUID string `json:"cluster_uuid,omitempty"`
	Status      string `json:"status"`
	Event       string `json:"event"`
}

// AddEntityLog dispatches one driver-originated log entry to the entity
// kind it names, mirroring the per-kind transitions the original dispatch
// logic applies: Deployment entries go through UpdateDeploymentStatus, so
// an illegal transition is rejected; Bundle entries simply overwrite status
// and append a log; Assignment entries cascade through AddAssignmentLog;
// FaaS and Kernel entries go through UpdateKernelStatusWithTelemetry.
func (d *Dispatcher) AddEntityLog(ctx context.Context, entry EntityLogEntry) error {
	switch entry.Kind {
	case "Deployment":
		return d.UpdateDeploymentStatus(ctx, entry.UUID, domain.DeploymentStatus(entry.Status), domain.WriterDriver, entry.Event)
	case "Assignment":
		return d.AddAssignmentLog(ctx, entry.ClusterUUID, entry.UUID, domain.AssignmentStatus(entry.Status), entry.Event)
	case "Bundle":
		return d.UpdateBundleStatus(ctx, entry.UUID, domain.BundleStatus(entry.Status), domain.WriterDriver, entry.Event)
	case "FaaS", "Kernel":
		return d.UpdateKernelStatusWithTelemetry(ctx, entry.UUID, domain.KernelStatus(entry.Status), domain.WriterDriver, entry.Event)
	default:
		return apperrors.Validation("unrecognized log kind " + entry.Kind)
	}
}
