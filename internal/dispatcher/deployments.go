package dispatcher

import (
	"context"

	"github.com/google/uuid"

	"github.com/serrano-project/orchestrator/internal/apperrors"
	"github.com/serrano-project/orchestrator/internal/domain"
	"github.com/serrano-project/orchestrator/internal/kvstore"
)

// SubmitDeployment creates a new Deployment in SUBMITTED state, written by
// the API. The Manager's watch on DeploymentsPrefix reacts to exactly this
// write.
func (d *Dispatcher) SubmitDeployment(ctx context.Context, dep domain.Deployment) (domain.Deployment, error) {
	if dep.Name == "" {
		return domain.Deployment{}, apperrors.Validation("deployment name is required")
	}
	dep.DeploymentUUID = uuid.NewString()
	dep.Status = domain.DeploymentSubmitted
	dep.UpdatedBy = domain.WriterAPI
	dep.CreatedAt = now()
	dep.UpdatedAt = dep.CreatedAt
	dep.Logs = append(dep.Logs, domain.LogEntry{Timestamp: dep.CreatedAt.Unix(), Event: "submitted"})

	if err := d.putJSON(ctx, kvstore.DeploymentKey(dep.DeploymentUUID), dep, domain.WriterAPI); err != nil {
		return domain.Deployment{}, err
	}
	return dep, nil
}

func (d *Dispatcher) GetDeployment(ctx context.Context, deploymentUUID string) (domain.Deployment, error) {
	var dep domain.Deployment
	err := d.getJSON(ctx, kvstore.DeploymentKey(deploymentUUID), &dep)
	return dep, err
}

func (d *Dispatcher) ListDeployments(ctx context.Context) ([]domain.Deployment, error) {
	raw, err := d.store.List(ctx, kvstore.DeploymentsPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]domain.Deployment, 0, len(raw))
	for _, v := range raw {
		var dep domain.Deployment
		if err := jsonUnmarshalSkip(d, v, &dep); err != nil {
			continue
		}
		out = append(out, dep)
	}
	return out, nil
}

// UpdateDeploymentStatus transitions a Deployment, enforcing the state
// machine. Reaching DEPLOYED additionally enables anomaly monitoring by
// notifying the anomaly detector of the worker nodes now in play; a failed
// notification is returned to the caller after DEPLOYED has been written.
// No other status, FAILED included, has a side effect beyond the write.
func (d *Dispatcher) UpdateDeploymentStatus(ctx context.Context, deploymentUUID string, next domain.DeploymentStatus, updatedBy domain.Writer, event string) error {
	dep, err := d.GetDeployment(ctx, deploymentUUID)
	if err != nil {
		return err
	}
	if !dep.Status.ValidTransition(next) {
		return apperrors.Integrity(
			"illegal deployment transition "+string(dep.Status)+" -> "+string(next), nil)
	}

	dep.Status = next
	dep.UpdatedBy = updatedBy
	dep.UpdatedAt = now()
	dep.Logs = append(dep.Logs, domain.LogEntry{Timestamp: dep.UpdatedAt.Unix(), Event: event})

	if err := d.putJSON(ctx, kvstore.DeploymentKey(deploymentUUID), dep, updatedBy); err != nil {
		return err
	}

	if next == domain.DeploymentDeployed {
		return d.enableDeploymentMonitoring(ctx, deploymentUUID)
	}
	return nil
}

// AssignDeployment records the cluster assignments the Manager
// materialized for a Deployment and flips it to ASSIGNED in one write, so
// a reader never observes an assignments list without a matching status.
func (d *Dispatcher) AssignDeployment(ctx context.Context, deploymentUUID string, assignmentUUIDs []string, event string) error {
	dep, err := d.GetDeployment(ctx, deploymentUUID)
	if err != nil {
		return err
	}
	if !dep.Status.ValidTransition(domain.DeploymentAssigned) {
		return apperrors.Integrity(
			"illegal deployment transition "+string(dep.Status)+" -> "+string(domain.DeploymentAssigned), nil)
	}

	dep.Assignments = assignmentUUIDs
	dep.AssignmentsStatus = make([]domain.AssignmentStatus, len(assignmentUUIDs))
	for i := range dep.AssignmentsStatus {
		dep.AssignmentsStatus[i] = domain.AssignmentCreated
	}
	dep.Status = domain.DeploymentAssigned
	dep.UpdatedBy = domain.WriterManager
	dep.UpdatedAt = now()
	dep.Logs = append(dep.Logs, domain.LogEntry{Timestamp: dep.UpdatedAt.Unix(), Event: event})

	return d.putJSON(ctx, kvstore.DeploymentKey(deploymentUUID), dep, domain.WriterManager)
}

// enableDeploymentMonitoring reads the Monitoring entity built up during
// materialization and notifies the anomaly detector of the worker nodes the
// deployment now occupies, so future anomalies on those nodes can be
// mapped back to this deployment.
func (d *Dispatcher) enableDeploymentMonitoring(ctx context.Context, deploymentUUID string) error {
	mon, err := d.GetMonitoring(ctx, deploymentUUID)
	if err != nil {
		if ae, ok := apperrors.As(err); ok && ae.Kind == apperrors.KindNotFound {
			return nil // nothing to monitor yet, not an error.
		}
		return err
	}

	var workerNodes []string
	for _, cm := range mon.Clusters {
		for _, p := range cm.K8sParams {
			if p.WorkerNode != "" {
				workerNodes = append(workerNodes, p.WorkerNode)
			}
		}
	}
	if len(workerNodes) == 0 || d.notifier == nil {
		return nil
	}
	return d.notifier.NotifyAnomalyDetector(ctx, deploymentUUID, workerNodes)
}

// updateAssignmentsStatusIndex rewrites a Deployment's assignments_status
// slice in place after one of its assignments changes status, used by
// AddAssignmentLog's deployment cascade.
func (d *Dispatcher) updateAssignmentsStatusIndex(ctx context.Context, dep *domain.Deployment) error {
	dep.AssignmentsStatus = dep.AssignmentsStatus[:0]
	for _, assignUUID := range dep.Assignments {
		a, err := d.findAssignment(ctx, assignUUID)
		if err != nil {
			continue
		}
		dep.AssignmentsStatus = append(dep.AssignmentsStatus, a.Status)
	}
	return nil
}

func jsonUnmarshalSkip(d *Dispatcher, v []byte, dest interface{}) error {
	err := unmarshalJSON(v, dest)
	if err != nil {
		d.log.WithError(err).Warn("skipping malformed record")
	}
	return err
}
