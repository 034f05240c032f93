package dispatcher

import (
	"context"
	"strings"

	"github.com/serrano-project/orchestrator/internal/domain"
	"github.com/serrano-project/orchestrator/internal/kvstore"
)

// AnomalyEvent is the envelope the anomaly detector posts to ede_notification:
// one or more anomalies, each carrying a SHAP analysis keyed by
// "<metric>_<worker_node>".
type AnomalyEvent struct {
	Anomalies []Anomaly `json:"anomalies"`
}

type Anomaly struct {
	Analysis AnomalyAnalysis `json:"analysis"`
}

type AnomalyAnalysis struct {
	ShapValues map[string]float64 `json:"shap_values"`
}

// extractRootCauseWorkerNodes walks every anomaly's shap_values and returns
// the distinct worker nodes whose SHAP value meets or exceeds threshold. A
// shap_values key has the shape "<metric>_<worker_node>"; the worker node is
// everything after the first underscore.
func extractRootCauseWorkerNodes(evt AnomalyEvent, threshold float64) []string {
	seen := make(map[string]bool)
	var nodes []string
	for _, a := range evt.Anomalies {
		for key, v := range a.Analysis.ShapValues {
			if v < threshold {
				continue
			}
			_, workerNode, ok := strings.Cut(key, "_")
			if !ok || workerNode == "" {
				continue
			}
			if seen[workerNode] {
				continue
			}
			seen[workerNode] = true
			nodes = append(nodes, workerNode)
		}
	}
	return nodes
}

// HandleNotificationEvent is the Dispatcher's reaction to an anomaly
// notification: it computes which worker nodes crossed the SHAP threshold,
// finds every deployed Deployment whose full monitored footprint falls
// within those nodes, and redeploys each by deleting it (cascading its
// assignments, bundles and monitoring record) and resubmitting it fresh.
func (d *Dispatcher) HandleNotificationEvent(ctx context.Context, evt AnomalyEvent) ([]string, error) {
	affectedNodes := extractRootCauseWorkerNodes(evt, d.shapThreshold)
	if len(affectedNodes) == 0 {
		return nil, nil
	}

	deployments, err := d.ListDeployments(ctx)
	if err != nil {
		return nil, err
	}

	var redeployed []string
	for _, dep := range deployments {
		if dep.Status != domain.DeploymentDeployed {
			continue
		}
		mon, err := d.GetMonitoring(ctx, dep.DeploymentUUID)
		if err != nil {
			continue
		}
		if !monitoringFullyAffected(mon, affectedNodes) {
			continue
		}

		if err := d.triggerAssignmentRedeployment(ctx, dep, mon, affectedNodes); err != nil {
			d.log.WithError(err).WithField("deployment_uuid", dep.DeploymentUUID).Warn("redeployment failed")
			continue
		}
		redeployed = append(redeployed, dep.DeploymentUUID)
	}
	return redeployed, nil
}

// monitoringFullyAffected reports whether every bundle of a deployment's
// current assignment is affected, i.e. every worker node the deployment's
// Monitoring record lists falls within affectedNodes. A deployment with no
// monitored worker nodes at all is never considered affected.
func monitoringFullyAffected(mon domain.Monitoring, affectedNodes []string) bool {
	affected := make(map[string]bool, len(affectedNodes))
	for _, n := range affectedNodes {
		affected[n] = true
	}

	total := 0
	for _, cm := range mon.Clusters {
		for _, p := range cm.K8sParams {
			if p.WorkerNode == "" {
				continue
			}
			total++
			if !affected[p.WorkerNode] {
				return false
			}
		}
	}
	return total > 0
}

// triggerAssignmentRedeployment tears a deployment's materialized placement
// down and resubmits it with reset assignments, so the Manager schedules it
// again from scratch against the (now presumably healthier) cluster set.
func (d *Dispatcher) triggerAssignmentRedeployment(ctx context.Context, dep domain.Deployment, mon domain.Monitoring, affectedNodes []string) error {
	clusterUUIDs := make([]string, 0, len(mon.Clusters))
	for _, cm := range mon.Clusters {
		clusterUUIDs = append(clusterUUIDs, cm.ClusterUUID)
	}

	if err := d.deleteDeployment(ctx, dep); err != nil {
		return err
	}

	dep.DeploymentObjectives = append(dep.DeploymentObjectives, domain.DeploymentObjective{
		"affected_cluster_uuids": clusterUUIDs,
		"affected_worker_nodes":  affectedNodes,
		"reason":                 "anomaly_detected",
	})
	dep.Assignments = nil
	dep.AssignmentsStatus = nil
	dep.Status = domain.DeploymentSubmitted
	dep.UpdatedBy = domain.WriterAPI
	dep.UpdatedAt = now()
	dep.Logs = append(dep.Logs, domain.LogEntry{
		Timestamp: dep.UpdatedAt.Unix(),
		Event:     "redeployment triggered: anomaly on " + strings.Join(affectedNodes, ","),
	})

	return d.putJSON(ctx, kvstore.DeploymentKey(dep.DeploymentUUID), dep, domain.WriterAPI)
}

// deleteDeployment removes a Deployment's assignments, their bundles, and
// its monitoring record, and tells telemetry the deployment is gone. It
// does not remove the Deployment key itself; the caller re-puts it.
func (d *Dispatcher) deleteDeployment(ctx context.Context, dep domain.Deployment) error {
	for _, assignUUID := range dep.Assignments {
		a, err := d.findAssignment(ctx, assignUUID)
		if err != nil {
			continue
		}
		for _, bundleUUID := range a.BundleUUIDs {
			_ = d.store.Delete(ctx, kvstore.BundleKey(bundleUUID))
		}
		_ = d.store.Delete(ctx, kvstore.AssignmentKey(a.ClusterUUID, a.AssignmentUUID))
	}
	_ = d.store.Delete(ctx, kvstore.MonitoringKey(dep.DeploymentUUID))

	if d.notifier != nil {
		if err := d.notifier.DropDeployment(ctx, dep.DeploymentUUID); err != nil {
			d.log.WithError(err).WithField("deployment_uuid", dep.DeploymentUUID).Warn("telemetry drop-deployment failed")
		}
	}
	return nil
}

// ForwardMetricLogs passes a batch of driver-originated metric log entries
// straight through to the central telemetry handler with no KV mutation.
func (d *Dispatcher) ForwardMetricLogs(ctx context.Context, logs []map[string]any) error {
	if d.notifier == nil {
		return nil
	}
	return d.notifier.PostMetricLogs(ctx, logs)
}
