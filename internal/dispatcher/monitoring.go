package dispatcher

import (
	"context"

	"github.com/serrano-project/orchestrator/internal/apperrors"
	"github.com/serrano-project/orchestrator/internal/domain"
	"github.com/serrano-project/orchestrator/internal/kvstore"
)

// GetMonitoring returns the Monitoring entity tracking which clusters hold
// which assignment-scoped backend resources for a Deployment.
func (d *Dispatcher) GetMonitoring(ctx context.Context, deploymentUUID string) (domain.Monitoring, error) {
	var mon domain.Monitoring
	err := d.getJSON(ctx, kvstore.MonitoringKey(deploymentUUID), &mon)
	return mon, err
}

// ScheduleMonitoring seeds a Deployment's Monitoring entity with the
// clusters the Manager has scheduled it onto, before any assignment-scoped
// data exists. PutAssignmentMonitoringData refuses to report against a
// cluster that isn't already listed here, so this call must precede it.
func (d *Dispatcher) ScheduleMonitoring(ctx context.Context, deploymentUUID string, clusterUUIDs []string) error {
	mon := domain.Monitoring{DeploymentUUID: deploymentUUID, CreatedAt: now(), UpdatedAt: now()}
	for _, c := range clusterUUIDs {
		mon.Clusters = append(mon.Clusters, domain.ClusterMonitoring{ClusterUUID: c})
	}
	return d.putJSON(ctx, kvstore.MonitoringKey(deploymentUUID), mon, domain.WriterManager)
}

// PutAssignmentMonitoringData records one cluster's assignment-scoped
// monitoring data for a Deployment. It is a no-op, not a create or an
// upsert, unless the Deployment was already scheduled onto this cluster via
// ScheduleMonitoring: a report from a cluster the deployment was never
// scheduled on is silently dropped rather than fabricating a Monitoring
// entity or widening its footprint.
func (d *Dispatcher) PutAssignmentMonitoringData(ctx context.Context, deploymentUUID string, cm domain.ClusterMonitoring) error {
	mon, err := d.GetMonitoring(ctx, deploymentUUID)
	if err != nil {
		if ae, ok := apperrors.As(err); ok && ae.Kind == apperrors.KindNotFound {
			return nil
		}
		return err
	}

	found := false
	for i, existing := range mon.Clusters {
		if existing.ClusterUUID == cm.ClusterUUID {
			mon.Clusters[i] = cm
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	mon.UpdatedAt = now()

	return d.putJSON(ctx, kvstore.MonitoringKey(deploymentUUID), mon, domain.WriterManager)
}
