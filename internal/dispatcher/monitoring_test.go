package dispatcher_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serrano-project/orchestrator/internal/domain"
)

func TestGetMonitoring_MissingReturnsNotFound(t *testing.T) {
	disp := newTestDispatcher(t)
	_, err := disp.GetMonitoring(context.Background(), "missing")
	assert.Error(t, err)
}

func TestScheduleMonitoring_SeedsOneEntryPerScheduledCluster(t *testing.T) {
	disp := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, disp.ScheduleMonitoring(ctx, "dep-1", []string{"c1", "c2"}))

	mon, err := disp.GetMonitoring(ctx, "dep-1")
	require.NoError(t, err)
	require.Len(t, mon.Clusters, 2)
	assert.Equal(t, "c1", mon.Clusters[0].ClusterUUID)
	assert.Equal(t, "c2", mon.Clusters[1].ClusterUUID)
}

func TestPutAssignmentMonitoringData_NoopWhenMonitoringAbsent(t *testing.T) {
	disp := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, disp.PutAssignmentMonitoringData(ctx, "dep-1", domain.ClusterMonitoring{
		ClusterUUID:    "c1",
		AssignmentUUID: "a1",
		K8sParams:      []domain.K8sParam{{Kind: "Pod", Name: "p0", WorkerNode: "node-1"}},
	}))

	_, err := disp.GetMonitoring(ctx, "dep-1")
	assert.Error(t, err, "must not create a Monitoring entity out of thin air")
}

func TestPutAssignmentMonitoringData_NoopWhenClusterNotScheduled(t *testing.T) {
	disp := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, disp.ScheduleMonitoring(ctx, "dep-1", []string{"c1"}))
	require.NoError(t, disp.PutAssignmentMonitoringData(ctx, "dep-1", domain.ClusterMonitoring{
		ClusterUUID:    "c9",
		AssignmentUUID: "a9",
		K8sParams:      []domain.K8sParam{{Kind: "Pod", Name: "p0", WorkerNode: "node-9"}},
	}))

	mon, err := disp.GetMonitoring(ctx, "dep-1")
	require.NoError(t, err)
	require.Len(t, mon.Clusters, 1)
	assert.Empty(t, mon.Clusters[0].AssignmentUUID, "the unscheduled cluster's report must be dropped")
}

func TestPutAssignmentMonitoringData_FillsScheduledClusterEntry(t *testing.T) {
	disp := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, disp.ScheduleMonitoring(ctx, "dep-1", []string{"c1", "c2"}))
	require.NoError(t, disp.PutAssignmentMonitoringData(ctx, "dep-1", domain.ClusterMonitoring{
		ClusterUUID:    "c1",
		AssignmentUUID: "a1",
		K8sParams:      []domain.K8sParam{{Kind: "Pod", Name: "p0", WorkerNode: "node-1"}},
	}))

	mon, err := disp.GetMonitoring(ctx, "dep-1")
	require.NoError(t, err)
	require.Len(t, mon.Clusters, 2)
	assert.Equal(t, "a1", mon.Clusters[0].AssignmentUUID)
	assert.Equal(t, "node-1", mon.Clusters[0].K8sParams[0].WorkerNode)
	assert.Empty(t, mon.Clusters[1].AssignmentUUID, "c2's entry is untouched until it reports")
}

func TestPutAssignmentMonitoringData_ReplacesSameClusterEntry(t *testing.T) {
	disp := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, disp.ScheduleMonitoring(ctx, "dep-1", []string{"c1"}))
	require.NoError(t, disp.PutAssignmentMonitoringData(ctx, "dep-1", domain.ClusterMonitoring{
		ClusterUUID: "c1", AssignmentUUID: "a1",
		K8sParams: []domain.K8sParam{{Kind: "Pod", Name: "p0", WorkerNode: "node-1"}},
	}))
	require.NoError(t, disp.PutAssignmentMonitoringData(ctx, "dep-1", domain.ClusterMonitoring{
		ClusterUUID: "c1", AssignmentUUID: "a1",
		K8sParams: []domain.K8sParam{{Kind: "Pod", Name: "p0", WorkerNode: "node-2"}},
	}))

	mon, err := disp.GetMonitoring(ctx, "dep-1")
	require.NoError(t, err)
	require.Len(t, mon.Clusters, 1, "same cluster must replace, not append")
	assert.Equal(t, "node-2", mon.Clusters[0].K8sParams[0].WorkerNode)
}
