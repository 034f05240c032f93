package dispatcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serrano-project/orchestrator/internal/dispatcher"
	"github.com/serrano-project/orchestrator/internal/domain"
	"github.com/serrano-project/orchestrator/internal/kvstore"
	"github.com/serrano-project/orchestrator/internal/logging"
)

type noopNotifier struct{}

func (noopNotifier) NotifyAnomalyDetector(ctx context.Context, deploymentUUID string, workerNodes []string) error {
	return nil
}

func (noopNotifier) PostMetricLogs(ctx context.Context, logs []map[string]any) error {
	return nil
}

func (noopNotifier) DropDeployment(ctx context.Context, deploymentUUID string) error {
	return nil
}

func (noopNotifier) PutKernelDeploymentCounter(ctx context.Context, clusterUUID, kernelMode string, counterDiff int) error {
	return nil
}

func newTestDispatcher(t *testing.T) *dispatcher.Dispatcher {
	t.Helper()
	store := kvstore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	return dispatcher.New(store, noopNotifier{}, logging.NewDefault("test"), 0.5)
}

func TestRegisterCluster_ThenGetReturnsIt(t *testing.T) {
	disp := newTestDispatcher(t)
	ctx := context.Background()

	c := domain.Cluster{ClusterUUID: "cluster-1", Type: domain.ClusterK8s, Info: map[string]interface{}{"region": "eu-west"}}
	require.NoError(t, disp.RegisterCluster(ctx, c))

	got, err := disp.GetCluster(ctx, "cluster-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ClusterK8s, got.Type)
	assert.Equal(t, "eu-west", got.Info["region"])
}

func TestGetCluster_MissingReturnsNotFound(t *testing.T) {
	disp := newTestDispatcher(t)
	_, err := disp.GetCluster(context.Background(), "missing")
	assert.Error(t, err)
}

func TestGetClusters_ActiveOnlyExcludesStaleHeartbeats(t *testing.T) {
	disp := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, disp.RegisterCluster(ctx, domain.Cluster{ClusterUUID: "fresh", Type: domain.ClusterK8s}))
	require.NoError(t, disp.RegisterCluster(ctx, domain.Cluster{ClusterUUID: "stale", Type: domain.ClusterHPC}))

	require.NoError(t, disp.Heartbeat(ctx, "fresh"))

	clusters, err := disp.GetClusters(ctx, true, time.Minute)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, "fresh", clusters[0].ClusterUUID)
}

func TestGetClusters_ActiveOnlyExcludesClustersWithoutHeartbeat(t *testing.T) {
	disp := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, disp.RegisterCluster(ctx, domain.Cluster{ClusterUUID: "never-heartbeated", Type: domain.ClusterK8s}))

	clusters, err := disp.GetClusters(ctx, true, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestGetClusters_NotActiveOnlyReturnsEveryCluster(t *testing.T) {
	disp := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, disp.RegisterCluster(ctx, domain.Cluster{ClusterUUID: "a", Type: domain.ClusterK8s}))
	require.NoError(t, disp.RegisterCluster(ctx, domain.Cluster{ClusterUUID: "b", Type: domain.ClusterHPC}))

	clusters, err := disp.GetClusters(ctx, false, 0)
	require.NoError(t, err)
	assert.Len(t, clusters, 2)
}

func TestHeartbeat_RefreshesLeaseSoClusterStaysActive(t *testing.T) {
	disp := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, disp.RegisterCluster(ctx, domain.Cluster{ClusterUUID: "c1", Type: domain.ClusterK8s}))
	require.NoError(t, disp.Heartbeat(ctx, "c1"))

	clusters, err := disp.GetClusters(ctx, true, time.Second)
	require.NoError(t, err)
	require.Len(t, clusters, 1)

	time.Sleep(1100 * time.Millisecond)

	clusters, err = disp.GetClusters(ctx, true, time.Second)
	require.NoError(t, err)
	assert.Empty(t, clusters)
}
