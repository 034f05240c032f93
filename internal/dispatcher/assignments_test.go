package dispatcher_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serrano-project/orchestrator/internal/domain"
)

func TestCreateAssignment_RequiresClusterUUID(t *testing.T) {
	disp := newTestDispatcher(t)
	_, err := disp.CreateAssignment(context.Background(), domain.Assignment{Kind: "Deployment"})
	assert.Error(t, err)
}

func TestCreateAssignment_DefaultsStatusToCreated(t *testing.T) {
	disp := newTestDispatcher(t)
	a, err := disp.CreateAssignment(context.Background(), domain.Assignment{ClusterUUID: "c1", Kind: "Deployment"})
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentCreated, a.Status)
	assert.Equal(t, domain.WriterManager, a.UpdatedBy)
	assert.NotEmpty(t, a.AssignmentUUID)
}

func TestListClusterAssignments_OnlyReturnsThatClustersAssignments(t *testing.T) {
	disp := newTestDispatcher(t)
	ctx := context.Background()

	_, err := disp.CreateAssignment(ctx, domain.Assignment{ClusterUUID: "c1", Kind: "Deployment"})
	require.NoError(t, err)
	_, err = disp.CreateAssignment(ctx, domain.Assignment{ClusterUUID: "c2", Kind: "Deployment"})
	require.NoError(t, err)

	got, err := disp.ListClusterAssignments(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ClusterUUID)
}

func TestUpdateAssignmentStatus_RequiresExistingAssignment(t *testing.T) {
	disp := newTestDispatcher(t)
	err := disp.UpdateAssignmentStatus(context.Background(), "c1", "missing-uuid", domain.AssignmentDeployed, "no-op")
	assert.Error(t, err)
}

func TestUpdateAssignmentStatus_SetsStatusWriterAndAppendsLog(t *testing.T) {
	disp := newTestDispatcher(t)
	ctx := context.Background()

	a, err := disp.CreateAssignment(ctx, domain.Assignment{ClusterUUID: "c1", Kind: "Deployment"})
	require.NoError(t, err)

	require.NoError(t, disp.UpdateAssignmentStatus(ctx, "c1", a.AssignmentUUID, domain.AssignmentDeployed, "backend resources ready"))

	got, err := disp.GetAssignment(ctx, "c1", a.AssignmentUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentDeployed, got.Status)
	assert.Equal(t, domain.WriterDriver, got.UpdatedBy)
	require.Len(t, got.Logs, 1)
	assert.Equal(t, "backend resources ready", got.Logs[0].Event)
}

func TestCreateBundle_DefaultsStatusToCreated(t *testing.T) {
	disp := newTestDispatcher(t)
	b, err := disp.CreateBundle(context.Background(), domain.Bundle{Description: map[string]any{"kind": "Pod"}})
	require.NoError(t, err)
	assert.Equal(t, domain.BundleCreated, b.Status)
	assert.NotEmpty(t, b.BundleUUID)
}

func TestUpdateBundleStatus_RequiresExistingBundle(t *testing.T) {
	disp := newTestDispatcher(t)
	err := disp.UpdateBundleStatus(context.Background(), "missing-uuid", domain.BundleSuccessful, domain.WriterDriver, "no-op")
	assert.Error(t, err)
}

func TestUpdateBundleStatus_TransitionsAndLogs(t *testing.T) {
	disp := newTestDispatcher(t)
	ctx := context.Background()

	b, err := disp.CreateBundle(ctx, domain.Bundle{Description: map[string]any{}})
	require.NoError(t, err)

	require.NoError(t, disp.UpdateBundleStatus(ctx, b.BundleUUID, domain.BundleSuccessful, domain.WriterDriver, "execution completed"))

	got, err := disp.GetBundle(ctx, b.BundleUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.BundleSuccessful, got.Status)
	require.Len(t, got.Logs, 1)
}
