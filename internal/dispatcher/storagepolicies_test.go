package dispatcher_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serrano-project/orchestrator/internal/domain"
)

func TestSubmitStoragePolicy_RequiresName(t *testing.T) {
	disp := newTestDispatcher(t)
	_, err := disp.SubmitStoragePolicy(context.Background(), domain.StoragePolicy{})
	assert.Error(t, err)
}

func TestSubmitStoragePolicy_StartsSubmittedByAPI(t *testing.T) {
	disp := newTestDispatcher(t)
	sp, err := disp.SubmitStoragePolicy(context.Background(), domain.StoragePolicy{Name: "encrypt-at-rest"})
	require.NoError(t, err)
	assert.Equal(t, domain.StoragePolicySubmitted, sp.Status)
	assert.Equal(t, domain.WriterAPI, sp.UpdatedBy)
	assert.NotEmpty(t, sp.PolicyUUID)
}

func TestSetStoragePolicyDecision_AssignsCCPolicyIDOnce(t *testing.T) {
	disp := newTestDispatcher(t)
	ctx := context.Background()

	sp, err := disp.SubmitStoragePolicy(ctx, domain.StoragePolicy{Name: "encrypt-at-rest"})
	require.NoError(t, err)

	require.NoError(t, disp.SetStoragePolicyDecision(ctx, sp.PolicyUUID, map[string]any{"backend": "vault"}, 42))

	got, err := disp.GetStoragePolicy(ctx, sp.PolicyUUID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.CCPolicyID)
	assert.Equal(t, "vault", got.Decision["backend"])

	require.NoError(t, disp.SetStoragePolicyDecision(ctx, sp.PolicyUUID, map[string]any{"backend": "vault"}, 99))

	got, err = disp.GetStoragePolicy(ctx, sp.PolicyUUID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.CCPolicyID, "cc_policy_id is assigned once and never overwritten")
}

func TestUpdateStoragePolicyStatus_TransitionsAndLogs(t *testing.T) {
	disp := newTestDispatcher(t)
	ctx := context.Background()

	sp, err := disp.SubmitStoragePolicy(ctx, domain.StoragePolicy{Name: "encrypt-at-rest"})
	require.NoError(t, err)

	require.NoError(t, disp.UpdateStoragePolicyStatus(ctx, sp.PolicyUUID, domain.StoragePolicyCreated, domain.WriterManager, "gateway applied policy"))

	got, err := disp.GetStoragePolicy(ctx, sp.PolicyUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.StoragePolicyCreated, got.Status)
	require.Len(t, got.Logs, 1)
}

func TestListStoragePolicies_ReturnsEverySubmittedPolicy(t *testing.T) {
	disp := newTestDispatcher(t)
	ctx := context.Background()

	_, err := disp.SubmitStoragePolicy(ctx, domain.StoragePolicy{Name: "a"})
	require.NoError(t, err)
	_, err = disp.SubmitStoragePolicy(ctx, domain.StoragePolicy{Name: "b"})
	require.NoError(t, err)

	policies, err := disp.ListStoragePolicies(ctx)
	require.NoError(t, err)
	assert.Len(t, policies, 2)
}
