package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeploymentStatus_ValidTransition_FollowsTheDeclaredGraph(t *testing.T) {
	assert.True(t, DeploymentSubmitted.ValidTransition(DeploymentPending))
	assert.True(t, DeploymentPending.ValidTransition(DeploymentScheduled))
	assert.True(t, DeploymentScheduled.ValidTransition(DeploymentAssigned))
	assert.True(t, DeploymentAssigned.ValidTransition(DeploymentInDeploy))
	assert.True(t, DeploymentAssigned.ValidTransition(DeploymentRedeployed))
	assert.True(t, DeploymentInDeploy.ValidTransition(DeploymentDeployed))
	assert.True(t, DeploymentDeployed.ValidTransition(DeploymentTerminated))
	assert.True(t, DeploymentRedeployed.ValidTransition(DeploymentSubmitted))
}

func TestDeploymentStatus_ValidTransition_RejectsSkippingStates(t *testing.T) {
	assert.False(t, DeploymentSubmitted.ValidTransition(DeploymentScheduled))
	assert.False(t, DeploymentPending.ValidTransition(DeploymentAssigned))
	assert.False(t, DeploymentDeployed.ValidTransition(DeploymentSubmitted))
}

func TestDeploymentStatus_ValidTransition_FailedIsReachableFromAnyState(t *testing.T) {
	for _, s := range []DeploymentStatus{
		DeploymentUnknown, DeploymentSubmitted, DeploymentPending, DeploymentScheduled,
		DeploymentAssigned, DeploymentInDeploy, DeploymentDeployed, DeploymentRedeployed, DeploymentTerminated,
	} {
		assert.True(t, s.ValidTransition(DeploymentFailed), "FAILED must be reachable from %s", s)
	}
}

func TestDeploymentStatus_ValidTransition_TerminatedIsAbsorbing(t *testing.T) {
	assert.False(t, DeploymentTerminated.ValidTransition(DeploymentSubmitted))
	assert.False(t, DeploymentTerminated.ValidTransition(DeploymentDeployed))
}

func TestDeploymentStatus_ValidTransition_UnknownOnlyMovesToSubmitted(t *testing.T) {
	assert.True(t, DeploymentUnknown.ValidTransition(DeploymentSubmitted))
	assert.False(t, DeploymentUnknown.ValidTransition(DeploymentPending))
}
