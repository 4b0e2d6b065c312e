package aws

import (
	"testing"

	"accel-fleet/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
)

func TestClassifyInstance(t *testing.T) {
	tests := []struct {
		name     string
		state    types.InstanceStateName
		reason   string
		expected models.ResourceState
	}{
		{"pending", types.InstanceStateNamePending, "", models.ResourceCreating},
		{"running", types.InstanceStateNameRunning, "", models.ResourceReady},
		{"stopped", types.InstanceStateNameStopped, "", models.ResourcePreempted},
		{"terminated", types.InstanceStateNameTerminated, "User.InitiatedShutdown", models.ResourceTerminated},
		{"spot reclaim", types.InstanceStateNameTerminated, "Server.SpotInstanceTermination", models.ResourcePreempted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := types.Instance{State: &types.InstanceState{Name: tt.state}}
			if tt.reason != "" {
				inst.StateReason = &types.StateReason{Code: aws.String(tt.reason)}
			}
			assert.Equal(t, tt.expected, classifyInstance(inst))
		})
	}
}

func TestStateRankOrdersWorstLast(t *testing.T) {
	ordered := []models.ResourceState{
		models.ResourceReady,
		models.ResourceCreating,
		models.ResourcePreempted,
		models.ResourceTerminated,
		models.ResourceNotFound,
		models.ResourceUnknown,
	}
	for i := 1; i < len(ordered); i++ {
		assert.Greater(t, stateRank(ordered[i]), stateRank(ordered[i-1]))
	}
}
