package aws

import (
	"context"
	"fmt"

	"accel-fleet/core/models"
	"accel-fleet/core/resource_manager"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/sirupsen/logrus"
)

const managedByTag = "accel-fleet"

// Client implements resource_manager.ProvisioningClient on EC2. A resource
// is the set of instances tagged Name=<resource name>; multi-worker
// resources are several instances sharing the tag.
type Client struct {
	ec2Client *ec2.Client
	ami       string // machine image every accelerator boots from
	sshUser   string
	workers   workerExec
	log       *logrus.Entry
}

// NewClient creates an EC2-backed provisioning client.
func NewClient(ctx context.Context, region, ami, sshUser string) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &Client{
		ec2Client: ec2.NewFromConfig(cfg),
		ami:       ami,
		sshUser:   sshUser,
		workers:   sshExec{},
		log:       logrus.WithField("component", "aws"),
	}, nil
}

// Describe classifies the instances behind the resource name.
func (c *Client) Describe(ctx context.Context, name string) (models.ResourceState, error) {
	instances, err := c.findInstances(ctx, name)
	if err != nil {
		return models.ResourceUnknown, err
	}
	if len(instances) == 0 {
		return models.ResourceNotFound, nil
	}

	// A multi-worker resource is only as healthy as its worst instance.
	worst := models.ResourceReady
	for _, inst := range instances {
		state := classifyInstance(inst)
		if stateRank(state) > stateRank(worst) {
			worst = state
		}
	}
	return worst, nil
}

func classifyInstance(inst types.Instance) models.ResourceState {
	switch inst.State.Name {
	case types.InstanceStateNamePending:
		return models.ResourceCreating
	case types.InstanceStateNameRunning:
		return models.ResourceReady
	case types.InstanceStateNameStopping, types.InstanceStateNameStopped:
		return models.ResourcePreempted
	case types.InstanceStateNameShuttingDown, types.InstanceStateNameTerminated:
		if inst.StateReason != nil && inst.StateReason.Code != nil &&
			*inst.StateReason.Code == "Server.SpotInstanceTermination" {
			return models.ResourcePreempted
		}
		return models.ResourceTerminated
	default:
		return models.ResourceUnknown
	}
}

// stateRank orders states from healthiest to most gone.
func stateRank(s models.ResourceState) int {
	switch s {
	case models.ResourceReady:
		return 0
	case models.ResourceCreating:
		return 1
	case models.ResourcePreempted:
		return 2
	case models.ResourceTerminated:
		return 3
	case models.ResourceNotFound:
		return 4
	default:
		return 5
	}
}

// Create launches one instance for the resource, as a spot instance when
// preemptible is requested.
func (c *Client) Create(ctx context.Context, req resource_manager.CreateRequest) error {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(c.ami),
		InstanceType: types.InstanceType(req.Type),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		Placement: &types.Placement{
			AvailabilityZone: aws.String(req.Zone),
		},
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String(req.Name)},
					{Key: aws.String("ManagedBy"), Value: aws.String(managedByTag)},
				},
			},
		},
	}
	if req.Preemptible {
		input.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{
				SpotInstanceType: types.SpotInstanceTypeOneTime,
			},
		}
	}

	if _, err := c.ec2Client.RunInstances(ctx, input); err != nil {
		return fmt.Errorf("failed to create %s: %w", req.Name, err)
	}
	return nil
}

// Delete terminates every instance behind the resource name.
func (c *Client) Delete(ctx context.Context, name string) error {
	instances, err := c.findInstances(ctx, name)
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		return fmt.Errorf("resource %s not found", name)
	}

	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, aws.ToString(inst.InstanceId))
	}
	if _, err := c.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids}); err != nil {
		return fmt.Errorf("failed to terminate %s: %w", name, err)
	}
	return nil
}

// ExecOnAllWorkers runs the command over SSH on every worker instance and
// reports per-worker outcomes. The call itself only fails when no worker
// address can be determined.
func (c *Client) ExecOnAllWorkers(ctx context.Context, name, command string) ([]resource_manager.ExecResult, error) {
	instances, err := c.findInstances(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("resource %s not found", name)
	}

	results := make([]resource_manager.ExecResult, 0, len(instances))
	for i, inst := range instances {
		addr := aws.ToString(inst.PrivateIpAddress)
		if addr == "" {
			addr = aws.ToString(inst.PublicIpAddress)
		}
		if addr == "" {
			return nil, fmt.Errorf("worker %d of %s has no address", i, name)
		}
		res := c.workers.run(ctx, c.sshUser, addr, command)
		res.Worker = i
		results = append(results, res)
	}
	return results, nil
}

// findInstances lists the non-terminated instances carrying the resource's
// Name tag.
func (c *Client) findInstances(ctx context.Context, name string) ([]types.Instance, error) {
	out, err := c.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{name}},
			{Name: aws.String("tag:ManagedBy"), Values: []string{managedByTag}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", name, err)
	}

	var instances []types.Instance
	for _, reservation := range out.Reservations {
		instances = append(instances, reservation.Instances...)
	}
	return instances, nil
}
