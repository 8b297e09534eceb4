// Package aws provisions node VMs on EC2. Instances are tagged with the sam
// node and user IDs so teardown can find them without storing instance IDs.
package aws

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/raphaeltm/simple-agent-manager-sub016/internal/provider"
)

const (
	tagNodeID = "sam:node-id"
	tagUserID = "sam:user-id"

	defaultInstanceType = "t3.large"
)

// Client is the EC2-backed Provisioner.
type Client struct {
	ec2 *ec2.Client
	// amiID is the image used for node VMs (env SAM_NODE_AMI).
	amiID string
}

var _ provider.Provisioner = (*Client)(nil)

// NewClient loads the default AWS config chain and returns an EC2 provisioner.
func NewClient(ctx context.Context) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &Client{
		ec2:   ec2.NewFromConfig(cfg),
		amiID: os.Getenv("SAM_NODE_AMI"),
	}, nil
}

// Provision launches one instance for the node and returns its instance ID.
func (c *Client) Provision(ctx context.Context, req provider.ProvisionRequest) (string, error) {
	if c.amiID == "" {
		return "", fmt.Errorf("SAM_NODE_AMI not set")
	}
	instanceType := req.InstanceType
	if instanceType == "" {
		instanceType = defaultInstanceType
	}
	out, err := c.ec2.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:      aws.String(c.amiID),
		InstanceType: types.InstanceType(instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String("sam-node-" + req.NodeID)},
					{Key: aws.String(tagNodeID), Value: aws.String(req.NodeID)},
					{Key: aws.String(tagUserID), Value: aws.String(req.UserID)},
					{Key: aws.String("ManagedBy"), Value: aws.String("sam")},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("run instance for node %s: %w", req.NodeID, err)
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return "", fmt.Errorf("run instance for node %s: no instance returned", req.NodeID)
	}
	return *out.Instances[0].InstanceId, nil
}

// DeleteNodeResources terminates every non-terminated instance tagged with the
// node ID. Finding nothing is success, so repeated deletes are safe.
func (c *Client) DeleteNodeResources(ctx context.Context, nodeID, userID string) error {
	desc, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + tagNodeID), Values: []string{nodeID}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	})
	if err != nil {
		return fmt.Errorf("describe instances for node %s: %w", nodeID, err)
	}
	var ids []string
	for _, res := range desc.Reservations {
		for _, inst := range res.Instances {
			if inst.InstanceId != nil {
				ids = append(ids, *inst.InstanceId)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if _, err := c.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids}); err != nil {
		return fmt.Errorf("terminate instances for node %s: %w", nodeID, err)
	}
	return nil
}
