// Package aws discovers running EC2 instances and Auto Scaling Group
// members with AWS SDK v2, following the ec2.Client/paginator idiom used
// by the teacher's own EC2 provider code and tests.
package aws

import (
	"context"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	autoscalingtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/gspiliotis/haproxy-cloud-discovery/internal/cloudinstance"
	"github.com/gspiliotis/haproxy-cloud-discovery/internal/config"
)

var logger = loggo.GetLogger("haproxycloud.discovery.aws")

// describeInstancesChunkSize is the maximum number of instance IDs passed
// to a single DescribeInstances call when resolving ASG members, one per
// AWS's own documented limit for the InstanceIds parameter used this way.
const describeInstancesChunkSize = 100

// Client discovers EC2 instances and the members of tagged Auto Scaling
// Groups, deduplicating ASG members already seen via plain EC2 discovery.
// Tag-based service filtering happens downstream in internal/discovery;
// the tag-key filter applied here is a server-side scoping optimization
// only, not the authoritative allow/deny decision.
type Client struct {
	region          string
	accountID       string
	serviceNameTag  string
	ec2Client       *ec2.Client
	autoscalingClient *autoscaling.Client
}

// New builds a Client for the given AWS config section. Credentials come
// from the default chain unless a named profile is configured.
func New(cfg config.AWSConfig, tags config.TagsConfig) (*Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.CredentialProfile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.CredentialProfile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, errors.Annotate(err, "loading aws configuration")
	}

	return &Client{
		region:            cfg.Region,
		accountID:         cfg.AccountID,
		serviceNameTag:    tags.ServiceNameTag,
		ec2Client:         ec2.NewFromConfig(awsCfg),
		autoscalingClient: autoscaling.NewFromConfig(awsCfg),
	}, nil
}

// DiscoverAll implements discovery.Client.
func (c *Client) DiscoverAll(ctx context.Context) ([]cloudinstance.Instance, error) {
	ec2Instances, err := c.discoverEC2(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "discovering ec2 instances")
	}

	knownIDs := make(map[string]bool, len(ec2Instances))
	for _, inst := range ec2Instances {
		knownIDs[inst.ID] = true
	}

	asgInstances, err := c.discoverASG(ctx, knownIDs)
	if err != nil {
		return nil, errors.Annotate(err, "discovering autoscaling group instances")
	}

	var instances []cloudinstance.Instance
	for _, inst := range append(ec2Instances, asgInstances...) {
		if inst.IP == "" {
			logger.Warningf("instance %s has no private ip, skipping", inst.ID)
			continue
		}
		instances = append(instances, inst)
	}
	logger.Infof("aws discovery complete: %d instances", len(instances))
	return instances, nil
}

func (c *Client) discoverEC2(ctx context.Context) ([]cloudinstance.Instance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: awssdk.String("tag-key"), Values: []string{c.serviceNameTag}},
			{Name: awssdk.String("instance-state-name"), Values: []string{"running"}},
		},
	}

	var instances []cloudinstance.Instance
	paginator := ec2.NewDescribeInstancesPaginator(c.ec2Client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Trace(describeAPIError(err))
		}
		for _, reservation := range page.Reservations {
			ownerID := awssdk.ToString(reservation.OwnerId)
			for _, raw := range reservation.Instances {
				instances = append(instances, c.parseInstance(raw, "ec2", ownerID))
			}
		}
	}
	logger.Infof("ec2 discovery found %d instances", len(instances))
	return instances, nil
}

// discoverASG enumerates every tagged Auto Scaling Group's members, skips
// instances already seen via plain EC2 discovery, and resolves the
// survivors' IPs and tags with chunked DescribeInstances calls.
func (c *Client) discoverASG(ctx context.Context, knownIDs map[string]bool) ([]cloudinstance.Instance, error) {
	input := &autoscaling.DescribeAutoScalingGroupsInput{
		Filters: []autoscalingtypes.Filter{
			{Name: awssdk.String("tag-key"), Values: []string{c.serviceNameTag}},
		},
	}

	var asgInstanceIDs []string
	paginator := autoscaling.NewDescribeAutoScalingGroupsPaginator(c.autoscalingClient, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Trace(describeAPIError(err))
		}
		for _, group := range page.AutoScalingGroups {
			for _, member := range group.Instances {
				if member.InstanceId == nil {
					continue
				}
				id := *member.InstanceId
				if !knownIDs[id] {
					asgInstanceIDs = append(asgInstanceIDs, id)
				}
			}
		}
	}

	if len(asgInstanceIDs) == 0 {
		logger.Infof("asg discovery found 0 instances")
		return nil, nil
	}

	var instances []cloudinstance.Instance
	for _, chunk := range chunkStrings(asgInstanceIDs, describeInstancesChunkSize) {
		output, err := c.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: chunk,
			Filters: []ec2types.Filter{
				{Name: awssdk.String("instance-state-name"), Values: []string{"running"}},
			},
		})
		if err != nil {
			return nil, errors.Annotate(describeAPIError(err), "resolving autoscaling group members")
		}
		for _, reservation := range output.Reservations {
			ownerID := awssdk.ToString(reservation.OwnerId)
			for _, raw := range reservation.Instances {
				instances = append(instances, c.parseInstance(raw, "asg", ownerID))
			}
		}
	}
	logger.Infof("asg discovery found %d instances", len(instances))
	return instances, nil
}

// parseInstance converts a raw EC2 instance into a cloudinstance.Instance.
// ownerID comes from the enclosing Reservation — ec2types.Instance itself
// carries no OwnerId field, only ec2types.Reservation does.
// Unlike the original, it does not drop instances lacking the service
// tags here — that filtering is internal/discovery's job. An instance with
// no private IP carries an empty IP out of here and is dropped by
// DiscoverAll, as the Azure client drops VMs with no resolvable IP.
func (c *Client) parseInstance(raw ec2types.Instance, source, ownerID string) cloudinstance.Instance {
	tags := make(map[string]string, len(raw.Tags))
	var name string
	for _, t := range raw.Tags {
		if t.Key == nil || t.Value == nil {
			continue
		}
		tags[*t.Key] = *t.Value
		if *t.Key == "Name" {
			name = *t.Value
		}
	}

	id := awssdk.ToString(raw.InstanceId)
	if name == "" {
		name = id
	}

	var zone string
	if raw.Placement != nil {
		zone = awssdk.ToString(raw.Placement.AvailabilityZone)
	}
	region := c.region
	if zone != "" {
		region = strings.TrimSuffix(zone, zone[len(zone)-1:])
	}

	accountID := c.accountID
	if accountID == "" {
		accountID = ownerID
	}

	return cloudinstance.Instance{
		ID:        id,
		Name:      name,
		IP:        awssdk.ToString(raw.PrivateIpAddress),
		Region:    region,
		Zone:      zone,
		Tags:      tags,
		Namespace: accountID,
		Source:    source,
		CreatedAt: launchTime(raw.LaunchTime),
	}
}

func launchTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// describeAPIError enriches an AWS SDK error with its API error code, when
// it carries one, so operators see "RequestLimitExceeded" rather than an
// opaque transport error in the logs.
func describeAPIError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return errors.Errorf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return err
}

func chunkStrings(items []string, size int) [][]string {
	var chunks [][]string
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks
}
