// Package provisioner ensures the backing DynamoDB table exists and is
// ready before the coordination layer touches it. Grounded on the
// teacher's InitializeMetadataTable (k8s/test/test-consumer/lease_manager.go):
// describe, create on not-found, then poll until active.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// API is the subset of the DynamoDB client this package needs.
type API interface {
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	TagResource(ctx context.Context, in *dynamodb.TagResourceInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TagResourceOutput, error)
}

// Spec describes the table this module requires: partition key
// consumerGroup, sort key streamName, server-side encryption on.
type Spec struct {
	TableName             string
	Tags                  map[string]string
	ProvisionedReadUnits  int64
	ProvisionedWriteUnits int64

	// WaitTimeout bounds how long EnsureTable polls for ACTIVE; it
	// defaults to 2 minutes.
	WaitTimeout time.Duration
	// PollInterval is the delay between DescribeTable polls.
	PollInterval time.Duration
}

// EnsureTable creates the table if it is missing and blocks until it is
// ACTIVE.
func EnsureTable(ctx context.Context, api API, spec Spec) error {
	if spec.WaitTimeout == 0 {
		spec.WaitTimeout = 2 * time.Minute
	}
	if spec.PollInterval == 0 {
		spec.PollInterval = 2 * time.Second
	}

	desc, err := api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(spec.TableName)})
	if err == nil {
		if desc.Table != nil && desc.Table.TableStatus == types.TableStatusActive {
			return nil
		}
		return waitActive(ctx, api, spec)
	}

	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("provisioner: failed to describe table %s: %w", spec.TableName, err)
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(spec.TableName),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("consumerGroup"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("streamName"), KeyType: types.KeyTypeRange},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("consumerGroup"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("streamName"), AttributeType: types.ScalarAttributeTypeS},
		},
		SSESpecification: &types.SSESpecification{Enabled: aws.Bool(true)},
	}
	if spec.ProvisionedReadUnits > 0 && spec.ProvisionedWriteUnits > 0 {
		input.BillingMode = types.BillingModeProvisioned
		input.ProvisionedThroughput = &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(spec.ProvisionedReadUnits),
			WriteCapacityUnits: aws.Int64(spec.ProvisionedWriteUnits),
		}
	} else {
		input.BillingMode = types.BillingModePayPerRequest
	}

	if _, err := api.CreateTable(ctx, input); err != nil {
		return fmt.Errorf("provisioner: failed to create table %s: %w", spec.TableName, err)
	}

	if err := waitActive(ctx, api, spec); err != nil {
		return err
	}

	if len(spec.Tags) > 0 {
		tags := make([]types.Tag, 0, len(spec.Tags))
		for k, v := range spec.Tags {
			tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
		}
		arn, err := tableARN(ctx, api, spec.TableName)
		if err != nil {
			return err
		}
		if _, err := api.TagResource(ctx, &dynamodb.TagResourceInput{ResourceArn: aws.String(arn), Tags: tags}); err != nil {
			return fmt.Errorf("provisioner: failed to tag table %s: %w", spec.TableName, err)
		}
	}

	return nil
}

func tableARN(ctx context.Context, api API, tableName string) (string, error) {
	desc, err := api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(tableName)})
	if err != nil {
		return "", fmt.Errorf("provisioner: failed to describe table %s for tagging: %w", tableName, err)
	}
	return aws.ToString(desc.Table.TableArn), nil
}

func waitActive(ctx context.Context, api API, spec Spec) error {
	deadline := time.Now().Add(spec.WaitTimeout)
	for {
		desc, err := api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(spec.TableName)})
		if err == nil && desc.Table != nil && desc.Table.TableStatus == types.TableStatusActive {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("provisioner: timed out waiting for table %s to become active", spec.TableName)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(spec.PollInterval):
		}
	}
}
