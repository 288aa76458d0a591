// Package streamclient wraps the Kinesis operations the coordination
// layer needs to learn shard topology and bind enhanced fan-out
// consumers. It never touches record payloads: record subscription and
// decoding are a non-goal of this module.
package streamclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
)

// API is the subset of the Kinesis client this package needs.
type API interface {
	ListShards(ctx context.Context, in *kinesis.ListShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error)
	DescribeStream(ctx context.Context, in *kinesis.DescribeStreamInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamOutput, error)
	RegisterStreamConsumer(ctx context.Context, in *kinesis.RegisterStreamConsumerInput, optFns ...func(*kinesis.Options)) (*kinesis.RegisterStreamConsumerOutput, error)
	DeregisterStreamConsumer(ctx context.Context, in *kinesis.DeregisterStreamConsumerInput, optFns ...func(*kinesis.Options)) (*kinesis.DeregisterStreamConsumerOutput, error)
}

// ShardDescriptor is the projection of a Kinesis shard the coordination
// layer cares about: its identity and its place in the split/merge DAG.
type ShardDescriptor struct {
	ShardID                string
	ParentShardID          *string
	StartingSequenceNumber string
}

// Client is a thin Kinesis wrapper.
type Client struct {
	api        API
	streamName string
	streamARN  string
}

// New builds a Client for streamName.
func New(api API, streamName string) *Client {
	return &Client{api: api, streamName: streamName}
}

// StreamARN discovers and caches the stream's ARN, needed to register
// enhanced fan-out consumers.
func (c *Client) StreamARN(ctx context.Context) (string, error) {
	if c.streamARN != "" {
		return c.streamARN, nil
	}
	out, err := c.api.DescribeStream(ctx, &kinesis.DescribeStreamInput{StreamName: aws.String(c.streamName)})
	if err != nil {
		return "", fmt.Errorf("streamclient: failed to describe stream %s: %w", c.streamName, err)
	}
	c.streamARN = aws.ToString(out.StreamDescription.StreamARN)
	return c.streamARN, nil
}

// ListShards returns every open shard (those with no
// EndingSequenceNumber) in the stream, following pagination.
func (c *Client) ListShards(ctx context.Context) ([]ShardDescriptor, error) {
	var (
		shards    []ShardDescriptor
		nextToken *string
	)
	for {
		input := &kinesis.ListShardsInput{NextToken: nextToken}
		if nextToken == nil {
			input.StreamName = aws.String(c.streamName)
		}
		out, err := c.api.ListShards(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("streamclient: failed to list shards for %s: %w", c.streamName, err)
		}
		for _, shard := range out.Shards {
			if shard.SequenceNumberRange != nil && shard.SequenceNumberRange.EndingSequenceNumber != nil {
				continue
			}
			shards = append(shards, ShardDescriptor{
				ShardID:                aws.ToString(shard.ShardId),
				ParentShardID:          shard.ParentShardId,
				StartingSequenceNumber: aws.ToString(shard.SequenceNumberRange.StartingSequenceNumber),
			})
		}
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}
	return shards, nil
}

// RegisterConsumer registers a new enhanced fan-out consumer named name
// against this stream, returning its ARN.
func (c *Client) RegisterConsumer(ctx context.Context, name string) (string, error) {
	streamARN, err := c.StreamARN(ctx)
	if err != nil {
		return "", err
	}
	out, err := c.api.RegisterStreamConsumer(ctx, &kinesis.RegisterStreamConsumerInput{
		StreamARN:    aws.String(streamARN),
		ConsumerName: aws.String(name),
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			return "", nil
		}
		return "", fmt.Errorf("streamclient: failed to register enhanced consumer %s: %w", name, err)
	}
	return aws.ToString(out.Consumer.ConsumerARN), nil
}

// DeregisterConsumer removes a previously registered enhanced fan-out
// consumer.
func (c *Client) DeregisterConsumer(ctx context.Context, arn string) error {
	_, err := c.api.DeregisterStreamConsumer(ctx, &kinesis.DeregisterStreamConsumerInput{
		ConsumerARN: aws.String(arn),
	})
	if err != nil {
		return fmt.Errorf("streamclient: failed to deregister enhanced consumer %s: %w", arn, err)
	}
	return nil
}
