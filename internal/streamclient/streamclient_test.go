package streamclient

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a hand-rolled stand-in for the Kinesis control-plane calls
// streamclient.Client needs: paginated ListShards, a single-page
// DescribeStream, and consumer register/deregister with a switch to
// simulate an already-registered consumer.
type fakeAPI struct {
	describeCalls int
	streamARN     string

	shardPages [][]types.Shard

	registerErr   error
	registeredARN string
}

func (f *fakeAPI) DescribeStream(_ context.Context, _ *kinesis.DescribeStreamInput, _ ...func(*kinesis.Options)) (*kinesis.DescribeStreamOutput, error) {
	f.describeCalls++
	return &kinesis.DescribeStreamOutput{
		StreamDescription: &types.StreamDescription{StreamARN: aws.String(f.streamARN)},
	}, nil
}

func (f *fakeAPI) ListShards(_ context.Context, in *kinesis.ListShardsInput, _ ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error) {
	page := 0
	if in.NextToken != nil {
		switch *in.NextToken {
		case "page-1":
			page = 1
		}
	}
	out := &kinesis.ListShardsOutput{Shards: f.shardPages[page]}
	if page+1 < len(f.shardPages) {
		out.NextToken = aws.String("page-1")
	}
	return out, nil
}

func (f *fakeAPI) RegisterStreamConsumer(_ context.Context, in *kinesis.RegisterStreamConsumerInput, _ ...func(*kinesis.Options)) (*kinesis.RegisterStreamConsumerOutput, error) {
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	return &kinesis.RegisterStreamConsumerOutput{
		Consumer: &types.Consumer{ConsumerARN: aws.String(f.registeredARN)},
	}, nil
}

func (f *fakeAPI) DeregisterStreamConsumer(_ context.Context, _ *kinesis.DeregisterStreamConsumerInput, _ ...func(*kinesis.Options)) (*kinesis.DeregisterStreamConsumerOutput, error) {
	return &kinesis.DeregisterStreamConsumerOutput{}, nil
}

func TestStreamARNIsCachedAfterFirstCall(t *testing.T) {
	api := &fakeAPI{streamARN: "arn:aws:kinesis:stream/my-stream"}
	client := New(api, "my-stream")

	arn, err := client.StreamARN(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:kinesis:stream/my-stream", arn)

	_, err = client.StreamARN(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, api.describeCalls, "a cached ARN must not re-describe the stream")
}

func TestListShardsFollowsPaginationAndSkipsClosedShards(t *testing.T) {
	open := types.Shard{
		ShardId:              aws.String("shard-0000"),
		SequenceNumberRange:  &types.SequenceNumberRange{StartingSequenceNumber: aws.String("1")},
	}
	closed := types.Shard{
		ShardId: aws.String("shard-0001"),
		SequenceNumberRange: &types.SequenceNumberRange{
			StartingSequenceNumber: aws.String("1"),
			EndingSequenceNumber:   aws.String("100"),
		},
	}
	child := types.Shard{
		ShardId:             aws.String("shard-0002"),
		ParentShardId:       aws.String("shard-0001"),
		SequenceNumberRange: &types.SequenceNumberRange{StartingSequenceNumber: aws.String("101")},
	}

	api := &fakeAPI{shardPages: [][]types.Shard{{open, closed}, {child}}}
	client := New(api, "my-stream")

	shards, err := client.ListShards(context.Background())
	require.NoError(t, err)
	require.Len(t, shards, 2)
	assert.Equal(t, "shard-0000", shards[0].ShardID)
	assert.Equal(t, "shard-0002", shards[1].ShardID)
	require.NotNil(t, shards[1].ParentShardID)
	assert.Equal(t, "shard-0001", *shards[1].ParentShardID)
}

func TestRegisterConsumerReturnsARN(t *testing.T) {
	api := &fakeAPI{streamARN: "arn:stream", registeredARN: "arn:consumer/fanout-1"}
	client := New(api, "my-stream")

	arn, err := client.RegisterConsumer(context.Background(), "fanout-1")
	require.NoError(t, err)
	assert.Equal(t, "arn:consumer/fanout-1", arn)
}

// TestRegisterConsumerTreatsAlreadyRegisteredAsSuccess covers the
// idempotency contract: a ResourceInUseException (the consumer already
// exists) is not surfaced as an error, matching the enhanced-consumer
// registration idempotency internal/statestore provides at the document
// layer.
func TestRegisterConsumerTreatsAlreadyRegisteredAsSuccess(t *testing.T) {
	api := &fakeAPI{streamARN: "arn:stream", registerErr: &types.ResourceInUseException{Message: aws.String("already exists")}}
	client := New(api, "my-stream")

	arn, err := client.RegisterConsumer(context.Background(), "fanout-1")
	require.NoError(t, err)
	assert.Empty(t, arn)
}

func TestRegisterConsumerPropagatesOtherErrors(t *testing.T) {
	api := &fakeAPI{streamARN: "arn:stream", registerErr: errors.New("throttled")}
	client := New(api, "my-stream")

	_, err := client.RegisterConsumer(context.Background(), "fanout-1")
	assert.Error(t, err)
}

func TestDeregisterConsumer(t *testing.T) {
	api := &fakeAPI{}
	client := New(api, "my-stream")
	assert.NoError(t, client.DeregisterConsumer(context.Background(), "arn:consumer/fanout-1"))
}
