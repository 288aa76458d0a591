package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	smithy "github.com/aws/smithy-go"
)

// DynamoDBClient is the production Client, backed by
// github.com/aws/aws-sdk-go-v2/service/dynamodb. Retries of transient
// faults (throttling, network) are delegated entirely to the SDK's
// configured retryer; this type never loops on them itself.
type DynamoDBClient struct {
	api   *dynamodb.Client
	table string
}

// NewDynamoDBClient builds a DynamoDBClient against table using api.
func NewDynamoDBClient(api *dynamodb.Client, table string) *DynamoDBClient {
	return &DynamoDBClient{api: api, table: table}
}

func keyAttrs(key Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"consumerGroup": &types.AttributeValueMemberS{Value: key.ConsumerGroup},
		"streamName":    &types.AttributeValueMemberS{Value: key.StreamName},
	}
}

func (c *DynamoDBClient) GetItem(ctx context.Context, key Key, consistentRead bool) (map[string]types.AttributeValue, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.table),
		Key:            keyAttrs(key),
		ConsistentRead: aws.Bool(consistentRead),
	})
	if err != nil {
		return nil, false, translateError(err)
	}
	if out.Item == nil {
		return nil, false, nil
	}
	return out.Item, true, nil
}

func (c *DynamoDBClient) PutItem(ctx context.Context, item map[string]types.AttributeValue, condition *Expr) error {
	input := &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      item,
	}
	applyCondition(input, condition)

	_, err := c.api.PutItem(ctx, input)
	return translateError(err)
}

func (c *DynamoDBClient) UpdateItem(ctx context.Context, key Key, update Expr, condition *Expr) (map[string]types.AttributeValue, error) {
	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.table),
		Key:                       keyAttrs(key),
		UpdateExpression:          aws.String(update.Expression),
		ExpressionAttributeNames:  update.Names,
		ExpressionAttributeValues: update.Values,
		ReturnValues:              types.ReturnValueAllNew,
	}
	if condition != nil {
		input.ConditionExpression = aws.String(condition.Expression)
		input.ExpressionAttributeNames = mergeNames(input.ExpressionAttributeNames, condition.Names)
		input.ExpressionAttributeValues = mergeValues(input.ExpressionAttributeValues, condition.Values)
	}

	out, err := c.api.UpdateItem(ctx, input)
	if err != nil {
		return nil, translateError(err)
	}
	return out.Attributes, nil
}

func (c *DynamoDBClient) DeleteItem(ctx context.Context, key Key, condition *Expr) error {
	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(c.table),
		Key:       keyAttrs(key),
	}
	if condition != nil {
		input.ConditionExpression = aws.String(condition.Expression)
		input.ExpressionAttributeNames = condition.Names
		input.ExpressionAttributeValues = condition.Values
	}

	_, err := c.api.DeleteItem(ctx, input)
	return translateError(err)
}

func applyCondition(input *dynamodb.PutItemInput, condition *Expr) {
	if condition == nil {
		return
	}
	input.ConditionExpression = aws.String(condition.Expression)
	input.ExpressionAttributeNames = condition.Names
	input.ExpressionAttributeValues = condition.Values
}

func mergeNames(a, b map[string]string) map[string]string {
	if len(b) == 0 {
		return a
	}
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func mergeValues(a, b map[string]types.AttributeValue) map[string]types.AttributeValue {
	if len(b) == 0 {
		return a
	}
	out := make(map[string]types.AttributeValue, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// translateError reduces every DynamoDB error down to the three outcomes
// the rest of this module cares about: nil, ErrConditionalCheckFailed, or
// the original error wrapped with context.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var condCheckErr *types.ConditionalCheckFailedException
	if errors.As(err, &condCheckErr) {
		return ErrConditionalCheckFailed
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ValidationException", "MissingRequiredParameter", "AccessDeniedException":
			return &ValidationError{Code: apiErr.ErrorCode(), Err: err}
		}
	}

	return fmt.Errorf("kvstore: %w", err)
}
