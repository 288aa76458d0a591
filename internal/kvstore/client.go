// Package kvstore is the thin conditional key/value client (KVC) the state
// store is built on. It flattens DynamoDB's error surface down to three
// outcomes the rest of the module cares about: success, "somebody else
// updated first" (ErrConditionalCheckFailed), and everything else
// (returned with its original error preserved). Transient faults are
// retried by the underlying SDK client's retryer; one that outlasts those
// retries is returned like any other error.
package kvstore

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Key identifies the single document a consumer group maintains for a
// stream.
type Key struct {
	ConsumerGroup string
	StreamName    string
}

// Expr is a DynamoDB expression fragment: the expression string plus its
// attribute name and value placeholders. The same shape is used for both
// condition and update expressions.
type Expr struct {
	Expression string
	Names      map[string]string
	Values     map[string]types.AttributeValue
}

// Client is the conditional operation set every internal/statestore
// operation is built from.
type Client interface {
	// GetItem reads the document. found is false when no item exists for
	// key; err is nil in that case.
	GetItem(ctx context.Context, key Key, consistentRead bool) (item map[string]types.AttributeValue, found bool, err error)

	// PutItem writes item in full, guarded by condition when non-nil.
	// A failed condition surfaces as ErrConditionalCheckFailed.
	PutItem(ctx context.Context, item map[string]types.AttributeValue, condition *Expr) error

	// UpdateItem applies update to key, guarded by condition when
	// non-nil, and returns the item's attributes after the update
	// (ReturnValues=ALL_NEW). A failed condition surfaces as
	// ErrConditionalCheckFailed.
	UpdateItem(ctx context.Context, key Key, update Expr, condition *Expr) (map[string]types.AttributeValue, error)

	// DeleteItem removes the whole document for key, guarded by
	// condition when non-nil.
	DeleteItem(ctx context.Context, key Key, condition *Expr) error
}
