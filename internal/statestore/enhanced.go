package statestore

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/lifion/lifion-kinesis-sub001/internal/kvstore"
	"github.com/lifion/lifion-kinesis-sub001/internal/model"
)

// RegisterEnhancedConsumer registers a new enhanced fan-out binding
// point named name for arn. A conditional-check failure means the entry
// already exists, which is success from the caller's perspective.
func (s *Store) RegisterEnhancedConsumer(ctx context.Context, name, arn string) error {
	entry := model.NewEnhancedEntry(arn, !s.opts.UseAutoShardAssignment)
	entryAV, err := model.MarshalValue(entry)
	if err != nil {
		return fmt.Errorf("statestore: registerEnhancedConsumer: failed to encode entry: %w", err)
	}

	p := newPath().literal("enhancedConsumers").dynamic(name)
	_, err = s.kv.UpdateItem(ctx, s.key(),
		kvstore.Expr{
			Expression: "SET " + p.String() + " = :entry",
			Names:      p.names,
			Values:     map[string]types.AttributeValue{":entry": entryAV},
		},
		&kvstore.Expr{
			Expression: "attribute_not_exists(" + p.String() + ")",
			Names:      p.names,
		},
	)
	switch {
	case err == nil, kvstore.IsConditionalCheckFailed(err):
		return nil
	default:
		return fmt.Errorf("statestore: registerEnhancedConsumer: %w", err)
	}
}

// DeregisterEnhancedConsumer removes the enhanced fan-out binding point
// named name. A conditional-check failure means the entry is already
// absent, which is success.
func (s *Store) DeregisterEnhancedConsumer(ctx context.Context, name string) error {
	p := newPath().literal("enhancedConsumers").dynamic(name)
	_, err := s.kv.UpdateItem(ctx, s.key(),
		kvstore.Expr{
			Expression: "REMOVE " + p.String(),
			Names:      p.names,
		},
		&kvstore.Expr{
			Expression: "attribute_exists(" + p.String() + ")",
			Names:      p.names,
		},
	)
	switch {
	case err == nil, kvstore.IsConditionalCheckFailed(err):
		return nil
	default:
		return fmt.Errorf("statestore: deregisterEnhancedConsumer: %w", err)
	}
}

// GetAssignedEnhancedConsumer returns the ARN this consumer is
// bound to (claiming a free entry if none is bound yet), or "" if no
// entry is free.
func (s *Store) GetAssignedEnhancedConsumer(ctx context.Context) (string, error) {
	doc, found, err := s.getDocument(ctx)
	if err != nil {
		return "", fmt.Errorf("statestore: getAssignedEnhancedConsumer: %w", err)
	}
	if !found {
		return "", fmt.Errorf("statestore: getAssignedEnhancedConsumer: no document for %s/%s", s.opts.ConsumerGroup, s.opts.StreamName)
	}

	for _, entry := range doc.EnhancedConsumers {
		if entry.IsUsedBy != nil && *entry.IsUsedBy == s.opts.ConsumerID {
			if err := s.setOwnActive(ctx, true); err != nil {
				return "", err
			}
			return entry.ARN, nil
		}
	}

	for name, entry := range doc.EnhancedConsumers {
		if entry.IsUsedBy != nil {
			continue
		}
		ok, err := s.tryBindEnhancedConsumer(ctx, name, entry.Version)
		if err != nil {
			return "", err
		}
		if ok {
			if err := s.setOwnActive(ctx, true); err != nil {
				return "", err
			}
			return entry.ARN, nil
		}
		// Lost the race for this entry; fall through and try the next
		// free one, or report none available.
	}

	s.log().Warn("all enhanced consumers assigned")
	if err := s.setOwnActive(ctx, false); err != nil {
		return "", err
	}
	return "", nil
}

// tryBindEnhancedConsumer attempts to claim the named free entry for this
// worker, guarded by the version observed when the caller read the
// document. The caller already knows the entry's ARN, so this only
// reports whether the bind committed.
func (s *Store) tryBindEnhancedConsumer(ctx context.Context, name, seenVersion string) (bool, error) {
	ep := newPath().literal("enhancedConsumers").dynamic(name)
	usedByPath := ep.clone().literal("isUsedBy")
	versionPath := ep.clone().version()

	consumerIDAV, err := model.MarshalValue(s.opts.ConsumerID)
	if err != nil {
		return false, fmt.Errorf("statestore: getAssignedEnhancedConsumer: %w", err)
	}
	newVersionAV, err := model.MarshalValue(model.NextVersion(seenVersion))
	if err != nil {
		return false, fmt.Errorf("statestore: getAssignedEnhancedConsumer: %w", err)
	}
	seenVersionAV, err := model.MarshalValue(seenVersion)
	if err != nil {
		return false, fmt.Errorf("statestore: getAssignedEnhancedConsumer: %w", err)
	}

	setExpr := "SET " + usedByPath.String() + " = :consumerId, " + versionPath.String() + " = :newVersion"
	values := map[string]types.AttributeValue{
		":consumerId": consumerIDAV,
		":newVersion": newVersionAV,
	}
	if !s.opts.UseAutoShardAssignment {
		shardsPath := ep.clone().literal("shards")
		setExpr += ", " + shardsPath.String() + " = if_not_exists(" + shardsPath.String() + ", :emptyShards)"
		values[":emptyShards"] = &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{}}
	}

	names := mergeStringMaps(usedByPath.names, versionPath.names, ep.names)

	// isUsedBy is never an absent attribute: NewEnhancedEntry and
	// releaseEnhancedConsumer both write it as an explicit NULL, so "free"
	// is tested by equality against NULL rather than attribute_not_exists.
	_, err = s.kv.UpdateItem(ctx, s.key(),
		kvstore.Expr{Expression: setExpr, Names: names, Values: values},
		&kvstore.Expr{
			Expression: versionPath.String() + " = :seenVersion AND " + usedByPath.String() + " = :null",
			Names:      names,
			Values: map[string]types.AttributeValue{
				":seenVersion": seenVersionAV,
				":null":        &types.AttributeValueMemberNULL{Value: true},
			},
		},
	)
	switch {
	case err == nil:
		return true, nil
	case kvstore.IsConditionalCheckFailed(err):
		s.opts.Metrics.IncrementConditionalCheckFailed("getAssignedEnhancedConsumer.bind")
		return false, nil
	default:
		return false, fmt.Errorf("statestore: getAssignedEnhancedConsumer: %w", err)
	}
}

func (s *Store) setOwnActive(ctx context.Context, active bool) error {
	p := newPath().literal("consumers").dynamic(s.opts.ConsumerID).literal("isActive")
	activeAV, err := model.MarshalValue(active)
	if err != nil {
		return fmt.Errorf("statestore: setOwnActive: %w", err)
	}
	_, err = s.kv.UpdateItem(ctx, s.key(),
		kvstore.Expr{
			Expression: "SET " + p.String() + " = :active",
			Names:      p.names,
			Values:     map[string]types.AttributeValue{":active": activeAV},
		},
		nil,
	)
	if err != nil {
		return fmt.Errorf("statestore: setOwnActive: %w", err)
	}
	return nil
}
