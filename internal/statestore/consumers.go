package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/lifion/lifion-kinesis-sub001/internal/kvstore"
	"github.com/lifion/lifion-kinesis-sub001/internal/model"
)

// RegisterConsumer inserts this worker's ConsumerEntry, or, if it is
// already present, refreshes its heartbeat.
func (s *Store) RegisterConsumer(ctx context.Context) error {
	entry := model.NewConsumerEntry(s.opts.AppName, s.opts.Host, s.opts.PID, s.now(), !s.opts.UseAutoShardAssignment)
	entryAV, err := model.MarshalValue(entry)
	if err != nil {
		return fmt.Errorf("statestore: registerConsumer: failed to encode entry: %w", err)
	}

	p := newPath().literal("consumers").dynamic(s.opts.ConsumerID)
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
	case err == nil:
		s.log().WithField("consumerId", s.opts.ConsumerID).Debug("Consumer registered")
		return nil
	case kvstore.IsConditionalCheckFailed(err):
		return s.heartbeatExistingConsumer(ctx)
	default:
		return fmt.Errorf("statestore: registerConsumer: %w", err)
	}
}

func (s *Store) heartbeatExistingConsumer(ctx context.Context) error {
	p := newPath().literal("consumers").dynamic(s.opts.ConsumerID).literal("heartbeat")
	nowAV, err := model.MarshalValue(s.now())
	if err != nil {
		return fmt.Errorf("statestore: registerConsumer: failed to encode heartbeat: %w", err)
	}

	_, err = s.kv.UpdateItem(ctx, s.key(),
		kvstore.Expr{
			Expression: "SET " + p.String() + " = :now",
			Names:      p.names,
			Values:     map[string]types.AttributeValue{":now": nowAV},
		},
		nil,
	)
	if err != nil {
		return fmt.Errorf("statestore: registerConsumer: heartbeat update failed: %w", err)
	}
	return nil
}

// ClearOldConsumers evicts every consumer whose heartbeat is older than
// heartbeatFailureTimeout, releasing any enhanced fan-out binding it
// held. Every removal and every enhanced-consumer release is guarded by
// the version this call observed at its single read, so if more than
// one consumer in the group is stale, only the first removal in this
// invocation commits; the rest fail their conditional guard (the
// document's version already moved) and are silently skipped, to be
// picked up by a later beat.
func (s *Store) ClearOldConsumers(ctx context.Context, heartbeatFailureTimeout time.Duration) error {
	doc, found, err := s.getDocument(ctx)
	if err != nil {
		return fmt.Errorf("statestore: clearOldConsumers: %w", err)
	}
	if !found {
		return nil
	}

	now := s.now()
	goners := map[string]struct{}{}
	for id, c := range doc.Consumers {
		if id == s.opts.ConsumerID {
			continue
		}
		if now.Sub(c.Heartbeat) > heartbeatFailureTimeout {
			goners[id] = struct{}{}
		}
	}

	for id := range goners {
		if err := s.removeConsumer(ctx, id, doc.Version); err != nil {
			return err
		}
	}

	isGoneNow := func(id string) bool {
		if _, stale := goners[id]; stale {
			return true
		}
		_, stillThere := doc.Consumers[id]
		return !stillThere
	}

	for name, entry := range doc.EnhancedConsumers {
		if entry.IsUsedBy == nil || !isGoneNow(*entry.IsUsedBy) {
			continue
		}
		if err := s.releaseEnhancedConsumer(ctx, name, *entry.IsUsedBy, entry.Version); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) removeConsumer(ctx context.Context, id string, seenVersion string) error {
	cp := newPath().literal("consumers").dynamic(id)
	vp := newPath().version()
	newVersionAV, err := model.MarshalValue(model.NextVersion(seenVersion))
	if err != nil {
		return fmt.Errorf("statestore: clearOldConsumers: %w", err)
	}
	expectedVersionAV, err := model.MarshalValue(seenVersion)
	if err != nil {
		return fmt.Errorf("statestore: clearOldConsumers: %w", err)
	}

	names := mergeStringMaps(cp.names, vp.names)
	_, err = s.kv.UpdateItem(ctx, s.key(),
		kvstore.Expr{
			Expression: "REMOVE " + cp.String() + " SET " + vp.String() + " = :newVersion",
			Names:      names,
			Values:     map[string]types.AttributeValue{":newVersion": newVersionAV},
		},
		&kvstore.Expr{
			Expression: vp.String() + " = :expectedVersion",
			Names:      vp.names,
			Values:     map[string]types.AttributeValue{":expectedVersion": expectedVersionAV},
		},
	)
	switch {
	case err == nil:
		s.opts.Metrics.IncrementConsumerEvicted(id)
		s.log().WithField("consumerId", id).Debug("Removed stale consumer")
		return nil
	case kvstore.IsConditionalCheckFailed(err):
		s.opts.Metrics.IncrementConditionalCheckFailed("clearOldConsumers.removeConsumer")
		return nil
	default:
		return fmt.Errorf("statestore: clearOldConsumers: failed to remove consumer %s: %w", id, err)
	}
}

func (s *Store) releaseEnhancedConsumer(ctx context.Context, name, seenUsedBy, seenVersion string) error {
	ep := newPath().literal("enhancedConsumers").dynamic(name)
	usedByPath := ep.clone().literal("isUsedBy")
	versionPath := ep.clone().version()

	newVersionAV, err := model.MarshalValue(model.NextVersion(seenVersion))
	if err != nil {
		return fmt.Errorf("statestore: clearOldConsumers: %w", err)
	}
	seenUsedByAV, err := model.MarshalValue(seenUsedBy)
	if err != nil {
		return fmt.Errorf("statestore: clearOldConsumers: %w", err)
	}
	seenVersionAV, err := model.MarshalValue(seenVersion)
	if err != nil {
		return fmt.Errorf("statestore: clearOldConsumers: %w", err)
	}

	names := mergeStringMaps(usedByPath.names, versionPath.names)
	_, err = s.kv.UpdateItem(ctx, s.key(),
		kvstore.Expr{
			Expression: "SET " + usedByPath.String() + " = :null, " + versionPath.String() + " = :newVersion",
			Names:      names,
			Values: map[string]types.AttributeValue{
				":null":       &types.AttributeValueMemberNULL{Value: true},
				":newVersion": newVersionAV,
			},
		},
		&kvstore.Expr{
			Expression: usedByPath.String() + " = :seenUsedBy AND " + versionPath.String() + " = :seenVersion",
			Names:      names,
			Values: map[string]types.AttributeValue{
				":seenUsedBy": seenUsedByAV,
				":seenVersion": seenVersionAV,
			},
		},
	)
	switch {
	case err == nil:
		s.log().WithField("enhancedConsumer", name).Debug("Released enhanced consumer binding")
		return nil
	case kvstore.IsConditionalCheckFailed(err):
		s.opts.Metrics.IncrementConditionalCheckFailed("clearOldConsumers.releaseEnhancedConsumer")
		s.log().WithField("enhancedConsumer", name).Warn("can't be released")
		return nil
	default:
		return fmt.Errorf("statestore: clearOldConsumers: failed to release enhanced consumer %s: %w", name, err)
	}
}
