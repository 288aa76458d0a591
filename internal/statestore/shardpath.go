package statestore

import (
	"errors"

	"github.com/lifion/lifion-kinesis-sub001/internal/model"
)

// ErrStateNotWhereExpected is returned by getShardsData when
// useEnhancedFanOut is set but this consumer has no bound enhanced
// consumer yet: the per-shard mapping has nowhere to live.
var ErrStateNotWhereExpected = errors.New("statestore: enhanced fan-out consumer not bound, shard state not where expected")

// shardsLocation is a small tagged-variant value type used in place of
// threading string-builders through callers: the shard mapping itself,
// plus the base path (and its required ExpressionAttributeNames) that
// every lease/checkpoint operation extends to reach a specific shard.
type shardsLocation struct {
	shards map[string]model.ShardEntry
	base   *path
}

// getShardsData dispatches on (useAutoShardAssignment, useEnhancedFanOut)
// to find the per-shard mapping: a standalone consumer keeps shards on
// its own ConsumerEntry, auto-assignment keeps them on the document
// root, and enhanced fan-out keeps them on the bound EnhancedEntry.
func getShardsData(doc model.Document, consumerID string, useAutoShardAssignment, useEnhancedFanOut bool) (shardsLocation, error) {
	if useAutoShardAssignment {
		return shardsLocation{shards: doc.Shards, base: newPath().literal("shards")}, nil
	}

	if useEnhancedFanOut {
		for name, entry := range doc.EnhancedConsumers {
			if entry.IsUsedBy != nil && *entry.IsUsedBy == consumerID {
				return shardsLocation{
					shards: entry.Shards,
					base:   newPath().literal("enhancedConsumers").dynamic(name).literal("shards"),
				}, nil
			}
		}
		return shardsLocation{}, ErrStateNotWhereExpected
	}

	consumer, ok := doc.Consumers[consumerID]
	if !ok {
		return shardsLocation{}, ErrStateNotWhereExpected
	}
	return shardsLocation{
		shards: consumer.Shards,
		base:   newPath().literal("consumers").dynamic(consumerID).literal("shards"),
	}, nil
}
