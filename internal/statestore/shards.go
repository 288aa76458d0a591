package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/lifion/lifion-kinesis-sub001/internal/kvstore"
	"github.com/lifion/lifion-kinesis-sub001/internal/model"
)

// ErrVersionConflict is returned by MarkShardAsDepleted when its update,
// guarded by the parent shard version it read, loses the race: the
// caller must refetch and decide whether to retry. StoreShardCheckpoint
// reports the same situation as ok=false rather than with this error.
// It is deliberately distinct from
// ErrConditionalCheckFailed's success-equivalent handling elsewhere in
// this package.
var ErrVersionConflict = errors.New("statestore: version conflict")

// ChildShard describes a shard produced by the depletion of its parent,
// as surfaced by the upstream stream client.
type ChildShard struct {
	ShardID                string
	StartingSequenceNumber string
}

func (s *Store) shardsLocation(ctx context.Context) (model.Document, shardsLocation, error) {
	doc, found, err := s.getDocument(ctx)
	if err != nil {
		return model.Document{}, shardsLocation{}, err
	}
	if !found {
		return model.Document{}, shardsLocation{}, fmt.Errorf("statestore: no document for %s/%s", s.opts.ConsumerGroup, s.opts.StreamName)
	}
	loc, err := getShardsData(doc, s.opts.ConsumerID, s.opts.UseAutoShardAssignment, s.opts.UseEnhancedFanOut)
	if err != nil {
		return model.Document{}, shardsLocation{}, err
	}
	return doc, loc, nil
}

// EnsureShardStateExists inserts a fresh ShardEntry for shardID with the
// given parent if none exists yet. A conditional-check failure means the
// entry already exists, which is success.
func (s *Store) EnsureShardStateExists(ctx context.Context, shardID string, parent *string) error {
	_, loc, err := s.shardsLocation(ctx)
	if err != nil {
		return fmt.Errorf("statestore: ensureShardStateExists: %w", err)
	}
	return s.ensureShardStateExists(ctx, loc, shardID, parent)
}

func (s *Store) ensureShardStateExists(ctx context.Context, loc shardsLocation, shardID string, parent *string) error {
	p := loc.base.clone().dynamic(shardID)
	entry := model.NewShardEntry(parent)
	entryAV, err := model.MarshalValue(entry)
	if err != nil {
		return fmt.Errorf("statestore: ensureShardStateExists: failed to encode entry: %w", err)
	}

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
		return fmt.Errorf("statestore: ensureShardStateExists: %w", err)
	}
}

// GetShardAndStreamState returns shardID's current entry alongside the
// document it lives in. When the shard has no entry yet, it is created
// (with the given parent) and re-read.
func (s *Store) GetShardAndStreamState(ctx context.Context, shardID string, parent *string) (model.ShardEntry, model.Document, error) {
	doc, loc, err := s.shardsLocation(ctx)
	if err != nil {
		return model.ShardEntry{}, model.Document{}, fmt.Errorf("statestore: getShardAndStreamState: %w", err)
	}

	if entry, ok := loc.shards[shardID]; ok {
		return entry, doc, nil
	}

	if err := s.ensureShardStateExists(ctx, loc, shardID, parent); err != nil {
		return model.ShardEntry{}, model.Document{}, fmt.Errorf("statestore: getShardAndStreamState: %w", err)
	}

	doc, loc, err = s.shardsLocation(ctx)
	if err != nil {
		return model.ShardEntry{}, model.Document{}, fmt.Errorf("statestore: getShardAndStreamState: %w", err)
	}
	entry, ok := loc.shards[shardID]
	if !ok {
		return model.ShardEntry{}, model.Document{}, fmt.Errorf("statestore: getShardAndStreamState: shard %s missing after ensure", shardID)
	}
	return entry, doc, nil
}

// GetOwnedShards returns the subset of shards this worker currently
// holds a live lease on.
func (s *Store) GetOwnedShards(ctx context.Context) (map[string]model.ShardEntry, error) {
	_, loc, err := s.shardsLocation(ctx)
	if err != nil {
		return nil, fmt.Errorf("statestore: getOwnedShards: %w", err)
	}

	now := s.now()
	owned := map[string]model.ShardEntry{}
	for id, entry := range loc.shards {
		if entry.IsOwnedAndLive(s.opts.ConsumerID, now) {
			owned[id] = entry
		}
	}
	return owned, nil
}

// LockShardLease acquires (or renews) the lease on shardID for
// leaseDuration, guarded by expectedVersion. It returns false (not an
// error) when another worker won the race.
func (s *Store) LockShardLease(ctx context.Context, shardID string, leaseDuration time.Duration, expectedVersion string) (bool, error) {
	_, loc, err := s.shardsLocation(ctx)
	if err != nil {
		return false, fmt.Errorf("statestore: lockShardLease: %w", err)
	}

	ep := loc.base.clone().dynamic(shardID)
	ownerPath := ep.clone().literal("leaseOwner")
	expirationPath := ep.clone().literal("leaseExpiration")
	versionPath := ep.clone().version()

	ownerAV, err := model.MarshalValue(s.opts.ConsumerID)
	if err != nil {
		return false, fmt.Errorf("statestore: lockShardLease: %w", err)
	}
	expirationAV, err := model.MarshalValue(s.now().Add(leaseDuration))
	if err != nil {
		return false, fmt.Errorf("statestore: lockShardLease: %w", err)
	}
	newVersionAV, err := model.MarshalValue(model.NextVersion(expectedVersion))
	if err != nil {
		return false, fmt.Errorf("statestore: lockShardLease: %w", err)
	}
	expectedVersionAV, err := model.MarshalValue(expectedVersion)
	if err != nil {
		return false, fmt.Errorf("statestore: lockShardLease: %w", err)
	}

	names := mergeStringMaps(ownerPath.names, expirationPath.names, versionPath.names)
	_, err = s.kv.UpdateItem(ctx, s.key(),
		kvstore.Expr{
			Expression: "SET " + ownerPath.String() + " = :owner, " + expirationPath.String() + " = :expiration, " + versionPath.String() + " = :newVersion",
			Names:      names,
			Values: map[string]types.AttributeValue{
				":owner":      ownerAV,
				":expiration": expirationAV,
				":newVersion": newVersionAV,
			},
		},
		&kvstore.Expr{
			Expression: versionPath.String() + " = :expectedVersion",
			Names:      versionPath.names,
			Values:     map[string]types.AttributeValue{":expectedVersion": expectedVersionAV},
		},
	)
	switch {
	case err == nil:
		s.opts.Metrics.IncrementLeaseAcquired(shardID)
		return true, nil
	case kvstore.IsConditionalCheckFailed(err):
		s.opts.Metrics.IncrementConditionalCheckFailed("lockShardLease")
		return false, nil
	default:
		return false, fmt.Errorf("statestore: lockShardLease: %w", err)
	}
}

// ReleaseShardLease clears shardID's lease fields, guarded by
// expectedVersion. It returns "" (not an error) when another worker
// already changed the entry.
func (s *Store) ReleaseShardLease(ctx context.Context, shardID string, expectedVersion string) (string, error) {
	_, loc, err := s.shardsLocation(ctx)
	if err != nil {
		return "", fmt.Errorf("statestore: releaseShardLease: %w", err)
	}

	ep := loc.base.clone().dynamic(shardID)
	ownerPath := ep.clone().literal("leaseOwner")
	expirationPath := ep.clone().literal("leaseExpiration")
	versionPath := ep.clone().version()

	newVersion := model.NextVersion(expectedVersion)
	newVersionAV, err := model.MarshalValue(newVersion)
	if err != nil {
		return "", fmt.Errorf("statestore: releaseShardLease: %w", err)
	}
	expectedVersionAV, err := model.MarshalValue(expectedVersion)
	if err != nil {
		return "", fmt.Errorf("statestore: releaseShardLease: %w", err)
	}

	names := mergeStringMaps(ownerPath.names, expirationPath.names, versionPath.names)
	_, err = s.kv.UpdateItem(ctx, s.key(),
		kvstore.Expr{
			Expression: "SET " + ownerPath.String() + " = :null, " + expirationPath.String() + " = :null, " + versionPath.String() + " = :newVersion",
			Names:      names,
			Values: map[string]types.AttributeValue{
				":null":       &types.AttributeValueMemberNULL{Value: true},
				":newVersion": newVersionAV,
			},
		},
		&kvstore.Expr{
			Expression: versionPath.String() + " = :expectedVersion",
			Names:      versionPath.names,
			Values:     map[string]types.AttributeValue{":expectedVersion": expectedVersionAV},
		},
	)
	switch {
	case err == nil:
		s.opts.Metrics.IncrementLeaseLost(shardID)
		return newVersion, nil
	case kvstore.IsConditionalCheckFailed(err):
		s.opts.Metrics.IncrementConditionalCheckFailed("releaseShardLease")
		return "", nil
	default:
		return "", fmt.Errorf("statestore: releaseShardLease: %w", err)
	}
}

// StoreShardCheckpoint records sequence as shardID's checkpoint. The
// update is guarded by the shard's own version, and a lost race is
// reported to the caller (ok=false) instead of silently overwritten, so
// the per-shard reader loop can refetch and decide whether to retry.
func (s *Store) StoreShardCheckpoint(ctx context.Context, shardID, sequence, expectedVersion string) (newVersion string, ok bool, err error) {
	if sequence == "" {
		return "", false, fmt.Errorf("statestore: storeShardCheckpoint: sequence must not be empty")
	}

	_, loc, err := s.shardsLocation(ctx)
	if err != nil {
		return "", false, fmt.Errorf("statestore: storeShardCheckpoint: %w", err)
	}

	ep := loc.base.clone().dynamic(shardID)
	checkpointPath := ep.clone().literal("checkpoint")
	versionPath := ep.clone().version()

	checkpointAV, err := model.MarshalValue(sequence)
	if err != nil {
		return "", false, fmt.Errorf("statestore: storeShardCheckpoint: %w", err)
	}
	nextVersion := model.NextVersion(expectedVersion)
	newVersionAV, err := model.MarshalValue(nextVersion)
	if err != nil {
		return "", false, fmt.Errorf("statestore: storeShardCheckpoint: %w", err)
	}
	expectedVersionAV, err := model.MarshalValue(expectedVersion)
	if err != nil {
		return "", false, fmt.Errorf("statestore: storeShardCheckpoint: %w", err)
	}

	names := mergeStringMaps(checkpointPath.names, versionPath.names)
	_, err = s.kv.UpdateItem(ctx, s.key(),
		kvstore.Expr{
			Expression: "SET " + checkpointPath.String() + " = :checkpoint, " + versionPath.String() + " = :newVersion",
			Names:      names,
			Values: map[string]types.AttributeValue{
				":checkpoint": checkpointAV,
				":newVersion": newVersionAV,
			},
		},
		&kvstore.Expr{
			Expression: versionPath.String() + " = :expectedVersion",
			Names:      versionPath.names,
			Values:     map[string]types.AttributeValue{":expectedVersion": expectedVersionAV},
		},
	)
	switch {
	case err == nil:
		return nextVersion, true, nil
	case kvstore.IsConditionalCheckFailed(err):
		s.opts.Metrics.IncrementConditionalCheckFailed("storeShardCheckpoint")
		return "", false, nil
	default:
		return "", false, fmt.Errorf("statestore: storeShardCheckpoint: %w", err)
	}
}

// MarkShardAsDepleted marks shardID depleted and ensures its children
// exist: children are ensured to exist first, then a single update marks
// the parent depleted and, when the parent has a checkpoint, seeds every
// child that has none with its starting sequence number. depleted is
// sticky: a conflicting
// concurrent update is reported rather than retried, since silently
// re-applying it could resurrect a checkpoint another worker already
// advanced.
func (s *Store) MarkShardAsDepleted(ctx context.Context, shardID string, children []ChildShard) error {
	_, loc, err := s.shardsLocation(ctx)
	if err != nil {
		return fmt.Errorf("statestore: markShardAsDepleted: %w", err)
	}

	for _, child := range children {
		parent := shardID
		if err := s.ensureShardStateExists(ctx, loc, child.ShardID, &parent); err != nil {
			return fmt.Errorf("statestore: markShardAsDepleted: %w", err)
		}
	}

	_, loc, err = s.shardsLocation(ctx)
	if err != nil {
		return fmt.Errorf("statestore: markShardAsDepleted: %w", err)
	}

	parentEntry, ok := loc.shards[shardID]
	if !ok {
		return fmt.Errorf("statestore: markShardAsDepleted: shard %s has no entry", shardID)
	}

	// Every shard segment below is aliased off the same loc.base, so each
	// clone is given a disjoint slice of the alias counter; otherwise the
	// parent and every child would collide on the same "#pN" name and the
	// update would silently target the wrong shard (or DynamoDB would
	// reject the expression for overlapping paths).
	aliasSeq := loc.base.next
	parentPath := loc.base.clone()
	parentPath.next = aliasSeq
	parentPath.dynamic(shardID)
	aliasSeq = parentPath.next

	depletedPath := parentPath.clone().literal("depleted")
	parentVersionPath := parentPath.clone().version()

	depletedAV, err := model.MarshalValue(true)
	if err != nil {
		return fmt.Errorf("statestore: markShardAsDepleted: %w", err)
	}
	newParentVersionAV, err := model.MarshalValue(model.NextVersion(parentEntry.Version))
	if err != nil {
		return fmt.Errorf("statestore: markShardAsDepleted: %w", err)
	}
	expectedParentVersionAV, err := model.MarshalValue(parentEntry.Version)
	if err != nil {
		return fmt.Errorf("statestore: markShardAsDepleted: %w", err)
	}

	setClauses := []string{
		depletedPath.String() + " = :depleted",
		parentVersionPath.String() + " = :newParentVersion",
	}
	names := mergeStringMaps(depletedPath.names, parentVersionPath.names)
	values := map[string]types.AttributeValue{
		":depleted":         depletedAV,
		":newParentVersion": newParentVersionAV,
	}

	if parentEntry.Checkpoint != nil {
		for i, child := range children {
			childEntry, ok := loc.shards[child.ShardID]
			if !ok {
				return fmt.Errorf("statestore: markShardAsDepleted: child %s missing after ensure", child.ShardID)
			}
			if childEntry.Checkpoint != nil {
				continue
			}
			childPath := loc.base.clone()
			childPath.next = aliasSeq
			childPath.dynamic(child.ShardID)
			aliasSeq = childPath.next
			checkpointPath := childPath.clone().literal("checkpoint")
			versionPath := childPath.clone().version()
			checkpointAV, err := model.MarshalValue(child.StartingSequenceNumber)
			if err != nil {
				return fmt.Errorf("statestore: markShardAsDepleted: %w", err)
			}
			newVersionAV, err := model.MarshalValue(model.NextVersion(childEntry.Version))
			if err != nil {
				return fmt.Errorf("statestore: markShardAsDepleted: %w", err)
			}

			checkpointToken := fmt.Sprintf(":childCheckpoint%d", i)
			versionToken := fmt.Sprintf(":childVersion%d", i)
			setClauses = append(setClauses,
				checkpointPath.String()+" = "+checkpointToken,
				versionPath.String()+" = "+versionToken,
			)
			names = mergeStringMaps(names, checkpointPath.names, versionPath.names)
			values[checkpointToken] = checkpointAV
			values[versionToken] = newVersionAV
		}
	}

	updateExpr := "SET "
	for i, clause := range setClauses {
		if i > 0 {
			updateExpr += ", "
		}
		updateExpr += clause
	}

	_, err = s.kv.UpdateItem(ctx, s.key(),
		kvstore.Expr{Expression: updateExpr, Names: names, Values: values},
		&kvstore.Expr{
			Expression: parentVersionPath.String() + " = :expectedParentVersion",
			Names:      parentVersionPath.names,
			Values:     map[string]types.AttributeValue{":expectedParentVersion": expectedParentVersionAV},
		},
	)
	switch {
	case err == nil:
		s.log().WithField("shardId", shardID).Debug("Marked shard as depleted")
		return nil
	case kvstore.IsConditionalCheckFailed(err):
		s.opts.Metrics.IncrementConditionalCheckFailed("markShardAsDepleted")
		return ErrVersionConflict
	default:
		return fmt.Errorf("statestore: markShardAsDepleted: %w", err)
	}
}
