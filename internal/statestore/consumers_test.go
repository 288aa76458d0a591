package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifion/lifion-kinesis-sub001/internal/kvstore/kvstoretest"
)

func TestRegisterConsumerInsertsThenRefreshesHeartbeat(t *testing.T) {
	ctx := context.Background()
	kv := kvstoretest.New()
	store := newTestStore(t, kv, Options{})
	require.NoError(t, store.Start(ctx))

	require.NoError(t, store.RegisterConsumer(ctx))

	doc, _, err := store.getDocument(ctx)
	require.NoError(t, err)
	entry, ok := doc.Consumers["consumer-1"]
	require.True(t, ok)
	firstHeartbeat := entry.Heartbeat

	// A second RegisterConsumer call for the same worker must not fail or
	// duplicate the entry: it refreshes the heartbeat in place.
	later := firstHeartbeat.Add(time.Minute)
	store.opts.Now = func() time.Time { return later }
	require.NoError(t, store.RegisterConsumer(ctx))

	doc, _, err = store.getDocument(ctx)
	require.NoError(t, err)
	assert.Len(t, doc.Consumers, 1)
	assert.True(t, doc.Consumers["consumer-1"].Heartbeat.Equal(later))
}

// TestClearOldConsumersOnlyEvictsOnePerSweep covers the case where
// more than one consumer has gone stale, only the first removal in a
// single clearOldConsumers call commits against the version it read: the
// rest lose their conditional guard because the document's version
// already moved, and are silently skipped for a later beat to retry.
func TestClearOldConsumersOnlyEvictsOnePerSweep(t *testing.T) {
	ctx := context.Background()
	kv := kvstoretest.New()
	store := newTestStore(t, kv, Options{ConsumerID: "consumer-live"})
	require.NoError(t, store.Start(ctx))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.opts.Now = func() time.Time { return base }
	require.NoError(t, store.RegisterConsumer(ctx))

	for _, id := range []string{"stale-1", "stale-2"} {
		other := newTestStore(t, kv, Options{ConsumerID: id})
		other.opts.Now = func() time.Time { return base }
		require.NoError(t, other.RegisterConsumer(ctx))
	}

	store.opts.Now = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, store.ClearOldConsumers(ctx, time.Minute))

	doc, _, err := store.getDocument(ctx)
	require.NoError(t, err)
	assert.Len(t, doc.Consumers, 2, "exactly one stale consumer is evicted per sweep")
	assert.Contains(t, doc.Consumers, "consumer-live")

	// A second sweep picks up the consumer the first one skipped.
	require.NoError(t, store.ClearOldConsumers(ctx, time.Minute))
	doc, _, err = store.getDocument(ctx)
	require.NoError(t, err)
	assert.Len(t, doc.Consumers, 1)
	assert.Contains(t, doc.Consumers, "consumer-live")
}

func TestClearOldConsumersLeavesLiveConsumersAlone(t *testing.T) {
	ctx := context.Background()
	kv := kvstoretest.New()
	store := newTestStore(t, kv, Options{})
	require.NoError(t, store.Start(ctx))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.opts.Now = func() time.Time { return base }
	require.NoError(t, store.RegisterConsumer(ctx))

	store.opts.Now = func() time.Time { return base.Add(time.Second) }
	require.NoError(t, store.ClearOldConsumers(ctx, time.Hour))

	doc, _, err := store.getDocument(ctx)
	require.NoError(t, err)
	assert.Len(t, doc.Consumers, 1)
}

// TestClearOldConsumersReleasesEnhancedBindingOfEvictedPeer covers the
// cross-mapping effect: a stale consumer's enhanced fan-out binding must
// be released in the same sweep that evicts it, freeing the entry for
// another worker.
func TestClearOldConsumersReleasesEnhancedBindingOfEvictedPeer(t *testing.T) {
	ctx := context.Background()
	kv := kvstoretest.New()
	own := newTestStore(t, kv, Options{ConsumerID: "consumer-live", UseEnhancedFanOut: true})
	require.NoError(t, own.Start(ctx))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	own.opts.Now = func() time.Time { return base }
	require.NoError(t, own.RegisterConsumer(ctx))

	stale := newTestStore(t, kv, Options{ConsumerID: "consumer-stale", UseEnhancedFanOut: true})
	stale.opts.Now = func() time.Time { return base }
	require.NoError(t, stale.RegisterConsumer(ctx))

	require.NoError(t, stale.RegisterEnhancedConsumer(ctx, "fanout-1", "arn:aws:kinesis:fanout-1"))
	arn, err := stale.GetAssignedEnhancedConsumer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:kinesis:fanout-1", arn)

	own.opts.Now = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, own.ClearOldConsumers(ctx, time.Minute))

	doc, _, err := own.getDocument(ctx)
	require.NoError(t, err)
	entry, ok := doc.EnhancedConsumers["fanout-1"]
	require.True(t, ok)
	assert.Nil(t, entry.IsUsedBy, "the evicted consumer's enhanced binding must be released")
}
