package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifion/lifion-kinesis-sub001/internal/kvstore/kvstoretest"
)

func newTestStore(t *testing.T, kv *kvstoretest.Client, opts Options) *Store {
	t.Helper()
	if opts.ConsumerGroup == "" {
		opts.ConsumerGroup = "group-a"
	}
	if opts.StreamName == "" {
		opts.StreamName = "stream-a"
	}
	if opts.ConsumerID == "" {
		opts.ConsumerID = "consumer-1"
	}
	if opts.AppName == "" {
		opts.AppName = "worker"
	}
	if opts.StreamCreatedOn.IsZero() {
		opts.StreamCreatedOn = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return New(kv, opts)
}

func TestStartCreatesDocumentOnce(t *testing.T) {
	ctx := context.Background()
	kv := kvstoretest.New()
	store := newTestStore(t, kv, Options{})

	require.NoError(t, store.Start(ctx))

	doc, found, err := store.getDocument(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "0000", doc.Version)
	assert.Empty(t, doc.Consumers)

	// A second Start against the same stream is a no-op: existing state
	// is preserved rather than overwritten.
	require.NoError(t, store.RegisterConsumer(ctx))
	require.NoError(t, store.Start(ctx))

	doc, found, err = store.getDocument(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, doc.Consumers, 1)
}

// TestStartTreatsConcurrentInitAsSuccess reproduces the race where this
// worker's Start() read finds no document, but another worker's Put
// commits first: the conditional check fails, and Start must treat that
// as success rather than an error.
func TestStartTreatsConcurrentInitAsSuccess(t *testing.T) {
	ctx := context.Background()
	kv := kvstoretest.New()
	storeA := newTestStore(t, kv, Options{})
	storeB := newTestStore(t, kv, Options{ConsumerID: "consumer-2"})

	// storeA initializes right after storeB's read has found no document,
	// so storeB's conditional Put is the one that fails.
	storeB.kv = &racingGetClient{Client: kv, onNthGet: map[int]func(){
		1: func() { assert.NoError(t, storeA.Start(ctx)) },
	}}
	require.NoError(t, storeB.Start(ctx))

	doc, found, err := storeA.getDocument(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "0000", doc.Version)
}

// TestStartResetsStateWhenStreamRecreated covers the invariant that a
// changed streamCreatedOn means the stream was deleted and recreated:
// all prior coordination state (consumers, shards, leases) is stale and
// must be dropped rather than reused.
func TestStartResetsStateWhenStreamRecreated(t *testing.T) {
	ctx := context.Background()
	kv := kvstoretest.New()
	store := newTestStore(t, kv, Options{})

	require.NoError(t, store.Start(ctx))
	require.NoError(t, store.RegisterConsumer(ctx))

	recreated := newTestStore(t, kv, Options{
		StreamCreatedOn: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, recreated.Start(ctx))

	doc, found, err := recreated.getDocument(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Empty(t, doc.Consumers, "stale consumers from the old stream incarnation must not survive a reset")
	assert.Equal(t, "0000", doc.Version)
}
