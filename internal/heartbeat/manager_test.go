package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifion/lifion-kinesis-sub001/internal/kvstore/kvstoretest"
	"github.com/lifion/lifion-kinesis-sub001/internal/statestore"
)

// countingRecorder counts ObserveHeartbeatDuration calls, guarded by a
// mutex since beats run on the Manager's own goroutine.
type countingRecorder struct {
	mu    sync.Mutex
	beats int
}

func (c *countingRecorder) IncrementLeaseAcquired(string)         {}
func (c *countingRecorder) IncrementLeaseLost(string)             {}
func (c *countingRecorder) IncrementConditionalCheckFailed(string) {}
func (c *countingRecorder) IncrementConsumerEvicted(string)       {}
func (c *countingRecorder) ObserveHeartbeatDuration(time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beats++
}

func (c *countingRecorder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beats
}

func newTestStore(t *testing.T) *statestore.Store {
	t.Helper()
	kv := kvstoretest.New()
	store := statestore.New(kv, statestore.Options{
		ConsumerGroup:   "group-a",
		StreamName:      "stream-a",
		ConsumerID:      "consumer-1",
		AppName:         "worker",
		StreamCreatedOn: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, store.Start(context.Background()))
	return store
}

func TestNewManagerRejectsTooShortFailureTimeout(t *testing.T) {
	store := newTestStore(t)
	_, err := NewManager(store, time.Second, 2*time.Second, nil, nil)
	assert.Error(t, err, "failureTimeout under 3x period must be rejected")
}

func TestNewManagerAcceptsExactBoundary(t *testing.T) {
	store := newTestStore(t)
	m, err := NewManager(store, time.Second, 3*time.Second, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, m)
}

// TestStartRunsAnImmediateBeat covers the contract that Start performs
// one beat synchronously before returning, rather than waiting a full
// period for the first registration to land.
func TestStartRunsAnImmediateBeat(t *testing.T) {
	store := newTestStore(t)
	rec := &countingRecorder{}
	m, err := NewManager(store, time.Hour, 3*time.Hour, nil, rec)
	require.NoError(t, err)

	m.Start(context.Background())
	defer m.Stop()

	assert.Equal(t, 1, rec.count())

	// A further registration for the same worker, after the beat's own,
	// still succeeds.
	require.NoError(t, store.RegisterConsumer(context.Background()))
}

// TestStartIsReentrancyLatched covers the no-op-while-running rule: a
// second Start call must not spawn a second beat loop.
func TestStartIsReentrancyLatched(t *testing.T) {
	store := newTestStore(t)
	rec := &countingRecorder{}
	m, err := NewManager(store, 10*time.Millisecond, 30*time.Millisecond, nil, rec)
	require.NoError(t, err)

	m.Start(context.Background())
	defer m.Stop()
	m.Start(context.Background())

	assert.Equal(t, 1, rec.count(), "the second Start call must be a no-op")
}

// TestStopHaltsFurtherBeats confirms that once stopped, the background
// loop no longer fires the ticker-driven beat.
func TestStopHaltsFurtherBeats(t *testing.T) {
	store := newTestStore(t)
	rec := &countingRecorder{}
	m, err := NewManager(store, 5*time.Millisecond, 15*time.Millisecond, nil, rec)
	require.NoError(t, err)

	m.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	m.Stop()

	countAtStop := rec.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, countAtStop, rec.count(), "no further beats after Stop")
}

// TestStopWhileIdleIsANoOp covers calling Stop before any Start.
func TestStopWhileIdleIsANoOp(t *testing.T) {
	store := newTestStore(t)
	m, err := NewManager(store, time.Second, 3*time.Second, nil, nil)
	require.NoError(t, err)
	assert.NotPanics(t, func() { m.Stop() })
}

// TestBeatRunsClearThenRegisterWithoutError exercises the beat's
// clearOldConsumers + registerConsumer sequence against a real Store
// shared by two workers, confirming neither call's recoverable-failure
// path is hit in the common case.
func TestBeatRunsClearThenRegisterWithoutError(t *testing.T) {
	kv := kvstoretest.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	peer := statestore.New(kv, statestore.Options{
		ConsumerGroup:   "group-a",
		StreamName:      "stream-a",
		ConsumerID:      "consumer-peer",
		AppName:         "worker",
		StreamCreatedOn: base,
	})
	require.NoError(t, peer.Start(context.Background()))
	require.NoError(t, peer.RegisterConsumer(context.Background()))

	live := statestore.New(kv, statestore.Options{
		ConsumerGroup:   "group-a",
		StreamName:      "stream-a",
		ConsumerID:      "consumer-live",
		AppName:         "worker",
		StreamCreatedOn: base,
	})
	log, hook := logrustest.NewNullLogger()
	m, err := NewManager(live, time.Hour, 3*time.Hour, logrus.NewEntry(log), nil)
	require.NoError(t, err)

	m.beat(context.Background())

	for _, entry := range hook.AllEntries() {
		assert.GreaterOrEqual(t, entry.Level, logrus.InfoLevel, "beat must not log a recoverable-failure warning in the common case")
	}
}
