package metrics

import (
	"time"

	"github.com/sirupsen/logrus"
)

// LogRecorder is a Recorder that logs each event at debug level. It is a
// reasonable default for a single-process deployment and a clear seam for
// swapping in a real metrics backend.
type LogRecorder struct {
	log *logrus.Entry
}

// NewLogRecorder wraps log (already scoped with request-independent
// fields such as consumerGroup/streamName) as a Recorder.
func NewLogRecorder(log *logrus.Entry) *LogRecorder {
	return &LogRecorder{log: log}
}

func (r *LogRecorder) IncrementLeaseAcquired(shardID string) {
	r.log.WithField("shardId", shardID).Debug("lease acquired")
}

func (r *LogRecorder) IncrementLeaseLost(shardID string) {
	r.log.WithField("shardId", shardID).Debug("lease lost")
}

func (r *LogRecorder) IncrementConditionalCheckFailed(operation string) {
	r.log.WithField("operation", operation).Debug("conditional check failed")
}

func (r *LogRecorder) IncrementConsumerEvicted(consumerID string) {
	r.log.WithField("consumerId", consumerID).Debug("consumer evicted")
}

func (r *LogRecorder) ObserveHeartbeatDuration(d time.Duration) {
	r.log.WithField("durationMs", d.Milliseconds()).Debug("heartbeat beat completed")
}

var _ Recorder = (*LogRecorder)(nil)
