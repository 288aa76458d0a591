// Package metrics defines the narrow counter surface the coordination
// core reports interesting transitions through: a small, explicit set of
// methods rather than a generic tag/value sink. No backend (Prometheus,
// CloudWatch, ...) is wired here; that is left to the embedding
// application.
package metrics

import "time"

// Recorder receives lease, heartbeat and liveness events from
// internal/statestore and internal/heartbeat.
type Recorder interface {
	IncrementLeaseAcquired(shardID string)
	IncrementLeaseLost(shardID string)
	IncrementConditionalCheckFailed(operation string)
	IncrementConsumerEvicted(consumerID string)
	ObserveHeartbeatDuration(d time.Duration)
}

// NoOp discards every event. Used when the embedding application has not
// configured a Recorder.
type NoOp struct{}

func (NoOp) IncrementLeaseAcquired(string)           {}
func (NoOp) IncrementLeaseLost(string)                {}
func (NoOp) IncrementConditionalCheckFailed(string)   {}
func (NoOp) IncrementConsumerEvicted(string)          {}
func (NoOp) ObserveHeartbeatDuration(time.Duration)   {}

var _ Recorder = NoOp{}
