package model

import "time"

// Document is the single logical record stored per (consumerGroup,
// streamName) pair. It is never partially initialized: Start establishes
// all three top-level mappings and the version atomically.
type Document struct {
	ConsumerGroup     string                   `dynamodbav:"consumerGroup"`
	StreamName        string                   `dynamodbav:"streamName"`
	StreamCreatedOn   time.Time                `dynamodbav:"streamCreatedOn"`
	Version           string                   `dynamodbav:"version"`
	Consumers         map[string]ConsumerEntry `dynamodbav:"consumers"`
	EnhancedConsumers map[string]EnhancedEntry `dynamodbav:"enhancedConsumers"`
	Shards            map[string]ShardEntry    `dynamodbav:"shards"`
}

// ConsumerEntry is a worker known to the group.
type ConsumerEntry struct {
	AppName      string                `dynamodbav:"appName"`
	Host         string                `dynamodbav:"host"`
	PID          int                   `dynamodbav:"pid"`
	StartedOn    time.Time             `dynamodbav:"startedOn"`
	Heartbeat    time.Time             `dynamodbav:"heartbeat"`
	IsActive     bool                  `dynamodbav:"isActive"`
	IsStandalone bool                  `dynamodbav:"isStandalone"`
	Shards       map[string]ShardEntry `dynamodbav:"shards,omitempty"`
}

// EnhancedEntry is a server-side fan-out subscription and its current
// binding.
type EnhancedEntry struct {
	ARN          string                `dynamodbav:"arn"`
	IsUsedBy     *string               `dynamodbav:"isUsedBy"`
	IsStandalone bool                  `dynamodbav:"isStandalone"`
	Version      string                `dynamodbav:"version"`
	Shards       map[string]ShardEntry `dynamodbav:"shards,omitempty"`
}

// ShardEntry is the per-shard lease and progress record.
type ShardEntry struct {
	Checkpoint      *string    `dynamodbav:"checkpoint"`
	Depleted        bool       `dynamodbav:"depleted"`
	LeaseExpiration *time.Time `dynamodbav:"leaseExpiration"`
	LeaseOwner      *string    `dynamodbav:"leaseOwner"`
	Parent          *string    `dynamodbav:"parent,omitempty"`
	Version         string     `dynamodbav:"version"`
}

// NewDocument builds a fresh, fully-initialized document as Start creates
// it: empty mappings, version "0000".
func NewDocument(consumerGroup, streamName string, streamCreatedOn time.Time) Document {
	return Document{
		ConsumerGroup:     consumerGroup,
		StreamName:        streamName,
		StreamCreatedOn:   streamCreatedOn,
		Version:           InitialVersion,
		Consumers:         map[string]ConsumerEntry{},
		EnhancedConsumers: map[string]EnhancedEntry{},
		Shards:            map[string]ShardEntry{},
	}
}

// NewShardEntry builds a freshly-inserted ShardEntry with the given parent
// (nil for a root shard), matching ensureShardStateExists.
func NewShardEntry(parent *string) ShardEntry {
	return ShardEntry{
		Checkpoint:      nil,
		Depleted:        false,
		LeaseExpiration: nil,
		LeaseOwner:      nil,
		Parent:          parent,
		Version:         initialEntryVersion,
	}
}

// NewEnhancedEntry builds a freshly-registered EnhancedEntry.
func NewEnhancedEntry(arn string, standalone bool) EnhancedEntry {
	e := EnhancedEntry{
		ARN:          arn,
		IsUsedBy:     nil,
		IsStandalone: standalone,
		Version:      initialEntryVersion,
	}
	if standalone {
		e.Shards = map[string]ShardEntry{}
	}
	return e
}

// NewConsumerEntry builds a freshly-registered ConsumerEntry for this
// worker.
func NewConsumerEntry(appName, host string, pid int, now time.Time, standalone bool) ConsumerEntry {
	c := ConsumerEntry{
		AppName:      appName,
		Host:         host,
		PID:          pid,
		StartedOn:    now,
		Heartbeat:    now,
		IsActive:     true,
		IsStandalone: standalone,
	}
	if standalone {
		c.Shards = map[string]ShardEntry{}
	}
	return c
}

// IsOwnedAndLive reports whether a shard is currently leased by owner and
// the lease has not expired as of now.
func (s ShardEntry) IsOwnedAndLive(owner string, now time.Time) bool {
	return !s.Depleted &&
		s.LeaseOwner != nil && *s.LeaseOwner == owner &&
		s.LeaseExpiration != nil && s.LeaseExpiration.After(now)
}
