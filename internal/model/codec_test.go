package model

import (
	"testing"
	"time"
)

func TestMarshalUnmarshalDocumentRoundTrip(t *testing.T) {
	created := time.Now().Truncate(time.Second).UTC()
	owner := "consumer-1"
	checkpoint := "49590338271490256608559692540925702759324208523137515618"

	doc := Document{
		ConsumerGroup:   "group",
		StreamName:      "stream",
		StreamCreatedOn: created,
		Version:         "0042",
		Consumers: map[string]ConsumerEntry{
			"consumer-1": NewConsumerEntry("app", "host-a", 123, created, false),
		},
		EnhancedConsumers: map[string]EnhancedEntry{
			"fanout-1": NewEnhancedEntry("arn:aws:kinesis:fanout-1", false),
		},
		Shards: map[string]ShardEntry{
			"shard-0001": {
				Checkpoint:      &checkpoint,
				LeaseOwner:      &owner,
				LeaseExpiration: timePtr(created.Add(30 * time.Second)),
				Version:         "0003",
			},
		},
	}

	item, err := MarshalDocument(doc)
	if err != nil {
		t.Fatalf("MarshalDocument: %v", err)
	}

	got, err := UnmarshalDocument(item)
	if err != nil {
		t.Fatalf("UnmarshalDocument: %v", err)
	}

	if !got.StreamCreatedOn.Equal(created) {
		t.Errorf("StreamCreatedOn = %v, want %v", got.StreamCreatedOn, created)
	}
	if got.Version != doc.Version {
		t.Errorf("Version = %q, want %q", got.Version, doc.Version)
	}
	shard, ok := got.Shards["shard-0001"]
	if !ok {
		t.Fatal("shard-0001 missing after round trip")
	}
	if shard.Checkpoint == nil || *shard.Checkpoint != checkpoint {
		t.Errorf("Checkpoint = %v, want %q", shard.Checkpoint, checkpoint)
	}
	if shard.LeaseOwner == nil || *shard.LeaseOwner != owner {
		t.Errorf("LeaseOwner = %v, want %q", shard.LeaseOwner, owner)
	}
	if got.EnhancedConsumers["fanout-1"].IsUsedBy != nil {
		t.Error("fresh EnhancedEntry must round-trip IsUsedBy as nil")
	}
}
