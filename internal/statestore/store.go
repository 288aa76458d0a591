// Package statestore implements the authoritative interface to the
// shared per-(consumerGroup, streamName) document: every write here is a
// single PutItem, UpdateItem or DeleteItem call against internal/kvstore,
// most of them conditional; no operation uses a multi-item transaction.
package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lifion/lifion-kinesis-sub001/internal/kvstore"
	"github.com/lifion/lifion-kinesis-sub001/internal/metrics"
	"github.com/lifion/lifion-kinesis-sub001/internal/model"
)

// Options configures a Store for one worker.
type Options struct {
	ConsumerGroup   string
	StreamName      string
	StreamCreatedOn time.Time

	ConsumerID string
	AppName    string
	Host       string
	PID        int

	UseAutoShardAssignment bool
	UseEnhancedFanOut      bool

	Metrics metrics.Recorder
	Logger  *logrus.Entry

	// Now is overridable for deterministic tests; it defaults to
	// time.Now.
	Now func() time.Time
}

// Store is the authoritative state-store client for one worker. It holds
// no document cache: every call that needs the document's contents reads
// it from the store first.
type Store struct {
	kv   kvstore.Client
	opts Options
}

// New builds a Store. kv is the KVC the document lives behind.
func New(kv kvstore.Client, opts Options) *Store {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NoOp{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{kv: kv, opts: opts}
}

func (s *Store) key() kvstore.Key {
	return kvstore.Key{ConsumerGroup: s.opts.ConsumerGroup, StreamName: s.opts.StreamName}
}

func (s *Store) now() time.Time { return s.opts.Now() }

func (s *Store) log() *logrus.Entry {
	return s.opts.Logger.WithFields(logrus.Fields{
		"consumerGroup": s.opts.ConsumerGroup,
		"streamName":    s.opts.StreamName,
	})
}

func (s *Store) getDocument(ctx context.Context) (model.Document, bool, error) {
	item, found, err := s.kv.GetItem(ctx, s.key(), true)
	if err != nil {
		return model.Document{}, false, err
	}
	if !found {
		return model.Document{}, false, nil
	}
	doc, err := model.UnmarshalDocument(item)
	if err != nil {
		return model.Document{}, false, fmt.Errorf("statestore: failed to decode document: %w", err)
	}
	return doc, true, nil
}

// Start establishes the shared document. It is idempotent across
// concurrently-starting workers: whichever one
// wins the conditional Put, the others observe
// ErrConditionalCheckFailed and treat it as success.
func (s *Store) Start(ctx context.Context) error {
	existing, found, err := s.getDocument(ctx)
	if err != nil {
		return fmt.Errorf("statestore: start: failed to read document: %w", err)
	}

	if found && !existing.StreamCreatedOn.Equal(s.opts.StreamCreatedOn) {
		if err := s.kv.DeleteItem(ctx, s.key(), nil); err != nil {
			return fmt.Errorf("statestore: start: failed to delete stale document: %w", err)
		}
		s.log().Warn("Stream state has been reset because streamCreatedOn no longer matches")
		found = false
	}

	if found {
		return nil
	}

	doc := model.NewDocument(s.opts.ConsumerGroup, s.opts.StreamName, s.opts.StreamCreatedOn)
	item, err := model.MarshalDocument(doc)
	if err != nil {
		return fmt.Errorf("statestore: start: failed to encode document: %w", err)
	}

	cond := &kvstore.Expr{Expression: "attribute_not_exists(streamName)"}
	err = s.kv.PutItem(ctx, item, cond)
	switch {
	case err == nil:
		s.log().Debug("Initial state has been created")
		return nil
	case kvstore.IsConditionalCheckFailed(err):
		// Another worker initialized concurrently between our read and
		// write: that worker's document is authoritative, and this is a
		// success from our perspective.
		return nil
	default:
		return fmt.Errorf("statestore: start: failed to create document: %w", err)
	}
}
