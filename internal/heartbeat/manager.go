// Package heartbeat implements the per-worker liveness task: a Heartbeat
// Manager that periodically refreshes this worker's presence and evicts
// peers that have gone quiet. It is the only package under internal/
// that owns a goroutine and a timer; the other internal packages are
// called synchronously by their caller.
package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lifion/lifion-kinesis-sub001/internal/metrics"
	"github.com/lifion/lifion-kinesis-sub001/internal/statestore"
)

type state int

const (
	idle state = iota
	running
)

// Manager runs the register/clear beat on a fixed period and evicts
// peers that have gone quiet for longer than failureTimeout.
type Manager struct {
	store          *statestore.Store
	period         time.Duration
	failureTimeout time.Duration
	log            *logrus.Entry
	metrics        metrics.Recorder

	mu     sync.Mutex
	state  state
	stopCh chan struct{}
}

// NewManager builds a Manager. The period/threshold relationship is
// enforced here rather than left implicit: failureTimeout must be at
// least 3x period, to tolerate
// transient network loss without evicting a live peer.
func NewManager(store *statestore.Store, period, failureTimeout time.Duration, log *logrus.Entry, rec metrics.Recorder) (*Manager, error) {
	if failureTimeout < 3*period {
		return nil, fmt.Errorf("heartbeat: failureTimeout (%s) must be at least 3x period (%s)", failureTimeout, period)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if rec == nil {
		rec = metrics.NoOp{}
	}
	return &Manager{
		store:          store,
		period:         period,
		failureTimeout: failureTimeout,
		log:            log,
		metrics:        rec,
		state:          idle,
	}, nil
}

// Start runs one beat immediately, then schedules further beats every
// period until Stop is called. Calling Start while already running is a
// no-op: Start/Stop are a latch, not a counter.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.state == running {
		m.mu.Unlock()
		return
	}
	m.state = running
	stopCh := make(chan struct{})
	m.stopCh = stopCh
	m.mu.Unlock()

	m.beat(ctx)
	go m.run(ctx, stopCh)
}

// Stop cancels the pending timer and returns to Idle. It does not abort
// a beat already in flight; that beat runs to completion. Calling Stop
// while already idle is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != running {
		return
	}
	m.state = idle
	close(m.stopCh)
	m.stopCh = nil
}

func (m *Manager) run(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.beat(ctx)
		}
	}
}

func (m *Manager) beat(ctx context.Context) {
	start := time.Now()
	defer func() {
		m.metrics.ObserveHeartbeatDuration(time.Since(start))
	}()

	if err := m.store.ClearOldConsumers(ctx, m.failureTimeout); err != nil {
		m.log.WithError(err).Warn("recoverable failure during clearOldConsumers")
	}
	if err := m.store.RegisterConsumer(ctx); err != nil {
		m.log.WithError(err).Warn("recoverable failure during registerConsumer")
	}
}
