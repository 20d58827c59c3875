// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package om is the single gateway for request/response traffic against a
// ServerId: it queues operations across connection gaps and replays them
// in order on recovery.
package om

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowbridge/iobroker-connector/core/cm"
	"github.com/flowbridge/iobroker-connector/core/wire"
	"github.com/flowbridge/iobroker-connector/pkg/config"
	"github.com/flowbridge/iobroker-connector/pkg/logging"
	"github.com/flowbridge/iobroker-connector/pkg/metrics"
)

// ConnectionSource is the slice of cm.Manager the Operation Manager reads.
type ConnectionSource interface {
	GetConnection(ctx context.Context, serverID string, cfg config.ServerConfig) (wire.Client, error)
	IsReady(serverID string) bool
	State(serverID string) cm.State
	StoredConfig(serverID string) (config.ServerConfig, bool)
}

// RetryScheduler is the slice of rm.Manager the Operation Manager calls
// into when an operation lands on an IDLE ServerId with StoredConfig.
type RetryScheduler interface {
	ScheduleImmediateRetry(serverID string)
}

const drainStagger = 50 * time.Millisecond

// Manager is the Operation Manager.
type Manager struct {
	cm ConnectionSource
	rm RetryScheduler

	mu     sync.Mutex
	queues map[string]*queue

	log     *logging.Logger
	metrics *metrics.Registry
}

// New builds a Manager.
func New(connSource ConnectionSource, retry RetryScheduler, log *logging.Logger, m *metrics.Registry) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{cm: connSource, rm: retry, queues: make(map[string]*queue), log: log, metrics: m}
}

func (m *Manager) queueFor(serverID string) *queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[serverID]
	if !ok {
		q = newQueue()
		m.queues[serverID] = q
	}
	return q
}

// QueueDepth reports how many operations are currently buffered for
// serverID.
func (m *Manager) QueueDepth(serverID string) int {
	return m.queueFor(serverID).depth()
}

// dispatch implements the §4.2 algorithm: run immediately if ready,
// otherwise enqueue with a state-appropriate deadline, otherwise fail
// immediately.
//
// neverRejects marks the three unsubscribe operations: per §3 Invariant 2
// and §4.2's per-op note, an unsubscribe must never surface a rejection to
// its caller. Unlike every other operation, it is exempt from the
// enqueue-or-reject rule entirely — when there is no ready Client to send
// it to, there is nothing on the wire to unsubscribe from, so it resolves
// as an immediate success rather than queueing (and risking a later
// deadline or "failed permanently" rejection) or failing outright.
func (m *Manager) dispatch(ctx context.Context, serverID string, cfg config.ServerConfig, name string, timeout time.Duration, neverRejects bool, run func(context.Context, wire.Client) (json.RawMessage, error)) (json.RawMessage, error) {
	if m.cm.IsReady(serverID) {
		return m.runNow(ctx, serverID, cfg, name, timeout, run)
	}

	if neverRejects {
		return json.RawMessage("null"), nil
	}

	switch m.cm.State(serverID) {
	case cm.StateConnecting:
		return m.enqueue(serverID, name, 10*time.Second, timeout, run)
	case cm.StateRetryScheduled, cm.StateNetworkError:
		return m.enqueue(serverID, name, 15*time.Second, timeout, run)
	case cm.StateIdle:
		if _, ok := m.cm.StoredConfig(serverID); ok {
			m.rm.ScheduleImmediateRetry(serverID)
			return m.enqueue(serverID, name, 15*time.Second, timeout, run)
		}
		return nil, fmt.Errorf("om: no ready connection")
	default: // AUTH_FAILED, DESTROYING
		return nil, fmt.Errorf("om: no ready connection")
	}
}

func (m *Manager) runNow(ctx context.Context, serverID string, cfg config.ServerConfig, name string, timeout time.Duration, run func(context.Context, wire.Client) (json.RawMessage, error)) (json.RawMessage, error) {
	client, err := m.cm.GetConnection(ctx, serverID, cfg)
	if err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	res, err := run(opCtx, client)
	m.metrics.ObserveOperationLatencySeconds(serverID, name, time.Since(start).Seconds())
	return res, err
}

func (m *Manager) enqueue(serverID, name string, queueDeadline, opTimeout time.Duration, run func(context.Context, wire.Client) (json.RawMessage, error)) (json.RawMessage, error) {
	e := &entry{
		name:       name,
		enqueuedAt: time.Now(),
		deadline:   time.Now().Add(queueDeadline),
		resultc:    make(chan opResult, 1),
		run: func(ctx context.Context, client wire.Client) (json.RawMessage, error) {
			opCtx, cancel := context.WithTimeout(ctx, opTimeout)
			defer cancel()
			return run(opCtx, client)
		},
	}

	q := m.queueFor(serverID)
	q.push(e, func(ex *entry) {
		ex.resolve(opResult{err: fmt.Errorf("om: operation %q deadline exceeded", ex.name)})
	})
	m.metrics.SetQueueDepth(serverID, q.depth())

	res := <-e.resultc
	return res.val, res.err
}

// Drain atomically swaps out serverID's queue and dispatches every entry
// against the now-ready connection with a stagger, to smooth the
// reconnection burst.
func (m *Manager) Drain(serverID string, cfg config.ServerConfig) {
	q := m.queueFor(serverID)
	entries := q.drain()
	m.metrics.SetQueueDepth(serverID, 0)
	if len(entries) == 0 {
		return
	}

	limiter := rate.NewLimiter(rate.Every(drainStagger), 1)
	ctx := context.Background()
	for _, e := range entries {
		_ = limiter.Wait(ctx)
		go m.dispatchDrainedEntry(ctx, serverID, cfg, e)
	}
}

func (m *Manager) dispatchDrainedEntry(ctx context.Context, serverID string, cfg config.ServerConfig, e *entry) {
	client, err := m.cm.GetConnection(ctx, serverID, cfg)
	if err != nil {
		e.resolve(opResult{err: err})
		return
	}
	val, err := e.run(ctx, client)
	e.resolve(opResult{val: val, err: err})
}

// Clear rejects every queued entry for serverID with err, used on a
// "failed permanently" or "destroyed" transition.
func (m *Manager) Clear(serverID string, err error) {
	q := m.queueFor(serverID)
	for _, e := range q.drain() {
		e.resolve(opResult{err: err})
	}
	m.metrics.SetQueueDepth(serverID, 0)
}
