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

// Package cm owns the per-ServerId connection state machine: the Client
// lifecycle, failure classification, retry timers, and stored config for
// auto-reconnect. It is the one component allowed to create or destroy a
// wire.Client.
package cm

import (
	"context"
	"sync"
	"time"

	"github.com/flowbridge/iobroker-connector/core/wire"
	"github.com/flowbridge/iobroker-connector/pkg/config"
	"github.com/flowbridge/iobroker-connector/pkg/logging"
	"github.com/flowbridge/iobroker-connector/pkg/metrics"
)

// ClientFactory builds a fresh, unconnected wire.Client. Swappable in
// tests for wiretest.FakeClient.
type ClientFactory func() wire.Client

// Options configures a Manager.
type Options struct {
	Factory ClientFactory

	// ConsumerCounter reports how many live registrations a ServerId has.
	// A retry only executes while this is > 0; backed by rm.Manager.Count
	// when wired through the façade.
	ConsumerCounter func(serverID string) int

	// OnTransition is invoked synchronously on every state change.
	OnTransition TransitionListener

	// OnClientEvent is invoked for every event a Client emits that isn't a
	// disconnect/error (stateChange, objectChange, log, connect, ready,
	// tokenRefresh) — CM is the only goroutine draining Client.Events(), so
	// it forwards the rest here for the façade to route to OM/NR.
	OnClientEvent func(serverID string, generation uint64, ev wire.Event)

	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// Manager is the Connection Manager.
type Manager struct {
	mu      sync.Mutex
	records map[string]*record

	factory         ClientFactory
	consumerCounter func(serverID string) int
	onTransition    TransitionListener
	onClientEvent   func(serverID string, generation uint64, ev wire.Event)
	log             *logging.Logger
	metrics         *metrics.Registry
}

// New builds a Manager. A nil ConsumerCounter treats every ServerId as
// having at least one consumer (used by tests exercising CM in isolation).
func New(opts Options) *Manager {
	counter := opts.ConsumerCounter
	if counter == nil {
		counter = func(string) int { return 1 }
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	onTransition := opts.OnTransition
	if onTransition == nil {
		onTransition = func(Transition) {}
	}
	onClientEvent := opts.OnClientEvent
	if onClientEvent == nil {
		onClientEvent = func(string, uint64, wire.Event) {}
	}
	return &Manager{
		records:         make(map[string]*record),
		factory:         opts.Factory,
		consumerCounter: counter,
		onTransition:    onTransition,
		onClientEvent:   onClientEvent,
		log:             log,
		metrics:         opts.Metrics,
	}
}

func (m *Manager) recordFor(serverID string) *record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[serverID]
	if !ok {
		rec = newRecord(serverID)
		m.records[serverID] = rec
	}
	return rec
}

func (m *Manager) existingRecord(serverID string) (*record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[serverID]
	return rec, ok
}

// GetConnection returns the ready Client for serverID, lazily creating
// the ConnectionRecord and kicking off a connect attempt if it was IDLE,
// joining an in-flight attempt if one is CONNECTING, or reporting
// ErrNotReady/ErrAuthFailed otherwise.
func (m *Manager) GetConnection(ctx context.Context, serverID string, cfg config.ServerConfig) (wire.Client, error) {
	rec := m.recordFor(serverID)

	rec.mu.Lock()
	newHash := cfg.Hash()
	if rec.configHash != "" && rec.configHash != newHash && rec.state != StateIdle {
		// Config changed under an existing connection: force teardown
		// before considering the new config, per the hash-change open
		// question decision.
		m.destroyLocked(rec, true)
	}

	switch rec.state {
	case StateIdle:
		rec.config = cfg
		rec.configHash = newHash
		rec.state = StateConnecting
		rec.connectFuture = make(chan struct{})
		rec.handledGenerationEvent = false
		future := rec.connectFuture
		rec.mu.Unlock()
		go m.doConnect(rec, false)
		return m.awaitFuture(ctx, rec, future)

	case StateConnecting:
		future := rec.connectFuture
		rec.mu.Unlock()
		return m.awaitFuture(ctx, rec, future)

	case StateConnected:
		client := rec.client
		rec.mu.Unlock()
		return client, nil

	case StateAuthFailed:
		rec.mu.Unlock()
		return nil, ErrAuthFailed

	default: // NETWORK_ERROR, RETRY_SCHEDULED, DESTROYING
		rec.mu.Unlock()
		return nil, ErrNotReady
	}
}

// EnsureConfig seeds serverID with cfg and kicks off a connect attempt if
// it is currently IDLE, without waiting for the attempt to finish. The
// façade calls this from every subscribe-family entry point so CM has a
// record and a StoredConfig before NR/OM try to use it.
func (m *Manager) EnsureConfig(serverID string, cfg config.ServerConfig) {
	rec := m.recordFor(serverID)
	rec.mu.Lock()
	newHash := cfg.Hash()
	if rec.configHash != "" && rec.configHash != newHash && rec.state != StateIdle {
		m.destroyLocked(rec, true)
	}
	if rec.state != StateIdle {
		rec.mu.Unlock()
		return
	}
	rec.config = cfg
	rec.configHash = newHash
	rec.state = StateConnecting
	rec.connectFuture = make(chan struct{})
	rec.handledGenerationEvent = false
	rec.mu.Unlock()
	go m.doConnect(rec, false)
}

func (m *Manager) awaitFuture(ctx context.Context, rec *record, future chan struct{}) (wire.Client, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-future:
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	switch rec.state {
	case StateConnected:
		return rec.client, nil
	case StateAuthFailed:
		return nil, ErrAuthFailed
	default:
		return nil, ErrNotReady
	}
}

// IsReady reports whether serverID currently has a CONNECTED Client.
func (m *Manager) IsReady(serverID string) bool {
	rec, ok := m.existingRecord(serverID)
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state == StateConnected
}

// State returns serverID's current state, or StateIdle if no record
// exists yet.
func (m *Manager) State(serverID string) State {
	rec, ok := m.existingRecord(serverID)
	if !ok {
		return StateIdle
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state
}

// StoredConfig returns the last successful or supplied config for
// serverID.
func (m *Manager) StoredConfig(serverID string) (config.ServerConfig, bool) {
	rec, ok := m.existingRecord(serverID)
	if !ok {
		return config.ServerConfig{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.config, rec.configHash != ""
}

// LastError returns the most recent connection error for serverID.
func (m *Manager) LastError(serverID string) error {
	rec, ok := m.existingRecord(serverID)
	if !ok {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.lastError
}

// LastSuccess returns the timestamp of the most recent successful ready
// transition for serverID.
func (m *Manager) LastSuccess(serverID string) time.Time {
	rec, ok := m.existingRecord(serverID)
	if !ok {
		return time.Time{}
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.lastSuccess
}

// Generation returns the current Client generation for serverID.
func (m *Manager) Generation(serverID string) uint64 {
	rec, ok := m.existingRecord(serverID)
	if !ok {
		return 0
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.generation
}

// RecoveryInProgress reports whether the façade has marked serverID as
// mid-recovery.
func (m *Manager) RecoveryInProgress(serverID string) bool {
	rec, ok := m.existingRecord(serverID)
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.recoveryInProgress
}

// SetRecoveryInProgress sets serverID's recovery-in-progress flag.
func (m *Manager) SetRecoveryInProgress(serverID string, v bool) {
	rec, ok := m.existingRecord(serverID)
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.recoveryInProgress = v
	rec.mu.Unlock()
}

// ScheduleRetry arms the standard 5s+jitter retry timer for serverID if
// its state permits (anything but AUTH_FAILED/DESTROYING/IDLE-without-config).
func (m *Manager) ScheduleRetry(serverID string) {
	rec, ok := m.existingRecord(serverID)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state == StateAuthFailed || rec.state == StateDestroying {
		return
	}
	if rec.state == StateIdle && rec.configHash == "" {
		return
	}
	m.scheduleRetryTimerLocked(rec, standardRetryDelay())
}

// ScheduleImmediateRetry arms a 100ms retry timer, used when an operation
// arrives at an IDLE ServerId that has StoredConfig.
func (m *Manager) ScheduleImmediateRetry(serverID string) {
	rec, ok := m.existingRecord(serverID)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.configHash == "" {
		return
	}
	if rec.state != StateIdle && rec.state != StateRetryScheduled {
		return
	}
	m.scheduleRetryTimerLocked(rec, immediateRetryDelay)
}

// scheduleRetryTimerLocked replaces any existing timer and moves rec into
// RETRY_SCHEDULED. Caller must hold rec.mu.
func (m *Manager) scheduleRetryTimerLocked(rec *record, delay time.Duration) {
	if rec.retryTimer != nil {
		rec.retryTimer.Stop()
	}
	rec.state = StateRetryScheduled
	m.metrics.SetConnState(rec.serverID, rec.state.String(), true)
	rec.retryTimer = time.AfterFunc(delay, func() { m.fireRetry(rec) })
}

func (m *Manager) fireRetry(rec *record) {
	rec.mu.Lock()
	if rec.state != StateRetryScheduled {
		rec.mu.Unlock()
		return
	}
	if m.consumerCounter(rec.serverID) <= 0 {
		rec.mu.Unlock()
		return
	}
	rec.state = StateConnecting
	rec.connectFuture = make(chan struct{})
	rec.handledGenerationEvent = false
	rec.retryAttempt++
	m.metrics.IncRetryAttempt(rec.serverID)
	rec.mu.Unlock()

	m.notify(rec, nil)
	go m.doConnect(rec, true)
}

// ForceServerSwitch tears down oldID (clearing its StoredConfig) and
// pre-seeds newID's config so the next GetConnection creates cleanly.
func (m *Manager) ForceServerSwitch(oldID, newID string, newCfg config.ServerConfig) error {
	if old, ok := m.existingRecord(oldID); ok {
		old.mu.Lock()
		m.destroyLocked(old, false)
		old.config = config.ServerConfig{}
		old.configHash = ""
		old.mu.Unlock()
	}

	rec := m.recordFor(newID)
	rec.mu.Lock()
	rec.config = newCfg
	rec.configHash = newCfg.Hash()
	rec.state = StateIdle
	rec.lastError = nil
	rec.mu.Unlock()
	return nil
}

// Close tears serverID's connection down and removes its StoredConfig.
func (m *Manager) Close(serverID string) {
	rec, ok := m.existingRecord(serverID)
	if !ok {
		return
	}
	rec.mu.Lock()
	m.destroyLocked(rec, true)
	rec.config = config.ServerConfig{}
	rec.configHash = ""
	rec.mu.Unlock()

	m.mu.Lock()
	delete(m.records, serverID)
	m.mu.Unlock()
}

// CloseAll tears down every known ServerId's connection. Used during
// process shutdown, where individual Close calls would race the caller
// enumerating ServerIds it no longer has a list of.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
}

// destroyLocked moves rec through DESTROYING back to IDLE, cancelling any
// timer and destroying the Client. Caller must hold rec.mu.
func (m *Manager) destroyLocked(rec *record, notifyDestroyed bool) {
	if rec.retryTimer != nil {
		rec.retryTimer.Stop()
		rec.retryTimer = nil
	}
	wasLive := rec.state.HasClient()
	rec.state = StateDestroying
	if notifyDestroyed && wasLive {
		m.notifyLocked(rec, nil)
	}
	if rec.client != nil {
		rec.client.Destroy()
		rec.client = nil
	}
	rec.recoveryInProgress = false
	rec.state = StateIdle
}

// doConnect runs one connect attempt against a fresh Client, outside any
// record lock (network I/O must not hold the lock), then commits the
// result under lock. This is the reconnect() shape from the teacher's
// ManagedConsumer, generalized from "one consumer" to "one ServerId".
func (m *Manager) doConnect(rec *record, isRetry bool) {
	rec.mu.Lock()
	cfg := rec.config
	rec.generation++
	gen := rec.generation
	rec.mu.Unlock()

	client := m.factory()
	opts := wire.Options{
		Host:     cfg.Host,
		Port:     cfg.Port,
		TLS:      cfg.TLS,
		Username: cfg.Username,
		Password: cfg.Password,
	}
	client.SetConnectionRecovery(false)

	ctx := context.Background()
	err := client.Connect(ctx, opts)

	rec.mu.Lock()
	if rec.state == StateDestroying {
		rec.mu.Unlock()
		client.Destroy()
		return
	}
	if rec.generation != gen {
		// superseded by a newer attempt (e.g. ForceServerSwitch raced us)
		rec.mu.Unlock()
		client.Destroy()
		return
	}

	if err != nil {
		rec.lastError = err
		cls := Classify(err)
		if cls == ClassifyAuthFailed {
			rec.state = StateAuthFailed
			rec.client = nil
			m.metrics.SetConnState(rec.serverID, rec.state.String(), true)
			future := rec.connectFuture
			rec.mu.Unlock()
			close(future)
			m.notify(rec, err)
			return
		}

		rec.state = StateNetworkError
		rec.client = nil
		m.metrics.SetConnState(rec.serverID, rec.state.String(), true)
		future := rec.connectFuture
		delay := standardRetryDelay()
		if isRetry {
			delay = retryFailureCooldown + standardRetryDelay()
		}
		m.scheduleRetryTimerLocked(rec, delay)
		rec.mu.Unlock()
		close(future)
		m.notify(rec, err)
		return
	}

	rec.client = client
	rec.state = StateConnected
	rec.lastSuccess = time.Now()
	rec.retryAttempt = 0
	rec.handledGenerationEvent = false
	m.metrics.SetConnState(rec.serverID, rec.state.String(), true)
	future := rec.connectFuture
	rec.mu.Unlock()

	close(future)
	m.notify(rec, nil)

	go m.eventLoop(rec, client, gen)
}

// eventLoop drains one Client generation's event stream, classifying
// disconnect/error events and reacting. It exits when the Client's event
// channel closes (Destroy was called, by us or by a superseding attempt).
func (m *Manager) eventLoop(rec *record, client wire.Client, gen uint64) {
	for ev := range client.Events() {
		switch ev.Kind {
		case wire.EventDisconnect, wire.EventError:
			m.handleFailureEvent(rec, client, gen, ev)
		default:
			// stateChange/objectChange/log/tokenRefresh/connect/ready carry
			// no liveness information CM acts on; forward them for the
			// façade to route into OM/NR.
			m.onClientEvent(rec.serverID, gen, ev)
		}
	}
}

func (m *Manager) handleFailureEvent(rec *record, client wire.Client, gen uint64, ev wire.Event) {
	rec.mu.Lock()
	if rec.generation != gen || rec.client != client {
		rec.mu.Unlock()
		return
	}
	if rec.handledGenerationEvent {
		rec.mu.Unlock()
		return
	}
	if time.Since(rec.lastSuccess) < rec.config.RecentSuccessWindow {
		rec.mu.Unlock()
		return
	}
	rec.handledGenerationEvent = true

	err := ev.Err
	cls := Classify(err)
	rec.lastError = err
	if cls == ClassifyAuthFailed {
		rec.state = StateAuthFailed
		rec.client = nil
		m.metrics.SetConnState(rec.serverID, rec.state.String(), true)
		rec.mu.Unlock()
		client.Destroy()
		m.notify(rec, err)
		return
	}

	rec.state = StateNetworkError
	rec.client = nil
	m.metrics.SetConnState(rec.serverID, rec.state.String(), true)
	m.scheduleRetryTimerLocked(rec, standardRetryDelay())
	rec.mu.Unlock()
	client.Destroy()
	m.notify(rec, err)
}

func (m *Manager) notify(rec *record, err error) {
	rec.mu.Lock()
	t := Transition{ServerID: rec.serverID, State: rec.state, Err: err, Generation: rec.generation}
	rec.mu.Unlock()
	m.onTransition(t)
}

// notifyLocked is used from destroyLocked, where rec.mu is already held;
// it snapshots before unlocking to avoid calling out under lock.
func (m *Manager) notifyLocked(rec *record, err error) {
	t := Transition{ServerID: rec.serverID, State: StateDestroying, Err: err, Generation: rec.generation}
	rec.mu.Unlock()
	m.onTransition(t)
	rec.mu.Lock()
}
