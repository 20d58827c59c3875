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

// Package rm tracks per-ServerId consumer counts and recovery callbacks,
// and delegates retry scheduling to cm.Manager once it has checked the
// count itself.
package rm

import "sync"

// ConnectionScheduler is the slice of cm.Manager that RM needs: retry
// scheduling and teardown. Expressed as an interface so rm doesn't import
// cm directly, keeping the dependency direction the spec's "leaves first"
// ordering implies (CM has no knowledge of RM).
type ConnectionScheduler interface {
	ScheduleRetry(serverID string)
	ScheduleImmediateRetry(serverID string)
	Close(serverID string)
}

type bookkeeping struct {
	mu               sync.Mutex
	consumerCount    int
	recoveryCallbacks []func()
	backoffAttempts  int
}

// Manager is the Recovery Manager.
type Manager struct {
	cm ConnectionScheduler

	mu      sync.Mutex
	servers map[string]*bookkeeping
}

// New builds a Manager delegating connection scheduling to cm.
func New(cm ConnectionScheduler) *Manager {
	return &Manager{cm: cm, servers: make(map[string]*bookkeeping)}
}

func (m *Manager) bookFor(serverID string) *bookkeeping {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.servers[serverID]
	if !ok {
		b = &bookkeeping{}
		m.servers[serverID] = b
	}
	return b
}

// Count returns serverID's live consumer count. Used as cm.Options'
// ConsumerCounter callback.
func (m *Manager) Count(serverID string) int {
	m.mu.Lock()
	b, ok := m.servers[serverID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumerCount
}

// Increment records a new non-recovery registration for serverID.
func (m *Manager) Increment(serverID string) {
	b := m.bookFor(serverID)
	b.mu.Lock()
	b.consumerCount++
	b.mu.Unlock()
}

// Decrement records a registration going away and returns the remaining
// count. When the count reaches zero, the Connection Manager is asked to
// tear the ServerId down.
func (m *Manager) Decrement(serverID string) int {
	b := m.bookFor(serverID)
	b.mu.Lock()
	if b.consumerCount > 0 {
		b.consumerCount--
	}
	remaining := b.consumerCount
	b.mu.Unlock()

	if remaining == 0 {
		m.cm.Close(serverID)
	}
	return remaining
}

// ScheduleRetry delegates to the Connection Manager's standard backoff
// retry, gated on a live consumer count.
func (m *Manager) ScheduleRetry(serverID string) {
	if m.Count(serverID) <= 0 {
		return
	}
	m.cm.ScheduleRetry(serverID)
}

// ScheduleImmediateRetry delegates to the Connection Manager's 100ms
// retry variant, used when an operation targets an IDLE ServerId with a
// StoredConfig.
func (m *Manager) ScheduleImmediateRetry(serverID string) {
	if m.Count(serverID) <= 0 {
		return
	}
	m.cm.ScheduleImmediateRetry(serverID)
}

// HandleConnectionError is invoked by the façade when a ServerId drops.
// It schedules a retry (gated on consumer count as above); the backoff
// attempt count it tracks is informational, surfaced via status queries.
func (m *Manager) HandleConnectionError(serverID string, err error) {
	b := m.bookFor(serverID)
	b.mu.Lock()
	b.backoffAttempts++
	b.mu.Unlock()
	m.ScheduleRetry(serverID)
}

// HandleConnectionSuccess resets the backoff counter for serverID.
func (m *Manager) HandleConnectionSuccess(serverID string) {
	b := m.bookFor(serverID)
	b.mu.Lock()
	b.backoffAttempts = 0
	b.mu.Unlock()
}

// RegisterRecoveryCallback queues fn to run the next time serverID
// transitions to CONNECTED; the façade runs the queue before it schedules
// the resubscription cycle.
func (m *Manager) RegisterRecoveryCallback(serverID string, fn func()) {
	b := m.bookFor(serverID)
	b.mu.Lock()
	b.recoveryCallbacks = append(b.recoveryCallbacks, fn)
	b.mu.Unlock()
}

// ExecuteRecoveryCallbacks runs and clears every callback queued for
// serverID.
func (m *Manager) ExecuteRecoveryCallbacks(serverID string) {
	b := m.bookFor(serverID)
	b.mu.Lock()
	callbacks := b.recoveryCallbacks
	b.recoveryCallbacks = nil
	b.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// CleanupServer drops all bookkeeping for serverID, e.g. after an
// explicit close.
func (m *Manager) CleanupServer(serverID string) {
	m.mu.Lock()
	delete(m.servers, serverID)
	m.mu.Unlock()
}
