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

package nr

import (
	"context"
	"time"

	"github.com/flowbridge/iobroker-connector/pkg/config"
)

// interPhaseGap separates the three resubscription phases so a burst of
// subscribe calls doesn't land on the adapter in a single instant.
const interPhaseGap = 100 * time.Millisecond

// Resubscribe reissues every live registration's adapter subscription
// after a reconnect, in three phases (states, objects, logs) separated by
// a short gap, aborting a phase early if isStillConnected turns false
// partway through. It does not re-run the initial-value protocol; a
// reconnect is a resubscribe, not a fresh registration.
func (r *Registry) Resubscribe(ctx context.Context, serverID string, isStillConnected func() bool) {
	start := time.Now()
	idx, ok := r.existingIndex(serverID)
	if !ok {
		return
	}
	cfg, ok := r.storedConfig(serverID)
	if !ok {
		return
	}
	defer func() {
		r.metrics.ObserveResubscribeDurationSeconds(serverID, time.Since(start).Seconds())
	}()

	if !isStillConnected() {
		return
	}
	r.resubscribeStates(ctx, serverID, cfg, idx, isStillConnected)

	time.Sleep(interPhaseGap)
	if !isStillConnected() {
		return
	}
	r.resubscribeObjects(ctx, serverID, cfg, idx, isStillConnected)

	time.Sleep(interPhaseGap)
	if !isStillConnected() {
		return
	}
	r.resubscribeLogs(ctx, serverID, cfg, idx, isStillConnected)

	r.SyncAllNodeStatuses(serverID)
}

func (r *Registry) resubscribeStates(ctx context.Context, serverID string, cfg config.ServerConfig, idx *index, isStillConnected func() bool) {
	idx.mu.RLock()
	exact := make([]*registration, 0, len(idx.exactStates))
	for _, byID := range idx.exactStates {
		for _, reg := range byID {
			exact = append(exact, reg)
		}
	}
	patterns := make([]*registration, 0, len(idx.patternStates))
	for _, reg := range idx.patternStates {
		patterns = append(patterns, reg)
	}
	multis := make([]*registration, 0, len(idx.multiStates))
	for _, reg := range idx.multiStates {
		multis = append(multis, reg)
	}
	idx.mu.RUnlock()

	for _, reg := range exact {
		if !isStillConnected() {
			return
		}
		if reg.isSubscribed() {
			continue
		}
		if err := r.om.Subscribe(ctx, serverID, cfg, reg.pattern); err == nil {
			reg.setSubscribed(true)
		}
	}
	for _, reg := range patterns {
		if !isStillConnected() {
			return
		}
		if reg.isSubscribed() {
			continue
		}
		if err := r.om.Subscribe(ctx, serverID, cfg, reg.pattern); err == nil {
			reg.setSubscribed(true)
		}
	}
	for _, reg := range multis {
		if reg.isSubscribed() {
			continue
		}
		for _, id := range reg.ids {
			if !isStillConnected() {
				return
			}
			if err := r.om.Subscribe(ctx, serverID, cfg, id); err == nil {
				reg.setSubscribed(true)
			}
		}
	}
}

func (r *Registry) resubscribeObjects(ctx context.Context, serverID string, cfg config.ServerConfig, idx *index, isStillConnected func() bool) {
	idx.mu.RLock()
	regs := make([]*registration, 0, len(idx.patternObjs))
	for _, reg := range idx.patternObjs {
		regs = append(regs, reg)
	}
	idx.mu.RUnlock()

	for _, reg := range regs {
		if !isStillConnected() {
			return
		}
		if reg.isSubscribed() {
			continue
		}
		if err := r.om.SubscribeObjects(ctx, serverID, cfg, reg.pattern); err == nil {
			reg.setSubscribed(true)
		}
	}
}

func (r *Registry) resubscribeLogs(ctx context.Context, serverID string, cfg config.ServerConfig, idx *index, isStillConnected func() bool) {
	idx.mu.RLock()
	regs := make([]*registration, 0, len(idx.logListeners))
	for _, reg := range idx.logListeners {
		regs = append(regs, reg)
	}
	idx.mu.RUnlock()

	if len(regs) == 0 {
		return
	}
	var pending []*registration
	for _, reg := range regs {
		if !reg.isSubscribed() {
			pending = append(pending, reg)
		}
	}
	if len(pending) == 0 {
		return
	}

	level := pending[0].level
	if !isStillConnected() {
		return
	}
	if err := r.om.SubscribeLogs(ctx, serverID, cfg, level); err == nil {
		for _, reg := range pending {
			reg.setSubscribed(true)
		}
	}
}

// ExecuteRecoveryCallbacks delegates to the Recovery Manager once a
// server has transitioned back to connected.
func (r *Registry) ExecuteRecoveryCallbacks(serverID string) {
	r.rm.ExecuteRecoveryCallbacks(serverID)
}

// UpdateNodeStatus notifies every registration on serverID of a new
// Status, firing the edge-triggered OnReconnect/OnDisconnect hooks when
// connectivity flips to or from StatusConnected.
func (r *Registry) UpdateNodeStatus(serverID string, status Status) {
	idx, ok := r.existingIndex(serverID)
	if !ok {
		return
	}

	idx.mu.RLock()
	regs := make([]*registration, 0, len(idx.byNode))
	for _, reg := range idx.byNode {
		regs = append(regs, reg)
	}
	idx.mu.RUnlock()

	for _, reg := range regs {
		reg := reg
		reg.mu.Lock()
		prev := reg.lastStatus
		reg.lastStatus = status
		reg.mu.Unlock()

		// §3 Invariant 3: leaving CONNECTED resets subscribed to false
		// until the resubscription cycle marks it true again.
		if prev == StatusConnected && status != StatusConnected {
			reg.setSubscribed(false)
		}

		r.safeCall(func() {
			if reg.callbacks.UpdateStatus != nil {
				reg.callbacks.UpdateStatus(status)
			}
		})
		if status == StatusConnected && prev != StatusConnected {
			r.safeCall(func() {
				if reg.callbacks.OnReconnect != nil {
					reg.callbacks.OnReconnect()
				}
			})
		} else if prev == StatusConnected && status != StatusConnected {
			r.safeCall(func() {
				if reg.callbacks.OnDisconnect != nil {
					reg.callbacks.OnDisconnect()
				}
			})
		}
	}
}

// SyncAllNodeStatuses re-broadcasts the current status to every
// registration on serverID, used right after a successful (re)connect so
// late-registering consumers and resubscribe survivors agree on state.
func (r *Registry) SyncAllNodeStatuses(serverID string) {
	r.UpdateNodeStatus(serverID, StatusConnected)
}
