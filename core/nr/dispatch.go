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

	"github.com/flowbridge/iobroker-connector/core/wire"
)

// groupedInitialWindow is how long SubscribeMultiple waits to collect
// incoming values before flushing whatever it has as the grouped initial
// value.
const groupedInitialWindow = 3 * time.Second

// HandleStateChange routes one inbound state change to every matching
// registration on serverID, after deduplicating it within generation.
func (r *Registry) HandleStateChange(serverID, generation, stateID string, state *wire.StateValue) {
	idx, ok := r.existingIndex(serverID)
	if !ok {
		return
	}

	var ts int64
	var val interface{}
	if state != nil {
		ts = state.TS
		val = state.Val
	}
	if r.dedup.seen(stateDedupKey(serverID, generation, stateID, val, ts)) {
		r.metrics.IncDuplicateEventDropped(serverID)
		return
	}

	var matched []*registration

	idx.mu.RLock()
	if byID, ok := idx.exactStates[stateID]; ok {
		for _, reg := range byID {
			matched = append(matched, reg)
		}
	}
	for _, reg := range idx.patternStates {
		if reg.re != nil && reg.re.MatchString(stateID) {
			matched = append(matched, reg)
		}
	}
	for _, reg := range idx.multiStates {
		if reg.idSet[stateID] {
			matched = append(matched, reg)
		}
	}
	for _, reg := range idx.eventsOnly {
		if len(reg.ids) == 1 && reg.ids[0] == stateID {
			matched = append(matched, reg)
		}
	}
	idx.mu.RUnlock()

	for _, reg := range matched {
		reg := reg
		if reg.kind == KindStateMulti {
			r.recordGroupedValue(reg, stateID, state)
		}
		r.safeCall(func() {
			if reg.callbacks.OnEvent != nil {
				reg.callbacks.OnEvent(stateID, state)
			}
		})
	}
}

// HandleObjectChange routes one inbound object change to every matching
// OBJECT_PATTERN registration on serverID.
func (r *Registry) HandleObjectChange(serverID, generation, objectID string, obj *wire.ObjectValue, op string) {
	idx, ok := r.existingIndex(serverID)
	if !ok {
		return
	}

	if r.dedup.seen(objectDedupKey(serverID, generation, objectID, op)) {
		r.metrics.IncDuplicateEventDropped(serverID)
		return
	}

	var matched []*registration
	idx.mu.RLock()
	for _, reg := range idx.patternObjs {
		if reg.re != nil && reg.re.MatchString(objectID) {
			matched = append(matched, reg)
		}
	}
	idx.mu.RUnlock()

	for _, reg := range matched {
		reg := reg
		r.safeCall(func() {
			if reg.callbacks.OnObjectEvent != nil {
				reg.callbacks.OnObjectEvent(objectID, obj, op)
			}
		})
	}
}

// HandleLog routes one inbound log line to every log listener on
// serverID.
func (r *Registry) HandleLog(serverID string, entry *wire.LogEntry) {
	idx, ok := r.existingIndex(serverID)
	if !ok {
		return
	}

	var listeners []*registration
	idx.mu.RLock()
	for _, reg := range idx.logListeners {
		listeners = append(listeners, reg)
	}
	idx.mu.RUnlock()

	for _, reg := range listeners {
		reg := reg
		r.safeCall(func() {
			if reg.callbacks.OnLog != nil {
				reg.callbacks.OnLog(entry)
			}
		})
	}
}

// deliverExactInitialValue fetches and delivers the one-shot initial
// value for a STATE_SINGLE registration. Guarded by reg.initialSent so a
// racing state change covering the same id cannot double-deliver.
func (r *Registry) deliverExactInitialValue(ctx context.Context, serverID, nodeID, stateID string, reg *registration) {
	go func() {
		cfg, ok := r.storedConfig(serverID)
		if !ok {
			return
		}
		state, err := r.om.GetState(ctx, serverID, cfg, stateID)
		if err != nil || state == nil {
			return
		}
		reg.mu.Lock()
		already := reg.initialSent
		reg.initialSent = true
		reg.mu.Unlock()
		if already {
			return
		}
		r.safeCall(func() {
			if reg.callbacks.OnInitialValue != nil {
				reg.callbacks.OnInitialValue(stateID, state, nil)
			}
		})
	}()
}

// recordGroupedValue stashes an incoming value for a STATE_MULTI
// registration that is still within its collection window and hasn't
// flushed yet.
func (r *Registry) recordGroupedValue(reg *registration, stateID string, state *wire.StateValue) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.initialSent || reg.groupedValues == nil {
		return
	}
	reg.groupedValues[stateID] = state
}

// beginGroupedInitial starts the 3-second collection window for a
// STATE_MULTI registration's initial value, flushing early once every
// requested id has been seen.
func (r *Registry) beginGroupedInitial(ctx context.Context, serverID, nodeID string, reg *registration) {
	reg.mu.Lock()
	reg.groupedValues = make(map[string]*wire.StateValue, len(reg.ids))
	reg.groupedTimer = time.AfterFunc(groupedInitialWindow, func() {
		r.flushGroupedInitial(reg)
	})
	reg.mu.Unlock()

	cfg, ok := r.storedConfig(serverID)
	if !ok {
		return
	}
	for _, id := range reg.ids {
		id := id
		go func() {
			state, err := r.om.GetState(ctx, serverID, cfg, id)
			if err != nil {
				return
			}
			r.recordGroupedValue(reg, id, state)
			r.maybeFlushGroupedEarly(reg)
		}()
	}
}

func (r *Registry) maybeFlushGroupedEarly(reg *registration) {
	reg.mu.Lock()
	complete := !reg.initialSent && len(reg.groupedValues) >= len(reg.ids)
	timer := reg.groupedTimer
	reg.mu.Unlock()
	if complete && timer != nil && timer.Stop() {
		r.flushGroupedInitial(reg)
	}
}

func (r *Registry) flushGroupedInitial(reg *registration) {
	reg.mu.Lock()
	if reg.initialSent {
		reg.mu.Unlock()
		return
	}
	reg.initialSent = true
	grouped := reg.groupedValues
	reg.mu.Unlock()

	r.safeCall(func() {
		if reg.callbacks.OnInitialValue != nil {
			reg.callbacks.OnInitialValue("", nil, grouped)
		}
	})
}
