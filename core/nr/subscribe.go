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

	"github.com/flowbridge/iobroker-connector/pkg/config"
	"github.com/flowbridge/iobroker-connector/pkg/patternmatch"
)

// RegisterForEvents registers nodeID for a single state id's changes with
// no subscribe/unsubscribe of its own (the caller already subscribed some
// wider pattern); it exists for consumers that want delivery without
// driving the adapter subscription lifecycle themselves.
func (r *Registry) RegisterForEvents(serverID, nodeID, stateID string, cb Callbacks) {
	idx := r.indexFor(serverID)
	reg := &registration{nodeID: nodeID, serverID: serverID, kind: KindEventsOnly, ids: []string{stateID}, callbacks: cb}

	idx.mu.Lock()
	idx.eventsOnly[nodeID] = reg
	idx.byNode[nodeID] = reg
	idx.mu.Unlock()
}

// Subscribe registers nodeID against a single state id or pattern and
// issues the adapter subscribe. Exact ids still flow through the adapter's
// subscribe call; wildcard detection only affects dispatch-time matching.
func (r *Registry) Subscribe(ctx context.Context, serverID, nodeID, pattern string, cb Callbacks, isRecovery bool) error {
	kind := KindStateSingle
	reg := &registration{nodeID: nodeID, serverID: serverID, kind: kind, pattern: pattern, callbacks: cb}
	if patternmatch.HasWildcard(pattern) {
		kind = KindStatePattern
		reg.kind = kind
		compiled, err := patternmatch.Compile(pattern)
		if err != nil {
			return err
		}
		reg.re = compiled
	}

	idx := r.indexFor(serverID)
	idx.mu.Lock()
	if kind == KindStateSingle {
		byID, ok := idx.exactStates[pattern]
		if !ok {
			byID = make(map[string]*registration)
			idx.exactStates[pattern] = byID
		}
		byID[nodeID] = reg
	} else {
		idx.patternStates[nodeID] = reg
	}
	idx.byNode[nodeID] = reg
	idx.mu.Unlock()

	if !isRecovery {
		r.rm.Increment(serverID)
	}

	cfg, ok := r.storedConfig(serverID)
	if !ok {
		return ErrNotConfigured
	}
	if err := r.om.Subscribe(ctx, serverID, cfg, pattern); err != nil {
		return err
	}
	reg.setSubscribed(true)
	r.safeCall(func() {
		if reg.callbacks.OnSubscribed != nil {
			reg.callbacks.OnSubscribed()
		}
	})

	if kind == KindStateSingle && cb.WantsInitialValue {
		r.deliverExactInitialValue(ctx, serverID, nodeID, pattern, reg)
	}
	return nil
}

// SubscribeMultiple registers nodeID against a fixed list of state ids,
// subscribing each best-effort and delivering a single grouped initial
// value after a short collection window instead of one callback per id.
// It returns the subset of ids whose adapter subscribe succeeded; a
// failure on one id does not block the others.
func (r *Registry) SubscribeMultiple(ctx context.Context, serverID, nodeID string, ids []string, cb Callbacks, isRecovery bool) ([]string, error) {
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	reg := &registration{nodeID: nodeID, serverID: serverID, kind: KindStateMulti, ids: ids, idSet: idSet, callbacks: cb}

	idx := r.indexFor(serverID)
	idx.mu.Lock()
	idx.multiStates[nodeID] = reg
	idx.byNode[nodeID] = reg
	idx.mu.Unlock()

	if !isRecovery {
		r.rm.Increment(serverID)
	}

	cfg, ok := r.storedConfig(serverID)
	if !ok {
		return nil, ErrNotConfigured
	}

	var successful []string
	for _, id := range ids {
		if err := r.om.Subscribe(ctx, serverID, cfg, id); err != nil {
			r.log.Warnf("nr: subscribeMultiple: %s/%s: %v", nodeID, id, err)
			continue
		}
		successful = append(successful, id)
	}
	reg.setSubscribed(len(successful) > 0)
	if len(successful) > 0 {
		r.safeCall(func() {
			if reg.callbacks.OnSubscribed != nil {
				reg.callbacks.OnSubscribed()
			}
		})
	}

	if cb.WantsInitialValue {
		r.beginGroupedInitial(ctx, serverID, nodeID, reg)
	}
	return successful, nil
}

// SubscribeObjects registers nodeID against an object pattern and issues
// the adapter object-subscribe.
func (r *Registry) SubscribeObjects(ctx context.Context, serverID, nodeID, pattern string, cb Callbacks, isRecovery bool) error {
	re, err := patternmatch.Compile(pattern)
	if err != nil {
		return err
	}
	reg := &registration{nodeID: nodeID, serverID: serverID, kind: KindObjectPattern, pattern: pattern, re: re, callbacks: cb}

	idx := r.indexFor(serverID)
	idx.mu.Lock()
	idx.patternObjs[nodeID] = reg
	idx.byNode[nodeID] = reg
	idx.mu.Unlock()

	if !isRecovery {
		r.rm.Increment(serverID)
	}

	cfg, ok := r.storedConfig(serverID)
	if !ok {
		return ErrNotConfigured
	}
	if err := r.om.SubscribeObjects(ctx, serverID, cfg, pattern); err != nil {
		return err
	}
	reg.setSubscribed(true)
	r.safeCall(func() {
		if reg.callbacks.OnSubscribed != nil {
			reg.callbacks.OnSubscribed()
		}
	})
	return nil
}

// SubscribeToLogs registers nodeID for the live log stream at level.
func (r *Registry) SubscribeToLogs(ctx context.Context, serverID, nodeID, level string, cb Callbacks, isRecovery bool) error {
	reg := &registration{nodeID: nodeID, serverID: serverID, kind: KindLogs, level: level, callbacks: cb}

	idx := r.indexFor(serverID)
	idx.mu.Lock()
	idx.logListeners[nodeID] = reg
	idx.byNode[nodeID] = reg
	idx.mu.Unlock()

	if !isRecovery {
		r.rm.Increment(serverID)
	}

	cfg, ok := r.storedConfig(serverID)
	if !ok {
		return ErrNotConfigured
	}
	if err := r.om.SubscribeLogs(ctx, serverID, cfg, level); err != nil {
		return err
	}
	reg.setSubscribed(true)
	return nil
}

// Unregister removes every registration nodeID holds against serverID,
// issuing the matching adapter unsubscribe for each and decrementing the
// consumer count once per registration removed.
func (r *Registry) Unregister(ctx context.Context, serverID, nodeID string) error {
	idx, ok := r.existingIndex(serverID)
	if !ok {
		return nil
	}

	idx.mu.Lock()
	reg, ok := idx.byNode[nodeID]
	if !ok {
		idx.mu.Unlock()
		return nil
	}
	delete(idx.byNode, nodeID)
	switch reg.kind {
	case KindStateSingle:
		if byID, ok := idx.exactStates[reg.pattern]; ok {
			delete(byID, nodeID)
			if len(byID) == 0 {
				delete(idx.exactStates, reg.pattern)
			}
		}
	case KindStatePattern:
		delete(idx.patternStates, nodeID)
	case KindStateMulti:
		delete(idx.multiStates, nodeID)
	case KindObjectPattern:
		delete(idx.patternObjs, nodeID)
	case KindLogs:
		delete(idx.logListeners, nodeID)
	case KindEventsOnly:
		delete(idx.eventsOnly, nodeID)
	}
	idx.mu.Unlock()

	if reg.kind == KindEventsOnly {
		return nil
	}

	cfg, _ := r.storedConfig(serverID)
	var err error
	// A registration left not-subscribed (never resubscribed since the
	// last disconnect, per §3 Invariant 3) has nothing live on the
	// adapter side to tear down.
	if reg.isSubscribed() {
		switch reg.kind {
		case KindStateSingle:
			if !hasOtherExactSubscriber(idx, reg.pattern) {
				err = r.om.Unsubscribe(ctx, serverID, cfg, reg.pattern)
			}
		case KindStatePattern:
			err = r.om.Unsubscribe(ctx, serverID, cfg, reg.pattern)
		case KindStateMulti:
			for _, id := range reg.ids {
				if e := r.om.Unsubscribe(ctx, serverID, cfg, id); e != nil {
					err = e
				}
			}
		case KindObjectPattern:
			err = r.om.UnsubscribeObjects(ctx, serverID, cfg, reg.pattern)
		case KindLogs:
			if !hasOtherLogSubscriber(idx) {
				err = r.om.UnsubscribeLogs(ctx, serverID, cfg)
			}
		}
	}

	r.rm.Decrement(serverID)
	return err
}

func hasOtherExactSubscriber(idx *index, pattern string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.exactStates[pattern]) > 0
}

func hasOtherLogSubscriber(idx *index) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.logListeners) > 0
}

// storedConfig resolves the ServerConfig a registration's server is
// currently configured with via the ConfigSource the Registry was built
// with. A missing source means "not configured," which dispatch treats
// as a rejection rather than a panic.
func (r *Registry) storedConfig(serverID string) (config.ServerConfig, bool) {
	if r.configSource == nil {
		return config.ServerConfig{}, false
	}
	return r.configSource(serverID)
}
