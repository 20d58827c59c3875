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

// Package nr maps consumer (node) ids to (server, kind, pattern,
// callback) registrations, routes inbound state/object/log events to the
// right callbacks, and drives per-consumer resubscription after a
// reconnect.
package nr

import (
	"context"
	"sync"

	"github.com/flowbridge/iobroker-connector/core/wire"
	"github.com/flowbridge/iobroker-connector/pkg/config"
	"github.com/flowbridge/iobroker-connector/pkg/logging"
	"github.com/flowbridge/iobroker-connector/pkg/metrics"
)

// OperationRunner is the slice of om.Manager the Node Registry drives
// subscribe/unsubscribe and initial-value lookups through.
type OperationRunner interface {
	Subscribe(ctx context.Context, serverID string, cfg config.ServerConfig, pattern string) error
	Unsubscribe(ctx context.Context, serverID string, cfg config.ServerConfig, pattern string) error
	SubscribeObjects(ctx context.Context, serverID string, cfg config.ServerConfig, pattern string) error
	UnsubscribeObjects(ctx context.Context, serverID string, cfg config.ServerConfig, pattern string) error
	SubscribeLogs(ctx context.Context, serverID string, cfg config.ServerConfig, level string) error
	UnsubscribeLogs(ctx context.Context, serverID string, cfg config.ServerConfig) error
	GetState(ctx context.Context, serverID string, cfg config.ServerConfig, id string) (*wire.StateValue, error)
}

// RecoveryRegistrar is the slice of rm.Manager the Node Registry updates
// consumer counts and recovery callbacks through.
type RecoveryRegistrar interface {
	Increment(serverID string)
	Decrement(serverID string) int
	RegisterRecoveryCallback(serverID string, fn func())
	ExecuteRecoveryCallbacks(serverID string)
}

// ConfigSource resolves the ServerConfig currently associated with a
// ServerId, as tracked by cm.Manager. The Registry never edits config; it
// only needs it to pass through to the om operations it drives.
type ConfigSource func(serverID string) (config.ServerConfig, bool)

// index is the per-ServerId SubscriptionIndex: exact/pattern lookup
// tables for states and objects plus a flat log-listener set. Reader
// lease for dispatch, writer lease for subscribe/unsubscribe.
type index struct {
	mu sync.RWMutex

	exactStates   map[string]map[string]*registration // stateID -> nodeID -> reg
	patternStates map[string]*registration            // nodeID -> reg
	multiStates   map[string]*registration            // nodeID -> reg
	patternObjs   map[string]*registration            // nodeID -> reg
	logListeners  map[string]*registration            // nodeID -> reg
	eventsOnly    map[string]*registration            // nodeID -> reg
	byNode        map[string]*registration            // nodeID -> reg, any kind
}

func newIndex() *index {
	return &index{
		exactStates:   make(map[string]map[string]*registration),
		patternStates: make(map[string]*registration),
		multiStates:   make(map[string]*registration),
		patternObjs:   make(map[string]*registration),
		logListeners:  make(map[string]*registration),
		eventsOnly:    make(map[string]*registration),
		byNode:        make(map[string]*registration),
	}
}

// Registry is the Node Registry.
type Registry struct {
	om           OperationRunner
	rm           RecoveryRegistrar
	configSource ConfigSource

	mu      sync.Mutex
	indices map[string]*index

	dedup   *dedup
	log     *logging.Logger
	metrics *metrics.Registry
}

// New builds a Registry. dedupSize bounds the per-process duplicate-event
// cache; 0 selects a sensible default.
func New(om OperationRunner, rm RecoveryRegistrar, cfgSrc ConfigSource, dedupSize int, log *logging.Logger, m *metrics.Registry) *Registry {
	if dedupSize <= 0 {
		dedupSize = 4096
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Registry{
		om:           om,
		rm:           rm,
		configSource: cfgSrc,
		indices:      make(map[string]*index),
		dedup:        newDedup(dedupSize),
		log:          log,
		metrics:      m,
	}
}

func (r *Registry) indexFor(serverID string) *index {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.indices[serverID]
	if !ok {
		idx = newIndex()
		r.indices[serverID] = idx
	}
	return idx
}

func (r *Registry) existingIndex(serverID string) (*index, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.indices[serverID]
	return idx, ok
}

// safeCall invokes fn, recovering any panic and logging it rather than
// letting it affect other deliveries or crash the process.
func (r *Registry) safeCall(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Errorf("nr: recovered panic in consumer callback: %v", rec)
		}
	}()
	fn()
}
