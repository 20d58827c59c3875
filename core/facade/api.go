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

package facade

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flowbridge/iobroker-connector/core/cm"
	"github.com/flowbridge/iobroker-connector/core/nr"
	"github.com/flowbridge/iobroker-connector/core/wire"
	"github.com/flowbridge/iobroker-connector/pkg/config"
)

// ConnectionStatus is the result of GetConnectionStatus.
type ConnectionStatus struct {
	ServerID           string
	State              string
	Status             nr.Status
	QueueDepth         int
	RecoveryInProgress bool
	ConsumerCount      int
	LastError          error
	LastSuccess        time.Time
	ClientGeneration   uint64
	TLS                bool
	HasCredentials     bool
}

// RegisterForEvents adds a registration for nodeID with no data
// subscription of its own, seeding serverID's connection from cfg if it
// isn't known yet. It takes no callbacks: the registration carries an
// empty callback set, so status changes, reconnects and disconnects are
// not reported to the caller. isRecovery is accepted for signature parity
// with the rest of the subscribe family; registering for events alone
// never touches the consumer count.
func (f *Facade) RegisterForEvents(nodeID string, cfg config.ServerConfig, isRecovery bool) error {
	if err := f.enter(); err != nil {
		return err
	}
	defer f.leave()
	serverID := cfg.ServerID()
	f.ensureServer(serverID, cfg)
	f.nr.RegisterForEvents(serverID, nodeID, "", nr.Callbacks{})
	return nil
}

// Subscribe registers nodeID against a single state id or wildcard
// pattern and seeds serverID's connection from cfg if it isn't known yet.
// isRecovery suppresses the consumer-count increment: resubscriptions
// NR itself issues during recovery never call this path, but a consumer
// re-establishing its own subscription after a reconnect notification can
// pass isRecovery to avoid double-counting.
func (f *Facade) Subscribe(ctx context.Context, nodeID string, cfg config.ServerConfig, pattern string, cb nr.Callbacks, isRecovery bool) error {
	if err := f.enter(); err != nil {
		return err
	}
	defer f.leave()
	serverID := cfg.ServerID()
	f.ensureServer(serverID, cfg)
	return f.nr.Subscribe(ctx, serverID, nodeID, pattern, cb, isRecovery)
}

// SubscribeMultiple registers nodeID against a fixed id list, best-effort
// per id, and returns the subset that succeeded.
func (f *Facade) SubscribeMultiple(ctx context.Context, nodeID string, cfg config.ServerConfig, ids []string, cb nr.Callbacks, isRecovery bool) ([]string, error) {
	if err := f.enter(); err != nil {
		return nil, err
	}
	defer f.leave()
	serverID := cfg.ServerID()
	f.ensureServer(serverID, cfg)
	return f.nr.SubscribeMultiple(ctx, serverID, nodeID, ids, cb, isRecovery)
}

// SubscribeObjects registers nodeID against an object pattern.
func (f *Facade) SubscribeObjects(ctx context.Context, nodeID string, cfg config.ServerConfig, pattern string, cb nr.Callbacks, isRecovery bool) error {
	if err := f.enter(); err != nil {
		return err
	}
	defer f.leave()
	serverID := cfg.ServerID()
	f.ensureServer(serverID, cfg)
	return f.nr.SubscribeObjects(ctx, serverID, nodeID, pattern, cb, isRecovery)
}

// SubscribeToLiveLogs registers nodeID for the live log stream at level.
func (f *Facade) SubscribeToLiveLogs(ctx context.Context, nodeID string, cfg config.ServerConfig, level string, cb nr.Callbacks, isRecovery bool) error {
	if err := f.enter(); err != nil {
		return err
	}
	defer f.leave()
	serverID := cfg.ServerID()
	f.ensureServer(serverID, cfg)
	return f.nr.SubscribeToLogs(ctx, serverID, nodeID, level, cb, isRecovery)
}

// UnregisterFromEvents removes every registration nodeID holds against
// serverID, issuing the matching adapter unsubscribes. Teardown is always
// admitted, even mid-shutdown, so draining consumers can still clean up
// after themselves.
func (f *Facade) UnregisterFromEvents(ctx context.Context, serverID, nodeID string) error {
	return f.nr.Unregister(ctx, serverID, nodeID)
}

// Unsubscribe is an alias of UnregisterFromEvents: the Node Registry
// tracks one registration per nodeID per ServerId regardless of kind, so
// unsubscribing any kind uses the same symmetric teardown path.
func (f *Facade) Unsubscribe(ctx context.Context, serverID, nodeID string) error {
	return f.nr.Unregister(ctx, serverID, nodeID)
}

// GetState fetches a single state's current value.
func (f *Facade) GetState(ctx context.Context, serverID, id string) (*wire.StateValue, error) {
	if err := f.enter(); err != nil {
		return nil, err
	}
	defer f.leave()
	cfg, ok := f.cm.StoredConfig(serverID)
	if !ok {
		return nil, cm.ErrNoStoredConfig
	}
	return f.om.GetState(ctx, serverID, cfg, id)
}

// SetState writes a state value.
func (f *Facade) SetState(ctx context.Context, serverID, id string, val *wire.StateValue, ack bool) error {
	if err := f.enter(); err != nil {
		return err
	}
	defer f.leave()
	cfg, ok := f.cm.StoredConfig(serverID)
	if !ok {
		return cm.ErrNoStoredConfig
	}
	return f.om.SetState(ctx, serverID, cfg, id, val, ack)
}

// GetStates fetches every known state.
func (f *Facade) GetStates(ctx context.Context, serverID string) (map[string]wire.StateValue, error) {
	if err := f.enter(); err != nil {
		return nil, err
	}
	defer f.leave()
	cfg, ok := f.cm.StoredConfig(serverID)
	if !ok {
		return nil, cm.ErrNoStoredConfig
	}
	return f.om.GetStates(ctx, serverID, cfg)
}

// GetObject fetches a single object by id.
func (f *Facade) GetObject(ctx context.Context, serverID, id string) (*wire.ObjectValue, error) {
	if err := f.enter(); err != nil {
		return nil, err
	}
	defer f.leave()
	cfg, ok := f.cm.StoredConfig(serverID)
	if !ok {
		return nil, cm.ErrNoStoredConfig
	}
	return f.om.GetObject(ctx, serverID, cfg, id)
}

// SetObject writes an object.
func (f *Facade) SetObject(ctx context.Context, serverID, id string, obj *wire.ObjectValue) error {
	if err := f.enter(); err != nil {
		return err
	}
	defer f.leave()
	cfg, ok := f.cm.StoredConfig(serverID)
	if !ok {
		return cm.ErrNoStoredConfig
	}
	return f.om.SetObject(ctx, serverID, cfg, id, obj)
}

// GetObjects resolves a pattern query, fanning out over every object type
// when pattern is a wildcard and none was given.
func (f *Facade) GetObjects(ctx context.Context, serverID, pattern, objType string) ([]wire.ObjectValue, error) {
	if err := f.enter(); err != nil {
		return nil, err
	}
	defer f.leave()
	cfg, ok := f.cm.StoredConfig(serverID)
	if !ok {
		return nil, cm.ErrNoStoredConfig
	}
	return f.om.GetObjects(ctx, serverID, cfg, pattern, objType)
}

// GetObjectView issues a raw design/search query.
func (f *Facade) GetObjectView(ctx context.Context, serverID, designID, searchID string, params map[string]interface{}) (json.RawMessage, error) {
	if err := f.enter(); err != nil {
		return nil, err
	}
	defer f.leave()
	cfg, ok := f.cm.StoredConfig(serverID)
	if !ok {
		return nil, cm.ErrNoStoredConfig
	}
	rows, err := f.om.GetObjectView(ctx, serverID, cfg, designID, searchID, params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rows)
}

// GetHistory queries an adapter's stored history for id.
func (f *Facade) GetHistory(ctx context.Context, serverID, adapter, id string, options map[string]interface{}) (json.RawMessage, error) {
	if err := f.enter(); err != nil {
		return nil, err
	}
	defer f.leave()
	cfg, ok := f.cm.StoredConfig(serverID)
	if !ok {
		return nil, cm.ErrNoStoredConfig
	}
	return f.om.GetHistory(ctx, serverID, cfg, adapter, id, options)
}

// SendToAdapter dispatches an adapter message. A nil timeout is
// fire-and-forget.
func (f *Facade) SendToAdapter(ctx context.Context, serverID, adapter, command string, message interface{}, timeout *time.Duration) (json.RawMessage, error) {
	if err := f.enter(); err != nil {
		return nil, err
	}
	defer f.leave()
	cfg, ok := f.cm.StoredConfig(serverID)
	if !ok {
		return nil, cm.ErrNoStoredConfig
	}
	return f.om.SendToAdapter(ctx, serverID, cfg, adapter, command, message, timeout)
}

// ForceServerSwitch tears down oldID (including StoredConfig) and
// pre-seeds newID so the next operation connects cleanly.
func (f *Facade) ForceServerSwitch(oldID, newID string, newCfg config.ServerConfig) error {
	if err := f.enter(); err != nil {
		return err
	}
	defer f.leave()
	return f.cm.ForceServerSwitch(oldID, newID, newCfg)
}

// GetConnectionStatus reports a ServerId's current state, queue depth,
// and recovery/security posture. Always admitted: it's a read of local
// state a caller may legitimately want during drain.
func (f *Facade) GetConnectionStatus(serverID string) ConnectionStatus {
	state := f.cm.State(serverID)
	cfg, hasConfig := f.cm.StoredConfig(serverID)
	return ConnectionStatus{
		ServerID:           serverID,
		State:              state.String(),
		Status:             nr.StatusFromState(state),
		QueueDepth:         f.om.QueueDepth(serverID),
		RecoveryInProgress: f.cm.RecoveryInProgress(serverID),
		ConsumerCount:      f.rm.Count(serverID),
		LastError:          f.cm.LastError(serverID),
		LastSuccess:        f.cm.LastSuccess(serverID),
		ClientGeneration:   f.cm.Generation(serverID),
		TLS:                cfg.TLS,
		HasCredentials:     hasConfig && cfg.Username != "",
	}
}
