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

package om

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowbridge/iobroker-connector/core/wire"
	"github.com/flowbridge/iobroker-connector/pkg/config"
	"github.com/flowbridge/iobroker-connector/pkg/patternmatch"
)

// Per-operation timeouts, applied once the op runs against a ready
// client.
const (
	timeoutGetState    = 8 * time.Second
	timeoutSetState    = 8 * time.Second
	timeoutGetStates   = 15 * time.Second
	timeoutGetObject   = 10 * time.Second
	timeoutSetObject   = 10 * time.Second
	timeoutGetObjects  = 25 * time.Second
	timeoutSubscribe   = 5 * time.Second
	timeoutUnsubscribe = 3 * time.Second
	timeoutHistory     = 30 * time.Second
	timeoutAdapterSend = 10 * time.Second
)

// allObjectTypes is the fixed set fanned out over when getObjects is
// called with a wildcard pattern and no explicit type.
var allObjectTypes = []string{
	"state", "channel", "device", "folder", "adapter", "instance",
	"host", "group", "user", "config", "enum",
}

func emitJSON(ctx context.Context, client wire.Client, command string, args ...interface{}) (json.RawMessage, error) {
	return client.Emit(ctx, command, args...)
}

// GetState fetches the current value of a single state id.
func (m *Manager) GetState(ctx context.Context, serverID string, cfg config.ServerConfig, id string) (*wire.StateValue, error) {
	raw, err := m.dispatch(ctx, serverID, cfg, "getState", timeoutGetState, false, func(ctx context.Context, c wire.Client) (json.RawMessage, error) {
		return emitJSON(ctx, c, "getState", id)
	})
	if err != nil {
		return nil, err
	}
	if raw == nil || string(raw) == "null" {
		return nil, nil
	}
	var sv wire.StateValue
	if err := json.Unmarshal(raw, &sv); err != nil {
		return nil, err
	}
	return &sv, nil
}

// SetState writes a state value, filling From/TS the way the core always
// does for system-originated writes unless the caller already set them.
func (m *Manager) SetState(ctx context.Context, serverID string, cfg config.ServerConfig, id string, val *wire.StateValue, ack bool) error {
	sv := *val
	sv.Ack = ack
	if sv.From == "" {
		sv.From = "system.adapter.node-red"
	}
	if sv.TS == 0 {
		sv.TS = time.Now().UnixMilli()
	}
	_, err := m.dispatch(ctx, serverID, cfg, "setState", timeoutSetState, false, func(ctx context.Context, c wire.Client) (json.RawMessage, error) {
		return emitJSON(ctx, c, "setState", id, sv)
	})
	return err
}

// GetStates fetches every known state.
func (m *Manager) GetStates(ctx context.Context, serverID string, cfg config.ServerConfig) (map[string]wire.StateValue, error) {
	raw, err := m.dispatch(ctx, serverID, cfg, "getStates", timeoutGetStates, false, func(ctx context.Context, c wire.Client) (json.RawMessage, error) {
		return emitJSON(ctx, c, "getStates", "*")
	})
	if err != nil {
		return nil, err
	}
	var out map[string]wire.StateValue
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetObject fetches a single object by id.
func (m *Manager) GetObject(ctx context.Context, serverID string, cfg config.ServerConfig, id string) (*wire.ObjectValue, error) {
	raw, err := m.dispatch(ctx, serverID, cfg, "getObject", timeoutGetObject, false, func(ctx context.Context, c wire.Client) (json.RawMessage, error) {
		return emitJSON(ctx, c, "getObject", id)
	})
	if err != nil {
		return nil, err
	}
	if raw == nil || string(raw) == "null" {
		return nil, nil
	}
	var ov wire.ObjectValue
	if err := json.Unmarshal(raw, &ov); err != nil {
		return nil, err
	}
	return &ov, nil
}

// SetObject writes an object, stripping _id from the wire body per the
// Client contract.
func (m *Manager) SetObject(ctx context.Context, serverID string, cfg config.ServerConfig, id string, obj *wire.ObjectValue) error {
	body := *obj
	body.ID = ""
	_, err := m.dispatch(ctx, serverID, cfg, "setObject", timeoutSetObject, false, func(ctx context.Context, c wire.Client) (json.RawMessage, error) {
		return emitJSON(ctx, c, "setObject", id, body)
	})
	return err
}

// objectRow is one row returned by getObjectView, as the adapter reports
// it.
type objectRow struct {
	ID   string          `json:"_id"`
	Type string          `json:"type"`
	Doc  json.RawMessage `json:"value"`
}

// GetObjectView issues a raw design/search query, used directly and as
// the engine behind GetObjects' wildcard fan-out.
func (m *Manager) GetObjectView(ctx context.Context, serverID string, cfg config.ServerConfig, designID, searchID string, params map[string]interface{}) ([]objectRow, error) {
	raw, err := m.dispatch(ctx, serverID, cfg, "getObjectView", timeoutGetObjects, false, func(ctx context.Context, c wire.Client) (json.RawMessage, error) {
		return emitJSON(ctx, c, "getObjectView", designID, searchID, params)
	})
	if err != nil {
		return nil, err
	}
	var rows []objectRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// GetObjects resolves a pattern query per the §4.2 algorithm: wildcard
// patterns go through getObjectView (fanned out over every type when none
// was given), exact ids go through a single getObject.
func (m *Manager) GetObjects(ctx context.Context, serverID string, cfg config.ServerConfig, pattern string, objType string) ([]wire.ObjectValue, error) {
	if !patternmatch.HasWildcard(pattern) {
		obj, err := m.GetObject(ctx, serverID, cfg, pattern)
		if err != nil {
			return nil, err
		}
		if obj == nil {
			return nil, nil
		}
		if objType != "" && obj.Type != objType {
			return nil, nil
		}
		return []wire.ObjectValue{*obj}, nil
	}

	re, err := patternmatch.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("om: invalid pattern %q: %w", pattern, err)
	}

	types := []string{objType}
	if objType == "" {
		types = allObjectTypes
	}

	var (
		mu   sync.Mutex
		rows []objectRow
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range types {
		t := t
		g.Go(func() error {
			r, err := m.GetObjectView(gctx, serverID, cfg, "system", t, map[string]interface{}{})
			if err != nil {
				return err
			}
			mu.Lock()
			rows = append(rows, r...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []wire.ObjectValue
	for _, r := range rows {
		if objType != "" && r.Type != objType {
			continue
		}
		if !re.MatchString(r.ID) {
			continue
		}
		var ov wire.ObjectValue
		if err := json.Unmarshal(r.Doc, &ov); err != nil {
			ov = wire.ObjectValue{ID: r.ID, Type: r.Type}
		}
		out = append(out, ov)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetHistory queries an adapter's stored history for id.
func (m *Manager) GetHistory(ctx context.Context, serverID string, cfg config.ServerConfig, adapter, id string, options map[string]interface{}) (json.RawMessage, error) {
	return m.dispatch(ctx, serverID, cfg, "getHistory", timeoutHistory, false, func(ctx context.Context, c wire.Client) (json.RawMessage, error) {
		return emitJSON(ctx, c, "sendTo", adapter, "getHistory", map[string]interface{}{"id": id, "options": options})
	})
}

// SendToAdapter dispatches an adapter message. When timeout is nil it is
// fire-and-forget: the send is enqueued like any other operation and the
// call resolves to nil as soon as the handoff completes. Otherwise it
// waits up to *timeout for a response.
func (m *Manager) SendToAdapter(ctx context.Context, serverID string, cfg config.ServerConfig, adapter, command string, message interface{}, timeout *time.Duration) (json.RawMessage, error) {
	to := timeoutAdapterSend
	if timeout != nil {
		to = *timeout
	}

	if timeout == nil {
		_, err := m.dispatch(ctx, serverID, cfg, "sendToAdapter", to, false, func(ctx context.Context, c wire.Client) (json.RawMessage, error) {
			go func() { _, _ = emitJSON(context.Background(), c, "sendTo", adapter, command, message) }()
			return json.RawMessage("null"), nil
		})
		return nil, err
	}

	return m.dispatch(ctx, serverID, cfg, "sendToAdapter", to, false, func(ctx context.Context, c wire.Client) (json.RawMessage, error) {
		return emitJSON(ctx, c, "sendTo", adapter, command, message)
	})
}

// Subscribe issues a state subscribe against the adapter. Unlike most
// operations, an unsubscribe timeout resolves as success rather than
// rejecting (see Unsubscribe).
func (m *Manager) Subscribe(ctx context.Context, serverID string, cfg config.ServerConfig, pattern string) error {
	_, err := m.dispatch(ctx, serverID, cfg, "subscribe", timeoutSubscribe, false, func(ctx context.Context, c wire.Client) (json.RawMessage, error) {
		return emitJSON(ctx, c, "subscribe", pattern)
	})
	return err
}

// Unsubscribe issues a state unsubscribe. Per §3 Invariant 2 and §4.2's
// per-op note, it never rejects: dispatch short-circuits to success when
// there's no ready connection to unsubscribe from, and a per-op timeout on
// an already-ready connection resolves as success too.
func (m *Manager) Unsubscribe(ctx context.Context, serverID string, cfg config.ServerConfig, pattern string) error {
	_, err := m.dispatch(ctx, serverID, cfg, "unsubscribe", timeoutUnsubscribe, true, func(ctx context.Context, c wire.Client) (json.RawMessage, error) {
		return emitJSON(ctx, c, "unsubscribe", pattern)
	})
	if err == context.DeadlineExceeded {
		return nil
	}
	return err
}

// SubscribeObjects issues an object subscribe.
func (m *Manager) SubscribeObjects(ctx context.Context, serverID string, cfg config.ServerConfig, pattern string) error {
	_, err := m.dispatch(ctx, serverID, cfg, "subscribeObjects", timeoutSubscribe, false, func(ctx context.Context, c wire.Client) (json.RawMessage, error) {
		return emitJSON(ctx, c, "subscribeObjects", pattern)
	})
	return err
}

// UnsubscribeObjects issues an object unsubscribe, with the same
// never-rejects carve-out as Unsubscribe.
func (m *Manager) UnsubscribeObjects(ctx context.Context, serverID string, cfg config.ServerConfig, pattern string) error {
	_, err := m.dispatch(ctx, serverID, cfg, "unsubscribeObjects", timeoutUnsubscribe, true, func(ctx context.Context, c wire.Client) (json.RawMessage, error) {
		return emitJSON(ctx, c, "unsubscribeObjects", pattern)
	})
	if err == context.DeadlineExceeded {
		return nil
	}
	return err
}

// SubscribeLogs requests a live log stream at the given severity level.
func (m *Manager) SubscribeLogs(ctx context.Context, serverID string, cfg config.ServerConfig, level string) error {
	_, err := m.dispatch(ctx, serverID, cfg, "subscribeLogs", timeoutSubscribe, false, func(ctx context.Context, c wire.Client) (json.RawMessage, error) {
		return emitJSON(ctx, c, "requireLog", true)
	})
	return err
}

// UnsubscribeLogs stops the live log stream, with the same never-rejects
// carve-out as Unsubscribe.
func (m *Manager) UnsubscribeLogs(ctx context.Context, serverID string, cfg config.ServerConfig) error {
	_, err := m.dispatch(ctx, serverID, cfg, "unsubscribeLogs", timeoutUnsubscribe, true, func(ctx context.Context, c wire.Client) (json.RawMessage, error) {
		return emitJSON(ctx, c, "requireLog", false)
	})
	if err == context.DeadlineExceeded {
		return nil
	}
	return err
}
