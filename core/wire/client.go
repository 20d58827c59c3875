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

// Package wire defines the socket-like contract the connection core
// consumes and a gorilla/websocket-backed implementation of it. Everything
// above this package treats the remote adapter as a black box: connect,
// a stream of events, and a request/response Emit helper.
package wire

import (
	"context"
	"encoding/json"
	"time"
)

// Options carries the handshake parameters for Connect.
type Options struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string

	PingInterval   time.Duration
	PongTimeout    time.Duration
	ConnectTimeout time.Duration
}

// EventKind tags the variant of an inbound Event.
type EventKind int

const (
	EventConnect EventKind = iota
	EventReady
	EventDisconnect
	EventReconnect
	EventError
	EventStateChange
	EventObjectChange
	EventLog
	EventTokenRefresh
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventReady:
		return "ready"
	case EventDisconnect:
		return "disconnect"
	case EventReconnect:
		return "reconnect"
	case EventError:
		return "error"
	case EventStateChange:
		return "stateChange"
	case EventObjectChange:
		return "objectChange"
	case EventLog:
		return "log"
	case EventTokenRefresh:
		return "tokenRefresh"
	default:
		return "unknown"
	}
}

// StateValue is the opaque ioBroker state envelope. The core passes it
// through verbatim except when building a setState payload, where From and
// TS get filled in if the caller left them zero.
type StateValue struct {
	Val  interface{} `json:"val"`
	Ack  bool        `json:"ack"`
	From string      `json:"from,omitempty"`
	TS   int64       `json:"ts,omitempty"`
	LC   int64       `json:"lc,omitempty"`
	Q    int         `json:"q,omitempty"`
}

// ObjectValue is the opaque ioBroker object envelope.
type ObjectValue struct {
	ID     string                 `json:"_id"`
	Type   string                 `json:"type"`
	Common map[string]interface{} `json:"common,omitempty"`
	Native map[string]interface{} `json:"native,omitempty"`
}

// LogEntry is one line delivered to a log subscriber.
type LogEntry struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	From     string `json:"from"`
	TS       int64  `json:"ts"`
}

// Event is a single item from the Client's event stream. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind EventKind
	Err  error

	StateID string
	State   *StateValue

	ObjectID string
	Object   *ObjectValue
	ObjectOp string // "change" or "delete"

	Log *LogEntry
}

// Client is the bidirectional message channel to one remote adapter
// endpoint. Implementations must be safe for concurrent use: Emit may be
// called from many goroutines while Events is being drained from another.
type Client interface {
	// Connect performs the connect/auth handshake. It returns once the
	// handshake either succeeds or fails; ongoing connectivity after that
	// point is reported through Events.
	Connect(ctx context.Context, opts Options) error

	// Events returns the channel of inbound events. Closed once Destroy
	// has fully torn down the connection.
	Events() <-chan Event

	// Emit issues a request/response command and waits for its reply, or
	// for ctx to be done.
	Emit(ctx context.Context, command string, args ...interface{}) (json.RawMessage, error)

	// IsReady reports whether the Client currently believes it can serve
	// requests.
	IsReady() bool

	// Destroy tears the connection down. Idempotent.
	Destroy()

	// SetConnectionRecovery toggles the underlying transport's own
	// auto-reconnect, which the core always disables (it drives recovery
	// itself) but the contract exposes for completeness.
	SetConnectionRecovery(enabled bool)
}
