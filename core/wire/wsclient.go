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

package wire

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// envelope is the JSON command/response frame exchanged with the adapter
// socket. Every request carries a unique ID the response echoes back,
// mirroring the request/response correlation the teacher does over binary
// frames in core/pub.Producer, here flattened into one message shape since
// this wire format has no separate command-vs-payload split.
type envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Command string          `json:"command,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`

	StateID  string          `json:"stateId,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`
	ObjectID string          `json:"objectId,omitempty"`
	Object   json.RawMessage `json:"object,omitempty"`
	ObjectOp string          `json:"objectOp,omitempty"`
	Log      json.RawMessage `json:"log,omitempty"`
}

type pendingCall struct {
	resultc chan json.RawMessage
	errc    chan string
}

// WSClient is a Client implementation over a single gorilla/websocket
// connection.
type WSClient struct {
	wmu  sync.Mutex // protects conn writes, mirrors Conn.Wmu in the teacher
	conn *websocket.Conn

	mu      sync.Mutex
	ready   bool
	closed  bool
	pending map[string]*pendingCall

	events          chan Event
	closec          chan struct{}
	closeEventsOnce sync.Once
}

// NewWSClient constructs an unconnected WSClient. Call Connect before use.
func NewWSClient() *WSClient {
	return &WSClient{
		pending: make(map[string]*pendingCall),
		events:  make(chan Event, 64),
		closec:  make(chan struct{}),
	}
}

func (c *WSClient) Connect(ctx context.Context, opts Options) error {
	scheme := "ws"
	if opts.TLS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: fmt.Sprintf("%s:%d", opts.Host, opts.Port), Path: "/"}

	dialer := websocket.Dialer{
		HandshakeTimeout: orDefaultDuration(opts.ConnectTimeout, 10*time.Second),
	}
	if opts.TLS {
		dialer.TLSClientConfig = &tls.Config{}
	}

	dialCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return err
	}
	c.conn = conn

	// The read loop must run before authenticate, whose Emit waits for a
	// response that only the read loop delivers.
	go c.readLoop()

	if err := c.authenticate(ctx, opts); err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()

	if opts.PingInterval > 0 {
		go c.pingLoop(opts.PingInterval, orDefaultDuration(opts.PongTimeout, opts.PingInterval*2))
	}

	c.events <- Event{Kind: EventConnect}
	c.events <- Event{Kind: EventReady}
	return nil
}

func (c *WSClient) authenticate(ctx context.Context, opts Options) error {
	if opts.Username == "" {
		return nil
	}
	args, _ := json.Marshal([]interface{}{opts.Username, opts.Password})
	_, err := c.Emit(ctx, "authenticate", json.RawMessage(args))
	return err
}

func (c *WSClient) pingLoop(interval, pongTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closec:
			return
		case <-ticker.C:
			c.wmu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(pongTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.wmu.Unlock()
			if err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *WSClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		c.dispatch(env)
	}
}

func (c *WSClient) dispatch(env envelope) {
	switch env.Type {
	case "response":
		c.mu.Lock()
		call, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()
		if !ok {
			return
		}
		if env.Error != "" {
			call.errc <- env.Error
		} else {
			call.resultc <- env.Result
		}
	case "stateChange":
		var sv StateValue
		_ = json.Unmarshal(env.State, &sv)
		c.events <- Event{Kind: EventStateChange, StateID: env.StateID, State: &sv}
	case "objectChange":
		var ov ObjectValue
		_ = json.Unmarshal(env.Object, &ov)
		c.events <- Event{Kind: EventObjectChange, ObjectID: env.ObjectID, Object: &ov, ObjectOp: env.ObjectOp}
	case "log":
		var le LogEntry
		_ = json.Unmarshal(env.Log, &le)
		c.events <- Event{Kind: EventLog, Log: &le}
	case "tokenRefresh":
		c.events <- Event{Kind: EventTokenRefresh}
	}
}

func (c *WSClient) fail(err error) {
	c.mu.Lock()
	wasReady := c.ready
	c.ready = false
	alreadyClosed := c.closed
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	if alreadyClosed {
		return
	}

	for _, call := range pending {
		call.errc <- err.Error()
	}

	close(c.closec)
	if wasReady {
		c.events <- Event{Kind: EventDisconnect, Err: err}
	} else {
		c.events <- Event{Kind: EventError, Err: err}
	}
	c.closeEventsOnce.Do(func() { close(c.events) })
}

func (c *WSClient) Events() <-chan Event {
	return c.events
}

func (c *WSClient) Emit(ctx context.Context, command string, args ...interface{}) (json.RawMessage, error) {
	id := uuid.NewString()
	var argsRaw json.RawMessage
	if len(args) == 1 {
		if raw, ok := args[0].(json.RawMessage); ok {
			argsRaw = raw
		}
	}
	if argsRaw == nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		argsRaw = b
	}

	call := &pendingCall{resultc: make(chan json.RawMessage, 1), errc: make(chan string, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("wire: client closed")
	}
	c.pending[id] = call
	c.mu.Unlock()

	env := envelope{ID: id, Type: "request", Command: command, Args: argsRaw}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	c.wmu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.wmu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case errMsg := <-call.errc:
		return nil, fmt.Errorf("wire: %s", errMsg)
	case result := <-call.resultc:
		return result, nil
	}
}

func (c *WSClient) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && !c.closed
}

func (c *WSClient) Destroy() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.ready = false
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, call := range pending {
		call.errc <- "wire: client destroyed"
	}

	if c.conn != nil {
		_ = c.conn.Close()
	}
	select {
	case <-c.closec:
	default:
		close(c.closec)
	}
	c.closeEventsOnce.Do(func() { close(c.events) })
}

func (c *WSClient) SetConnectionRecovery(bool) {
	// the core always drives its own recovery; the underlying transport
	// never auto-reconnects on its own.
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
