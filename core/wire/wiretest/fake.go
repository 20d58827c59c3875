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

// Package wiretest provides a FakeClient standing in for wire.Client in
// unit tests, in the same spirit as the teacher's frame.MockSender: a
// hand-driven fake a test goroutine pushes events into and records calls
// from, rather than a mock generated from an interface.
package wiretest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/flowbridge/iobroker-connector/core/wire"
)

// Call records one Emit invocation for assertions.
type Call struct {
	Command string
	Args    []interface{}
}

// FakeClient is a wire.Client whose Connect/Emit behavior is scripted by
// the test and whose event stream the test feeds directly.
type FakeClient struct {
	mu sync.Mutex

	ConnectErr error
	// EmitFunc, when set, computes the Emit result/error for each call.
	// Tests that don't care about responses can leave it nil; Emit then
	// succeeds with a null result.
	EmitFunc func(command string, args []interface{}) (json.RawMessage, error)

	calls       []Call
	ready       bool
	destroy     bool
	events      chan wire.Event
	closeOnce   sync.Once
}

// NewFakeClient builds a FakeClient ready to Connect.
func NewFakeClient() *FakeClient {
	return &FakeClient{events: make(chan wire.Event, 64)}
}

func (f *FakeClient) Connect(ctx context.Context, opts wire.Options) error {
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.mu.Lock()
	f.ready = true
	f.mu.Unlock()
	f.events <- wire.Event{Kind: wire.EventConnect}
	f.events <- wire.Event{Kind: wire.EventReady}
	return nil
}

func (f *FakeClient) Events() <-chan wire.Event {
	return f.events
}

func (f *FakeClient) Emit(ctx context.Context, command string, args ...interface{}) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Command: command, Args: args})
	fn := f.EmitFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(command, args)
	}
	return json.RawMessage("null"), nil
}

func (f *FakeClient) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready && !f.destroy
}

func (f *FakeClient) Destroy() {
	f.mu.Lock()
	if f.destroy {
		f.mu.Unlock()
		return
	}
	f.destroy = true
	f.ready = false
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
}

func (f *FakeClient) SetConnectionRecovery(bool) {}

// Calls returns a snapshot of every Emit invocation so far.
func (f *FakeClient) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// PushEvent delivers an event to the client's consumer, as if it arrived
// from the wire. Panics if the buffer is full; tests should keep the
// consumer draining.
func (f *FakeClient) PushEvent(ev wire.Event) {
	select {
	case f.events <- ev:
	default:
		panic(fmt.Sprintf("wiretest: event buffer full pushing %v", ev.Kind))
	}
}

// PushDisconnect is shorthand for the common disconnect-with-error case.
func (f *FakeClient) PushDisconnect(err error) {
	f.mu.Lock()
	f.ready = false
	f.mu.Unlock()
	f.PushEvent(wire.Event{Kind: wire.EventDisconnect, Err: err})
}

// PushStateChange delivers a stateChange event.
func (f *FakeClient) PushStateChange(id string, val interface{}, ack bool) {
	f.PushEvent(wire.Event{Kind: wire.EventStateChange, StateID: id, State: &wire.StateValue{Val: val, Ack: ack}})
}
