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
	"sync"
	"testing"
	"time"

	"github.com/flowbridge/iobroker-connector/core/wire"
	"github.com/flowbridge/iobroker-connector/pkg/config"
)

type fakeOperationRunner struct {
	mu            sync.Mutex
	subscribes    []string
	unsubscribes  []string
	subscribeObjs []string
	states        map[string]*wire.StateValue
}

func newFakeOperationRunner() *fakeOperationRunner {
	return &fakeOperationRunner{states: make(map[string]*wire.StateValue)}
}

func (f *fakeOperationRunner) Subscribe(ctx context.Context, serverID string, cfg config.ServerConfig, pattern string) error {
	f.mu.Lock()
	f.subscribes = append(f.subscribes, pattern)
	f.mu.Unlock()
	return nil
}

func (f *fakeOperationRunner) Unsubscribe(ctx context.Context, serverID string, cfg config.ServerConfig, pattern string) error {
	f.mu.Lock()
	f.unsubscribes = append(f.unsubscribes, pattern)
	f.mu.Unlock()
	return nil
}

func (f *fakeOperationRunner) SubscribeObjects(ctx context.Context, serverID string, cfg config.ServerConfig, pattern string) error {
	f.mu.Lock()
	f.subscribeObjs = append(f.subscribeObjs, pattern)
	f.mu.Unlock()
	return nil
}

func (f *fakeOperationRunner) UnsubscribeObjects(ctx context.Context, serverID string, cfg config.ServerConfig, pattern string) error {
	return nil
}

func (f *fakeOperationRunner) SubscribeLogs(ctx context.Context, serverID string, cfg config.ServerConfig, level string) error {
	return nil
}

func (f *fakeOperationRunner) UnsubscribeLogs(ctx context.Context, serverID string, cfg config.ServerConfig) error {
	return nil
}

func (f *fakeOperationRunner) GetState(ctx context.Context, serverID string, cfg config.ServerConfig, id string) (*wire.StateValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[id], nil
}

type fakeRecoveryRegistrar struct {
	mu         sync.Mutex
	increments []string
	decrements []string
}

func (f *fakeRecoveryRegistrar) Increment(serverID string) {
	f.mu.Lock()
	f.increments = append(f.increments, serverID)
	f.mu.Unlock()
}

func (f *fakeRecoveryRegistrar) Decrement(serverID string) int {
	f.mu.Lock()
	f.decrements = append(f.decrements, serverID)
	f.mu.Unlock()
	return 0
}

func (f *fakeRecoveryRegistrar) RegisterRecoveryCallback(serverID string, fn func()) {}
func (f *fakeRecoveryRegistrar) ExecuteRecoveryCallbacks(serverID string)            {}

func testServerConfig() config.ServerConfig {
	c := config.ServerConfig{Host: "10.0.0.5", Port: 8081}
	c.SetDefaults()
	return c
}

func newTestRegistry(om OperationRunner, rm RecoveryRegistrar) *Registry {
	cfg := testServerConfig()
	return New(om, rm, func(serverID string) (config.ServerConfig, bool) { return cfg, true }, 0, nil, nil)
}

func TestSubscribeIncrementsConsumerCountExceptDuringRecovery(t *testing.T) {
	om := newFakeOperationRunner()
	rm := &fakeRecoveryRegistrar{}
	r := newTestRegistry(om, rm)

	if err := r.Subscribe(context.Background(), "s1", "node1", "lights.kitchen", Callbacks{}, false); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	rm.mu.Lock()
	incs := len(rm.increments)
	rm.mu.Unlock()
	if incs != 1 {
		t.Fatalf("expected one Increment for a non-recovery Subscribe, got %d", incs)
	}

	if err := r.Subscribe(context.Background(), "s1", "node2", "lights.bedroom", Callbacks{}, true); err != nil {
		t.Fatalf("Subscribe (recovery): %v", err)
	}
	rm.mu.Lock()
	incs = len(rm.increments)
	rm.mu.Unlock()
	if incs != 1 {
		t.Fatalf("expected Increment to be skipped for a recovery Subscribe, got %d total", incs)
	}
}

func TestSubscribeReturnsErrNotConfiguredWithoutStoredConfig(t *testing.T) {
	om := newFakeOperationRunner()
	rm := &fakeRecoveryRegistrar{}
	r := New(om, rm, func(serverID string) (config.ServerConfig, bool) { return config.ServerConfig{}, false }, 0, nil, nil)

	err := r.Subscribe(context.Background(), "s1", "node1", "lights.kitchen", Callbacks{}, false)
	if err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestHandleStateChangeDispatchesToExactSubscriber(t *testing.T) {
	om := newFakeOperationRunner()
	rm := &fakeRecoveryRegistrar{}
	r := newTestRegistry(om, rm)

	var got *wire.StateValue
	done := make(chan struct{})
	cb := Callbacks{OnEvent: func(id string, state *wire.StateValue) {
		got = state
		close(done)
	}}
	if err := r.Subscribe(context.Background(), "s1", "node1", "lights.kitchen", cb, false); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	r.HandleStateChange("s1", "gen1", "lights.kitchen", &wire.StateValue{Val: true})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnEvent never fired for exact state match")
	}
	if got == nil || got.Val != true {
		t.Fatalf("unexpected delivered state: %+v", got)
	}
}

func TestHandleStateChangeDispatchesToPatternSubscriber(t *testing.T) {
	om := newFakeOperationRunner()
	rm := &fakeRecoveryRegistrar{}
	r := newTestRegistry(om, rm)

	matched := make(chan string, 1)
	cb := Callbacks{OnEvent: func(id string, state *wire.StateValue) { matched <- id }}
	if err := r.Subscribe(context.Background(), "s1", "node1", "lights.*", cb, false); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	r.HandleStateChange("s1", "gen1", "lights.kitchen", &wire.StateValue{Val: true})
	select {
	case id := <-matched:
		if id != "lights.kitchen" {
			t.Fatalf("unexpected matched id: %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("OnEvent never fired for pattern match")
	}
}

func TestHandleStateChangeDeduplicatesWithinGeneration(t *testing.T) {
	om := newFakeOperationRunner()
	rm := &fakeRecoveryRegistrar{}
	r := newTestRegistry(om, rm)

	var count int
	var mu sync.Mutex
	cb := Callbacks{OnEvent: func(id string, state *wire.StateValue) {
		mu.Lock()
		count++
		mu.Unlock()
	}}
	if err := r.Subscribe(context.Background(), "s1", "node1", "lights.kitchen", cb, false); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	sv := &wire.StateValue{Val: true, TS: 100}
	r.HandleStateChange("s1", "gen1", "lights.kitchen", sv)
	r.HandleStateChange("s1", "gen1", "lights.kitchen", sv)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected the duplicate event within the same generation to be suppressed, got %d deliveries", count)
	}
}

func TestUnregisterDecrementsAndUnsubscribesLastExactSubscriber(t *testing.T) {
	om := newFakeOperationRunner()
	rm := &fakeRecoveryRegistrar{}
	r := newTestRegistry(om, rm)

	if err := r.Subscribe(context.Background(), "s1", "node1", "lights.kitchen", Callbacks{}, false); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := r.Unregister(context.Background(), "s1", "node1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	rm.mu.Lock()
	decs := len(rm.decrements)
	rm.mu.Unlock()
	if decs != 1 {
		t.Fatalf("expected one Decrement, got %d", decs)
	}
	om.mu.Lock()
	defer om.mu.Unlock()
	if len(om.unsubscribes) != 1 || om.unsubscribes[0] != "lights.kitchen" {
		t.Fatalf("expected an adapter unsubscribe for the last holder of the id, got %v", om.unsubscribes)
	}
}

func TestUnregisterSkipsAdapterUnsubscribeWhileOtherExactSubscriberRemains(t *testing.T) {
	om := newFakeOperationRunner()
	rm := &fakeRecoveryRegistrar{}
	r := newTestRegistry(om, rm)

	if err := r.Subscribe(context.Background(), "s1", "node1", "lights.kitchen", Callbacks{}, false); err != nil {
		t.Fatalf("Subscribe node1: %v", err)
	}
	if err := r.Subscribe(context.Background(), "s1", "node2", "lights.kitchen", Callbacks{}, false); err != nil {
		t.Fatalf("Subscribe node2: %v", err)
	}

	if err := r.Unregister(context.Background(), "s1", "node1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	om.mu.Lock()
	defer om.mu.Unlock()
	if len(om.unsubscribes) != 0 {
		t.Fatalf("expected no adapter unsubscribe while node2 still holds the id, got %v", om.unsubscribes)
	}
}

func TestSubscribeDeliversExactInitialValue(t *testing.T) {
	om := newFakeOperationRunner()
	om.states["lights.kitchen"] = &wire.StateValue{Val: true}
	rm := &fakeRecoveryRegistrar{}
	r := newTestRegistry(om, rm)

	done := make(chan *wire.StateValue, 1)
	cb := Callbacks{
		WantsInitialValue: true,
		OnInitialValue: func(id string, state *wire.StateValue, grouped map[string]*wire.StateValue) {
			done <- state
		},
	}
	if err := r.Subscribe(context.Background(), "s1", "node1", "lights.kitchen", cb, false); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case sv := <-done:
		if sv == nil || sv.Val != true {
			t.Fatalf("unexpected initial value: %+v", sv)
		}
	case <-time.After(time.Second):
		t.Fatal("OnInitialValue never fired")
	}
}

// TestUpdateNodeStatusResetsSubscribedOnDisconnect covers §3 Invariant 3:
// a reconnect (here, any move off CONNECTED) resets subscribed to false
// until resubscription completes.
func TestUpdateNodeStatusResetsSubscribedOnDisconnect(t *testing.T) {
	om := newFakeOperationRunner()
	rm := &fakeRecoveryRegistrar{}
	r := newTestRegistry(om, rm)

	if err := r.Subscribe(context.Background(), "s1", "node1", "lights.kitchen", Callbacks{}, false); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	idx, ok := r.existingIndex("s1")
	if !ok {
		t.Fatal("expected an index for s1")
	}
	idx.mu.RLock()
	reg := idx.byNode["node1"]
	idx.mu.RUnlock()
	if !reg.isSubscribed() {
		t.Fatal("expected Subscribe to mark the registration subscribed")
	}

	r.UpdateNodeStatus("s1", StatusConnected)
	if !reg.isSubscribed() {
		t.Fatal("expected subscribed to survive a redundant CONNECTED status")
	}

	r.UpdateNodeStatus("s1", StatusReconnecting)
	if reg.isSubscribed() {
		t.Fatal("expected leaving CONNECTED to reset subscribed to false")
	}
}

// TestUnregisterSkipsAdapterUnsubscribeWhenNotSubscribed covers the other
// side of Invariant 3: a registration left not-subscribed by a disconnect
// has nothing live on the adapter to tear down, so Unregister must not
// issue an unsubscribe for it.
func TestUnregisterSkipsAdapterUnsubscribeWhenNotSubscribed(t *testing.T) {
	om := newFakeOperationRunner()
	rm := &fakeRecoveryRegistrar{}
	r := newTestRegistry(om, rm)

	if err := r.Subscribe(context.Background(), "s1", "node1", "lights.kitchen", Callbacks{}, false); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	r.UpdateNodeStatus("s1", StatusConnected)
	r.UpdateNodeStatus("s1", StatusReconnecting)

	if err := r.Unregister(context.Background(), "s1", "node1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	om.mu.Lock()
	defer om.mu.Unlock()
	if len(om.unsubscribes) != 0 {
		t.Fatalf("expected no adapter unsubscribe for a not-subscribed registration, got %v", om.unsubscribes)
	}
}

func TestRegisterForEventsDeliversWithoutDrivingSubscriptionLifecycle(t *testing.T) {
	om := newFakeOperationRunner()
	rm := &fakeRecoveryRegistrar{}
	r := newTestRegistry(om, rm)

	done := make(chan struct{})
	r.RegisterForEvents("s1", "node1", "lights.kitchen", Callbacks{OnEvent: func(id string, state *wire.StateValue) {
		close(done)
	}})

	rm.mu.Lock()
	incs := len(rm.increments)
	rm.mu.Unlock()
	if incs != 0 {
		t.Fatal("RegisterForEvents must not touch the consumer count")
	}
	om.mu.Lock()
	subs := len(om.subscribes)
	om.mu.Unlock()
	if subs != 0 {
		t.Fatal("RegisterForEvents must not issue an adapter subscribe")
	}

	r.HandleStateChange("s1", "gen1", "lights.kitchen", &wire.StateValue{Val: false})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnEvent never fired for the events-only registration")
	}
}
