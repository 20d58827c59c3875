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

package cm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flowbridge/iobroker-connector/core/wire"
	"github.com/flowbridge/iobroker-connector/core/wire/wiretest"
	"github.com/flowbridge/iobroker-connector/pkg/config"
)

func testConfig() config.ServerConfig {
	c := config.ServerConfig{Host: "10.0.0.5", Port: 8081}
	c.SetDefaults()
	return c
}

type transitionRecorder struct {
	mu   sync.Mutex
	seen []Transition
}

func (r *transitionRecorder) onTransition(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, t)
}

func (r *transitionRecorder) last() (Transition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seen) == 0 {
		return Transition{}, false
	}
	return r.seen[len(r.seen)-1], true
}

func waitFor(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestGetConnectionSucceedsAndCaches(t *testing.T) {
	fake := wiretest.NewFakeClient()
	m := New(Options{Factory: func() wire.Client { return fake }})

	cfg := testConfig()
	client, err := m.GetConnection(context.Background(), "s1", cfg)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if client != fake {
		t.Fatalf("expected fake client, got %v", client)
	}
	if m.State("s1") != StateConnected {
		t.Fatalf("expected CONNECTED, got %s", m.State("s1"))
	}

	// A second call while already connected returns the same client without
	// reconnecting.
	client2, err := m.GetConnection(context.Background(), "s1", cfg)
	if err != nil || client2 != fake {
		t.Fatalf("expected cached client, got %v, %v", client2, err)
	}
}

func TestGetConnectionAuthFailed(t *testing.T) {
	fake := wiretest.NewFakeClient()
	fake.ConnectErr = errors.New("401 unauthorized")
	m := New(Options{Factory: func() wire.Client { return fake }})

	_, err := m.GetConnection(context.Background(), "s1", testConfig())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if m.State("s1") != StateAuthFailed {
		t.Fatalf("expected AUTH_FAILED, got %s", m.State("s1"))
	}
}

func TestGetConnectionNetworkErrorSchedulesRetry(t *testing.T) {
	fake := wiretest.NewFakeClient()
	fake.ConnectErr = errors.New("connection refused")
	m := New(Options{Factory: func() wire.Client { return fake }})

	_, err := m.GetConnection(context.Background(), "s1", testConfig())
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	waitFor(t, func() bool { return m.State("s1") == StateRetryScheduled })
}

func TestDisconnectTransitionsAndNotifies(t *testing.T) {
	fake := wiretest.NewFakeClient()
	rec := &transitionRecorder{}
	m := New(Options{Factory: func() wire.Client { return fake }, OnTransition: rec.onTransition})

	// The default RecentSuccessWindow (5s) would swallow a disconnect this
	// soon after connecting; shrink it so the drop is processed.
	cfg := testConfig()
	cfg.RecentSuccessWindow = time.Nanosecond
	if _, err := m.GetConnection(context.Background(), "s1", cfg); err != nil {
		t.Fatalf("GetConnection: %v", err)
	}

	fake.PushDisconnect(errors.New("socket hang up"))
	waitFor(t, func() bool { return m.State("s1") == StateNetworkError || m.State("s1") == StateRetryScheduled })

	last, ok := rec.last()
	if !ok {
		t.Fatal("expected at least one transition")
	}
	if last.State != StateNetworkError && last.State != StateRetryScheduled {
		t.Fatalf("unexpected final transition state: %s", last.State)
	}
}

func TestClientEventsForwardedNotConsumedByCM(t *testing.T) {
	fake := wiretest.NewFakeClient()
	var got wire.Event
	done := make(chan struct{})
	m := New(Options{
		Factory: func() wire.Client { return fake },
		OnClientEvent: func(serverID string, generation uint64, ev wire.Event) {
			got = ev
			close(done)
		},
	})

	if _, err := m.GetConnection(context.Background(), "s1", testConfig()); err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	fake.PushStateChange("lights.kitchen", true, true)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClientEvent never fired for stateChange")
	}
	if got.Kind != wire.EventStateChange || got.StateID != "lights.kitchen" {
		t.Fatalf("unexpected forwarded event: %+v", got)
	}
}

func TestEnsureConfigDoesNotBlock(t *testing.T) {
	fake := wiretest.NewFakeClient()
	m := New(Options{Factory: func() wire.Client { return fake }})

	m.EnsureConfig("s1", testConfig())
	waitFor(t, func() bool { return m.State("s1") == StateConnected })

	if _, ok := m.StoredConfig("s1"); !ok {
		t.Fatal("expected StoredConfig to be seeded")
	}
}

func TestForceServerSwitchClearsOldAndSeedsNew(t *testing.T) {
	oldClient := wiretest.NewFakeClient()
	m := New(Options{Factory: func() wire.Client { return oldClient }})

	if _, err := m.GetConnection(context.Background(), "old", testConfig()); err != nil {
		t.Fatalf("GetConnection: %v", err)
	}

	if err := m.ForceServerSwitch("old", "new", testConfig()); err != nil {
		t.Fatalf("ForceServerSwitch: %v", err)
	}
	if _, ok := m.StoredConfig("old"); ok {
		t.Fatal("expected old ServerId's StoredConfig to be cleared")
	}
	if m.State("new") != StateIdle {
		t.Fatalf("expected new ServerId to start IDLE, got %s", m.State("new"))
	}
}

func TestCloseAllTearsDownEveryRecord(t *testing.T) {
	m := New(Options{Factory: func() wire.Client { return wiretest.NewFakeClient() }})

	for _, id := range []string{"a", "b", "c"} {
		if _, err := m.GetConnection(context.Background(), id, testConfig()); err != nil {
			t.Fatalf("GetConnection(%s): %v", id, err)
		}
	}

	m.CloseAll()

	for _, id := range []string{"a", "b", "c"} {
		if _, ok := m.StoredConfig(id); ok {
			t.Fatalf("expected %s to have no StoredConfig after CloseAll", id)
		}
	}
}
