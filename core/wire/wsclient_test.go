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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// scriptedServer is a minimal adapter stand-in: it upgrades one connection
// and hands it to onConn, which scripts the replies for each test. There
// is no teacher or pack file
// that drives an in-process websocket server, so this harness is grounded
// directly on gorilla/websocket's own upgrader, the idiomatic way to test
// a client built on that library.
func scriptedServer(t *testing.T, onConn func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		onConn(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsAddr(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse %q: %v", srv.URL, err)
	}
	host := u.Hostname()
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse port from %q: %v", srv.URL, err)
	}
	return host, port
}

type serverEnvelope struct {
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type"`
	Command  string          `json:"command,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	StateID  string          `json:"stateId,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`
}

func TestConnectAndEmitRoundTrip(t *testing.T) {
	srv := scriptedServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env serverEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				return
			}
			resp := serverEnvelope{ID: env.ID, Type: "response"}
			if env.Command == "getState" {
				resp.Result = json.RawMessage(`{"val":true,"ack":true}`)
			} else {
				resp.Result = json.RawMessage("null")
			}
			b, _ := json.Marshal(resp)
			_ = conn.WriteMessage(websocket.TextMessage, b)
		}
	})

	host, port := wsAddr(t, srv)
	c := NewWSClient()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx, Options{Host: host, Port: port}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Destroy()

	select {
	case ev := <-c.Events():
		if ev.Kind != EventConnect {
			t.Fatalf("expected EventConnect first, got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no connect event")
	}
	select {
	case ev := <-c.Events():
		if ev.Kind != EventReady {
			t.Fatalf("expected EventReady second, got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no ready event")
	}

	raw, err := c.Emit(ctx, "getState", "lights.kitchen")
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	var sv StateValue
	if err := json.Unmarshal(raw, &sv); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sv.Val != true {
		t.Fatalf("unexpected state value: %+v", sv)
	}
	if !c.IsReady() {
		t.Fatal("expected client to report ready after a successful round trip")
	}
}

func TestServerPushedStateChangeIsDelivered(t *testing.T) {
	ready := make(chan *websocket.Conn, 1)
	srv := scriptedServer(t, func(conn *websocket.Conn) {
		ready <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	host, port := wsAddr(t, srv)
	c := NewWSClient()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx, Options{Host: host, Port: port}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Destroy()

	<-c.Events() // connect
	<-c.Events() // ready

	var conn *websocket.Conn
	select {
	case conn = <-ready:
	case <-time.After(time.Second):
		t.Fatal("server never accepted the connection")
	}

	push := serverEnvelope{Type: "stateChange", StateID: "lights.kitchen", State: json.RawMessage(`{"val":false,"ack":true}`)}
	b, _ := json.Marshal(push)
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case ev := <-c.Events():
		if ev.Kind != EventStateChange || ev.StateID != "lights.kitchen" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.State == nil || ev.State.Val != false {
			t.Fatalf("unexpected state payload: %+v", ev.State)
		}
	case <-time.After(time.Second):
		t.Fatal("stateChange event never arrived")
	}
}

func TestEmitReturnsErrorAfterClientClosed(t *testing.T) {
	srv := scriptedServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	host, port := wsAddr(t, srv)
	c := NewWSClient()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx, Options{Host: host, Port: port}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-c.Events()
	<-c.Events()

	c.Destroy()
	if c.IsReady() {
		t.Fatal("expected IsReady to be false after Destroy")
	}

	if _, err := c.Emit(context.Background(), "getState", "x"); err == nil {
		t.Fatal("expected Emit to fail against a destroyed client")
	}
}

func TestEmitHonorsContextCancellation(t *testing.T) {
	blocked := make(chan struct{})
	srv := scriptedServer(t, func(conn *websocket.Conn) {
		<-blocked
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer close(blocked)

	host, port := wsAddr(t, srv)
	c := NewWSClient()
	connCtx, cancelConn := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelConn()
	if err := c.Connect(connCtx, Options{Host: host, Port: port}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Destroy()
	<-c.Events()
	<-c.Events()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Emit(ctx, "getState", "x"); err == nil || !strings.Contains(err.Error(), "context deadline exceeded") {
		t.Fatalf("expected a context deadline error, got %v", err)
	}
}
