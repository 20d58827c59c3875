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
	"testing"
	"time"

	"github.com/flowbridge/iobroker-connector/core/cm"
	"github.com/flowbridge/iobroker-connector/core/wire"
	"github.com/flowbridge/iobroker-connector/core/wire/wiretest"
)

func readyManager(emit func(string, []interface{}) (json.RawMessage, error)) (*Manager, *wiretest.FakeClient) {
	fake := wiretest.NewFakeClient()
	fake.EmitFunc = emit
	conn := &fakeConnSource{client: fake, state: cm.StateConnected}
	return New(conn, &fakeRetryScheduler{}, nil, nil), fake
}

func TestSetStateBackfillsFromAndTS(t *testing.T) {
	var seenArgs []interface{}
	m, fake := readyManager(func(command string, args []interface{}) (json.RawMessage, error) {
		if command == "setState" {
			seenArgs = args
		}
		return json.RawMessage("null"), nil
	})
	_ = fake

	err := m.SetState(context.Background(), "s1", testCfg(), "lights.kitchen", &wire.StateValue{Val: false}, true)
	if err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if len(seenArgs) != 2 {
		t.Fatalf("expected id+value args, got %v", seenArgs)
	}
	sv, ok := seenArgs[1].(wire.StateValue)
	if !ok {
		t.Fatalf("expected wire.StateValue, got %T", seenArgs[1])
	}
	if sv.From == "" {
		t.Fatal("expected From to be backfilled")
	}
	if sv.TS == 0 {
		t.Fatal("expected TS to be backfilled")
	}
	if !sv.Ack {
		t.Fatal("expected Ack to carry through")
	}
}

func TestSetStatePreservesCallerSuppliedFromAndTS(t *testing.T) {
	var seenArgs []interface{}
	m, _ := readyManager(func(command string, args []interface{}) (json.RawMessage, error) {
		seenArgs = args
		return json.RawMessage("null"), nil
	})

	err := m.SetState(context.Background(), "s1", testCfg(), "x", &wire.StateValue{Val: 1, From: "custom.adapter", TS: 42}, false)
	if err != nil {
		t.Fatalf("SetState: %v", err)
	}
	sv := seenArgs[1].(wire.StateValue)
	if sv.From != "custom.adapter" || sv.TS != 42 {
		t.Fatalf("expected caller-supplied From/TS to survive, got %+v", sv)
	}
}

func TestSetObjectStripsID(t *testing.T) {
	var seenArgs []interface{}
	m, _ := readyManager(func(command string, args []interface{}) (json.RawMessage, error) {
		seenArgs = args
		return json.RawMessage("null"), nil
	})

	obj := &wire.ObjectValue{ID: "lights.kitchen", Type: "state"}
	if err := m.SetObject(context.Background(), "s1", testCfg(), obj.ID, obj); err != nil {
		t.Fatalf("SetObject: %v", err)
	}
	body := seenArgs[1].(wire.ObjectValue)
	if body.ID != "" {
		t.Fatalf("expected _id to be stripped before the wire call, got %q", body.ID)
	}
	if obj.ID != "lights.kitchen" {
		t.Fatal("SetObject must not mutate the caller's ObjectValue")
	}
}

func TestGetObjectsExactIDTakesGetObjectFastPath(t *testing.T) {
	var calledCommand string
	m, _ := readyManager(func(command string, args []interface{}) (json.RawMessage, error) {
		calledCommand = command
		if command == "getObject" {
			return json.RawMessage(`{"_id":"lights.kitchen","type":"state"}`), nil
		}
		return json.RawMessage("null"), nil
	})

	out, err := m.GetObjects(context.Background(), "s1", testCfg(), "lights.kitchen", "")
	if err != nil {
		t.Fatalf("GetObjects: %v", err)
	}
	if calledCommand != "getObject" {
		t.Fatalf("expected the exact-id fast path to call getObject, called %q", calledCommand)
	}
	if len(out) != 1 || out[0].ID != "lights.kitchen" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestGetObjectsWildcardFansOutOverAllTypes(t *testing.T) {
	seen := map[string]bool{}
	m, _ := readyManager(func(command string, args []interface{}) (json.RawMessage, error) {
		if command == "getObjectView" {
			searchID, _ := args[1].(string)
			seen[searchID] = true
			if searchID == "state" {
				return json.RawMessage(`[{"_id":"lights.kitchen","type":"state","value":{"_id":"lights.kitchen","type":"state"}}]`), nil
			}
			return json.RawMessage(`[]`), nil
		}
		return json.RawMessage("null"), nil
	})

	out, err := m.GetObjects(context.Background(), "s1", testCfg(), "lights.*", "")
	if err != nil {
		t.Fatalf("GetObjects: %v", err)
	}
	for _, typ := range allObjectTypes {
		if !seen[typ] {
			t.Fatalf("expected wildcard fan-out to query type %q", typ)
		}
	}
	if len(out) != 1 || out[0].ID != "lights.kitchen" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestGetObjectsWildcardFiltersByExplicitType(t *testing.T) {
	queried := []string{}
	m, _ := readyManager(func(command string, args []interface{}) (json.RawMessage, error) {
		if command == "getObjectView" {
			searchID, _ := args[1].(string)
			queried = append(queried, searchID)
			return json.RawMessage(`[]`), nil
		}
		return json.RawMessage("null"), nil
	})

	if _, err := m.GetObjects(context.Background(), "s1", testCfg(), "lights.*", "channel"); err != nil {
		t.Fatalf("GetObjects: %v", err)
	}
	if len(queried) != 1 || queried[0] != "channel" {
		t.Fatalf("expected a single getObjectView call scoped to the given type, got %v", queried)
	}
}

func TestSendToAdapterFireAndForgetReturnsImmediately(t *testing.T) {
	sent := make(chan struct{}, 1)
	m, _ := readyManager(func(command string, args []interface{}) (json.RawMessage, error) {
		if command == "sendTo" {
			sent <- struct{}{}
		}
		return json.RawMessage("null"), nil
	})

	if _, err := m.SendToAdapter(context.Background(), "s1", testCfg(), "telegram", "send", map[string]interface{}{"text": "hi"}, nil); err != nil {
		t.Fatalf("SendToAdapter: %v", err)
	}

	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the adapter send to fire even in fire-and-forget mode")
	}
}
