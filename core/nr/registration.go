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
	"regexp"
	"sync"
	"time"

	"github.com/flowbridge/iobroker-connector/core/wire"
)

// Kind tags what a registration subscribes to.
type Kind int

const (
	KindStateSingle Kind = iota
	KindStatePattern
	KindStateMulti
	KindObjectPattern
	KindEventsOnly
	KindLogs
)

// Callbacks is the sealed capability set a consumer supplies. Every hook
// is optional except the data callback relevant to the registration's
// Kind; nil hooks are simply not invoked.
type Callbacks struct {
	// OnEvent is called for STATE_SINGLE/STATE_PATTERN/STATE_MULTI state
	// changes.
	OnEvent func(id string, state *wire.StateValue)

	// OnObjectEvent is called for OBJECT_PATTERN registrations.
	OnObjectEvent func(id string, obj *wire.ObjectValue, op string)

	// OnLog is called for LOGS registrations.
	OnLog func(entry *wire.LogEntry)

	// UpdateStatus is called on every status transition affecting this
	// registration's ServerId.
	UpdateStatus func(status Status)

	// OnReconnect/OnDisconnect are edge-triggered hooks fired alongside
	// UpdateStatus when the server's connectivity flips.
	OnReconnect  func()
	OnDisconnect func()

	// OnSubscribed fires once the subscribe acknowledgement lands on the
	// current Client generation.
	OnSubscribed func()

	// WantsInitialValue opts into the initial-value protocol. Only
	// honored for STATE_SINGLE and STATE_MULTI; ignored for pattern
	// registrations.
	WantsInitialValue bool

	// OnInitialValue delivers the one-shot initial value. For
	// STATE_SINGLE, id and state are set and grouped is nil. For
	// STATE_MULTI, id is empty, state is nil, and grouped carries
	// whatever subset of the requested ids was known at emission time.
	OnInitialValue func(id string, state *wire.StateValue, grouped map[string]*wire.StateValue)
}

type registration struct {
	nodeID   string
	serverID string
	kind     Kind

	pattern string
	re      *regexp.Regexp

	ids   []string
	idSet map[string]bool

	level string

	callbacks Callbacks

	mu            sync.Mutex
	subscribed    bool
	initialSent   bool
	groupedValues map[string]*wire.StateValue
	groupedTimer  *time.Timer
	lastStatus    Status
}

func (r *registration) setSubscribed(v bool) {
	r.mu.Lock()
	r.subscribed = v
	r.mu.Unlock()
}

func (r *registration) isSubscribed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribed
}
