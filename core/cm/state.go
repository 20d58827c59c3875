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

// State is one position in the per-ServerId connection state machine.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateAuthFailed
	StateNetworkError
	StateRetryScheduled
	StateDestroying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateAuthFailed:
		return "AUTH_FAILED"
	case StateNetworkError:
		return "NETWORK_ERROR"
	case StateRetryScheduled:
		return "RETRY_SCHEDULED"
	case StateDestroying:
		return "DESTROYING"
	default:
		return "UNKNOWN"
	}
}

// HasClient reports whether a Client instance should exist while in state
// s, per the module's core invariant: the Client exists iff state is one
// of these five.
func (s State) HasClient() bool {
	switch s {
	case StateConnecting, StateConnected, StateNetworkError, StateRetryScheduled, StateDestroying:
		return true
	default:
		return false
	}
}

// Transition describes one state change notified to listeners (the
// façade, ultimately relayed to OM/NR/RM).
type Transition struct {
	ServerID   string
	State      State
	Err        error
	Generation uint64
}

// TransitionListener is invoked synchronously on every state change for a
// ServerId. Implementations must not block or call back into the Manager
// for the same ServerId from within the callback (the record's lock is
// held by the caller's goroutine boundary, not re-entrantly, but the
// ordering guarantee in the spec requires listeners to run to completion
// before the next transition for that ServerId is processed).
type TransitionListener func(Transition)
