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

import "github.com/flowbridge/iobroker-connector/core/cm"

// Status is the consumer-visible connection status, distinct from cm's
// internal state machine labels.
type Status string

const (
	StatusReady             Status = "ready"
	StatusConnecting        Status = "connecting"
	StatusConnected         Status = "connected"
	StatusDisconnected      Status = "disconnected"
	StatusReconnecting      Status = "reconnecting"
	StatusRetrying          Status = "retrying"
	StatusFailedPermanently Status = "failed_permanently"
)

// StatusFromState maps a cm.State onto the consumer-visible enum.
func StatusFromState(s cm.State) Status {
	switch s {
	case cm.StateIdle:
		return StatusDisconnected
	case cm.StateConnecting:
		return StatusConnecting
	case cm.StateConnected:
		return StatusConnected
	case cm.StateNetworkError:
		return StatusReconnecting
	case cm.StateRetryScheduled:
		return StatusRetrying
	case cm.StateAuthFailed:
		return StatusFailedPermanently
	case cm.StateDestroying:
		return StatusDisconnected
	default:
		return StatusDisconnected
	}
}
