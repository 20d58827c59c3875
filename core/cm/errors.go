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

import "github.com/pkg/errors"

// ErrNotReady is returned by GetConnection when the ServerId has no ready
// Client but is in a recoverable state. Callers (OM, NR) should enqueue or
// register for recovery rather than treat this as fatal.
var ErrNotReady = errors.New("cm: connection not ready")

// ErrAuthFailed indicates a terminal authentication failure for the
// ServerId. It persists until ForceServerSwitch supplies new credentials.
var ErrAuthFailed = errors.New("cm: authentication failed permanently")

// ErrNoStoredConfig is returned when an IDLE ServerId with no prior
// config is asked for a connection without one being supplied.
var ErrNoStoredConfig = errors.New("cm: no ready connection")

// ErrDestroyed is surfaced to operations caught mid-flight by a forced
// teardown (config change or explicit close).
var ErrDestroyed = errors.New("cm: connection destroyed")
