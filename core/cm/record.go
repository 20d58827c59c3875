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
	"math/rand"
	"sync"
	"time"

	"github.com/flowbridge/iobroker-connector/core/wire"
	"github.com/flowbridge/iobroker-connector/pkg/config"
)

// record is the one-per-ServerId connection record. Its mutex serializes
// state transitions and queue-adjacent bookkeeping for that ServerId,
// mirroring ManagedConsumer's own mu guarding its consumer pointer.
type record struct {
	mu sync.Mutex

	serverID string
	state    State

	config     config.ServerConfig
	configHash string

	client     wire.Client
	generation uint64

	retryTimer   *time.Timer
	retryAttempt int

	// connectFuture is closed exactly once, when the in-flight connect
	// attempt resolves (success or failure), waking every GetConnection
	// caller that joined it.
	connectFuture chan struct{}

	// handledGenerationEvent guards duplicate-event suppression: only the
	// first disconnect/error event observed for the current generation is
	// processed.
	handledGenerationEvent bool

	lastError          error
	lastSuccess        time.Time
	recoveryInProgress bool
}

func newRecord(serverID string) *record {
	return &record{
		serverID:      serverID,
		state:         StateIdle,
		connectFuture: make(chan struct{}),
	}
}

const (
	baseRetryDelay       = 5000 * time.Millisecond
	retryJitterMax       = 2000 * time.Millisecond
	immediateRetryDelay  = 100 * time.Millisecond
	retryFailureCooldown = 10 * time.Second
)

// standardRetryDelay returns the base 5s delay plus uniform jitter in
// [0, 2000ms), per the retry policy.
func standardRetryDelay() time.Duration {
	return baseRetryDelay + time.Duration(rand.Int63n(int64(retryJitterMax)))
}
