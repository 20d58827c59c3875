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

// Package facade wires the Connection Manager, Operation Manager, Recovery
// Manager, and Node Registry into the bridge's single consumer-facing
// entry point and orchestrates the cross-component transitions each of
// them is deliberately blind to.
package facade

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/flowbridge/iobroker-connector/core/cm"
	"github.com/flowbridge/iobroker-connector/core/nr"
	"github.com/flowbridge/iobroker-connector/core/om"
	"github.com/flowbridge/iobroker-connector/core/rm"
	"github.com/flowbridge/iobroker-connector/core/wire"
	"github.com/flowbridge/iobroker-connector/pkg/config"
	"github.com/flowbridge/iobroker-connector/pkg/logging"
	"github.com/flowbridge/iobroker-connector/pkg/metrics"
)

// resubscribeDelay is how long after a CONNECTED transition NR's
// resubscription cycle is scheduled, giving the Client's own post-ready
// bookkeeping time to settle.
const resubscribeDelay = 50 * time.Millisecond

var ErrFailedPermanently = errors.New("Authentication failed permanently")

// ErrShuttingDown is returned by the façade's registration, operation and
// ForceServerSwitch entry points once Shutdown has been called, per §4.5's
// "reject new operations" shutdown ordering. Unsubscribe,
// UnregisterFromEvents and GetConnectionStatus remain available.
var ErrShuttingDown = errors.New("bridge shutting down")

// constructed enforces the single-instance invariant by construction
// (per the design note replacing the original package-level singleton):
// a second New call fails rather than silently sharing state.
var constructed int32

// Options configures a Facade.
type Options struct {
	// ClientFactory builds a fresh wire.Client per connect attempt.
	// Defaults to wire.NewWSClient if nil.
	ClientFactory cm.ClientFactory

	DedupCacheSize int

	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// Facade is the single entry point consumers use. Build one with New and
// keep the handle for the life of the process; do not call New twice.
type Facade struct {
	cm *cm.Manager
	rm *rm.Manager
	om *om.Manager
	nr *nr.Registry

	log     *logging.Logger
	metrics *metrics.Registry

	shuttingDown int32
	inFlight     sync.WaitGroup
}

// New wires a Facade. Returns an error if a Facade has already been
// constructed in this process.
func New(opts Options) (*Facade, error) {
	if !atomic.CompareAndSwapInt32(&constructed, 0, 1) {
		return nil, errors.New("facade: a Facade has already been constructed in this process")
	}

	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	factory := opts.ClientFactory
	if factory == nil {
		factory = func() wire.Client { return wire.NewWSClient() }
	}

	f := &Facade{log: log, metrics: opts.Metrics}

	var rmMgr *rm.Manager
	f.cm = cm.New(cm.Options{
		Factory:         factory,
		ConsumerCounter: func(serverID string) int { return rmMgr.Count(serverID) },
		OnTransition:    f.handleTransition,
		OnClientEvent:   f.handleClientEvent,
		Logger:          log,
		Metrics:         opts.Metrics,
	})
	rmMgr = rm.New(f.cm)
	f.rm = rmMgr

	f.om = om.New(f.cm, f.rm, log, opts.Metrics)
	f.nr = nr.New(f.om, f.rm, f.cm.StoredConfig, opts.DedupCacheSize, log, opts.Metrics)

	return f, nil
}

// handleTransition is cm.Options.OnTransition: it runs synchronously on
// every CM state change for a ServerId, broadcasting status and driving
// the ready/failed_permanently/disconnect orchestration from §4.5.
func (f *Facade) handleTransition(t cm.Transition) {
	status := nr.StatusFromState(t.State)
	f.nr.UpdateNodeStatus(t.ServerID, status)

	switch t.State {
	case cm.StateConnected:
		f.rm.HandleConnectionSuccess(t.ServerID)
		f.nr.ExecuteRecoveryCallbacks(t.ServerID)
		if cfg, ok := f.cm.StoredConfig(t.ServerID); ok {
			f.om.Drain(t.ServerID, cfg)
		}
		f.cm.SetRecoveryInProgress(t.ServerID, false)
		go f.scheduleResubscribe(t.ServerID)

	case cm.StateAuthFailed:
		f.om.Clear(t.ServerID, ErrFailedPermanently)
		f.cm.SetRecoveryInProgress(t.ServerID, false)

	case cm.StateNetworkError, cm.StateRetryScheduled:
		if !f.cm.RecoveryInProgress(t.ServerID) {
			f.cm.SetRecoveryInProgress(t.ServerID, true)
			f.rm.HandleConnectionError(t.ServerID, t.Err)
		}

	case cm.StateDestroying:
		f.om.Clear(t.ServerID, cm.ErrDestroyed)
	}
}

// scheduleResubscribe implements the 50ms post-CONNECTED delay before NR
// reissues subscriptions on the new Client generation.
func (f *Facade) scheduleResubscribe(serverID string) {
	time.Sleep(resubscribeDelay)
	if f.cm.State(serverID) != cm.StateConnected {
		return
	}
	f.nr.Resubscribe(context.Background(), serverID, func() bool {
		return f.cm.State(serverID) == cm.StateConnected
	})
}

// handleClientEvent is cm.Options.OnClientEvent: CM is the sole reader of
// a Client's event channel, so every event that isn't a disconnect/error
// (which CM itself consumes) is forwarded here for NR to dispatch.
func (f *Facade) handleClientEvent(serverID string, generation uint64, ev wire.Event) {
	gen := fmt.Sprintf("%d", generation)
	switch ev.Kind {
	case wire.EventStateChange:
		f.nr.HandleStateChange(serverID, gen, ev.StateID, ev.State)
	case wire.EventObjectChange:
		f.nr.HandleObjectChange(serverID, gen, ev.ObjectID, ev.Object, ev.ObjectOp)
	case wire.EventLog:
		f.nr.HandleLog(serverID, ev.Log)
	}
}

// ensureServer hands cfg to CM.EnsureConfig: a live connection whose
// stored config hash differs from cfg's is torn down first, and if
// serverID is then IDLE, cfg is stored and a connect attempt starts in the
// background.
func (f *Facade) ensureServer(serverID string, cfg config.ServerConfig) {
	f.cm.EnsureConfig(serverID, cfg)
}
