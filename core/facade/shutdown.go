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

package facade

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"
)

// enter admits one in-flight operation, rejecting it with ErrShuttingDown
// once Shutdown has begun. Every façade entry point that touches cm/om/nr
// calls this first and defers leave on success.
func (f *Facade) enter() error {
	if atomic.LoadInt32(&f.shuttingDown) != 0 {
		return ErrShuttingDown
	}
	f.inFlight.Add(1)
	return nil
}

func (f *Facade) leave() {
	f.inFlight.Done()
}

// Shutdown implements §4.5's ordering: stop admitting new operations and
// registrations immediately, let whatever is already in flight drain for
// up to grace, then force-close every ServerId's connection and cancel
// its retry timers regardless of what was still draining.
func (f *Facade) Shutdown(grace time.Duration) {
	if !atomic.CompareAndSwapInt32(&f.shuttingDown, 0, 1) {
		return
	}
	f.log.Infof("facade: shutdown requested, draining up to %s", grace)

	drained := make(chan struct{})
	go func() {
		f.inFlight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		f.log.Infof("facade: drained cleanly")
	case <-time.After(grace):
		f.log.Warnf("facade: grace period elapsed with operations still in flight")
	}

	f.cm.CloseAll()
	f.log.Infof("facade: shutdown complete")
}

// RunUntilSignal blocks until SIGINT, SIGTERM, or ctx is cancelled, then
// calls Shutdown with grace and returns. It also guards the call with the
// process's one uncaught-failure handler: a panic during the blocked
// wait is logged and turned into a best-effort Shutdown before the panic
// is allowed to continue unwinding, so a crash still leaves connections
// torn down rather than orphaned.
func (f *Facade) RunUntilSignal(ctx context.Context, grace time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Errorf("facade: uncaught failure, best-effort shutdown: %v", r)
			f.Shutdown(grace)
			panic(r)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		f.log.Infof("facade: received %s", sig)
	case <-ctx.Done():
	}

	f.Shutdown(grace)
}
