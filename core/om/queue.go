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
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/flowbridge/iobroker-connector/core/wire"
)

// entry is one queued operation. Deadlines run from enqueue, not from
// dispatch, per the spec's queue semantics.
type entry struct {
	name       string
	enqueuedAt time.Time
	deadline   time.Time
	run        func(ctx context.Context, client wire.Client) (json.RawMessage, error)
	resultc    chan opResult

	mu       sync.Mutex
	resolved bool
	elem     *list.Element
	timer    *time.Timer
}

type opResult struct {
	val json.RawMessage
	err error
}

// resolve delivers res exactly once; later calls are no-ops. Used so a
// deadline firing and a drain dispatching the same entry can't both
// resolve it.
func (e *entry) resolve(res opResult) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resolved {
		return false
	}
	e.resolved = true
	e.resultc <- res
	return true
}

// queue is the per-ServerId FIFO operation queue.
type queue struct {
	mu   sync.Mutex
	list *list.List
}

func newQueue() *queue {
	return &queue{list: list.New()}
}

func (q *queue) push(e *entry, onDeadline func(*entry)) {
	q.mu.Lock()
	e.elem = q.list.PushBack(e)
	q.mu.Unlock()

	wait := time.Until(e.deadline)
	if wait < 0 {
		wait = 0
	}
	e.timer = time.AfterFunc(wait, func() {
		q.remove(e)
		onDeadline(e)
	})
}

func (q *queue) remove(e *entry) {
	q.mu.Lock()
	if e.elem != nil {
		q.list.Remove(e.elem)
		e.elem = nil
	}
	q.mu.Unlock()
}

// drain atomically swaps out the queue's contents, returning them in FIFO
// order, per the "atomic swap then staggered dispatch" semantics.
func (q *queue) drain() []*entry {
	q.mu.Lock()
	old := q.list
	q.list = list.New()
	q.mu.Unlock()

	out := make([]*entry, 0, old.Len())
	for el := old.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry))
	}
	return out
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list.Len()
}
