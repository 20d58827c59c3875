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
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// dedupKey identifies one delivered state/object change for duplicate
// suppression within a Client generation.
type dedupKey string

func stateDedupKey(serverID, generation, id string, val interface{}, ts int64) dedupKey {
	return dedupKey(fmt.Sprintf("%s|%s|%s|%v|%d", serverID, generation, id, val, ts))
}

func objectDedupKey(serverID, generation, id, op string) dedupKey {
	return dedupKey(fmt.Sprintf("%s|%s|%s|%s", serverID, generation, id, op))
}

// dedup is a small bounded cache of recently delivered changes so a
// redelivered duplicate frame (same id, same value, same timestamp) in
// one Client generation is suppressed before reaching consumer callbacks.
// It does not change first-delivery ordering or semantics.
type dedup struct {
	cache *lru.Cache[dedupKey, struct{}]
}

func newDedup(size int) *dedup {
	c, _ := lru.New[dedupKey, struct{}](size)
	return &dedup{cache: c}
}

// seen reports whether key was already recorded, recording it if not.
func (d *dedup) seen(key dedupKey) bool {
	if _, ok := d.cache.Get(key); ok {
		return true
	}
	d.cache.Add(key, struct{}{})
	return false
}
