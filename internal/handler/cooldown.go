/*
 *    Copyright 2025 blockarchitech
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *        http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package handler

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// RefreshCooldown remembers when each "{userId}:{questId}" key was last accepted.
// State is process-local and lost on restart.
type RefreshCooldown struct {
	window time.Duration
	cache  *ttlcache.Cache[string, time.Time]
	mu     sync.Mutex
	now    func() time.Time
}

// NewRefreshCooldown creates a cooldown with the given window. Stop must be called to release the janitor.
func NewRefreshCooldown(window time.Duration) *RefreshCooldown {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, time.Time](window),
		ttlcache.WithDisableTouchOnHit[string, time.Time](),
	)
	go cache.Start()

	return &RefreshCooldown{
		window: window,
		cache:  cache,
		now:    time.Now,
	}
}

// Allow accepts key when its window has elapsed and records the acceptance.
// When rejected it reports how long the caller has to wait.
func (r *RefreshCooldown) Allow(key string) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if item := r.cache.Get(key); item != nil {
		if elapsed := now.Sub(item.Value()); elapsed < r.window {
			return false, r.window - elapsed
		}
	}
	r.cache.Set(key, now, ttlcache.DefaultTTL)
	return true, 0
}

func (r *RefreshCooldown) Stop() {
	r.cache.Stop()
}
