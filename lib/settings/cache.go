/*
Copyright 2024 Siteconf Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package settings

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/siteconf/siteconf"
	"github.com/siteconf/siteconf/lib/backend"
	"github.com/siteconf/siteconf/lib/defaults"
)

const siteWidePrefix = "settings"

func settingKey(name string) []byte {
	return backend.Key(siteWidePrefix, name)
}

func versionKey() []byte {
	return backend.Key(siteWidePrefix, defaults.SettingsVersionKey)
}

// snapshot is one immutable view of all site-wide raw values plus the
// version token it was loaded at. Values may still be encrypted; decryption
// happens at access time.
type snapshot struct {
	values map[string]string
	token  int64
}

// cache maintains the current snapshot. Readers are lock-free against the
// snapshot pointer; reloads are serialized, and a reader that finds a reload
// in progress falls back to a direct durable read for its one key instead of
// blocking.
type cache struct {
	bk     backend.Backend
	clock  clockwork.Clock
	logger *slog.Logger

	snap      atomic.Pointer[snapshot]
	lastProbe atomic.Int64 // unix nanos of the last staleness probe
	reloadMu  sync.Mutex
}

func newCache(bk backend.Backend, clock clockwork.Clock) *cache {
	return &cache{
		bk:     bk,
		clock:  clock,
		logger: slog.With(siteconf.ComponentKey, siteconf.ComponentCache),
	}
}

// get returns the raw stored value for a setting. Empty stored values are
// reported as absent.
func (c *cache) get(ctx context.Context, name string) (string, bool, error) {
	snap := c.snap.Load()
	if snap == nil {
		// cold start: whichever reader gets the reload lock loads the
		// snapshot, everybody else reads through
		if !c.reloadMu.TryLock() {
			return c.readThrough(ctx, name)
		}
		defer c.reloadMu.Unlock()
		fresh, err := c.reloadLocked(ctx)
		if err != nil {
			return "", false, trace.Wrap(err)
		}
		return valueFrom(fresh, name)
	}

	if c.shouldProbe() {
		stored, err := c.storedToken(ctx)
		switch {
		case err != nil:
			// serve the current snapshot; the next probe retries
			c.logger.WarnContext(ctx, "Staleness probe failed, serving cached settings.", "error", err)
		case stored != snap.token:
			if !c.reloadMu.TryLock() {
				return c.readThrough(ctx, name)
			}
			fresh, err := c.reloadLocked(ctx)
			c.reloadMu.Unlock()
			if err != nil {
				return "", false, trace.Wrap(err)
			}
			return valueFrom(fresh, name)
		}
	}
	return valueFrom(snap, name)
}

// has reports whether a row exists for the setting in the current snapshot,
// regardless of the stored value. Used by the write path for its
// insert-or-update decision, always after a forced reload.
func (c *cache) has(name string) bool {
	snap := c.snap.Load()
	if snap == nil {
		return false
	}
	_, ok := snap.values[name]
	return ok
}

// token returns the version token of the current snapshot.
func (c *cache) token() int64 {
	snap := c.snap.Load()
	if snap == nil {
		return 0
	}
	return snap.token
}

// forceReload synchronously replaces the snapshot with the durable state.
func (c *cache) forceReload(ctx context.Context) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()
	_, err := c.reloadLocked(ctx)
	return trace.Wrap(err)
}

// updateOne applies a single committed row change to the snapshot without a
// full reload. present=false removes the entry.
func (c *cache) updateOne(name, value string, present bool) {
	snap := c.snap.Load()
	if snap == nil {
		return
	}
	next := &snapshot{values: make(map[string]string, len(snap.values)+1), token: snap.token}
	for k, v := range snap.values {
		next.values[k] = v
	}
	if present {
		next.values[name] = value
	} else {
		delete(next.values, name)
	}
	c.snap.Store(next)
}

// bump advances the version token in durable storage and in the snapshot so
// other processes detect staleness. Last write wins across processes; the
// mandatory reload-before-write keeps the race window small.
func (c *cache) bump(ctx context.Context) error {
	next := c.token() + 1
	err := c.bk.Put(ctx, backend.Item{
		Key:   versionKey(),
		Value: []byte(strconv.FormatInt(next, 10)),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	snap := c.snap.Load()
	if snap != nil {
		c.snap.Store(&snapshot{values: snap.values, token: next})
	}
	return nil
}

// values returns a copy of the current snapshot's raw value map.
func (c *cache) values() map[string]string {
	snap := c.snap.Load()
	if snap == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(snap.values))
	for k, v := range snap.values {
		out[k] = v
	}
	return out
}

// invalidate drops the snapshot entirely, forcing the next reader to reload.
func (c *cache) invalidate() {
	c.snap.Store(nil)
}

// readThrough reads one key directly from durable storage, used while a
// reload is in progress.
func (c *cache) readThrough(ctx context.Context, name string) (string, bool, error) {
	item, err := c.bk.Get(ctx, settingKey(name))
	if err != nil {
		if trace.IsNotFound(err) {
			return "", false, nil
		}
		return "", false, trace.Wrap(err)
	}
	if len(item.Value) == 0 {
		return "", false, nil
	}
	return string(item.Value), true, nil
}

// reloadLocked loads all site-wide rows and the version token. Callers hold
// reloadMu.
func (c *cache) reloadLocked(ctx context.Context) (*snapshot, error) {
	startKey := backend.Key(siteWidePrefix)
	result, err := c.bk.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	fresh := &snapshot{values: make(map[string]string, len(result.Items))}
	prefix := string(backend.Key(siteWidePrefix)) + string(backend.Separator)
	for _, item := range result.Items {
		name := strings.TrimPrefix(string(item.Key), prefix)
		if name == defaults.SettingsVersionKey {
			token, err := strconv.ParseInt(string(item.Value), 10, 64)
			if err != nil {
				c.logger.WarnContext(ctx, "Malformed settings version token.", "value", string(item.Value))
				continue
			}
			fresh.token = token
			continue
		}
		fresh.values[name] = string(item.Value)
	}
	c.snap.Store(fresh)
	c.lastProbe.Store(c.clock.Now().UnixNano())
	return fresh, nil
}

// storedToken reads the durable version token, zero if none is stored.
func (c *cache) storedToken(ctx context.Context) (int64, error) {
	item, err := c.bk.Get(ctx, versionKey())
	if err != nil {
		if trace.IsNotFound(err) {
			return 0, nil
		}
		return 0, trace.Wrap(err)
	}
	token, err := strconv.ParseInt(string(item.Value), 10, 64)
	if err != nil {
		return 0, trace.BadParameter("malformed settings version token %q", string(item.Value))
	}
	return token, nil
}

// shouldProbe rate-limits staleness probes to one per check interval.
func (c *cache) shouldProbe() bool {
	now := c.clock.Now().UnixNano()
	last := c.lastProbe.Load()
	if now-last < int64(defaults.CacheCheckInterval) {
		return false
	}
	return c.lastProbe.CompareAndSwap(last, now)
}

func valueFrom(snap *snapshot, name string) (string, bool, error) {
	v, ok := snap.values[name]
	if !ok || v == "" {
		return "", false, nil
	}
	return v, true, nil
}
