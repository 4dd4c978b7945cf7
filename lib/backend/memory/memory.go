/*
Copyright 2023 Siteconf Authors

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

// Package memory implements an in-process backend backed by a btree.
// It is used in tests and for single-process deployments that do not
// need durability.
package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/siteconf/siteconf/lib/backend"
)

// Config holds memory backend configuration.
type Config struct {
	// BTreeDegree is the degree of the backing btree, default is 8.
	BTreeDegree int
	// Clock is an optional clock override used in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.BTreeDegree <= 0 {
		c.BTreeDegree = 8
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// New creates a new memory backend.
func New(cfg Config) (*Memory, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Memory{
		cfg: cfg,
		tree: btree.NewG(cfg.BTreeDegree, func(a, b *btreeItem) bool {
			return bytes.Compare(a.Key, b.Key) < 0
		}),
	}, nil
}

// Memory is a btree-backed in-process backend.
type Memory struct {
	mu   sync.Mutex
	cfg  Config
	tree *btree.BTreeG[*btreeItem]
}

type btreeItem struct {
	backend.Item
}

// Close releases the resources taken up by this backend.
func (m *Memory) Close() error {
	return nil
}

// Clock returns the clock used by this backend.
func (m *Memory) Clock() clockwork.Clock {
	return m.cfg.Clock
}

// Create creates item if it does not exist.
func (m *Memory) Create(ctx context.Context, i backend.Item) error {
	if len(i.Key) == 0 {
		return trace.BadParameter("missing parameter key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeExpired()
	if _, found := m.tree.Get(&btreeItem{Item: i}); found {
		return trace.AlreadyExists("key %q already exists", string(i.Key))
	}
	m.tree.ReplaceOrInsert(&btreeItem{Item: i})
	return nil
}

// Put puts value into backend (creates if it does not exist,
// updates it otherwise).
func (m *Memory) Put(ctx context.Context, i backend.Item) error {
	if len(i.Key) == 0 {
		return trace.BadParameter("missing parameter key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeExpired()
	m.tree.ReplaceOrInsert(&btreeItem{Item: i})
	return nil
}

// Update updates item if it exists, fails with NotFound otherwise.
func (m *Memory) Update(ctx context.Context, i backend.Item) error {
	if len(i.Key) == 0 {
		return trace.BadParameter("missing parameter key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeExpired()
	if _, found := m.tree.Get(&btreeItem{Item: i}); !found {
		return trace.NotFound("key %q is not found", string(i.Key))
	}
	m.tree.ReplaceOrInsert(&btreeItem{Item: i})
	return nil
}

// CompareAndSwap compares the existing item with expected and replaces it
// with replaceWith if they match.
func (m *Memory) CompareAndSwap(ctx context.Context, expected backend.Item, replaceWith backend.Item) error {
	if len(expected.Key) == 0 || len(replaceWith.Key) == 0 {
		return trace.BadParameter("missing parameter key")
	}
	if !bytes.Equal(expected.Key, replaceWith.Key) {
		return trace.BadParameter("expected and replaceWith keys should match")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeExpired()
	existing, found := m.tree.Get(&btreeItem{Item: expected})
	if !found {
		return trace.CompareFailed("key %q is not found", string(expected.Key))
	}
	if !bytes.Equal(existing.Value, expected.Value) {
		return trace.CompareFailed("current value does not match expected for %q", string(expected.Key))
	}
	m.tree.ReplaceOrInsert(&btreeItem{Item: replaceWith})
	return nil
}

// Get returns a single item or NotFound error.
func (m *Memory) Get(ctx context.Context, key []byte) (*backend.Item, error) {
	if len(key) == 0 {
		return nil, trace.BadParameter("missing parameter key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeExpired()
	existing, found := m.tree.Get(&btreeItem{Item: backend.Item{Key: key}})
	if !found {
		return nil, trace.NotFound("key %q is not found", string(key))
	}
	item := existing.Item
	return &item, nil
}

// GetRange returns items in the [startKey, endKey] range, up to limit.
func (m *Memory) GetRange(ctx context.Context, startKey, endKey []byte, limit int) (*backend.GetResult, error) {
	if len(startKey) == 0 || len(endKey) == 0 {
		return nil, trace.BadParameter("missing parameter startKey or endKey")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeExpired()
	var res backend.GetResult
	m.tree.AscendRange(&btreeItem{Item: backend.Item{Key: startKey}}, &btreeItem{Item: backend.Item{Key: endKey}}, func(item *btreeItem) bool {
		res.Items = append(res.Items, item.Item)
		return limit == backend.NoLimit || len(res.Items) < limit
	})
	// AscendRange is exclusive of the end key; pick it up separately.
	if limit == backend.NoLimit || len(res.Items) < limit {
		if existing, found := m.tree.Get(&btreeItem{Item: backend.Item{Key: endKey}}); found {
			res.Items = append(res.Items, existing.Item)
		}
	}
	return &res, nil
}

// Delete deletes item by key, returns NotFound error if the item
// does not exist.
func (m *Memory) Delete(ctx context.Context, key []byte) error {
	if len(key) == 0 {
		return trace.BadParameter("missing parameter key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeExpired()
	if _, found := m.tree.Delete(&btreeItem{Item: backend.Item{Key: key}}); !found {
		return trace.NotFound("key %q is not found", string(key))
	}
	return nil
}

// DeleteRange deletes range of items with keys between startKey and endKey.
func (m *Memory) DeleteRange(ctx context.Context, startKey, endKey []byte) error {
	if len(startKey) == 0 || len(endKey) == 0 {
		return trace.BadParameter("missing parameter startKey or endKey")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeExpired()
	var doomed []*btreeItem
	m.tree.AscendRange(&btreeItem{Item: backend.Item{Key: startKey}}, &btreeItem{Item: backend.Item{Key: endKey}}, func(item *btreeItem) bool {
		doomed = append(doomed, item)
		return true
	})
	if existing, found := m.tree.Get(&btreeItem{Item: backend.Item{Key: endKey}}); found {
		doomed = append(doomed, existing)
	}
	for _, item := range doomed {
		m.tree.Delete(item)
	}
	return nil
}

// AtomicWrite applies the conditional actions in one critical section.
func (m *Memory) AtomicWrite(ctx context.Context, condacts []backend.ConditionalAction) error {
	if err := backend.ValidateAtomicWrite(condacts); err != nil {
		return trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeExpired()
	for i := range condacts {
		_, found := m.tree.Get(&btreeItem{Item: backend.Item{Key: condacts[i].Key}})
		switch condacts[i].Condition.Kind {
		case backend.KindWhatever:
		case backend.KindExists:
			if !found {
				return trace.Wrap(backend.ErrConditionFailed)
			}
		case backend.KindNotExists:
			if found {
				return trace.Wrap(backend.ErrConditionFailed)
			}
		default:
			return trace.BadParameter("unexpected condition kind %v", condacts[i].Condition.Kind)
		}
	}
	for i := range condacts {
		switch condacts[i].Action.Kind {
		case backend.KindNop:
		case backend.KindPut:
			item := condacts[i].Action.Item
			item.Key = condacts[i].Key
			m.tree.ReplaceOrInsert(&btreeItem{Item: item})
		case backend.KindDelete:
			m.tree.Delete(&btreeItem{Item: backend.Item{Key: condacts[i].Key}})
		default:
			return trace.BadParameter("unexpected action kind %v", condacts[i].Action.Kind)
		}
	}
	return nil
}

// removeExpired evicts expired lock records. Called with the mutex held.
func (m *Memory) removeExpired() {
	now := m.cfg.Clock.Now().UTC()
	var expired []*btreeItem
	m.tree.Ascend(func(item *btreeItem) bool {
		if !item.Expires.IsZero() && item.Expires.Before(now) {
			expired = append(expired, item)
		}
		return true
	})
	for _, item := range expired {
		m.tree.Delete(item)
	}
}
