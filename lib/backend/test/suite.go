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

// Package test contains a backend compliance suite that is backend
// implementation independent. Each backend package runs it against its
// own implementation.
package test

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/siteconf/siteconf/lib/backend"
)

// BackendFactory creates a fresh backend for a subtest.
type BackendFactory func(t *testing.T) backend.Backend

// RunBackendComplianceSuite runs the entire backend compliance suite,
// creating a fresh backend per subtest.
func RunBackendComplianceSuite(t *testing.T, newBackend BackendFactory) {
	t.Run("CRUD", func(t *testing.T) { testCRUD(t, newBackend(t)) })
	t.Run("Range", func(t *testing.T) { testRange(t, newBackend(t)) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, newBackend(t)) })
	t.Run("Expiry", func(t *testing.T) { testExpiry(t, newBackend(t)) })
	t.Run("AtomicWrite", func(t *testing.T) { testAtomicWrite(t, newBackend(t)) })
	t.Run("Locking", func(t *testing.T) { testLocking(t, newBackend(t)) })
}

func testCRUD(t *testing.T, bk backend.Backend) {
	defer bk.Close()
	ctx := context.Background()

	key := backend.Key("crud", "one")
	_, err := bk.Get(ctx, key)
	require.True(t, trace.IsNotFound(err))

	require.NoError(t, bk.Create(ctx, backend.Item{Key: key, Value: []byte("a")}))
	err = bk.Create(ctx, backend.Item{Key: key, Value: []byte("b")})
	require.True(t, trace.IsAlreadyExists(err))

	item, err := bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), item.Value)

	require.NoError(t, bk.Put(ctx, backend.Item{Key: key, Value: []byte("b")}))
	item, err = bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), item.Value)

	require.NoError(t, bk.Update(ctx, backend.Item{Key: key, Value: []byte("c")}))
	item, err = bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("c"), item.Value)

	err = bk.Update(ctx, backend.Item{Key: backend.Key("crud", "missing"), Value: []byte("x")})
	require.True(t, trace.IsNotFound(err))

	require.NoError(t, bk.Delete(ctx, key))
	err = bk.Delete(ctx, key)
	require.True(t, trace.IsNotFound(err))
}

func testRange(t *testing.T, bk backend.Backend) {
	defer bk.Close()
	ctx := context.Background()

	prefix := backend.Key("range")
	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, bk.Put(ctx, backend.Item{Key: backend.Key("range", name), Value: []byte(name)}))
	}

	res, err := bk.GetRange(ctx, prefix, backend.RangeEnd(prefix), backend.NoLimit)
	require.NoError(t, err)
	require.Len(t, res.Items, 4)
	require.Equal(t, backend.Key("range", "a"), res.Items[0].Key)
	require.Equal(t, backend.Key("range", "d"), res.Items[3].Key)

	res, err = bk.GetRange(ctx, prefix, backend.RangeEnd(prefix), 2)
	require.NoError(t, err)
	require.Len(t, res.Items, 2)

	require.NoError(t, bk.DeleteRange(ctx, prefix, backend.RangeEnd(prefix)))
	res, err = bk.GetRange(ctx, prefix, backend.RangeEnd(prefix), backend.NoLimit)
	require.NoError(t, err)
	require.Empty(t, res.Items)
}

func testCompareAndSwap(t *testing.T, bk backend.Backend) {
	defer bk.Close()
	ctx := context.Background()

	key := backend.Key("cas", "one")
	err := bk.CompareAndSwap(ctx,
		backend.Item{Key: key, Value: []byte("a")},
		backend.Item{Key: key, Value: []byte("b")})
	require.True(t, trace.IsCompareFailed(err))

	require.NoError(t, bk.Create(ctx, backend.Item{Key: key, Value: []byte("a")}))
	err = bk.CompareAndSwap(ctx,
		backend.Item{Key: key, Value: []byte("wrong")},
		backend.Item{Key: key, Value: []byte("b")})
	require.True(t, trace.IsCompareFailed(err))

	require.NoError(t, bk.CompareAndSwap(ctx,
		backend.Item{Key: key, Value: []byte("a")},
		backend.Item{Key: key, Value: []byte("b")}))
	item, err := bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), item.Value)
}

func testExpiry(t *testing.T, bk backend.Backend) {
	defer bk.Close()
	ctx := context.Background()

	key := backend.Key("expiry", "one")
	require.NoError(t, bk.Create(ctx, backend.Item{
		Key:     key,
		Value:   []byte("a"),
		Expires: bk.Clock().Now().UTC().Add(-time.Second),
	}))

	_, err := bk.Get(ctx, key)
	require.True(t, trace.IsNotFound(err))

	// an expired row must not block Create
	require.NoError(t, bk.Create(ctx, backend.Item{Key: key, Value: []byte("b")}))
	item, err := bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), item.Value)
}

func testAtomicWrite(t *testing.T, bk backend.Backend) {
	defer bk.Close()
	ctx := context.Background()

	one := backend.Key("aw", "one")
	two := backend.Key("aw", "two")
	require.NoError(t, bk.Put(ctx, backend.Item{Key: one, Value: []byte("a")}))

	// failed condition leaves everything untouched
	err := bk.AtomicWrite(ctx, []backend.ConditionalAction{
		{Key: one, Condition: backend.Whatever(), Action: backend.Put(backend.Item{Value: []byte("changed")})},
		{Key: two, Condition: backend.Exists(), Action: backend.Put(backend.Item{Value: []byte("b")})},
	})
	require.ErrorIs(t, err, backend.ErrConditionFailed)

	item, err := bk.Get(ctx, one)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), item.Value)
	_, err = bk.Get(ctx, two)
	require.True(t, trace.IsNotFound(err))

	// successful write applies all actions
	require.NoError(t, bk.AtomicWrite(ctx, []backend.ConditionalAction{
		{Key: one, Condition: backend.Exists(), Action: backend.Delete()},
		{Key: two, Condition: backend.NotExists(), Action: backend.Put(backend.Item{Value: []byte("b")})},
	}))
	_, err = bk.Get(ctx, one)
	require.True(t, trace.IsNotFound(err))
	item, err = bk.Get(ctx, two)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), item.Value)
}

func testLocking(t *testing.T, bk backend.Backend) {
	defer bk.Close()
	ctx := context.Background()

	lock, err := backend.AcquireLock(ctx, bk, "test-lock", time.Minute)
	require.NoError(t, err)

	// a second acquisition within a short budget should time out
	shortCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = backend.AcquireLock(shortCtx, bk, "test-lock", time.Minute)
	require.True(t, trace.IsLimitExceeded(err))

	require.NoError(t, lock.Release(ctx, bk))

	// released lock can be re-acquired immediately
	lock, err = backend.AcquireLock(ctx, bk, "test-lock", time.Minute)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx, bk))
}
