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

package backend

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/siteconf/siteconf/lib/defaults"
)

const locksPrefix = ".locks"

func lockKey(parts ...string) []byte {
	return Key(append([]string{locksPrefix}, parts...)...)
}

// Lock is a held backend lock. It is valid until its TTL expires or it is
// released, whichever comes first.
type Lock struct {
	key []byte
	id  []byte
	ttl time.Duration
}

func randomID() ([]byte, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	bytes := [16]byte(id)
	return bytes[:], nil
}

// AcquireLock grabs a lock that will be released automatically in TTL.
// Waiting is bounded by the supplied context: callers that need a wait
// budget pass a context with a deadline and receive ctx.Err() wrapped as
// a LimitExceeded error when the budget runs out.
func AcquireLock(ctx context.Context, bk Backend, lockName string, ttl time.Duration) (Lock, error) {
	if lockName == "" {
		return Lock{}, trace.BadParameter("missing parameter lock name")
	}
	key := lockKey(lockName)
	id, err := randomID()
	if err != nil {
		return Lock{}, trace.Wrap(err)
	}
	for {
		// Create is atomic across processes sharing the backend.
		err = bk.Create(ctx, Item{Key: key, Value: id, Expires: bk.Clock().Now().UTC().Add(ttl)})
		if err == nil {
			return Lock{key: key, id: id, ttl: ttl}, nil
		}
		if !trace.IsAlreadyExists(err) {
			return Lock{}, trace.Wrap(err)
		}
		// locked? wait and repeat:
		select {
		case <-bk.Clock().After(defaults.BackendLockPollInterval):
		case <-ctx.Done():
			return Lock{}, trace.LimitExceeded("timed out waiting for lock %q: %v", lockName, ctx.Err())
		}
	}
}

// Release forces lock release.
func (l *Lock) Release(ctx context.Context, bk Backend) error {
	prev, err := bk.Get(ctx, l.key)
	if err != nil {
		if trace.IsNotFound(err) {
			return trace.CompareFailed("cannot release lock %s (expired)", l.id)
		}
		return trace.Wrap(err)
	}
	if !bytes.Equal(prev.Value, l.id) {
		return trace.CompareFailed("cannot release lock %s (ownership changed)", l.id)
	}
	if err := bk.Delete(ctx, l.key); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// resetTTL resets the TTL on a held lock.
func (l *Lock) resetTTL(ctx context.Context, bk Backend) error {
	prev, err := bk.Get(ctx, l.key)
	if err != nil {
		if trace.IsNotFound(err) {
			return trace.CompareFailed("cannot refresh lock %s (expired)", l.id)
		}
		return trace.Wrap(err)
	}
	if !bytes.Equal(prev.Value, l.id) {
		return trace.CompareFailed("cannot refresh lock %s (ownership changed)", l.id)
	}
	next := *prev
	next.Expires = bk.Clock().Now().UTC().Add(l.ttl)
	if err := bk.CompareAndSwap(ctx, *prev, next); err != nil {
		return trace.WrapWithMessage(err, "failed to refresh lock %s (cas failed)", l.id)
	}
	return nil
}

// RunWhileLocked runs fn while the named lock is held, refreshing the lock
// TTL in the background so fn may outlive it.
func RunWhileLocked(ctx context.Context, bk Backend, lockName string, ttl time.Duration, fn func(context.Context) error) error {
	lock, err := AcquireLock(ctx, bk, lockName, ttl)
	if err != nil {
		return trace.Wrap(err)
	}

	subContext, cancel := context.WithCancel(ctx)
	stopRefresh := make(chan struct{})
	go func() {
		refreshAfter := ttl / 2
		for {
			select {
			case <-bk.Clock().After(refreshAfter):
				if err := lock.resetTTL(ctx, bk); err != nil {
					cancel()
					slog.ErrorContext(ctx, "Failed to refresh backend lock.", "lock", lockName, "error", err)
					return
				}
			case <-stopRefresh:
				return
			}
		}
	}()

	fnErr := fn(subContext)
	close(stopRefresh)
	cancel()

	if err := lock.Release(ctx, bk); err != nil {
		return trace.NewAggregate(fnErr, err)
	}
	return fnErr
}
