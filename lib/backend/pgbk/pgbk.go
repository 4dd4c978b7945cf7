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

// Package pgbk implements the backend interface on top of PostgreSQL,
// for deployments where multiple processes share the settings store.
package pgbk

import (
	"context"
	"errors"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/siteconf/siteconf/lib/backend"
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
	key bytea NOT NULL PRIMARY KEY,
	value bytea,
	expires timestamptz
);`

// Config holds postgres backend configuration.
type Config struct {
	// ConnString is a libpq-style connection string or URL.
	ConnString string `yaml:"conn_string,omitempty"`
	// Clock is an optional clock override used in tests.
	Clock clockwork.Clock `yaml:"-"`
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.ConnString == "" {
		return trace.BadParameter("missing parameter ConnString")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// New connects to the database and returns a new postgres backend.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, trace.Wrap(err)
	}
	return &Backend{cfg: cfg, pool: pool}, nil
}

// Backend is a postgres-backed implementation of backend.Backend.
type Backend struct {
	cfg  Config
	pool *pgxpool.Pool
}

// Close closes the connection pool.
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

// Clock returns the clock used by this backend.
func (b *Backend) Clock() clockwork.Clock {
	return b.cfg.Clock
}

func (b *Backend) now() time.Time {
	return b.cfg.Clock.Now().UTC()
}

// Create creates item if it does not exist.
func (b *Backend) Create(ctx context.Context, i backend.Item) error {
	if len(i.Key) == 0 {
		return trace.BadParameter("missing parameter key")
	}
	// clear any expired row first so lock acquisition can proceed
	if _, err := b.pool.Exec(ctx,
		"DELETE FROM kv WHERE key = $1 AND expires IS NOT NULL AND expires <= $2",
		i.Key, b.now()); err != nil {
		return trace.Wrap(err)
	}
	_, err := b.pool.Exec(ctx,
		"INSERT INTO kv (key, value, expires) VALUES ($1, $2, $3)",
		i.Key, i.Value, zeroNull(i.Expires))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return trace.AlreadyExists("key %q already exists", string(i.Key))
		}
		return trace.Wrap(err)
	}
	return nil
}

// Put puts value into backend (creates if it does not exist,
// updates it otherwise).
func (b *Backend) Put(ctx context.Context, i backend.Item) error {
	if len(i.Key) == 0 {
		return trace.BadParameter("missing parameter key")
	}
	_, err := b.pool.Exec(ctx,
		`INSERT INTO kv (key, value, expires) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires = EXCLUDED.expires`,
		i.Key, i.Value, zeroNull(i.Expires))
	return trace.Wrap(err)
}

// Update updates value in the backend.
func (b *Backend) Update(ctx context.Context, i backend.Item) error {
	if len(i.Key) == 0 {
		return trace.BadParameter("missing parameter key")
	}
	tag, err := b.pool.Exec(ctx,
		"UPDATE kv SET value = $2, expires = $3 WHERE key = $1 AND (expires IS NULL OR expires > $4)",
		i.Key, i.Value, zeroNull(i.Expires), b.now())
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("key %q is not found", string(i.Key))
	}
	return nil
}

// CompareAndSwap compares the existing item with expected and replaces it
// with replaceWith if they match.
func (b *Backend) CompareAndSwap(ctx context.Context, expected backend.Item, replaceWith backend.Item) error {
	if len(expected.Key) == 0 || len(replaceWith.Key) == 0 {
		return trace.BadParameter("missing parameter key")
	}
	if string(expected.Key) != string(replaceWith.Key) {
		return trace.BadParameter("expected and replaceWith keys should match")
	}
	tag, err := b.pool.Exec(ctx,
		`UPDATE kv SET value = $2, expires = $3 WHERE key = $1 AND value = $4
		 AND (expires IS NULL OR expires > $5)`,
		expected.Key, replaceWith.Value, zeroNull(replaceWith.Expires), expected.Value, b.now())
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.CompareFailed("current value does not match expected for %q", string(expected.Key))
	}
	return nil
}

// Get returns a single item or NotFound error.
func (b *Backend) Get(ctx context.Context, key []byte) (*backend.Item, error) {
	if len(key) == 0 {
		return nil, trace.BadParameter("missing parameter key")
	}
	item := backend.Item{Key: append([]byte(nil), key...)}
	var expires *time.Time
	err := b.pool.QueryRow(ctx,
		"SELECT value, expires FROM kv WHERE key = $1 AND (expires IS NULL OR expires > $2)",
		key, b.now()).Scan(&item.Value, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("key %q is not found", string(key))
		}
		return nil, trace.Wrap(err)
	}
	if expires != nil {
		item.Expires = *expires
	}
	return &item, nil
}

// GetRange returns items in the [startKey, endKey] range, up to limit.
func (b *Backend) GetRange(ctx context.Context, startKey, endKey []byte, limit int) (*backend.GetResult, error) {
	if len(startKey) == 0 || len(endKey) == 0 {
		return nil, trace.BadParameter("missing parameter startKey or endKey")
	}
	q := `SELECT key, value, expires FROM kv WHERE key >= $1 AND key <= $2
	      AND (expires IS NULL OR expires > $3) ORDER BY key`
	args := []interface{}{startKey, endKey, b.now()}
	if limit != backend.NoLimit {
		q += " LIMIT $4"
		args = append(args, limit)
	}
	rows, err := b.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var res backend.GetResult
	for rows.Next() {
		var item backend.Item
		var expires *time.Time
		if err := rows.Scan(&item.Key, &item.Value, &expires); err != nil {
			return nil, trace.Wrap(err)
		}
		if expires != nil {
			item.Expires = *expires
		}
		res.Items = append(res.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &res, nil
}

// Delete deletes item by key, returns NotFound error if the item
// does not exist.
func (b *Backend) Delete(ctx context.Context, key []byte) error {
	if len(key) == 0 {
		return trace.BadParameter("missing parameter key")
	}
	tag, err := b.pool.Exec(ctx, "DELETE FROM kv WHERE key = $1", key)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("key %q is not found", string(key))
	}
	return nil
}

// DeleteRange deletes range of items with keys between startKey and endKey.
func (b *Backend) DeleteRange(ctx context.Context, startKey, endKey []byte) error {
	if len(startKey) == 0 || len(endKey) == 0 {
		return trace.BadParameter("missing parameter startKey or endKey")
	}
	_, err := b.pool.Exec(ctx, "DELETE FROM kv WHERE key >= $1 AND key <= $2", startKey, endKey)
	return trace.Wrap(err)
}

// AtomicWrite applies the conditional actions in one serializable
// transaction.
func (b *Backend) AtomicWrite(ctx context.Context, condacts []backend.ConditionalAction) error {
	if err := backend.ValidateAtomicWrite(condacts); err != nil {
		return trace.Wrap(err)
	}
	err := pgx.BeginTxFunc(ctx, b.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		for _, ca := range condacts {
			var exists bool
			err := tx.QueryRow(ctx,
				"SELECT EXISTS (SELECT 1 FROM kv WHERE key = $1 AND (expires IS NULL OR expires > $2))",
				ca.Key, b.now()).Scan(&exists)
			if err != nil {
				return trace.Wrap(err)
			}
			switch ca.Condition.Kind {
			case backend.KindWhatever:
			case backend.KindExists:
				if !exists {
					return trace.Wrap(backend.ErrConditionFailed)
				}
			case backend.KindNotExists:
				if exists {
					return trace.Wrap(backend.ErrConditionFailed)
				}
			default:
				return trace.BadParameter("unexpected condition kind %v", ca.Condition.Kind)
			}
		}
		for _, ca := range condacts {
			switch ca.Action.Kind {
			case backend.KindNop:
			case backend.KindPut:
				if _, err := tx.Exec(ctx,
					`INSERT INTO kv (key, value, expires) VALUES ($1, $2, $3)
					 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires = EXCLUDED.expires`,
					ca.Key, ca.Action.Item.Value, zeroNull(ca.Action.Item.Expires)); err != nil {
					return trace.Wrap(err)
				}
			case backend.KindDelete:
				if _, err := tx.Exec(ctx, "DELETE FROM kv WHERE key = $1", ca.Key); err != nil {
					return trace.Wrap(err)
				}
			default:
				return trace.BadParameter("unexpected action kind %v", ca.Action.Kind)
			}
		}
		return nil
	})
	return trace.Wrap(err)
}

func zeroNull(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}
