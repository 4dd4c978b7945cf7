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

// Package lite implements the backend interface on top of a sqlite
// database. It is the default durable store for single-node deployments.
package lite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/siteconf/siteconf/lib/backend"
)

const (
	// defaultDBFile is the file name of the sqlite database.
	defaultDBFile = "siteconf.db"
	// busyTimeout is the internal sqlite busy timeout.
	busyTimeout = 10 * time.Second

	schema = `CREATE TABLE IF NOT EXISTS kv (
   key TEXT NOT NULL PRIMARY KEY,
   value BLOB,
   expires DATETIME
);`
)

// Config structure represents configuration section.
type Config struct {
	// Path is a path to the database directory.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	// Memory turns on a purely in-memory database.
	Memory bool `json:"memory,omitempty" yaml:"memory,omitempty"`
	// Clock is an optional clock override used in tests.
	Clock clockwork.Clock `json:"-" yaml:"-"`
}

// CheckAndSetDefaults is a function that sets default values and
// checks validity of the config.
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.Path == "" && !cfg.Memory {
		return trace.BadParameter("specify directory path to the database using Path field")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// connectionURI returns the sqlite connection string for the config.
func (cfg *Config) connectionURI() string {
	if cfg.Memory {
		return "file::memory:?mode=memory&cache=shared"
	}
	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprintf("%d", busyTimeout/time.Millisecond))
	u := url.URL{
		Scheme:   "file",
		Opaque:   url.QueryEscape(filepath.Join(cfg.Path, defaultDBFile)),
		RawQuery: params.Encode(),
	}
	return u.String()
}

// New returns a new instance of the sqlite backend.
func New(cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := sql.Open("sqlite3", cfg.connectionURI())
	if err != nil {
		return nil, trace.Wrap(err, "failed to open sqlite database")
	}
	// serialize access to in-process sqlite to avoid SQLITE_BUSY churn
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Backend{cfg: cfg, db: db}, nil
}

// NewMemory returns a fresh in-memory sqlite backend, used in tests.
func NewMemory() (*Backend, error) {
	return New(Config{Memory: true})
}

// Backend uses a sqlite database to implement the backend interface.
type Backend struct {
	cfg Config
	db  *sql.DB
}

// Close closes the database.
func (l *Backend) Close() error {
	return trace.Wrap(l.db.Close())
}

// Clock returns the clock used by this backend.
func (l *Backend) Clock() clockwork.Clock {
	return l.cfg.Clock
}

// Create creates item if it does not exist.
func (l *Backend) Create(ctx context.Context, i backend.Item) error {
	if len(i.Key) == 0 {
		return trace.BadParameter("missing parameter key")
	}
	return l.inTransaction(ctx, func(tx *sql.Tx) error {
		if err := l.expireLocked(ctx, tx, i.Key); err != nil {
			return trace.Wrap(err)
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO kv (key, value, expires) VALUES (?, ?, ?)",
			string(i.Key), i.Value, expiresValue(i.Expires))
		if err != nil {
			var sqlErr sqlite3.Error
			if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
				return trace.AlreadyExists("key %q already exists", string(i.Key))
			}
			return trace.Wrap(err)
		}
		return nil
	})
}

// Put puts value into backend (creates if it does not exist,
// updates it otherwise).
func (l *Backend) Put(ctx context.Context, i backend.Item) error {
	if len(i.Key) == 0 {
		return trace.BadParameter("missing parameter key")
	}
	return l.inTransaction(ctx, func(tx *sql.Tx) error {
		return l.putInTransaction(ctx, tx, i)
	})
}

// Update updates value in the backend.
func (l *Backend) Update(ctx context.Context, i backend.Item) error {
	if len(i.Key) == 0 {
		return trace.BadParameter("missing parameter key")
	}
	return l.inTransaction(ctx, func(tx *sql.Tx) error {
		var item backend.Item
		if err := l.getInTransaction(ctx, i.Key, tx, &item); err != nil {
			return trace.Wrap(err)
		}
		return l.putInTransaction(ctx, tx, i)
	})
}

// CompareAndSwap compares the existing item with expected and replaces it
// with replaceWith if they match.
func (l *Backend) CompareAndSwap(ctx context.Context, expected backend.Item, replaceWith backend.Item) error {
	if len(expected.Key) == 0 || len(replaceWith.Key) == 0 {
		return trace.BadParameter("missing parameter key")
	}
	if string(expected.Key) != string(replaceWith.Key) {
		return trace.BadParameter("expected and replaceWith keys should match")
	}
	return l.inTransaction(ctx, func(tx *sql.Tx) error {
		var item backend.Item
		if err := l.getInTransaction(ctx, expected.Key, tx, &item); err != nil {
			if trace.IsNotFound(err) {
				return trace.CompareFailed("key %q is not found", string(expected.Key))
			}
			return trace.Wrap(err)
		}
		if string(item.Value) != string(expected.Value) {
			return trace.CompareFailed("current value does not match expected for %q", string(expected.Key))
		}
		return l.putInTransaction(ctx, tx, replaceWith)
	})
}

// Get returns a single item or NotFound error.
func (l *Backend) Get(ctx context.Context, key []byte) (*backend.Item, error) {
	if len(key) == 0 {
		return nil, trace.BadParameter("missing parameter key")
	}
	var item backend.Item
	err := l.inTransaction(ctx, func(tx *sql.Tx) error {
		if err := l.expireLocked(ctx, tx, key); err != nil {
			return trace.Wrap(err)
		}
		return l.getInTransaction(ctx, key, tx, &item)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &item, nil
}

// GetRange returns items in the [startKey, endKey] range, up to limit.
func (l *Backend) GetRange(ctx context.Context, startKey, endKey []byte, limit int) (*backend.GetResult, error) {
	if len(startKey) == 0 || len(endKey) == 0 {
		return nil, trace.BadParameter("missing parameter startKey or endKey")
	}
	var res backend.GetResult
	err := l.inTransaction(ctx, func(tx *sql.Tx) error {
		q := "SELECT key, value, expires FROM kv WHERE key >= ? AND key <= ? AND (expires IS NULL OR expires > ?) ORDER BY key"
		args := []interface{}{string(startKey), string(endKey), l.cfg.Clock.Now().UTC()}
		if limit != backend.NoLimit {
			q += " LIMIT ?"
			args = append(args, limit)
		}
		rows, err := tx.QueryContext(ctx, q, args...)
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		for rows.Next() {
			var item backend.Item
			var key string
			var expires sql.NullTime
			if err := rows.Scan(&key, &item.Value, &expires); err != nil {
				return trace.Wrap(err)
			}
			item.Key = []byte(key)
			if expires.Valid {
				item.Expires = expires.Time
			}
			res.Items = append(res.Items, item)
		}
		return trace.Wrap(rows.Err())
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &res, nil
}

// Delete deletes item by key, returns NotFound error if the item
// does not exist.
func (l *Backend) Delete(ctx context.Context, key []byte) error {
	if len(key) == 0 {
		return trace.BadParameter("missing parameter key")
	}
	return l.inTransaction(ctx, func(tx *sql.Tx) error {
		return l.deleteInTransaction(ctx, key, tx)
	})
}

// DeleteRange deletes range of items with keys between startKey and endKey.
func (l *Backend) DeleteRange(ctx context.Context, startKey, endKey []byte) error {
	if len(startKey) == 0 || len(endKey) == 0 {
		return trace.BadParameter("missing parameter startKey or endKey")
	}
	return l.inTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM kv WHERE key >= ? AND key <= ?",
			string(startKey), string(endKey))
		return trace.Wrap(err)
	})
}

// AtomicWrite applies the conditional actions in one transaction.
func (l *Backend) AtomicWrite(ctx context.Context, condacts []backend.ConditionalAction) error {
	if err := backend.ValidateAtomicWrite(condacts); err != nil {
		return trace.Wrap(err)
	}
	return l.inTransaction(ctx, func(tx *sql.Tx) error {
		for _, ca := range condacts {
			switch ca.Condition.Kind {
			case backend.KindWhatever:
				// no comparison to assert
			case backend.KindExists:
				var item backend.Item
				if err := l.getInTransaction(ctx, ca.Key, tx, &item); err != nil {
					if trace.IsNotFound(err) {
						return trace.Wrap(backend.ErrConditionFailed)
					}
					return trace.Wrap(err)
				}
			case backend.KindNotExists:
				var item backend.Item
				err := l.getInTransaction(ctx, ca.Key, tx, &item)
				if !trace.IsNotFound(err) {
					if err == nil {
						return trace.Wrap(backend.ErrConditionFailed)
					}
					return trace.Wrap(err)
				}
			default:
				return trace.BadParameter("unexpected condition kind %v", ca.Condition.Kind)
			}
		}
		for _, ca := range condacts {
			switch ca.Action.Kind {
			case backend.KindNop:
			case backend.KindPut:
				item := ca.Action.Item
				item.Key = ca.Key
				if err := l.putInTransaction(ctx, tx, item); err != nil {
					return trace.Wrap(err)
				}
			case backend.KindDelete:
				if err := l.deleteInTransaction(ctx, ca.Key, tx); err != nil && !trace.IsNotFound(err) {
					return trace.Wrap(err)
				}
			default:
				return trace.BadParameter("unexpected action kind %v", ca.Action.Kind)
			}
		}
		return nil
	})
}

func (l *Backend) putInTransaction(ctx context.Context, tx *sql.Tx, i backend.Item) error {
	_, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO kv (key, value, expires) VALUES (?, ?, ?)",
		string(i.Key), i.Value, expiresValue(i.Expires))
	return trace.Wrap(err)
}

func (l *Backend) getInTransaction(ctx context.Context, key []byte, tx *sql.Tx, item *backend.Item) error {
	row := tx.QueryRowContext(ctx,
		"SELECT value, expires FROM kv WHERE key = ? AND (expires IS NULL OR expires > ?)",
		string(key), l.cfg.Clock.Now().UTC())
	var expires sql.NullTime
	if err := row.Scan(&item.Value, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return trace.NotFound("key %q is not found", string(key))
		}
		return trace.Wrap(err)
	}
	item.Key = append([]byte(nil), key...)
	if expires.Valid {
		item.Expires = expires.Time
	}
	return nil
}

func (l *Backend) deleteInTransaction(ctx context.Context, key []byte, tx *sql.Tx) error {
	res, err := tx.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", string(key))
	if err != nil {
		return trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("key %q is not found", string(key))
	}
	return nil
}

// expireLocked removes a row whose expiry has passed so Create can take
// its place. Lock records rely on this.
func (l *Backend) expireLocked(ctx context.Context, tx *sql.Tx, key []byte) error {
	_, err := tx.ExecContext(ctx,
		"DELETE FROM kv WHERE key = ? AND expires IS NOT NULL AND expires <= ?",
		string(key), l.cfg.Clock.Now().UTC())
	return trace.Wrap(err)
}

func (l *Backend) inTransaction(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = trace.Wrap(tx.Commit())
	}()
	err = fn(tx)
	return err
}

func expiresValue(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
