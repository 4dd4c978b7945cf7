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

// Package backend provides the storage abstraction over the durable
// two-column key/value table that backs the settings store.
package backend

import (
	"bytes"
	"strings"
	"time"

	"context"

	"github.com/jonboulle/clockwork"
)

// Backend implements abstraction over local or remote storage backend.
// Item keys are assumed to be valid UTF8, which may be enforced by the
// various Backend implementations.
type Backend interface {
	// Create creates item if it does not exist, returns AlreadyExists
	// error otherwise.
	Create(ctx context.Context, i Item) error

	// Put puts value into backend (creates if it does not
	// exist, updates it otherwise).
	Put(ctx context.Context, i Item) error

	// Update updates value in the backend, returns NotFound error if the
	// item does not exist.
	Update(ctx context.Context, i Item) error

	// CompareAndSwap compares the existing item with expected
	// and replaces it with replaceWith if they match, returns
	// CompareFailed error otherwise.
	CompareAndSwap(ctx context.Context, expected Item, replaceWith Item) error

	// Get returns a single item or NotFound error.
	Get(ctx context.Context, key []byte) (*Item, error)

	// GetRange returns items in the [startKey, endKey] range, up to limit.
	GetRange(ctx context.Context, startKey []byte, endKey []byte, limit int) (*GetResult, error)

	// Delete deletes item by key, returns NotFound error
	// if item does not exist.
	Delete(ctx context.Context, key []byte) error

	// DeleteRange deletes range of items with keys between startKey and endKey.
	DeleteRange(ctx context.Context, startKey, endKey []byte) error

	// AtomicWrite applies the conditional actions in one transaction:
	// either all conditions hold and all actions are applied, or
	// ErrConditionFailed is returned and nothing is changed.
	AtomicWrite(ctx context.Context, condacts []ConditionalAction) error

	// Close closes backend and all associated resources.
	Close() error

	// Clock returns clock used by this backend.
	Clock() clockwork.Clock
}

// Item is a key value item.
type Item struct {
	// Key is a key of the key value item.
	Key []byte
	// Value is a value of the key value item. A nil value is a valid
	// stored value, distinct from a missing row.
	Value []byte
	// Expires is an optional record expiry time, used by lock records.
	Expires time.Time
}

// GetResult provides the result of GetRange request.
type GetResult struct {
	// Items is an ordered list of items.
	Items []Item
}

// NoLimit specifies no limits.
const NoLimit = 0

// Separator is used as a separator between key parts.
const Separator = '/'

// Key joins parts into a path separated by Separator,
// making sure the path always starts with Separator ("/").
func Key(parts ...string) []byte {
	return []byte(strings.Join(append([]string{""}, parts...), string(Separator)))
}

// RangeEnd returns end of the range for given key.
func RangeEnd(key []byte) []byte {
	end := make([]byte, len(key))
	copy(end, key)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i] = end[i] + 1
			end = end[:i+1]
			return end
		}
	}
	// next key does not exist (e.g., 0xffff)
	return noEnd
}

var noEnd = []byte{0}

// Items is a sortable list of backend items.
type Items []Item

// Len is part of sort.Interface.
func (it Items) Len() int {
	return len(it)
}

// Swap is part of sort.Interface.
func (it Items) Swap(i, j int) {
	it[i], it[j] = it[j], it[i]
}

// Less is part of sort.Interface.
func (it Items) Less(i, j int) bool {
	return bytes.Compare(it[i].Key, it[j].Key) < 0
}

// Config is used for the 'storage' config section. It's a combination of
// values for the various backends: 'lite', 'memory' and 'postgres'.
type Config struct {
	// Type is the backend type.
	Type string `yaml:"type,omitempty"`

	// Params is a generic key/value property bag which allows arbitrary
	// values to be passed to the backend.
	Params Params `yaml:",inline"`
}

// Params type defines a flexible unified back-end configuration API.
// It is just a map of key/value pairs populated from the 'storage'
// section of the YAML config.
type Params map[string]interface{}

// GetString returns a string value stored in Params map, or an empty string
// if nothing is found.
func (p Params) GetString(key string) string {
	v, ok := p[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
