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

import "github.com/siteconf/siteconf/lib/authz"

// ScopedContext carries the per-request bindings that influence value
// resolution and mutation: who is asking, and which user-local and
// database-local override maps (if any) are bound. Contexts are created per
// request or execution scope, threaded explicitly through every call, and
// discarded at scope exit; they must never be shared between unrelated
// requests.
//
// Override map entries hold raw string values. An empty or missing entry is
// absent, never a tombstone masking the site-wide value.
type ScopedContext struct {
	// Requester identifies the acting party for access control and audit
	// attribution. The zero value is anonymous.
	Requester authz.Requester

	// UserID is the acting user whose override map is bound, empty if no
	// user-local map is bound.
	UserID string
	// UserSettings is the acting user's raw override map, nil if unbound.
	UserSettings map[string]string

	// DatabaseID is the managed resource whose override map is bound,
	// empty if no database-local map is bound.
	DatabaseID string
	// DatabaseSettings is the resource's raw override map, nil if unbound.
	DatabaseSettings map[string]string

	// SuppressAccessChecks disables visibility checks for trusted
	// internal callers.
	SuppressAccessChecks bool

	// NoCache forces reads within this scope to bypass the snapshot cache.
	NoCache bool
}

// Internal returns a context for trusted internal callers: access checks
// suppressed, no scope bindings.
func Internal() *ScopedContext {
	return &ScopedContext{SuppressAccessChecks: true}
}

// userBound reports whether a user-local override map is usable.
func (c *ScopedContext) userBound() bool {
	return c != nil && c.UserID != "" && c.UserSettings != nil
}

// databaseBound reports whether a database-local override map is usable.
func (c *ScopedContext) databaseBound() bool {
	return c != nil && c.DatabaseID != "" && c.DatabaseSettings != nil
}

// lookup returns a raw value from an override map, treating empty values
// as absent.
func lookup(m map[string]string, name string) (string, bool) {
	v, ok := m[name]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
