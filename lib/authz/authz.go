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

// Package authz computes read and write permission sets over setting
// visibility levels from a requester's role.
package authz

import "github.com/gravitational/trace"

// Visibility is an ordered audience gate on setting access. Each level
// includes the audiences of the levels below it.
type Visibility int

const (
	// VisibilityPublic settings are readable without authentication.
	VisibilityPublic Visibility = iota
	// VisibilityAuthenticated settings are readable by any signed-in user.
	VisibilityAuthenticated
	// VisibilitySettingsManager settings are readable by users granted
	// settings management.
	VisibilitySettingsManager
	// VisibilityAdmin settings are readable by superusers only.
	VisibilityAdmin
	// VisibilityInternal settings are never readable or writable through
	// the access gate; only trusted internal callers reach them.
	VisibilityInternal
)

var visibilityNames = map[Visibility]string{
	VisibilityPublic:          "public",
	VisibilityAuthenticated:   "authenticated",
	VisibilitySettingsManager: "settings-manager",
	VisibilityAdmin:           "admin",
	VisibilityInternal:        "internal",
}

// String returns the visibility name.
func (v Visibility) String() string {
	if name, ok := visibilityNames[v]; ok {
		return name
	}
	return "unknown"
}

// ParseVisibility parses a visibility name.
func ParseVisibility(name string) (Visibility, error) {
	for v, n := range visibilityNames {
		if n == name {
			return v, nil
		}
	}
	return 0, trace.BadParameter("unknown visibility %q", name)
}

// Requester describes the party attempting a settings operation.
// The zero value is an anonymous requester.
type Requester struct {
	// Identity names the requester for audit attribution.
	Identity string
	// Authenticated is true for any signed-in user.
	Authenticated bool
	// SettingsManager is true for users granted settings management.
	SettingsManager bool
	// Superuser is true for site administrators.
	Superuser bool
}

// MaxReadableVisibility returns the highest visibility level the requester
// may read. Internal is never included.
func (r Requester) MaxReadableVisibility() Visibility {
	switch {
	case r.Superuser:
		return VisibilityAdmin
	case r.SettingsManager:
		return VisibilitySettingsManager
	case r.Authenticated:
		return VisibilityAuthenticated
	default:
		return VisibilityPublic
	}
}

// CanRead reports whether the requester may read a setting with the given
// visibility.
func (r Requester) CanRead(v Visibility) bool {
	if v == VisibilityInternal {
		return false
	}
	return v <= r.MaxReadableVisibility()
}

// CanWrite reports whether the requester may write a setting with the given
// visibility. The writable set mirrors the readable set, except that any
// authenticated user may perform a write that lands in their own user-local
// override map: such a write cannot affect the site-wide value or other
// users. userLocal must describe where the write actually lands, not merely
// whether the definition permits user-local values; a write that falls
// through to the site-wide scope gets no carve-out.
func (r Requester) CanWrite(v Visibility, userLocal bool) bool {
	if v == VisibilityInternal {
		return false
	}
	if r.Authenticated && userLocal {
		return true
	}
	return v <= r.MaxReadableVisibility()
}
