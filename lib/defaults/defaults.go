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

// Package defaults holds process-wide default values and limits.
package defaults

import "time"

const (
	// EnvVarPrefix is prepended to every derived setting environment
	// variable name.
	EnvVarPrefix = "SITECONF_"

	// SettingsVersionKey is the reserved durable-storage key holding the
	// monotonic version token used for cross-process staleness detection.
	// Setting names may not collide with it.
	SettingsVersionKey = "settings-last-updated"

	// CacheCheckInterval bounds how often a process probes durable storage
	// for a version token change. Between probes reads are served from the
	// in-memory snapshot.
	CacheCheckInterval = 60 * time.Second

	// InitLockTimeout bounds the wait for the one-time initializer lock.
	// Contention past this budget surfaces as an initialization timeout
	// instead of blocking the caller indefinitely.
	InitLockTimeout = 5 * time.Second

	// InitLockTTL is the TTL on the initializer lock itself, so a crashed
	// holder cannot wedge first-time reads forever.
	InitLockTTL = 30 * time.Second

	// ObfuscationMask is the fixed prefix shown in place of a sensitive
	// value. The trailing two characters of the real value are appended.
	ObfuscationMask = "**********"

	// MaxAtomicWriteSize is the maximum number of conditional actions in a
	// single atomic write.
	MaxAtomicWriteSize = 64

	// BackendLockPollInterval is how often a contended backend lock is
	// retried.
	BackendLockPollInterval = 250 * time.Millisecond
)
