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

// Package siteconf defines process-wide constants shared across packages.
package siteconf

const (
	// ComponentKey is the log attribute key naming the emitting component.
	ComponentKey = "component"

	// ComponentBackend is the storage backend layer.
	ComponentBackend = "backend"

	// ComponentSettings is the settings registry and resolution engine.
	ComponentSettings = "settings"

	// ComponentCache is the settings value cache.
	ComponentCache = "settings:cache"

	// ComponentAudit is the audit event sink.
	ComponentAudit = "audit"

	// LiteBackendType selects the sqlite storage backend.
	LiteBackendType = "lite"

	// MemoryBackendType selects the in-memory storage backend.
	MemoryBackendType = "memory"

	// PostgresBackendType selects the postgres storage backend.
	PostgresBackendType = "postgres"

	// DebugOutputEnvVar tells tests to use verbose debug output.
	DebugOutputEnvVar = "SITECONF_DEBUG_TESTS"
)
