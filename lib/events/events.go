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

// Package events defines the audit records emitted on setting mutations
// and the sink interface they are delivered to.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/siteconf/siteconf"
)

const (
	// SettingChangeEvent is emitted when a site-wide setting value changes.
	SettingChangeEvent = "setting.change"

	// EventID is a unique event identifier.
	EventID = "uid"
	// EventTime is event time.
	EventTime = "time"
	// EventActor is the identity the mutation is attributed to.
	EventActor = "actor"
	// EventSetting is the affected setting name.
	EventSetting = "setting"
)

// AuditRecord captures one setting mutation. Values are redacted by the
// caller according to the setting's sensitivity and audit policy before the
// record is created; a record is never mutated after emission.
type AuditRecord struct {
	// ID is a unique record identifier.
	ID string
	// Type is the event type, currently always SettingChangeEvent.
	Type string
	// Time is the mutation time.
	Time time.Time
	// Actor is the identity the mutation is attributed to.
	Actor string
	// Setting is the affected setting name.
	Setting string
	// Previous is the redacted previous value, empty if none was captured.
	Previous string
	// New is the redacted new value, empty if none was captured.
	New string
}

// NewAuditRecord creates a setting change record stamped with a fresh ID.
func NewAuditRecord(now time.Time, actor, setting, previous, newValue string) AuditRecord {
	return AuditRecord{
		ID:       uuid.NewString(),
		Type:     SettingChangeEvent,
		Time:     now,
		Actor:    actor,
		Setting:  setting,
		Previous: previous,
		New:      newValue,
	}
}

// Emitter delivers audit records to an external sink.
type Emitter interface {
	// EmitAuditRecord emits one audit record. Emission failures are
	// reported to the caller but must not undo the mutation they describe.
	EmitAuditRecord(ctx context.Context, record AuditRecord) error
}

// NewDiscardEmitter returns an emitter that drops all records.
func NewDiscardEmitter() *DiscardEmitter {
	return &DiscardEmitter{}
}

// DiscardEmitter drops all records.
type DiscardEmitter struct{}

// EmitAuditRecord implements Emitter.
func (*DiscardEmitter) EmitAuditRecord(ctx context.Context, record AuditRecord) error {
	return nil
}

// NewLogEmitter returns an emitter that writes records to the default
// structured log.
func NewLogEmitter() *LogEmitter {
	return &LogEmitter{
		logger: slog.With(siteconf.ComponentKey, siteconf.ComponentAudit),
	}
}

// LogEmitter writes records to the structured log.
type LogEmitter struct {
	logger *slog.Logger
}

// EmitAuditRecord implements Emitter.
func (e *LogEmitter) EmitAuditRecord(ctx context.Context, record AuditRecord) error {
	e.logger.InfoContext(ctx, record.Type,
		EventID, record.ID,
		EventTime, record.Time,
		EventActor, record.Actor,
		EventSetting, record.Setting,
		"previous", record.Previous,
		"new", record.New,
	)
	return nil
}

// NewMemoryEmitter returns an emitter that retains records in memory,
// used in tests.
func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{}
}

// MemoryEmitter retains emitted records in memory.
type MemoryEmitter struct {
	mu      sync.Mutex
	records []AuditRecord
}

// EmitAuditRecord implements Emitter.
func (e *MemoryEmitter) EmitAuditRecord(ctx context.Context, record AuditRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, record)
	return nil
}

// Records returns a copy of the emitted records in emission order.
func (e *MemoryEmitter) Records() []AuditRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AuditRecord, len(e.records))
	copy(out, e.records)
	return out
}

// Reset drops all retained records.
func (e *MemoryEmitter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = nil
}
