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

import (
	"context"
	"strconv"

	"github.com/gravitational/trace"

	"github.com/siteconf/siteconf/lib/backend"
	"github.com/siteconf/siteconf/lib/defaults"
	"github.com/siteconf/siteconf/lib/events"
	"github.com/siteconf/siteconf/lib/secret"
)

// SetOption customizes a single mutation.
type SetOption func(*setOptions)

type setOptions struct {
	bypassReadOnly bool
}

// WithBypassReadOnly lets trusted migration and repair code write settings
// whose setter is disabled.
func WithBypassReadOnly() SetOption {
	return func(o *setOptions) { o.bypassReadOnly = true }
}

// Set writes a setting value. An empty value deletes the stored row so the
// setting falls back through the resolution chain. The write lands in the
// narrowest scope the definition and the bound context permit: user-local
// if the setting allows it and a user is bound, database-local likewise,
// site-wide otherwise.
func (s *Service) Set(ctx context.Context, sctx *ScopedContext, name, value string, opts ...SetOption) error {
	var options setOptions
	for _, opt := range opts {
		opt(&options)
	}
	def, err := s.cfg.Registry.Resolve(name)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.checkWritable(sctx, def, options, userLocalTarget(def, sctx)); err != nil {
		return trace.Wrap(err)
	}
	if def.Deprecated != "" {
		s.logger.WarnContext(ctx, "Write to deprecated setting.",
			"setting", def.Name, "replacement", def.Deprecated)
	}
	if def.Setter != nil && value != "" {
		value, err = def.Setter(value)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	canonical, err := s.canonicalize(def, value)
	if err != nil {
		return trace.Wrap(err)
	}

	switch {
	case userLocalTarget(def, sctx):
		return trace.Wrap(s.setUserLocal(ctx, sctx, def, canonical))
	case def.DatabaseLocal == ScopeOnly, def.DatabaseLocal == ScopeAllowed && sctx.databaseBound():
		return trace.Wrap(s.setDatabaseLocal(ctx, sctx, def, canonical))
	}
	return trace.Wrap(s.setSiteWide(ctx, sctx, def, canonical))
}

// userLocalTarget reports whether a write through this context lands in the
// user-local scope. The access carve-out for plain authenticated users is
// keyed off this, not off the definition alone: a user-local-capable setting
// written without a bound user map falls through to the site-wide path and
// must pass the plain visibility check there.
func userLocalTarget(def *Definition, sctx *ScopedContext) bool {
	return def.UserLocal == ScopeOnly || (def.UserLocal == ScopeAllowed && sctx.userBound())
}

// checkWritable applies the gating, access and read-only checks shared by
// Set and SetMany. userLocal reports whether the write is confined to the
// requester's own override map.
func (s *Service) checkWritable(sctx *ScopedContext, def *Definition, options setOptions, userLocal bool) error {
	if err := s.checkEnabled(def); err != nil {
		return trace.Wrap(err)
	}
	if !sctx.SuppressAccessChecks && !sctx.Requester.CanWrite(def.Visibility, userLocal) {
		return trace.AccessDenied("not authorized to write setting %q", def.Name)
	}
	if def.ReadOnly && !options.bypassReadOnly {
		return trace.Wrap(ErrReadOnly, "setting %q is read-only", def.Name)
	}
	return nil
}

// canonicalize round-trips a non-empty value through the codec so the
// stored form is always the canonical serialization.
func (s *Service) canonicalize(def *Definition, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	codec, err := s.cfg.Registry.Codec(def)
	if err != nil {
		return "", trace.Wrap(err)
	}
	parsed, err := codec.Parse(value)
	if err != nil {
		return "", s.redactParseError(def, codec, err)
	}
	canonical, err := codec.Serialize(parsed)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return canonical, nil
}

func (s *Service) setUserLocal(ctx context.Context, sctx *ScopedContext, def *Definition, value string) error {
	if !sctx.userBound() {
		return trace.BadParameter("setting %q is user-local and no user is bound to this scope", def.Name)
	}
	if value == "" {
		delete(sctx.UserSettings, def.Name)
	} else {
		sctx.UserSettings[def.Name] = value
	}
	if err := s.saveProfile(ctx, userProfile, sctx.UserID, sctx.UserSettings); err != nil {
		return trace.Wrap(err)
	}
	s.logger.InfoContext(ctx, "Updated user-local setting.",
		"setting", def.Name, "user", sctx.UserID)
	return nil
}

func (s *Service) setDatabaseLocal(ctx context.Context, sctx *ScopedContext, def *Definition, value string) error {
	if !sctx.databaseBound() {
		return trace.BadParameter("setting %q is database-local and no database is bound to this scope", def.Name)
	}
	if value == "" {
		delete(sctx.DatabaseSettings, def.Name)
	} else {
		sctx.DatabaseSettings[def.Name] = value
	}
	if err := s.saveProfile(ctx, databaseProfile, sctx.DatabaseID, sctx.DatabaseSettings); err != nil {
		return trace.Wrap(err)
	}
	s.logger.InfoContext(ctx, "Updated database-local setting.",
		"setting", def.Name, "database", sctx.DatabaseID)
	return nil
}

func (s *Service) setSiteWide(ctx context.Context, sctx *ScopedContext, def *Definition, value string) error {
	if !def.SiteWideAllowed() {
		return trace.BadParameter("setting %q has no site-wide value", def.Name)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// synchronous reload so the write decision is made against the latest
	// durable state, not a possibly stale snapshot
	if err := s.cache.forceReload(ctx); err != nil {
		return trace.Wrap(err)
	}
	prevValues := s.cache.values()
	hadRow := s.cache.has(def.Name)
	prevRaw, _, err := s.cache.readThrough(ctx, def.Name)
	if err != nil {
		return trace.Wrap(err)
	}
	prev, err := s.decrypt(def, prevRaw)
	if err != nil {
		return trace.Wrap(err)
	}
	var prevDisplay string
	if def.Audit == AuditGetter {
		prevDisplay = s.displayValue(ctx, sctx, def)
	}

	// an obfuscated value round-tripped from a display surface is not a
	// real change and must not clobber the stored secret
	if def.Sensitive && value != "" && value == Obfuscate(prev) {
		s.logger.DebugContext(ctx, "Ignoring obfuscated echo of sensitive setting.", "setting", def.Name)
		return nil
	}
	if value == prev && (value != "" || !hadRow) {
		return nil
	}

	if value == "" {
		if hadRow {
			if err := s.cfg.Backend.Delete(ctx, settingKey(def.Name)); err != nil && !trace.IsNotFound(err) {
				return trace.Wrap(err)
			}
		}
		s.cache.updateOne(def.Name, "", false)
	} else {
		stored, err := s.sealForStorage(def, value)
		if err != nil {
			return trace.Wrap(err)
		}
		item := backend.Item{Key: settingKey(def.Name), Value: []byte(stored)}
		if hadRow {
			err = s.cfg.Backend.Update(ctx, item)
		} else {
			err = s.cfg.Backend.Create(ctx, item)
		}
		if err != nil {
			return trace.Wrap(err)
		}
		s.cache.updateOne(def.Name, stored, true)
	}
	if !s.cfg.DisableCache {
		if err := s.cache.bump(ctx); err != nil {
			return trace.Wrap(err)
		}
	}

	s.afterCommit(ctx, sctx, def, prev, value, prevDisplay, prevValues)
	return nil
}

// afterCommit emits the audit record and runs the change hook for one
// committed site-wide mutation. Failures here are logged, never propagated:
// the mutation already happened.
func (s *Service) afterCommit(ctx context.Context, sctx *ScopedContext, def *Definition, prev, value, prevDisplay string, prevValues map[string]string) {
	s.emitAudit(ctx, sctx, def, prev, value, prevDisplay)
	if def.OnChange != nil {
		def.OnChange(prevValues, s.cache.values())
	}
}

// displayValue resolves a setting through its effective read path, custom
// getter included, and redacts the result. Used for getter-policy audit
// capture; resolution failures degrade to an empty value.
func (s *Service) displayValue(ctx context.Context, sctx *ScopedContext, def *Definition) string {
	value, ok, err := s.resolve(ctx, sctx, def)
	if err != nil || !ok {
		return ""
	}
	return redactForAudit(def, value)
}

func (s *Service) emitAudit(ctx context.Context, sctx *ScopedContext, def *Definition, prev, value, prevDisplay string) {
	if def.Audit == AuditNever {
		return
	}
	var auditPrev, auditNew string
	switch def.Audit {
	case AuditNoValue:
		// name and actor only
	case AuditGetter:
		// both sides go through the read path so the record shows what a
		// reader saw before and sees after, not the raw stored form
		auditPrev = prevDisplay
		auditNew = s.displayValue(ctx, sctx, def)
	default:
		auditPrev = redactForAudit(def, prev)
		auditNew = redactForAudit(def, value)
	}
	record := events.NewAuditRecord(s.cfg.Clock.Now().UTC(),
		sctx.Requester.Identity, def.Name, auditPrev, auditNew)
	if err := s.cfg.Emitter.EmitAuditRecord(ctx, record); err != nil {
		s.logger.ErrorContext(ctx, "Failed to emit setting change audit record.",
			"setting", def.Name, "error", err)
	}
}

func redactForAudit(def *Definition, value string) string {
	if def.Sensitive {
		return Obfuscate(value)
	}
	return value
}

// Entry is one name/value pair in a batch mutation. An empty value deletes
// the stored row.
type Entry struct {
	Name  string
	Value string
}

// SetMany applies a batch of site-wide mutations atomically: either every
// entry commits or none does. Entries are validated up front; the batch is
// then written as one conditional transaction together with the version
// token advance.
func (s *Service) SetMany(ctx context.Context, sctx *ScopedContext, entries []Entry, opts ...SetOption) error {
	var options setOptions
	for _, opt := range opts {
		opt(&options)
	}
	if len(entries) == 0 {
		return nil
	}

	type plannedWrite struct {
		def       *Definition
		canonical string
	}
	planned := make([]plannedWrite, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		def, err := s.cfg.Registry.Resolve(entry.Name)
		if err != nil {
			return trace.Wrap(err)
		}
		if seen[def.Name] {
			return trace.BadParameter("duplicate setting %q in batch", def.Name)
		}
		seen[def.Name] = true
		if !def.SiteWideAllowed() {
			return trace.BadParameter("setting %q has no site-wide value", def.Name)
		}
		// batch writes are always site-wide, so the user-local carve-out
		// never applies here
		if err := s.checkWritable(sctx, def, options, false); err != nil {
			return trace.Wrap(err)
		}
		value := entry.Value
		if def.Setter != nil && value != "" {
			value, err = def.Setter(value)
			if err != nil {
				return trace.Wrap(err)
			}
		}
		canonical, err := s.canonicalize(def, value)
		if err != nil {
			return trace.Wrap(err)
		}
		planned = append(planned, plannedWrite{def: def, canonical: canonical})
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.cache.forceReload(ctx); err != nil {
		return trace.Wrap(err)
	}
	prevValues := s.cache.values()

	actions := make([]backend.ConditionalAction, 0, len(planned)+1)
	type commit struct {
		def         *Definition
		prev        string
		value       string
		stored      string
		prevDisplay string
	}
	commits := make([]commit, 0, len(planned))
	for _, p := range planned {
		prevRaw, _, err := s.cache.readThrough(ctx, p.def.Name)
		if err != nil {
			return trace.Wrap(err)
		}
		prev, err := s.decrypt(p.def, prevRaw)
		if err != nil {
			return trace.Wrap(err)
		}
		if p.def.Sensitive && p.canonical != "" && p.canonical == Obfuscate(prev) {
			continue
		}
		var prevDisplay string
		if p.def.Audit == AuditGetter {
			prevDisplay = s.displayValue(ctx, sctx, p.def)
		}
		if p.canonical == "" {
			actions = append(actions, backend.ConditionalAction{
				Key:       settingKey(p.def.Name),
				Condition: backend.Whatever(),
				Action:    backend.Delete(),
			})
			commits = append(commits, commit{def: p.def, prev: prev, prevDisplay: prevDisplay})
			continue
		}
		stored, err := s.sealForStorage(p.def, p.canonical)
		if err != nil {
			return trace.Wrap(err)
		}
		actions = append(actions, backend.ConditionalAction{
			Key:       settingKey(p.def.Name),
			Condition: backend.Whatever(),
			Action: backend.Put(backend.Item{
				Key:   settingKey(p.def.Name),
				Value: []byte(stored),
			}),
		})
		commits = append(commits, commit{def: p.def, prev: prev, value: p.canonical, stored: stored, prevDisplay: prevDisplay})
	}
	if len(actions) == 0 {
		return nil
	}
	if !s.cfg.DisableCache {
		next := s.cache.token() + 1
		actions = append(actions, backend.ConditionalAction{
			Key:       versionKey(),
			Condition: backend.Whatever(),
			Action: backend.Put(backend.Item{
				Key:   versionKey(),
				Value: []byte(strconv.FormatInt(next, 10)),
			}),
		})
	}

	if err := s.cfg.Backend.AtomicWrite(ctx, actions); err != nil {
		// the snapshot may have been partially patched upstream; resync
		if reloadErr := s.cache.forceReload(ctx); reloadErr != nil {
			s.logger.WarnContext(ctx, "Failed to reload settings after aborted batch.", "error", reloadErr)
		}
		return trace.WrapWithMessage(err, "batch settings write failed, no entries were applied")
	}
	if err := s.cache.forceReload(ctx); err != nil {
		return trace.Wrap(err)
	}

	for _, c := range commits {
		s.afterCommit(ctx, sctx, c.def, c.prev, c.value, c.prevDisplay, prevValues)
	}
	return nil
}

// ResaveSettings rewrites stored rows whose at-rest form no longer matches
// their definition's encryption policy: plaintext rows are sealed once a
// key becomes available, and sealed rows are rewritten in plaintext after a
// definition moves to EncryptNever. Run it after key rotation or policy
// changes. The rewrite holds a backend lock for its duration so concurrent
// maintenance runs in other processes cannot interleave; callers bound the
// wait for the lock with a context deadline.
func (s *Service) ResaveSettings(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := backend.RunWhileLocked(ctx, s.cfg.Backend, resaveLockName, defaults.InitLockTTL,
		func(ctx context.Context) error {
			return trace.Wrap(s.resaveLocked(ctx))
		})
	return trace.Wrap(err)
}

const resaveLockName = "settings-resave"

func (s *Service) resaveLocked(ctx context.Context) error {
	if err := s.cache.forceReload(ctx); err != nil {
		return trace.Wrap(err)
	}
	rewritten := 0
	for name, raw := range s.cache.values() {
		def, err := s.cfg.Registry.Resolve(name)
		if err != nil {
			// rows for unregistered names are left untouched
			continue
		}
		sealed := secret.IsSealed([]byte(raw))
		wantSealed := def.Encryption == EncryptWhenKeyAvailable && len(s.cfg.Key) > 0
		if sealed == wantSealed {
			continue
		}
		plaintext, err := s.decrypt(def, raw)
		if err != nil {
			return trace.Wrap(err)
		}
		stored, err := s.sealForStorage(def, plaintext)
		if err != nil {
			return trace.Wrap(err)
		}
		err = s.cfg.Backend.Put(ctx, backend.Item{
			Key:   settingKey(name),
			Value: []byte(stored),
		})
		if err != nil {
			return trace.Wrap(err)
		}
		s.cache.updateOne(name, stored, true)
		rewritten++
	}
	if rewritten == 0 {
		return nil
	}
	if !s.cfg.DisableCache {
		if err := s.cache.bump(ctx); err != nil {
			return trace.Wrap(err)
		}
	}
	s.logger.InfoContext(ctx, "Rewrote stored settings to match encryption policy.", "count", rewritten)
	return nil
}
