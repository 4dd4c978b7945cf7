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
	"encoding/json"
	"time"

	"github.com/gravitational/trace"

	"github.com/siteconf/siteconf/lib/backend"
	"github.com/siteconf/siteconf/lib/defaults"
	"github.com/siteconf/siteconf/lib/secret"
)

// Get resolves the effective raw value of a setting for the given scoped
// context. The second return reports presence: a setting with no override,
// no env value, no stored row, no default and no init function is absent,
// not an error.
//
// Resolution order: custom getter, user-local override, database-local
// override, environment variable, durable site-wide value, static default,
// lazy init.
func (s *Service) Get(ctx context.Context, sctx *ScopedContext, name string) (string, bool, error) {
	def, err := s.cfg.Registry.Resolve(name)
	if err != nil {
		return "", false, trace.Wrap(err)
	}
	if !sctx.SuppressAccessChecks && !sctx.Requester.CanRead(def.Visibility) {
		return "", false, trace.AccessDenied("not authorized to read setting %q", def.Name)
	}
	if def.Deprecated != "" {
		s.logger.WarnContext(ctx, "Read of deprecated setting.",
			"setting", def.Name, "replacement", def.Deprecated)
	}
	return s.resolve(ctx, sctx, def)
}

// resolve walks the resolution chain for a definition. Access checks are
// the caller's responsibility.
func (s *Service) resolve(ctx context.Context, sctx *ScopedContext, def *Definition) (string, bool, error) {
	if def.Getter != nil {
		value, err := def.Getter(ctx, sctx)
		if err != nil {
			return "", false, trace.Wrap(err)
		}
		return value, value != "", nil
	}

	if def.UserLocal != ScopeNever && sctx.userBound() {
		if value, ok := lookup(sctx.UserSettings, def.Name); ok {
			return value, true, nil
		}
	}
	if def.DatabaseLocal != ScopeNever && sctx.databaseBound() {
		if value, ok := lookup(sctx.DatabaseSettings, def.Name); ok {
			return value, true, nil
		}
	}

	if def.SiteWideAllowed() {
		if !def.EnvDisabled {
			if value := s.cfg.Getenv(def.EnvVar()); value != "" {
				return value, true, nil
			}
		}
		raw, ok, err := s.storedRaw(ctx, def, sctx != nil && sctx.NoCache)
		if err != nil {
			return "", false, trace.Wrap(err)
		}
		if ok {
			value, err := s.decrypt(def, raw)
			if err != nil {
				return "", false, trace.Wrap(err)
			}
			return value, true, nil
		}
	}

	if def.Default != "" {
		return def.Default, true, nil
	}
	if def.Init != nil && def.SiteWideAllowed() {
		return s.initialize(ctx, def)
	}
	return "", false, nil
}

// storedValue returns the durable site-wide value only, decrypted,
// ignoring overrides, env and defaults.
func (s *Service) storedValue(ctx context.Context, def *Definition) (string, bool, error) {
	raw, ok, err := s.storedRaw(ctx, def, false)
	if err != nil || !ok {
		return "", false, trace.Wrap(err)
	}
	value, err := s.decrypt(def, raw)
	if err != nil {
		return "", false, trace.Wrap(err)
	}
	return value, true, nil
}

// storedRaw reads the raw stored row, possibly still sealed, through the
// snapshot cache unless caching is off for this read.
func (s *Service) storedRaw(ctx context.Context, def *Definition, bypassCache bool) (string, bool, error) {
	if s.cfg.DisableCache || def.NoCache || bypassCache {
		return s.cache.readThrough(ctx, def.Name)
	}
	return s.cache.get(ctx, def.Name)
}

// decrypt opens sealed values. Detection is structural, so values sealed
// under an earlier policy still decrypt after the policy changes.
func (s *Service) decrypt(def *Definition, raw string) (string, error) {
	if !secret.IsSealed([]byte(raw)) {
		return raw, nil
	}
	if len(s.cfg.Key) == 0 {
		return "", trace.BadParameter("setting %q is encrypted but no secret key is configured", def.Name)
	}
	plaintext, err := s.cfg.Key.Open([]byte(raw))
	if err != nil {
		return "", trace.Wrap(err, "failed to decrypt setting %q", def.Name)
	}
	return string(plaintext), nil
}

// sealForStorage applies the at-rest encryption policy to an outgoing
// value. Encryption is opportunistic: without a configured key the value
// is stored in plaintext.
func (s *Service) sealForStorage(def *Definition, value string) (string, error) {
	if def.Encryption != EncryptWhenKeyAvailable || len(s.cfg.Key) == 0 {
		return value, nil
	}
	sealed, err := s.cfg.Key.Seal([]byte(value))
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(sealed), nil
}

// initialize runs a setting's init function at most once system-wide. The
// cross-process lock bounds the wait; a process that cannot acquire it in
// time reports a LimitExceeded error rather than running the init twice.
func (s *Service) initialize(ctx context.Context, def *Definition) (string, bool, error) {
	lockCtx, cancel := context.WithTimeout(ctx, defaults.InitLockTimeout)
	defer cancel()
	lock, err := backend.AcquireLock(lockCtx, s.cfg.Backend, "settings-init/"+def.Name, defaults.InitLockTTL)
	if err != nil {
		return "", false, trace.Wrap(err, "waiting to initialize setting %q", def.Name)
	}
	defer func() {
		if err := lock.Release(ctx, s.cfg.Backend); err != nil {
			s.logger.WarnContext(ctx, "Failed to release init lock.", "setting", def.Name, "error", err)
		}
	}()

	// another process may have won the race and initialized already
	raw, ok, err := s.cache.readThrough(ctx, def.Name)
	if err != nil {
		return "", false, trace.Wrap(err)
	}
	if ok {
		value, err := s.decrypt(def, raw)
		if err != nil {
			return "", false, trace.Wrap(err)
		}
		s.cache.updateOne(def.Name, raw, true)
		return value, true, nil
	}

	value, err := def.Init()
	if err != nil {
		return "", false, trace.Wrap(err, "init of setting %q failed", def.Name)
	}
	stored, err := s.sealForStorage(def, value)
	if err != nil {
		return "", false, trace.Wrap(err)
	}
	err = s.cfg.Backend.Put(ctx, backend.Item{
		Key:   settingKey(def.Name),
		Value: []byte(stored),
	})
	if err != nil {
		return "", false, trace.Wrap(err)
	}
	s.cache.updateOne(def.Name, stored, true)
	if !s.cfg.DisableCache {
		if err := s.cache.bump(ctx); err != nil {
			return "", false, trace.Wrap(err)
		}
	}
	s.logger.InfoContext(ctx, "Initialized setting.", "setting", def.Name)
	return value, true, nil
}

// typedValue resolves and parses a value through the setting's codec.
// Absent values return ok=false with no error.
func (s *Service) typedValue(ctx context.Context, sctx *ScopedContext, name string) (*Definition, interface{}, bool, error) {
	def, err := s.cfg.Registry.Resolve(name)
	if err != nil {
		return nil, nil, false, trace.Wrap(err)
	}
	if !sctx.SuppressAccessChecks && !sctx.Requester.CanRead(def.Visibility) {
		return nil, nil, false, trace.AccessDenied("not authorized to read setting %q", def.Name)
	}
	raw, ok, err := s.resolve(ctx, sctx, def)
	if err != nil || !ok {
		return def, nil, false, trace.Wrap(err)
	}
	codec, err := s.cfg.Registry.Codec(def)
	if err != nil {
		return nil, nil, false, trace.Wrap(err)
	}
	value, err := codec.Parse(raw)
	if err != nil {
		return nil, nil, false, s.redactParseError(def, codec, err)
	}
	return def, value, true, nil
}

// redactParseError keeps sensitive raw values out of error messages when
// the codec is known to echo its input.
func (s *Service) redactParseError(def *Definition, codec Codec, err error) error {
	if def.Sensitive && codec.EchoesInput() {
		return trace.BadParameter("failed to parse value of sensitive setting %q", def.Name)
	}
	return trace.Wrap(err, "failed to parse setting %q", def.Name)
}

// GetString returns the setting as a string, empty if absent.
func (s *Service) GetString(ctx context.Context, sctx *ScopedContext, name string) (string, error) {
	value, _, err := s.Get(ctx, sctx, name)
	return value, trace.Wrap(err)
}

// GetBool returns the setting as a bool, false if absent.
func (s *Service) GetBool(ctx context.Context, sctx *ScopedContext, name string) (bool, error) {
	_, value, ok, err := s.typedValue(ctx, sctx, name)
	if err != nil || !ok {
		return false, trace.Wrap(err)
	}
	b, ok := value.(bool)
	if !ok {
		return false, trace.BadParameter("setting %q is not a boolean", name)
	}
	return b, nil
}

// GetInt returns the setting as an int64, zero if absent.
func (s *Service) GetInt(ctx context.Context, sctx *ScopedContext, name string) (int64, error) {
	_, value, ok, err := s.typedValue(ctx, sctx, name)
	if err != nil || !ok {
		return 0, trace.Wrap(err)
	}
	n, ok := value.(int64)
	if !ok {
		return 0, trace.BadParameter("setting %q is not an integer", name)
	}
	return n, nil
}

// GetFloat returns the setting as a float64, zero if absent.
func (s *Service) GetFloat(ctx context.Context, sctx *ScopedContext, name string) (float64, error) {
	_, value, ok, err := s.typedValue(ctx, sctx, name)
	if err != nil || !ok {
		return 0, trace.Wrap(err)
	}
	f, ok := value.(float64)
	if !ok {
		return 0, trace.BadParameter("setting %q is not a double", name)
	}
	return f, nil
}

// GetTime returns the setting as a time.Time, the zero time if absent.
func (s *Service) GetTime(ctx context.Context, sctx *ScopedContext, name string) (time.Time, error) {
	_, value, ok, err := s.typedValue(ctx, sctx, name)
	if err != nil || !ok {
		return time.Time{}, trace.Wrap(err)
	}
	t, ok := value.(time.Time)
	if !ok {
		return time.Time{}, trace.BadParameter("setting %q is not a timestamp", name)
	}
	return t, nil
}

// GetStrings returns the setting as a string slice, nil if absent.
func (s *Service) GetStrings(ctx context.Context, sctx *ScopedContext, name string) ([]string, error) {
	_, value, ok, err := s.typedValue(ctx, sctx, name)
	if err != nil || !ok {
		return nil, trace.Wrap(err)
	}
	list, ok := value.([]string)
	if !ok {
		return nil, trace.BadParameter("setting %q is not a string list", name)
	}
	return list, nil
}

// GetJSON unmarshals the setting's JSON document into out. Absent values
// leave out untouched and report false.
func (s *Service) GetJSON(ctx context.Context, sctx *ScopedContext, name string, out interface{}) (bool, error) {
	def, err := s.cfg.Registry.Resolve(name)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if !sctx.SuppressAccessChecks && !sctx.Requester.CanRead(def.Visibility) {
		return false, trace.AccessDenied("not authorized to read setting %q", def.Name)
	}
	raw, ok, err := s.resolve(ctx, sctx, def)
	if err != nil || !ok {
		return false, trace.Wrap(err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		if def.Sensitive {
			return false, trace.BadParameter("failed to parse value of sensitive setting %q", def.Name)
		}
		return false, trace.BadParameter("failed to parse setting %q: %v", def.Name, err)
	}
	return true, nil
}

// checkEnabled applies the feature gate or enabled-predicate.
func (s *Service) checkEnabled(def *Definition) error {
	if def.Feature != "" && !s.cfg.Features.FeatureEnabled(def.Feature) {
		return trace.Wrap(ErrFeatureUnavailable, "setting %q requires feature %q", def.Name, def.Feature)
	}
	if def.Enabled != nil && !def.Enabled() {
		return trace.Wrap(ErrDisabled, "setting %q is disabled", def.Name)
	}
	return nil
}
