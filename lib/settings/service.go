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

// Package settings implements the multi-scope, typed, cached runtime
// settings store: definitions are registered once at startup, values are
// backed by the durable key/value table, transparently cached, overridable
// by environment variables, and additionally overridable per user or per
// managed database.
package settings

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/siteconf/siteconf"
	"github.com/siteconf/siteconf/lib/backend"
	"github.com/siteconf/siteconf/lib/events"
	"github.com/siteconf/siteconf/lib/secret"
)

const (
	profilesPrefix  = "profiles"
	userProfile     = "user"
	databaseProfile = "database"
)

// FeatureChecker reports whether a gated feature is available to this
// deployment. It stands in for whatever entitlement backend is plugged in.
type FeatureChecker interface {
	FeatureEnabled(name string) bool
}

// FeatureCheckerFunc adapts a function to the FeatureChecker interface.
type FeatureCheckerFunc func(name string) bool

// FeatureEnabled implements FeatureChecker.
func (f FeatureCheckerFunc) FeatureEnabled(name string) bool { return f(name) }

// Config holds service configuration.
type Config struct {
	// Backend is the durable store. Required.
	Backend backend.Backend
	// Registry holds the setting definitions. Required.
	Registry *Registry
	// Emitter receives audit records. Defaults to the structured log.
	Emitter events.Emitter
	// Features gates feature-gated settings. Defaults to everything
	// enabled.
	Features FeatureChecker
	// Key is the optional site-wide secret key. When nil, encryption
	// policies degrade to plaintext storage.
	Key secret.Key
	// DisableCache turns the snapshot cache off process-wide; reads go to
	// durable storage directly and the version token is not advanced on
	// writes.
	DisableCache bool
	// Clock is an optional clock override used in tests.
	Clock clockwork.Clock
	// Getenv reads the process environment. Overridable in tests.
	Getenv func(string) string
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Emitter == nil {
		c.Emitter = events.NewLogEmitter()
	}
	if c.Features == nil {
		c.Features = FeatureCheckerFunc(func(string) bool { return true })
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Getenv == nil {
		c.Getenv = os.Getenv
	}
	return nil
}

// Service is the settings store engine. It is process-wide shared state:
// reads are lock-free against the current cache snapshot, writes serialize
// in-process and perform a synchronous reload-then-write against durable
// storage.
type Service struct {
	cfg    Config
	cache  *cache
	logger *slog.Logger

	// writeMu serializes in-process site-wide writes. Cross-process
	// writers are not coordinated; see the version token semantics.
	writeMu sync.Mutex
}

// NewService creates a settings service over the supplied backend and
// registry.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{
		cfg:    cfg,
		cache:  newCache(cfg.Backend, cfg.Clock),
		logger: slog.With(siteconf.ComponentKey, siteconf.ComponentSettings),
	}, nil
}

// Registry returns the registry this service resolves definitions from.
func (s *Service) Registry() *Registry {
	return s.cfg.Registry
}

// Close releases service resources. The backend is owned by the caller and
// is not closed.
func (s *Service) Close() error {
	s.cache.invalidate()
	return nil
}

// LoadUserContext returns a scoped context bound to the stored override map
// of the given user. A user with no stored profile gets an empty map.
func (s *Service) LoadUserContext(ctx context.Context, userID string) (*ScopedContext, error) {
	if userID == "" {
		return nil, trace.BadParameter("missing parameter userID")
	}
	values, err := s.loadProfile(ctx, userProfile, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &ScopedContext{UserID: userID, UserSettings: values}, nil
}

// LoadDatabaseContext returns a scoped context bound to the stored override
// map of the given managed database.
func (s *Service) LoadDatabaseContext(ctx context.Context, databaseID string) (*ScopedContext, error) {
	if databaseID == "" {
		return nil, trace.BadParameter("missing parameter databaseID")
	}
	values, err := s.loadProfile(ctx, databaseProfile, databaseID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &ScopedContext{DatabaseID: databaseID, DatabaseSettings: values}, nil
}

func (s *Service) loadProfile(ctx context.Context, kind, id string) (map[string]string, error) {
	item, err := s.cfg.Backend.Get(ctx, backend.Key(profilesPrefix, kind, id))
	if err != nil {
		if trace.IsNotFound(err) {
			return map[string]string{}, nil
		}
		return nil, trace.Wrap(err)
	}
	var values map[string]string
	if err := json.Unmarshal(item.Value, &values); err != nil {
		return nil, trace.Wrap(err, "malformed %v profile %q", kind, id)
	}
	if values == nil {
		values = map[string]string{}
	}
	return values, nil
}

func (s *Service) saveProfile(ctx context.Context, kind, id string, values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return trace.Wrap(err)
	}
	err = s.cfg.Backend.Put(ctx, backend.Item{
		Key:   backend.Key(profilesPrefix, kind, id),
		Value: data,
	})
	return trace.Wrap(err)
}

// WritableDefinitions enumerates the definitions the requester may write,
// for the administrative surface.
func (s *Service) WritableDefinitions(sctx *ScopedContext) []*Definition {
	var out []*Definition
	for _, def := range s.cfg.Registry.Definitions() {
		if def.ReadOnly {
			continue
		}
		if err := s.checkEnabled(def); err != nil {
			continue
		}
		if !sctx.SuppressAccessChecks && !sctx.Requester.CanWrite(def.Visibility, userLocalTarget(def, sctx)) {
			continue
		}
		out = append(out, def)
	}
	return out
}

// VisibleValues enumerates effective values readable by the requester, with
// sensitive values obfuscated. This is the user-facing read surface.
func (s *Service) VisibleValues(ctx context.Context, sctx *ScopedContext) (map[string]string, error) {
	out := make(map[string]string)
	for _, def := range s.cfg.Registry.Definitions() {
		if !sctx.SuppressAccessChecks && !sctx.Requester.CanRead(def.Visibility) {
			continue
		}
		value, present, err := s.resolve(ctx, sctx, def)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if !present {
			continue
		}
		if def.Sensitive {
			value = Obfuscate(value)
		}
		out[def.Name] = value
	}
	return out, nil
}

// SiteWideValues enumerates exportable site-wide stored values for backup
// and restore tooling. User-local and database-local values are excluded by
// construction, as are env overrides: only durable rows are exported.
func (s *Service) SiteWideValues(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	for _, def := range s.cfg.Registry.Definitions() {
		if !def.Exportable || !def.SiteWideAllowed() {
			continue
		}
		value, present, err := s.storedValue(ctx, def)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if present {
			out[def.Name] = value
		}
	}
	return out, nil
}
