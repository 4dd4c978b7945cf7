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
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/siteconf/siteconf/lib/authz"
	"github.com/siteconf/siteconf/lib/backend"
	"github.com/siteconf/siteconf/lib/backend/memory"
	"github.com/siteconf/siteconf/lib/defaults"
	"github.com/siteconf/siteconf/lib/events"
	"github.com/siteconf/siteconf/lib/secret"
	"github.com/siteconf/siteconf/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

type testPack struct {
	bk      *memory.Memory
	svc     *Service
	emitter *events.MemoryEmitter
	env     map[string]string
}

func newPack(t *testing.T, defs []Definition, opts ...func(*Config)) *testPack {
	t.Helper()
	bk, err := memory.New(memory.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })

	reg := NewRegistry()
	for _, def := range defs {
		_, err := reg.Register(def)
		require.NoError(t, err)
	}

	pack := &testPack{
		bk:      bk,
		emitter: events.NewMemoryEmitter(),
		env:     make(map[string]string),
	}
	cfg := Config{
		Backend:  bk,
		Registry: reg,
		Emitter:  pack.emitter,
		Getenv:   func(key string) string { return pack.env[key] },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	pack.svc, err = NewService(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { pack.svc.Close() })
	return pack
}

func TestBoolRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newPack(t, []Definition{
		{Name: "enable-xrays", Type: TypeBool},
	})

	require.NoError(t, pack.svc.Set(ctx, Internal(), "enable-xrays", "TRUE"))

	// the stored form is canonical, not the raw input
	item, err := pack.bk.Get(ctx, settingKey("enable-xrays"))
	require.NoError(t, err)
	require.Equal(t, "true", string(item.Value))

	v, err := pack.svc.GetBool(ctx, Internal(), "enable-xrays")
	require.NoError(t, err)
	require.True(t, v)

	err = pack.svc.Set(ctx, Internal(), "enable-xrays", "yes")
	require.True(t, trace.IsBadParameter(err))
}

func TestUnsetFallsBackToDefault(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newPack(t, []Definition{
		{Name: "query-limit", Type: TypeInt, Default: "42"},
	})

	v, err := pack.svc.GetInt(ctx, Internal(), "query-limit")
	require.NoError(t, err)
	require.Equal(t, int64(42), v)

	require.NoError(t, pack.svc.Set(ctx, Internal(), "query-limit", "7"))
	v, err = pack.svc.GetInt(ctx, Internal(), "query-limit")
	require.NoError(t, err)
	require.Equal(t, int64(7), v)

	// writing the empty value deletes the row and restores the default
	require.NoError(t, pack.svc.Set(ctx, Internal(), "query-limit", ""))
	_, err = pack.bk.Get(ctx, settingKey("query-limit"))
	require.True(t, trace.IsNotFound(err))
	v, err = pack.svc.GetInt(ctx, Internal(), "query-limit")
	require.NoError(t, err)
	require.Equal(t, int64(42), v)
}

func TestEnvOverrideWinsOverStored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newPack(t, []Definition{
		{Name: "request-timeout", Type: TypeInt, Default: "10"},
	})

	require.NoError(t, pack.svc.Set(ctx, Internal(), "request-timeout", "20"))
	pack.env["SITECONF_REQUEST_TIMEOUT"] = "99"

	v, err := pack.svc.GetInt(ctx, Internal(), "request-timeout")
	require.NoError(t, err)
	require.Equal(t, int64(99), v)
}

func TestEnvDisabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newPack(t, []Definition{
		{Name: "pinned-flag", Type: TypeBool, Default: "false", EnvDisabled: true},
	})

	pack.env["SITECONF_PINNED_FLAG"] = "true"
	v, err := pack.svc.GetBool(ctx, Internal(), "pinned-flag")
	require.NoError(t, err)
	require.False(t, v)
}

func TestCSVRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newPack(t, []Definition{
		{Name: "allowed-domains", Type: TypeCSV, Encryption: EncryptNever},
	})

	require.NoError(t, pack.svc.Set(ctx, Internal(), "allowed-domains", "a,b,c"))
	v, err := pack.svc.GetStrings(ctx, Internal(), "allowed-domains")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, v)
}

func TestJSONSetting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newPack(t, []Definition{
		{Name: "widget-layout", Type: TypeJSON, Encryption: EncryptNever},
	})

	require.NoError(t, pack.svc.Set(ctx, Internal(), "widget-layout", `{"cols": 3, "rows": 2}`))
	var layout struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}
	ok, err := pack.svc.GetJSON(ctx, Internal(), "widget-layout", &layout)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, layout.Cols)
	require.Equal(t, 2, layout.Rows)

	ok, err = pack.svc.GetJSON(ctx, Internal(), "widget-layout", &layout)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestObfuscatedEchoIsNoOp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newPack(t, []Definition{
		{Name: "api-token", Sensitive: true, Audit: AuditRawValue},
	})

	require.NoError(t, pack.svc.Set(ctx, Internal(), "api-token", "swordfish23"))
	require.Len(t, pack.emitter.Records(), 1)
	pack.emitter.Reset()

	// a display form round-tripped back through a form submit must not
	// clobber the stored secret
	echo := Obfuscate("swordfish23")
	require.Equal(t, defaults.ObfuscationMask+"23", echo)
	require.NoError(t, pack.svc.Set(ctx, Internal(), "api-token", echo))
	require.Empty(t, pack.emitter.Records())

	v, err := pack.svc.GetString(ctx, Internal(), "api-token")
	require.NoError(t, err)
	require.Equal(t, "swordfish23", v)
}

func TestVisibleValuesObfuscatesSensitive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newPack(t, []Definition{
		{Name: "api-token", Sensitive: true},
		{Name: "site-name", Encryption: EncryptNever, Default: "Acme"},
	})

	require.NoError(t, pack.svc.Set(ctx, Internal(), "api-token", "swordfish23"))

	values, err := pack.svc.VisibleValues(ctx, Internal())
	require.NoError(t, err)
	require.Equal(t, defaults.ObfuscationMask+"23", values["api-token"])
	require.Equal(t, "Acme", values["site-name"])
}

func TestUserLocalScope(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newPack(t, []Definition{
		{Name: "display-density", Type: TypeKeyword, UserLocal: ScopeAllowed, Default: "normal"},
	})

	alice := &ScopedContext{
		Requester:    authz.Requester{Identity: "alice", Authenticated: true},
		UserID:       "u1",
		UserSettings: map[string]string{},
	}
	require.NoError(t, pack.svc.Set(ctx, alice, "display-density", "compact"))

	v, err := pack.svc.GetString(ctx, alice, "display-density")
	require.NoError(t, err)
	require.Equal(t, "compact", v)

	// the site-wide value is untouched
	v, err = pack.svc.GetString(ctx, Internal(), "display-density")
	require.NoError(t, err)
	require.Equal(t, "normal", v)

	// the override survives a context reload from durable storage
	reloaded, err := pack.svc.LoadUserContext(ctx, "u1")
	require.NoError(t, err)
	reloaded.Requester = alice.Requester
	v, err = pack.svc.GetString(ctx, reloaded, "display-density")
	require.NoError(t, err)
	require.Equal(t, "compact", v)

	// clearing the override restores the site-wide view
	require.NoError(t, pack.svc.Set(ctx, alice, "display-density", ""))
	v, err = pack.svc.GetString(ctx, alice, "display-density")
	require.NoError(t, err)
	require.Equal(t, "normal", v)
}

func TestUserLocalOnlyRequiresUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newPack(t, []Definition{
		{Name: "last-seen-hint", UserLocal: ScopeOnly, Encryption: EncryptNever},
	})

	err := pack.svc.Set(ctx, Internal(), "last-seen-hint", "dashboard")
	require.True(t, trace.IsBadParameter(err))
}

func TestSiteWideWriteDeniedWithoutUserBinding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newPack(t, []Definition{
		{
			Name:       "admin-pref",
			Visibility: authz.VisibilityAdmin,
			UserLocal:  ScopeAllowed,
			Encryption: EncryptNever,
			Default:    "factory",
		},
	})

	// without a bound user map the write would land site-wide, so the
	// user-local carve-out must not apply
	bob := &ScopedContext{Requester: authz.Requester{Identity: "bob", Authenticated: true}}
	err := pack.svc.Set(ctx, bob, "admin-pref", "owned")
	require.True(t, trace.IsAccessDenied(err), "got %v", err)
	v, err := pack.svc.GetString(ctx, Internal(), "admin-pref")
	require.NoError(t, err)
	require.Equal(t, "factory", v)

	// the same requester with a bound user writes only their own override
	bound := &ScopedContext{
		Requester:    bob.Requester,
		UserID:       "u1",
		UserSettings: map[string]string{},
	}
	require.NoError(t, pack.svc.Set(ctx, bound, "admin-pref", "compact"))
	require.Equal(t, "compact", bound.UserSettings["admin-pref"])
	v, err = pack.svc.GetString(ctx, Internal(), "admin-pref")
	require.NoError(t, err)
	require.Equal(t, "factory", v)
}

func TestDatabaseLocalScope(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newPack(t, []Definition{
		{Name: "sync-schedule", Type: TypeKeyword, DatabaseLocal: ScopeAllowed, Default: "hourly"},
	})

	dbctx, err := pack.svc.LoadDatabaseContext(ctx, "db1")
	require.NoError(t, err)
	dbctx.SuppressAccessChecks = true

	require.NoError(t, pack.svc.Set(ctx, dbctx, "sync-schedule", "daily"))
	v, err := pack.svc.GetString(ctx, dbctx, "sync-schedule")
	require.NoError(t, err)
	require.Equal(t, "daily", v)

	v, err = pack.svc.GetString(ctx, Internal(), "sync-schedule")
	require.NoError(t, err)
	require.Equal(t, "hourly", v)
}

func TestAccessControl(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newPack(t, []Definition{
		{Name: "license-key", Visibility: authz.VisibilityAdmin, Sensitive: true},
		{Name: "internal-state", Visibility: authz.VisibilityInternal, Encryption: EncryptNever},
	})

	user := &ScopedContext{Requester: authz.Requester{Identity: "bob", Authenticated: true}}
	_, _, err := pack.svc.Get(ctx, user, "license-key")
	require.True(t, trace.IsAccessDenied(err))
	err = pack.svc.Set(ctx, user, "license-key", "XYZ")
	require.True(t, trace.IsAccessDenied(err))

	admin := &ScopedContext{Requester: authz.Requester{Identity: "root", Authenticated: true, Superuser: true}}
	require.NoError(t, pack.svc.Set(ctx, admin, "license-key", "XYZ"))

	// internal settings are unreachable through the access gate even for
	// superusers, only trusted internal callers reach them
	_, _, err = pack.svc.Get(ctx, admin, "internal-state")
	require.True(t, trace.IsAccessDenied(err))
	require.NoError(t, pack.svc.Set(ctx, Internal(), "internal-state", "ok"))
	v, _, err := pack.svc.Get(ctx, Internal(), "internal-state")
	require.NoError(t, err)
	require.Equal(t, "ok", v)
}

func TestReadOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newPack(t, []Definition{
		{Name: "install-id", ReadOnly: true},
	})

	err := pack.svc.Set(ctx, Internal(), "install-id", "abc")
	require.True(t, errors.Is(err, ErrReadOnly), "got %v", err)

	require.NoError(t, pack.svc.Set(ctx, Internal(), "install-id", "abc", WithBypassReadOnly()))
	v, err := pack.svc.GetString(ctx, Internal(), "install-id")
	require.NoError(t, err)
	require.Equal(t, "abc", v)
}

func TestFeatureGate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newPack(t, []Definition{
		{Name: "sso-domain", Feature: "sso", Encryption: EncryptNever},
		{Name: "beta-toggle", Type: TypeBool, Enabled: func() bool { return false }},
	}, func(cfg *Config) {
		cfg.Features = FeatureCheckerFunc(func(name string) bool { return false })
	})

	err := pack.svc.Set(ctx, Internal(), "sso-domain", "example.com")
	require.True(t, errors.Is(err, ErrFeatureUnavailable), "got %v", err)

	err = pack.svc.Set(ctx, Internal(), "beta-toggle", "true")
	require.True(t, errors.Is(err, ErrDisabled), "got %v", err)
}

func TestConcurrentInitRunsOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var calls atomic.Int64
	pack := newPack(t, []Definition{
		{
			Name:       "session-key",
			Encryption: EncryptNever,
			Init: func() (string, error) {
				calls.Add(1)
				return "generated-once", nil
			},
		},
	})

	const readers = 4
	values := make([]string, readers)
	errs := make([]error, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			values[i], errs[i] = pack.svc.GetString(ctx, Internal(), "session-key")
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(1), calls.Load())
	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "generated-once", values[i])
	}
}

func TestEncryptionAtRest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	key, err := secret.NewKey()
	require.NoError(t, err)

	pack := newPack(t, []Definition{
		{Name: "api-token", Sensitive: true},
	}, func(cfg *Config) {
		cfg.Key = key
	})

	require.NoError(t, pack.svc.Set(ctx, Internal(), "api-token", "swordfish23"))

	item, err := pack.bk.Get(ctx, settingKey("api-token"))
	require.NoError(t, err)
	require.True(t, secret.IsSealed(item.Value))
	require.NotContains(t, string(item.Value), "swordfish23")

	v, err := pack.svc.GetString(ctx, Internal(), "api-token")
	require.NoError(t, err)
	require.Equal(t, "swordfish23", v)
}

func TestResaveSettings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// a row written before any key was configured is plaintext
	plainPack := newPack(t, []Definition{
		{Name: "api-token", Sensitive: true},
	})
	require.NoError(t, plainPack.svc.Set(ctx, Internal(), "api-token", "swordfish23"))
	item, err := plainPack.bk.Get(ctx, settingKey("api-token"))
	require.NoError(t, err)
	require.False(t, secret.IsSealed(item.Value))

	// a second service over the same backend, now with a key, seals it
	key, err := secret.NewKey()
	require.NoError(t, err)
	reg := NewRegistry()
	_, err = reg.Register(Definition{Name: "api-token", Sensitive: true})
	require.NoError(t, err)
	svc, err := NewService(Config{
		Backend:  plainPack.bk,
		Registry: reg,
		Emitter:  events.NewDiscardEmitter(),
		Key:      key,
	})
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.ResaveSettings(ctx))
	item, err = plainPack.bk.Get(ctx, settingKey("api-token"))
	require.NoError(t, err)
	require.True(t, secret.IsSealed(item.Value))

	v, err := svc.GetString(ctx, Internal(), "api-token")
	require.NoError(t, err)
	require.Equal(t, "swordfish23", v)
}

func TestResaveHoldsBackendLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newPack(t, []Definition{
		{Name: "api-token", Sensitive: true},
	})
	require.NoError(t, pack.svc.Set(ctx, Internal(), "api-token", "swordfish23"))

	// while another process holds the maintenance lock the rewrite waits,
	// bounded by the caller's deadline
	lock, err := backend.AcquireLock(ctx, pack.bk, resaveLockName, time.Minute)
	require.NoError(t, err)
	shortCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err = pack.svc.ResaveSettings(shortCtx)
	require.True(t, trace.IsLimitExceeded(err), "got %v", err)

	require.NoError(t, lock.Release(ctx, pack.bk))
	require.NoError(t, pack.svc.ResaveSettings(ctx))
}

func TestAuditPolicies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newPack(t, []Definition{
		{Name: "silent-flag", Type: TypeBool},
		{Name: "site-name", Encryption: EncryptNever, Audit: AuditRawValue},
		{Name: "api-token", Sensitive: true, Audit: AuditRawValue},
		{Name: "flip-count", Type: TypeInt, Audit: AuditNoValue},
	})

	actor := &ScopedContext{
		Requester:            authz.Requester{Identity: "root", Authenticated: true, Superuser: true},
		SuppressAccessChecks: true,
	}

	require.NoError(t, pack.svc.Set(ctx, actor, "silent-flag", "true"))
	require.Empty(t, pack.emitter.Records())

	require.NoError(t, pack.svc.Set(ctx, actor, "site-name", "Acme"))
	records := pack.emitter.Records()
	require.Len(t, records, 1)
	require.Equal(t, events.SettingChangeEvent, records[0].Type)
	require.Equal(t, "root", records[0].Actor)
	require.Equal(t, "site-name", records[0].Setting)
	require.Equal(t, "", records[0].Previous)
	require.Equal(t, "Acme", records[0].New)
	pack.emitter.Reset()

	// sensitive values are obfuscated in audit records
	require.NoError(t, pack.svc.Set(ctx, actor, "api-token", "swordfish23"))
	records = pack.emitter.Records()
	require.Len(t, records, 1)
	require.Equal(t, defaults.ObfuscationMask+"23", records[0].New)
	pack.emitter.Reset()

	require.NoError(t, pack.svc.Set(ctx, actor, "flip-count", "5"))
	records = pack.emitter.Records()
	require.Len(t, records, 1)
	require.Equal(t, "", records[0].Previous)
	require.Equal(t, "", records[0].New)
}

func TestAuditGetterPolicy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newPack(t, []Definition{
		{Name: "greeting", Encryption: EncryptNever, Default: "hello", Audit: AuditGetter},
		{
			Name:       "derived-banner",
			Encryption: EncryptNever,
			Audit:      AuditGetter,
			Getter: func(ctx context.Context, sctx *ScopedContext) (string, error) {
				return "computed", nil
			},
		},
		{Name: "signing-key", Sensitive: true, Audit: AuditGetter},
	})

	// without a custom getter both sides come from the resolution chain, so
	// the unset previous value is recorded as the default
	require.NoError(t, pack.svc.Set(ctx, Internal(), "greeting", "hi"))
	records := pack.emitter.Records()
	require.Len(t, records, 1)
	require.Equal(t, "hello", records[0].Previous)
	require.Equal(t, "hi", records[0].New)
	pack.emitter.Reset()

	// clearing the row records the post-delete fallback as the new value
	require.NoError(t, pack.svc.Set(ctx, Internal(), "greeting", ""))
	records = pack.emitter.Records()
	require.Len(t, records, 1)
	require.Equal(t, "hi", records[0].Previous)
	require.Equal(t, "hello", records[0].New)
	pack.emitter.Reset()

	// a custom getter supplies both sides, not the written raw value
	require.NoError(t, pack.svc.Set(ctx, Internal(), "derived-banner", "raw"))
	records = pack.emitter.Records()
	require.Len(t, records, 1)
	require.Equal(t, "computed", records[0].Previous)
	require.Equal(t, "computed", records[0].New)
	pack.emitter.Reset()

	// sensitive read-path output is still obfuscated
	require.NoError(t, pack.svc.Set(ctx, Internal(), "signing-key", "swordfish23"))
	records = pack.emitter.Records()
	require.Len(t, records, 1)
	require.Equal(t, "", records[0].Previous)
	require.Equal(t, defaults.ObfuscationMask+"23", records[0].New)
}

func TestOnChangeHook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var mu sync.Mutex
	var gotPrev, gotCurr map[string]string
	pack := newPack(t, []Definition{
		{
			Name:       "site-name",
			Encryption: EncryptNever,
			OnChange: func(previous, current map[string]string) {
				mu.Lock()
				defer mu.Unlock()
				gotPrev, gotCurr = previous, current
			},
		},
	})

	require.NoError(t, pack.svc.Set(ctx, Internal(), "site-name", "Acme"))
	mu.Lock()
	defer mu.Unlock()
	require.NotContains(t, gotPrev, "site-name")
	require.Equal(t, "Acme", gotCurr["site-name"])
}

func TestSetMany(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newPack(t, []Definition{
		{Name: "site-name", Encryption: EncryptNever, Audit: AuditRawValue},
		{Name: "query-limit", Type: TypeInt, Default: "42", Audit: AuditRawValue},
		{Name: "install-id", ReadOnly: true},
	})

	require.NoError(t, pack.svc.SetMany(ctx, Internal(), []Entry{
		{Name: "site-name", Value: "Acme"},
		{Name: "query-limit", Value: "7"},
	}))
	v, err := pack.svc.GetString(ctx, Internal(), "site-name")
	require.NoError(t, err)
	require.Equal(t, "Acme", v)
	n, err := pack.svc.GetInt(ctx, Internal(), "query-limit")
	require.NoError(t, err)
	require.Equal(t, int64(7), n)
	require.Len(t, pack.emitter.Records(), 2)
	pack.emitter.Reset()

	// one bad entry aborts the whole batch before anything is written
	err = pack.svc.SetMany(ctx, Internal(), []Entry{
		{Name: "site-name", Value: "Umbrella"},
		{Name: "install-id", Value: "nope"},
	})
	require.True(t, errors.Is(err, ErrReadOnly), "got %v", err)
	v, err = pack.svc.GetString(ctx, Internal(), "site-name")
	require.NoError(t, err)
	require.Equal(t, "Acme", v)
	require.Empty(t, pack.emitter.Records())

	// so does a value that fails validation
	err = pack.svc.SetMany(ctx, Internal(), []Entry{
		{Name: "site-name", Value: "Umbrella"},
		{Name: "query-limit", Value: "not-a-number"},
	})
	require.True(t, trace.IsBadParameter(err))
	v, err = pack.svc.GetString(ctx, Internal(), "site-name")
	require.NoError(t, err)
	require.Equal(t, "Acme", v)
}

func TestCrossProcessStaleness(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	pack := newPack(t, []Definition{
		{Name: "site-name", Encryption: EncryptNever},
	})
	require.NoError(t, pack.svc.Set(ctx, Internal(), "site-name", "one"))

	// a second service over the same backend models another process
	fake := clockwork.NewFakeClock()
	reg := NewRegistry()
	_, err := reg.Register(Definition{Name: "site-name", Encryption: EncryptNever})
	require.NoError(t, err)
	other, err := NewService(Config{
		Backend:  pack.bk,
		Registry: reg,
		Emitter:  events.NewDiscardEmitter(),
		Clock:    fake,
	})
	require.NoError(t, err)
	defer other.Close()

	v, err := other.GetString(ctx, Internal(), "site-name")
	require.NoError(t, err)
	require.Equal(t, "one", v)

	require.NoError(t, pack.svc.Set(ctx, Internal(), "site-name", "two"))

	// within the check interval the stale snapshot is served
	v, err = other.GetString(ctx, Internal(), "site-name")
	require.NoError(t, err)
	require.Equal(t, "one", v)

	// past the interval the version token mismatch forces a reload
	fake.Advance(defaults.CacheCheckInterval + time.Second)
	v, err = other.GetString(ctx, Internal(), "site-name")
	require.NoError(t, err)
	require.Equal(t, "two", v)
}

func TestDisableCacheSkipsTokenBump(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newPack(t, []Definition{
		{Name: "site-name", Encryption: EncryptNever},
	}, func(cfg *Config) {
		cfg.DisableCache = true
	})

	require.NoError(t, pack.svc.Set(ctx, Internal(), "site-name", "Acme"))
	_, err := pack.bk.Get(ctx, versionKey())
	require.True(t, trace.IsNotFound(err))

	v, err := pack.svc.GetString(ctx, Internal(), "site-name")
	require.NoError(t, err)
	require.Equal(t, "Acme", v)
}

func TestCustomGetterAndSetter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newPack(t, []Definition{
		{
			Name:       "derived-banner",
			Encryption: EncryptNever,
			Getter: func(ctx context.Context, sctx *ScopedContext) (string, error) {
				return "computed", nil
			},
		},
		{
			Name:       "normalized-url",
			Encryption: EncryptNever,
			Setter: func(raw string) (string, error) {
				return strings.TrimSuffix(raw, "/"), nil
			},
		},
	})

	v, err := pack.svc.GetString(ctx, Internal(), "derived-banner")
	require.NoError(t, err)
	require.Equal(t, "computed", v)

	require.NoError(t, pack.svc.Set(ctx, Internal(), "normalized-url", "https://acme.test/"))
	v, err = pack.svc.GetString(ctx, Internal(), "normalized-url")
	require.NoError(t, err)
	require.Equal(t, "https://acme.test", v)
}

func TestSensitiveParseErrorIsRedacted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newPack(t, []Definition{
		{Name: "secret-count", Type: TypeInt, Sensitive: true, Encryption: EncryptNever},
	})

	err := pack.svc.Set(ctx, Internal(), "secret-count", "hunter2-not-a-number")
	require.True(t, trace.IsBadParameter(err))
	require.NotContains(t, err.Error(), "hunter2-not-a-number")
}
