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
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/siteconf/siteconf/lib/defaults"
)

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		desc string
		def  Definition
	}{
		{desc: "missing name", def: Definition{}},
		{desc: "uppercase name", def: Definition{Name: "SiteURL"}},
		{desc: "leading digit", def: Definition{Name: "2fa-enabled"}},
		{desc: "reserved name", def: Definition{Name: defaults.SettingsVersionKey}},
		{desc: "retired name", def: Definition{Name: "site-url-legacy"}},
		{desc: "unknown type", def: Definition{Name: "a-setting", Type: "duration"}},
		{desc: "both scopes", def: Definition{
			Name: "a-setting", Type: TypeBool,
			UserLocal: ScopeAllowed, DatabaseLocal: ScopeAllowed,
		}},
		{desc: "default and init", def: Definition{
			Name: "a-setting", Type: TypeBool, Default: "true",
			Init: func() (string, error) { return "false", nil },
		}},
		{desc: "feature and enabled", def: Definition{
			Name: "a-setting", Type: TypeBool, Feature: "sso",
			Enabled: func() bool { return true },
		}},
		{desc: "no encryption policy for string", def: Definition{Name: "a-setting"}},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			reg := NewRegistry()
			_, err := reg.Register(tt.def)
			require.True(t, trace.IsBadParameter(err), "got %v", err)
		})
	}
}

func TestRegisterNamespaceConflict(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	_, err := reg.Register(Definition{Name: "site-name", Namespace: "core", Type: TypeBool})
	require.NoError(t, err)

	// same namespace may replace
	def, err := reg.Register(Definition{Name: "site-name", Namespace: "core", Type: TypeBool, Default: "true"})
	require.NoError(t, err)
	require.Equal(t, "true", def.Default)

	// another namespace may not steal the name
	_, err = reg.Register(Definition{Name: "site-name", Namespace: "sso", Type: TypeBool})
	require.True(t, trace.IsBadParameter(err))
}

func TestRegisterEnvCollision(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	_, err := reg.Register(Definition{Name: "site-url", Encryption: EncryptNever})
	require.NoError(t, err)

	// "site.url" and "site-url" both derive SITECONF_SITE... forms that
	// differ, but "site_url" collides with "site-url"
	_, err = reg.Register(Definition{Name: "site_url", Encryption: EncryptNever})
	require.True(t, trace.IsBadParameter(err))
}

func TestResolveUnknown(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	_, err := reg.Register(Definition{Name: "known-one", Type: TypeBool})
	require.NoError(t, err)

	_, err = reg.Resolve("known-two")
	require.True(t, trace.IsNotFound(err))
	require.Contains(t, err.Error(), "known-one")
}

func TestEnvVarDerivation(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"site-url":        "SITECONF_SITE_URL",
		"enable-xrays":    "SITECONF_ENABLE_XRAYS",
		"sso.client-id":   "SITECONF_SSOCLIENT_ID",
		"max_connections": "SITECONF_MAX_CONNECTIONS",
	}
	for name, want := range tests {
		require.Equal(t, want, deriveEnvVar(name), "name=%q", name)
	}
}

func TestEncryptionPolicyResolution(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	// sensitive settings default to opportunistic encryption
	def, err := reg.Register(Definition{Name: "api-token", Sensitive: true})
	require.NoError(t, err)
	require.Equal(t, EncryptWhenKeyAvailable, def.Encryption)

	// read-only settings hold generated material and default likewise
	def, err = reg.Register(Definition{Name: "install-id", ReadOnly: true})
	require.NoError(t, err)
	require.Equal(t, EncryptWhenKeyAvailable, def.Encryption)

	// inherently non-secret types default to plaintext
	def, err = reg.Register(Definition{Name: "query-limit", Type: TypeInt})
	require.NoError(t, err)
	require.Equal(t, EncryptNever, def.Encryption)
}

func TestObfuscate(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", Obfuscate(""))
	require.Equal(t, defaults.ObfuscationMask, Obfuscate("ab"))
	require.Equal(t, defaults.ObfuscationMask+"23", Obfuscate("swordfish23"))
}
