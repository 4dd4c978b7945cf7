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
	"regexp"
	"strings"

	"github.com/gravitational/trace"

	"github.com/siteconf/siteconf/lib/authz"
	"github.com/siteconf/siteconf/lib/defaults"
)

// ScopePolicy controls whether a setting may carry a per-user or
// per-database override.
type ScopePolicy int

const (
	// ScopeNever forbids overrides in this scope.
	ScopeNever ScopePolicy = iota
	// ScopeAllowed permits an override in this scope alongside the
	// site-wide value.
	ScopeAllowed
	// ScopeOnly permits values in this scope exclusively: the setting has
	// no site-wide value at all.
	ScopeOnly
)

// EncryptionPolicy controls encryption of the stored value.
type EncryptionPolicy int

const (
	// EncryptUnset means no explicit choice was made; registration
	// resolves it from the definition, or fails if it cannot.
	EncryptUnset EncryptionPolicy = iota
	// EncryptNever stores the value in plaintext.
	EncryptNever
	// EncryptWhenKeyAvailable encrypts the value whenever a site-wide
	// secret key is configured, and falls back to plaintext otherwise.
	EncryptWhenKeyAvailable
)

// AuditPolicy controls what a mutation's audit record captures.
type AuditPolicy int

const (
	// AuditNever emits no record.
	AuditNever AuditPolicy = iota
	// AuditNoValue records that the setting changed, without values.
	AuditNoValue
	// AuditRawValue records the raw stored values.
	AuditRawValue
	// AuditGetter records the values as returned by the setting's getter.
	AuditGetter
)

// InitFunc lazily generates a setting's first value. It runs at most once
// system-wide, under a cross-process lock.
type InitFunc func() (string, error)

// GetterFunc replaces the resolution chain for a setting.
type GetterFunc func(ctx context.Context, sctx *ScopedContext) (string, error)

// SetterFunc transforms an incoming raw value before validation and
// persistence.
type SetterFunc func(raw string) (string, error)

// ChangeFunc observes a committed site-wide mutation. It receives the
// previous and new full site-wide settings maps so cross-cutting consumers
// can key off whichever deltas concern them.
type ChangeFunc func(previous, current map[string]string)

// Definition describes one setting. Definitions are immutable after
// registration and live for the process lifetime.
type Definition struct {
	// Name uniquely identifies the setting.
	Name string
	// Namespace names the owning subsystem. Redefining a name owned by a
	// different namespace is rejected.
	Namespace string
	// Description is a human-readable summary.
	Description string
	// Type selects the codec used to parse and serialize values.
	Type Type
	// Default is the raw static default, empty for none. Mutually
	// exclusive with Init.
	Default string
	// Init lazily generates the first value. Mutually exclusive with
	// Default.
	Init InitFunc
	// Visibility gates read and write access.
	Visibility authz.Visibility
	// UserLocal is the per-user override policy.
	UserLocal ScopePolicy
	// DatabaseLocal is the per-database override policy.
	DatabaseLocal ScopePolicy
	// Sensitive marks values that must be obfuscated in user-facing
	// output and redacted in errors and audit records.
	Sensitive bool
	// Encryption is the at-rest encryption policy.
	Encryption EncryptionPolicy
	// NoCache excludes this setting from the snapshot cache; reads go to
	// durable storage directly.
	NoCache bool
	// Exportable includes this setting in the site-wide export view.
	Exportable bool
	// EnvDisabled excludes this setting from environment variable
	// resolution.
	EnvDisabled bool
	// Feature names a feature gate that must be available for this
	// setting to be writable. Mutually exclusive with Enabled.
	Feature string
	// Enabled is a custom enabled-predicate. Mutually exclusive with
	// Feature.
	Enabled func() bool
	// ReadOnly disables the setter.
	ReadOnly bool
	// Audit selects what mutation audit records capture.
	Audit AuditPolicy
	// Getter, when set, replaces the resolution chain.
	Getter GetterFunc
	// Setter, when set, transforms incoming values before persistence.
	Setter SetterFunc
	// OnChange observes committed site-wide mutations.
	OnChange ChangeFunc
	// Deprecated marks the setting as deprecated, naming the replacement.
	Deprecated string

	// envVar is the derived environment variable name.
	envVar string
}

// settingNamePattern restricts setting names to lowercase kebab-case, which
// keeps derived env names unambiguous.
var settingNamePattern = regexp.MustCompile(`^[a-z][a-z0-9._-]*$`)

// retiredSettingNames lists permanently retired names. Their historical
// stored values could reappear with incompatible semantics if the name were
// reused.
var retiredSettingNames = map[string]string{
	"site-url-legacy":   "replaced by base-url in the 0.x migration",
	"analytics-token":   "retired credential format",
	"metrics-namespace": "retired in favor of per-exporter configuration",
}

// EnvVar returns the derived environment variable name for the setting:
// prefixed, uppercased, shell-safe.
func (d *Definition) EnvVar() string {
	if d.envVar == "" {
		return deriveEnvVar(d.Name)
	}
	return d.envVar
}

func deriveEnvVar(name string) string {
	upper := strings.ToUpper(name)
	var sb strings.Builder
	for _, r := range upper {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		case r == '-':
			sb.WriteRune('_')
		}
		// anything else is stripped
	}
	return defaults.EnvVarPrefix + sb.String()
}

// SiteWideAllowed reports whether the setting may have a site-wide value.
// Scope-only settings live exclusively in their override scope.
func (d *Definition) SiteWideAllowed() bool {
	return d.UserLocal != ScopeOnly && d.DatabaseLocal != ScopeOnly
}

// CheckAndSetDefaults validates the definition and resolves derived fields.
// Violations are registration-time contract errors and fail process startup.
func (d *Definition) CheckAndSetDefaults(codecs map[Type]Codec) error {
	if d.Name == "" {
		return trace.BadParameter("setting definition missing Name")
	}
	if !settingNamePattern.MatchString(d.Name) {
		return trace.BadParameter("invalid setting name %q", d.Name)
	}
	if d.Name == defaults.SettingsVersionKey {
		return trace.BadParameter("setting name %q is reserved", d.Name)
	}
	if reason, ok := retiredSettingNames[d.Name]; ok {
		return trace.BadParameter("setting name %q is permanently retired: %v", d.Name, reason)
	}
	if d.Namespace == "" {
		d.Namespace = "core"
	}
	if d.Type == "" {
		d.Type = TypeString
	}
	if _, ok := codecs[d.Type]; !ok {
		return trace.BadParameter("setting %q declares unknown type %q", d.Name, d.Type)
	}
	if d.UserLocal != ScopeNever && d.DatabaseLocal != ScopeNever {
		return trace.BadParameter("setting %q cannot allow both user-local and database-local values", d.Name)
	}
	if d.Default != "" && d.Init != nil {
		return trace.BadParameter("setting %q cannot have both a default and an init function", d.Name)
	}
	if d.Feature != "" && d.Enabled != nil {
		return trace.BadParameter("setting %q cannot have both a feature gate and an enabled-predicate", d.Name)
	}
	if err := d.resolveEncryption(); err != nil {
		return trace.Wrap(err)
	}
	d.envVar = deriveEnvVar(d.Name)
	return nil
}

// resolveEncryption resolves the at-rest encryption policy once, at
// registration time. Precedence: explicit declaration, then "encrypt if
// sensitive", then "encrypt if read-only", then "plaintext if the type is
// inherently non-secret". Anything else requires an explicit choice.
func (d *Definition) resolveEncryption() error {
	if d.Encryption != EncryptUnset {
		return nil
	}
	switch {
	case d.Sensitive:
		d.Encryption = EncryptWhenKeyAvailable
	case d.ReadOnly:
		d.Encryption = EncryptWhenKeyAvailable
	case inherentlyNonSecret(d.Type):
		d.Encryption = EncryptNever
	default:
		return trace.BadParameter("setting %q requires an explicit encryption policy", d.Name)
	}
	return nil
}

// Obfuscate masks a sensitive value for display: a fixed-length mask
// followed by the trailing two real characters. Short values get the bare
// mask so they are not revealed wholesale.
func Obfuscate(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 2 {
		return defaults.ObfuscationMask
	}
	return defaults.ObfuscationMask + value[len(value)-2:]
}
