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
	"sort"
	"strings"
	"sync"

	"github.com/gravitational/trace"
)

// Registry holds the process-wide set of setting definitions and codecs.
// It is an explicit container rather than ambient global state: production
// code creates one at startup and registers definitions into it; tests
// create throwaway registries or call Reset.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]*Definition
	byEnv  map[string]string // derived env var -> setting name
	codecs map[Type]Codec
}

// NewRegistry returns a registry with the builtin codecs installed.
func NewRegistry() *Registry {
	return &Registry{
		defs:   make(map[string]*Definition),
		byEnv:  make(map[string]string),
		codecs: builtinCodecs(),
	}
}

// RegisterCodec installs a codec for a setting type, replacing any previous
// codec for that type. Definitions registered afterwards may declare it.
func (r *Registry) RegisterCodec(t Type, c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[t] = c
}

// Register validates and installs a definition. Re-registering a name
// within the same namespace replaces the previous definition; registering
// a name owned by a different namespace is rejected, as is any definition
// whose derived environment variable name collides with another setting's.
func (r *Registry) Register(def Definition) (*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := def.CheckAndSetDefaults(r.codecs); err != nil {
		return nil, trace.Wrap(err)
	}
	if existing, ok := r.defs[def.Name]; ok && existing.Namespace != def.Namespace {
		return nil, trace.BadParameter(
			"setting %q is already registered by namespace %q", def.Name, existing.Namespace)
	}
	if owner, ok := r.byEnv[def.envVar]; ok && owner != def.Name {
		return nil, trace.BadParameter(
			"setting %q derives environment variable %v, which collides with setting %q",
			def.Name, def.envVar, owner)
	}
	r.defs[def.Name] = &def
	r.byEnv[def.envVar] = def.Name
	return &def, nil
}

// Resolve returns the definition for a name. Unknown names produce a
// NotFound error listing all registered names for diagnostics.
func (r *Registry) Resolve(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, trace.NotFound("unknown setting %q, known settings: %v",
			name, strings.Join(r.namesLocked(), ", "))
	}
	return def, nil
}

// Codec returns the codec for a definition's declared type.
func (r *Registry) Codec(def *Definition) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[def.Type]
	if !ok {
		return nil, trace.NotFound("no codec registered for type %q", def.Type)
	}
	return c, nil
}

// Definitions returns all registered definitions sorted by name.
func (r *Registry) Definitions() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset drops all registered definitions. Test environments only.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = make(map[string]*Definition)
	r.byEnv = make(map[string]string)
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
