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

// Package config loads the YAML configuration file that selects the storage
// backend and the optional at-rest encryption key.
package config

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v2"

	"github.com/siteconf/siteconf"
	"github.com/siteconf/siteconf/lib/backend"
	"github.com/siteconf/siteconf/lib/backend/lite"
	"github.com/siteconf/siteconf/lib/backend/memory"
	"github.com/siteconf/siteconf/lib/backend/pgbk"
	"github.com/siteconf/siteconf/lib/secret"
)

// FileConfig is the on-disk YAML configuration.
type FileConfig struct {
	// Storage selects the backend type and its parameters.
	Storage backend.Config `yaml:"storage,omitempty"`

	// SecretKeyFile is a path to a file holding the hex-encoded at-rest
	// encryption key. Optional; without a key, encryption policies degrade
	// to plaintext storage.
	SecretKeyFile string `yaml:"secret_key_file,omitempty"`

	// DisableCache turns the settings snapshot cache off process-wide.
	DisableCache bool `yaml:"disable_cache,omitempty"`
}

// ReadFromFile reads the configuration from a YAML file.
func ReadFromFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	fc, err := ReadConfig(f)
	if err != nil {
		return nil, trace.Wrap(err, "failed to parse config file %v", path)
	}
	return fc, nil
}

// ReadConfig reads the configuration from a reader. Unknown fields are
// rejected so typos fail loudly instead of being silently ignored.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var fc FileConfig
	if err := yaml.UnmarshalStrict(data, &fc); err != nil {
		return nil, trace.BadParameter("failed to parse config: %v", err)
	}
	if err := fc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &fc, nil
}

// CheckAndSetDefaults checks and sets default values.
func (fc *FileConfig) CheckAndSetDefaults() error {
	if fc.Storage.Type == "" {
		fc.Storage.Type = siteconf.LiteBackendType
	}
	switch fc.Storage.Type {
	case siteconf.LiteBackendType, siteconf.MemoryBackendType, siteconf.PostgresBackendType:
	default:
		return trace.BadParameter("unsupported storage type %q", fc.Storage.Type)
	}
	return nil
}

// SecretKey loads the at-rest encryption key named by the config, nil if
// none is configured.
func (fc *FileConfig) SecretKey() (secret.Key, error) {
	if fc.SecretKeyFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(fc.SecretKeyFile)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	key, err := secret.ParseKey([]byte(strings.TrimSpace(string(data))))
	if err != nil {
		return nil, trace.Wrap(err, "failed to parse key file %v", fc.SecretKeyFile)
	}
	return key, nil
}

// NewBackend instantiates the storage backend selected by the config,
// wrapped with the metrics reporter.
func NewBackend(ctx context.Context, cfg backend.Config) (backend.Backend, error) {
	var bk backend.Backend
	var err error
	switch cfg.Type {
	case siteconf.MemoryBackendType:
		bk, err = memory.New(memory.Config{})
	case siteconf.LiteBackendType:
		bk, err = lite.New(lite.Config{
			Path:   cfg.Params.GetString("path"),
			Memory: cfg.Params.GetString("path") == "",
		})
	case siteconf.PostgresBackendType:
		bk, err = pgbk.New(ctx, pgbk.Config{
			ConnString: cfg.Params.GetString("conn_string"),
		})
	default:
		return nil, trace.BadParameter("unsupported storage type %q", cfg.Type)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	reporter, err := backend.NewReporter(backend.ReporterConfig{Backend: bk})
	if err != nil {
		bk.Close()
		return nil, trace.Wrap(err)
	}
	return reporter, nil
}
