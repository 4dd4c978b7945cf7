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

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/siteconf/siteconf"
	"github.com/siteconf/siteconf/lib/backend"
	"github.com/siteconf/siteconf/lib/secret"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	fc, err := ReadConfig(strings.NewReader(`
storage:
  type: lite
  path: /var/lib/siteconf
disable_cache: true
`))
	require.NoError(t, err)
	require.Equal(t, siteconf.LiteBackendType, fc.Storage.Type)
	require.Equal(t, "/var/lib/siteconf", fc.Storage.Params.GetString("path"))
	require.True(t, fc.DisableCache)
}

func TestReadConfigDefaults(t *testing.T) {
	t.Parallel()

	fc, err := ReadConfig(strings.NewReader(`{}`))
	require.NoError(t, err)
	require.Equal(t, siteconf.LiteBackendType, fc.Storage.Type)
	require.False(t, fc.DisableCache)
}

func TestReadConfigRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := ReadConfig(strings.NewReader(`storrage: {type: lite}`))
	require.True(t, trace.IsBadParameter(err), "got %v", err)
}

func TestReadConfigRejectsUnknownStorageType(t *testing.T) {
	t.Parallel()

	_, err := ReadConfig(strings.NewReader(`storage: {type: etcd}`))
	require.True(t, trace.IsBadParameter(err), "got %v", err)
}

func TestSecretKey(t *testing.T) {
	t.Parallel()

	fc := &FileConfig{}
	key, err := fc.SecretKey()
	require.NoError(t, err)
	require.Nil(t, key)

	generated, err := secret.NewKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte(generated.String()+"\n"), 0o600))

	fc = &FileConfig{SecretKeyFile: path}
	key, err = fc.SecretKey()
	require.NoError(t, err)
	require.Equal(t, generated, key)
}

func TestNewBackend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	bk, err := NewBackend(ctx, backend.Config{Type: siteconf.MemoryBackendType})
	require.NoError(t, err)
	defer bk.Close()

	item := backend.Item{Key: backend.Key("settings", "site-name"), Value: []byte("Acme")}
	require.NoError(t, bk.Put(ctx, item))
	got, err := bk.Get(ctx, item.Key)
	require.NoError(t, err)
	require.Equal(t, item.Value, got.Value)

	_, err = NewBackend(ctx, backend.Config{Type: "etcd"})
	require.True(t, trace.IsBadParameter(err))
}
