/*
Copyright 2023 Siteconf Authors

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

package lite

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/siteconf/siteconf/lib/backend"
	"github.com/siteconf/siteconf/lib/backend/test"
	"github.com/siteconf/siteconf/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

func TestLite(t *testing.T) {
	test.RunBackendComplianceSuite(t, func(t *testing.T) backend.Backend {
		bk, err := New(Config{Path: t.TempDir()})
		require.NoError(t, err)
		return bk
	})
}

func TestLiteMemory(t *testing.T) {
	test.RunBackendComplianceSuite(t, func(t *testing.T) backend.Backend {
		bk, err := NewMemory()
		require.NoError(t, err)
		return bk
	})
}
