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

package pgbk

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/siteconf/siteconf/lib/backend"
	"github.com/siteconf/siteconf/lib/backend/test"
	"github.com/siteconf/siteconf/lib/utils"
)

// testConnEnv points the suite at a scratch database, e.g.
// postgres://localhost/siteconf_test. The kv table is truncated per test.
const testConnEnv = "SITECONF_PG_TEST_CONN"

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

func TestPostgres(t *testing.T) {
	connString := os.Getenv(testConnEnv)
	if connString == "" {
		t.Skipf("postgres backend test skipped, set %v to run", testConnEnv)
	}
	test.RunBackendComplianceSuite(t, func(t *testing.T) backend.Backend {
		bk, err := New(context.Background(), Config{ConnString: connString})
		require.NoError(t, err)
		_, err = bk.pool.Exec(context.Background(), "TRUNCATE kv")
		require.NoError(t, err)
		return bk
	})
}
