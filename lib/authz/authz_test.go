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

package authz

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVisibilityOrdering(t *testing.T) {
	t.Parallel()

	require.True(t, VisibilityPublic < VisibilityAuthenticated)
	require.True(t, VisibilityAuthenticated < VisibilitySettingsManager)
	require.True(t, VisibilitySettingsManager < VisibilityAdmin)
	require.True(t, VisibilityAdmin < VisibilityInternal)
}

func TestParseVisibility(t *testing.T) {
	t.Parallel()

	for v, name := range visibilityNames {
		parsed, err := ParseVisibility(name)
		require.NoError(t, err)
		require.Equal(t, v, parsed)
	}
	_, err := ParseVisibility("nonsense")
	require.Error(t, err)
}

func TestPermissionSets(t *testing.T) {
	t.Parallel()

	anonymous := Requester{}
	user := Requester{Identity: "alice", Authenticated: true}
	manager := Requester{Identity: "bob", Authenticated: true, SettingsManager: true}
	admin := Requester{Identity: "carol", Authenticated: true, Superuser: true}

	tests := []struct {
		name      string
		requester Requester
		readMax   Visibility
	}{
		{name: "anonymous", requester: anonymous, readMax: VisibilityPublic},
		{name: "authenticated", requester: user, readMax: VisibilityAuthenticated},
		{name: "settings manager", requester: manager, readMax: VisibilitySettingsManager},
		{name: "superuser", requester: admin, readMax: VisibilityAdmin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for v := VisibilityPublic; v <= VisibilityAdmin; v++ {
				require.Equal(t, v <= tt.readMax, tt.requester.CanRead(v), "visibility %v", v)
				require.Equal(t, v <= tt.readMax, tt.requester.CanWrite(v, false), "visibility %v", v)
			}
			// internal is off limits for everybody
			require.False(t, tt.requester.CanRead(VisibilityInternal))
			require.False(t, tt.requester.CanWrite(VisibilityInternal, true))
		})
	}
}

func TestUserLocalWriteCarveOut(t *testing.T) {
	t.Parallel()

	user := Requester{Identity: "alice", Authenticated: true}

	// plain users cannot write admin-visibility settings site-wide...
	require.False(t, user.CanWrite(VisibilityAdmin, false))
	// ...but may write their own override when the scope allows it
	require.True(t, user.CanWrite(VisibilityAdmin, true))

	// anonymous requesters get no carve-out
	require.False(t, Requester{}.CanWrite(VisibilityPublic+1, true))
}
