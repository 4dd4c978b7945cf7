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

import "errors"

var (
	// ErrFeatureUnavailable is returned when a setting's feature gate
	// reports the feature as not available to this deployment.
	ErrFeatureUnavailable = errors.New("feature is not available")

	// ErrDisabled is returned when a setting's enabled-predicate reports
	// the setting as disabled.
	ErrDisabled = errors.New("setting is disabled")

	// ErrReadOnly is returned on writes to a setting whose setter is
	// disabled, unless the caller explicitly bypasses the check.
	ErrReadOnly = errors.New("setting is read-only")
)
