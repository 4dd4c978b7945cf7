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

// Package utils contains small helpers shared across packages.
package utils

import (
	"io"
	"log/slog"
	"os"

	"github.com/siteconf/siteconf"
)

// InitLoggerForTests configures the default logger for tests. Output is
// discarded unless SITECONF_DEBUG_TESTS is set.
func InitLoggerForTests() {
	w := io.Discard
	level := slog.LevelError
	if os.Getenv(siteconf.DebugOutputEnvVar) != "" {
		w = os.Stderr
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}
