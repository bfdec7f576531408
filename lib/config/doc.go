// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the kwm daemon configuration.
//
// Configuration is loaded from a single file named by either the
// KWM_CONFIG environment variable (via [Load]) or a --config flag (via
// [LoadFile]). There is no discovery and no search path. Files ending
// in .json or .jsonc are parsed as JSON with comments and trailing
// commas; anything else is parsed as YAML. Both formats use the same
// field names.
//
// The file may carry environment-specific sections (development,
// staging, production) that override base values when
// [Config].Environment matches.
//
// Path fields support ${HOME}, ${KWM_ROOT} and ${VAR:-default}
// expansion after loading. No other environment variables override
// config values.
//
// Key exports:
//
//   - [Config] -- master struct: Paths, Servers, Login, Reconnect,
//     Quench, Persistence
//   - [Default] -- a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points
package config
