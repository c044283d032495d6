// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the chatlink
// node and relay.
//
// Configuration is loaded from a single file specified by either the
// CHATLINK_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search.
//
// The configuration file supports environment-specific sections
// (development, production) that override session timers and logging
// when [Config].Environment matches. Production logs JSON unless told
// otherwise.
//
// Variable expansion is performed on self_id, signaling.url and
// store.path after loading: ${HOME}, ${SELF_ID} and ${VAR:-default}
// patterns are expanded. No other environment variables override
// config values.
//
// Key exports:
//
//   - [Config] -- master struct with Signaling, ICE, Session, Store, Relay, Log
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Config.Validate] and [Config.ValidateNode]
//
// This package depends on no other chatlink packages.
package config
