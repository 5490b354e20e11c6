// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for engine processes.
//
// Configuration is loaded from a single YAML file specified by:
//   - THINGENGINE_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. Environment
// variables never override file values; the only expansion performed
// is ${HOME} and similar path variables for portability.
package config
