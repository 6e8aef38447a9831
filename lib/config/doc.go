// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads plink configuration.
//
// Configuration comes from a single file named by the --config flag or
// the PLINK_CONFIG environment variable. There is no discovery: with
// neither set, [Load] returns [Default]. Command-line flags override
// file values in the binaries.
//
// Files ending in .json or .jsonc are read as JSON with comments and
// trailing commas; everything else is YAML. Both use the yaml field
// names. Paths may reference environment variables as ${NAME} or
// ${NAME:-fallback}, and durations are strings such as "30s".
package config
