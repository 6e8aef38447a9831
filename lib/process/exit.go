// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers shared by the plink
// binaries.
package process

import (
	"fmt"
	"os"
)

// Fatal prints err to stderr and exits with status 1. main calls it
// with the error from run, before or after the logger exists.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
