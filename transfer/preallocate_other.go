// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package transfer

import "os"

// preallocate extends file to size. Only Linux reserves the blocks.
func preallocate(file *os.File, size int64) error {
	return file.Truncate(size)
}
