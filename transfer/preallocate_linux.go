// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package transfer

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves size bytes for file so chunk writes through the
// mapping cannot fail for lack of space. Filesystems without fallocate
// get a sparse file instead.
func preallocate(file *os.File, size int64) error {
	err := unix.Fallocate(int(file.Fd()), 0, 0, size)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) {
		return file.Truncate(size)
	}
	return err
}
