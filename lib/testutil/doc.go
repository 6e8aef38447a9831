// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by plink tests.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so tests never block forever on a channel. They are the only
// place tests use wall-clock timeouts; everything else is driven by
// lib/clock's fake clock. [SocketDir] returns a short directory for
// Unix sockets, whose paths are limited to 108 bytes.
package testutil
