// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

// Package logging builds the slog loggers used by plink binaries.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// New returns a logger writing to stderr at the named level. A
// terminal gets slog's text format; anything else (pipes, files,
// service managers) gets JSON.
func New(level string) (*slog.Logger, error) {
	parsed, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return NewWithWriter(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())), parsed), nil
}

// NewWithWriter returns a text logger when text is true and a JSON
// logger otherwise.
func NewWithWriter(w io.Writer, text bool, level slog.Level) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	if text {
		return slog.New(slog.NewTextHandler(w, options))
	}
	return slog.New(slog.NewJSONHandler(w, options))
}

// ParseLevel accepts debug, info, warn and error (case-insensitive).
// The empty string means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q (want debug, info, warn or error)", level)
}
