// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
	"github.com/spf13/pflag"

	"github.com/Levi477/plink-revamp/lib/archive"
	"github.com/Levi477/plink-revamp/transfer"
)

func sendCommand() *command {
	var flags sessionFlags
	var name string

	return &command{
		name:    "send",
		summary: "Send files or directories to the other peer",
		description: `Join a room, wait for the other peer and send PATH to it.

A single regular file is sent as is. A directory, or more than one
path, is packed into one zip archive first; the receiver can unpack it
with "plink receive --extract".`,
		usage: "plink send PATH... --room ROOM [flags]",
		examples: []example{
			{
				description: "Send a file through the default coordinator",
				command:     "plink send report.pdf --room lab --secret hunter2",
			},
			{
				description: "Send a directory to a peer on the same network",
				command:     "plink send photos/ --room lab --rendezvous mdns",
			},
		},
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("send", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.StringVar(&name, "name", "", "name announced to the receiver (default derived from PATH)")
			return flagSet
		},
		run: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return errors.New("at least one PATH is required\n\nUsage: plink send PATH... --room ROOM [flags]")
			}
			source, cleanup, err := sourceFor(args)
			if err != nil {
				return err
			}
			defer cleanup()
			if name != "" {
				source.Name = name
			}

			printer := newProgressPrinter(os.Stderr)
			current, err := startSession(ctx, &flags, hooks{observer: printer.observe})
			if err != nil {
				return err
			}
			defer current.close()

			if err := current.waitConnected(ctx); err != nil {
				return err
			}
			result, err := current.SendFile(ctx, source)
			if err != nil {
				return err
			}
			current.logger.Info("file sent",
				"transfer_id", result.TransferID,
				"name", result.Name,
				"size", result.Size,
				"compression", result.Compression,
				"checksum", result.Checksum,
				"elapsed", result.Elapsed,
			)
			return nil
		},
	}
}

// sourceFor describes what to send for paths. Anything other than a
// single regular file is archived into a temporary zip, which cleanup
// removes.
func sourceFor(paths []string) (transfer.Source, func(), error) {
	noop := func() {}
	if len(paths) == 1 {
		info, err := os.Stat(paths[0])
		if err != nil {
			return transfer.Source{}, noop, err
		}
		if info.Mode().IsRegular() {
			source, err := transfer.FileSource(paths[0])
			return source, noop, err
		}
	}

	spool, err := os.CreateTemp("", "plink-archive-*.zip")
	if err != nil {
		return transfer.Source{}, noop, fmt.Errorf("creating archive: %w", err)
	}
	cleanup := func() { os.Remove(spool.Name()) }
	// Entries are stored; the transfer compresses the archive as a whole.
	if err := archive.Write(spool, paths, flate.NoCompression); err != nil {
		spool.Close()
		cleanup()
		return transfer.Source{}, noop, err
	}
	if err := spool.Close(); err != nil {
		cleanup()
		return transfer.Source{}, noop, fmt.Errorf("writing archive: %w", err)
	}

	source, err := transfer.FileSource(spool.Name())
	if err != nil {
		cleanup()
		return transfer.Source{}, noop, err
	}
	source.Name = archiveName(paths)
	// application/zip would disable transfer compression.
	source.MIMEType = "application/x-plink-archive"
	return source, cleanup, nil
}

// archiveName is "<dir>.zip" for one directory and "plink-archive.zip"
// otherwise.
func archiveName(paths []string) string {
	if len(paths) == 1 {
		base := filepath.Base(filepath.Clean(paths[0]))
		if base != "." && base != string(filepath.Separator) {
			return base + ".zip"
		}
	}
	return "plink-archive.zip"
}
