// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/Levi477/plink-revamp/lib/archive"
	"github.com/Levi477/plink-revamp/peer"
	"github.com/Levi477/plink-revamp/transfer"
)

func receiveCommand() *command {
	var flags sessionFlags
	var once, extract bool

	return &command{
		name:    "receive",
		summary: "Wait for files from the other peer",
		description: `Join a room and save every file the other peer sends into the
download directory. Chat messages from the peer are printed as they
arrive. Runs until interrupted, or until the first file with --once.`,
		usage: "plink receive --room ROOM [flags]",
		examples: []example{
			{
				description: "Receive one file into the current directory",
				command:     "plink receive --room lab --secret hunter2 --dir . --once",
			},
		},
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("receive", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.BoolVar(&once, "once", false, "exit after the first file is received")
			flagSet.BoolVar(&extract, "extract", false, "unpack received zip archives next to the archive")
			return flagSet
		},
		run: func(ctx context.Context, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}

			printer := newProgressPrinter(os.Stderr)
			received := make(chan transfer.Event, 16)
			current, err := startSession(ctx, &flags, hooks{
				observer: func(event transfer.Event) {
					printer.observe(event)
					if event.Direction != transfer.Receiving {
						return
					}
					if event.Kind == transfer.EventCompleted || event.Kind == transfer.EventFailed {
						select {
						case received <- event:
						default:
						}
					}
				},
				onChat: printChat,
			})
			if err != nil {
				return err
			}
			defer current.close()

			for {
				select {
				case event := <-received:
					if event.Kind == transfer.EventFailed {
						if once {
							return event.Err
						}
						continue
					}
					if extract && strings.EqualFold(filepath.Ext(event.Path), ".zip") {
						if err := extractArchive(event.Path); err != nil {
							current.logger.Error("extracting archive failed", "path", event.Path, "error", err)
						}
					}
					if once {
						return nil
					}
				case err := <-current.runErr:
					return err
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
}

// extractArchive unpacks path into a directory named after it and
// removes the archive.
func extractArchive(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return err
	}
	directory := strings.TrimSuffix(path, filepath.Ext(path))
	if err := archive.Extract(file, info.Size(), directory); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "extracted into %s\n", directory)
	return os.Remove(path)
}

func printChat(message peer.ChatMessage) {
	fmt.Fprintf(os.Stdout, "[%s] %s\n", message.SentAt.Local().Format("15:04:05"), message.Text)
}
