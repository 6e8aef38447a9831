// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

// plink sends files and chat messages to one other peer over a WebRTC
// data channel. Both sides join the same room on a rendezvous
// coordinator, which relays the negotiation; after that the data flows
// directly between the peers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Levi477/plink-revamp/lib/process"
	"github.com/Levi477/plink-revamp/lib/version"
)

func main() {
	if err := run(); err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		process.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return rootCommand().execute(ctx, os.Args[1:])
}

func rootCommand() *command {
	root := &command{
		name:    "plink",
		summary: "Peer-to-peer file transfer and chat",
		description: `plink pairs two machines through a rendezvous coordinator and then
moves files and chat messages directly between them over WebRTC.

Both sides name the same room (and the same secret, if the room is
protected). The first to join waits; when the second arrives the two
negotiate a connection and the command proceeds.`,
		subcommands: []*command{
			sendCommand(),
			receiveCommand(),
			chatCommand(),
			versionCommand(),
		},
	}
	// Only reached for a leading flag or no arguments at all.
	root.run = func(_ context.Context, args []string) error {
		if len(args) > 0 && args[0] == "--version" {
			version.Print("plink")
			return nil
		}
		root.printHelp(os.Stderr)
		if len(args) == 0 {
			return fmt.Errorf("subcommand required")
		}
		return fmt.Errorf("unknown flag %q", args[0])
	}
	return root
}

func versionCommand() *command {
	return &command{
		name:    "version",
		summary: "Print version information",
		run: func(context.Context, []string) error {
			version.Print("plink")
			return nil
		},
	}
}
