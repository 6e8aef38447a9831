// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

func chatCommand() *command {
	var flags sessionFlags

	return &command{
		name:    "chat",
		summary: "Exchange text messages with the other peer",
		description: `Join a room and send each line read from standard input to the other
peer. Messages from the peer are printed as they arrive. Files the peer
sends are saved to the download directory. Ends at end of input or on
interrupt.`,
		usage: "plink chat --room ROOM [flags]",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("chat", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		run: func(ctx context.Context, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			printer := newProgressPrinter(os.Stderr)
			current, err := startSession(ctx, &flags, hooks{observer: printer.observe, onChat: printChat})
			if err != nil {
				return err
			}
			defer current.close()

			if err := current.waitConnected(ctx); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "connected; type a message and press enter")

			lines := readLines(os.Stdin)
			for {
				select {
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					if strings.TrimSpace(line) == "" {
						continue
					}
					if err := current.SendChat(ctx, line); err != nil {
						return err
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

// readLines delivers lines from r until EOF. The goroutine outlives the
// command when stdin never closes; the process exits anyway.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}
