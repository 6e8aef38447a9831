// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/Levi477/plink-revamp/lib/chunkstore"
	"github.com/Levi477/plink-revamp/lib/config"
	"github.com/Levi477/plink-revamp/lib/logging"
	"github.com/Levi477/plink-revamp/peer"
	"github.com/Levi477/plink-revamp/transfer"
)

// sessionFlags are shared by every command that joins a room.
type sessionFlags struct {
	configPath string
	rendezvous string
	room       string
	secret     string
	mode       string
	dir        string
	logLevel   string
}

func (f *sessionFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.configPath, "config", "", "configuration file (default $"+config.EnvironmentVariable+")")
	flagSet.StringVar(&f.rendezvous, "rendezvous", "", `coordinator address (tcp://, unix://, ws://, wss:// or "mdns")`)
	flagSet.StringVar(&f.room, "room", "", "room to join (required)")
	flagSet.StringVar(&f.secret, "secret", "", "room secret")
	flagSet.StringVar(&f.mode, "mode", "", `transfer mode for files sent from this side ("pull" or "push")`)
	flagSet.StringVar(&f.dir, "dir", "", "directory for received files")
	flagSet.StringVar(&f.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

// settings loads the configuration file and applies flag overrides.
func (f *sessionFlags) settings() (*config.Config, error) {
	var settings *config.Config
	var err error
	if f.configPath != "" {
		settings, err = config.LoadFile(f.configPath)
	} else {
		settings, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if f.rendezvous != "" {
		settings.Peer.Rendezvous = f.rendezvous
	}
	if f.dir != "" {
		settings.Peer.DownloadDir = f.dir
	}
	if f.mode != "" {
		settings.Transfer.Mode = f.mode
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// hooks are the per-command callbacks installed on the Peer.
type hooks struct {
	observer func(transfer.Event)
	onChat   func(peer.ChatMessage)
}

// session is a running Peer plus the resources the command opened for
// it.
type session struct {
	*peer.Peer
	logger *slog.Logger
	store  *chunkstore.Store
	runErr chan error
}

// startSession loads configuration, opens the chunk store and starts a
// Peer in the background. close leaves the room and releases
// everything.
func startSession(ctx context.Context, flags *sessionFlags, hooks hooks) (*session, error) {
	if flags.room == "" {
		return nil, errors.New("--room is required")
	}
	logger, err := logging.New(flags.logLevel)
	if err != nil {
		return nil, err
	}
	settings, err := flags.settings()
	if err != nil {
		return nil, err
	}

	peerConfig, err := peer.ConfigFromSettings(settings)
	if err != nil {
		return nil, err
	}
	peerConfig.Room = flags.room
	peerConfig.Secret = flags.secret
	peerConfig.Logger = logger
	peerConfig.OnChat = hooks.onChat
	peerConfig.OnDisconnected = func(remote string, err error) {
		if err != nil {
			logger.Warn("connection to peer ended", "peer", remote, "error", err)
		}
	}
	peerConfig.Transfer.Observer = hooks.observer
	peerConfig.Transfer.Logger = logger

	if err := os.MkdirAll(settings.Peer.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating download directory: %w", err)
	}

	// Without a state directory or store the engine still works from
	// part files; the store is the fallback sink.
	var store *chunkstore.Store
	if settings.Peer.StateDir != "" {
		if err := os.MkdirAll(settings.Peer.StateDir, 0o700); err != nil {
			logger.Warn("state directory unavailable", "path", settings.Peer.StateDir, "error", err)
		} else {
			store, err = chunkstore.Open(ctx, chunkstore.Config{
				Path:   filepath.Join(settings.Peer.StateDir, "chunks.db"),
				Logger: logger,
			})
			if err != nil {
				logger.Warn("chunk store unavailable", "error", err)
				store = nil
			}
		}
	}
	peerConfig.Transfer.Store = store

	participant, err := peer.New(peerConfig)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, err
	}

	result := &session{Peer: participant, logger: logger, store: store, runErr: make(chan error, 1)}
	go func() { result.runErr <- participant.Run(ctx) }()

	logger.Info("waiting for peer", "room", flags.room, "rendezvous", peerConfig.Rendezvous)
	return result, nil
}

// waitConnected blocks until the other peer is reachable, or returns
// Run's error if it stops first.
func (s *session) waitConnected(ctx context.Context) error {
	err := s.WaitConnected(ctx)
	if errors.Is(err, peer.ErrStopped) {
		if runErr := <-s.runErr; runErr != nil {
			s.runErr <- runErr
			return runErr
		}
	}
	return err
}

func (s *session) close() {
	leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := s.Leave(leaveCtx); err != nil && !errors.Is(err, peer.ErrNotRunning) {
		s.logger.Debug("leaving room failed", "error", err)
	}
	cancel()
	<-s.Done()
	if s.store != nil {
		s.store.Close()
	}
}

// progressPrinter renders transfer events on w. Progress lines redraw
// in place when w is a terminal.
type progressPrinter struct {
	mu       sync.Mutex
	w        io.Writer
	terminal bool
}

func newProgressPrinter(file *os.File) *progressPrinter {
	return &progressPrinter{w: file, terminal: term.IsTerminal(int(file.Fd()))}
}

func (p *progressPrinter) observe(event transfer.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch event.Kind {
	case transfer.EventStarted:
		fmt.Fprintf(p.w, "%s %s (%s)\n", event.Direction, event.Name, formatBytes(event.Size))
	case transfer.EventProgress:
		if !p.terminal {
			return
		}
		percent := 100.0
		if event.Chunks > 0 {
			percent = float64(event.Done) * 100 / float64(event.Chunks)
		}
		fmt.Fprintf(p.w, "\r  %5.1f%%  %s/s   ", percent, formatBytes(int64(event.Throughput)))
	case transfer.EventCompleted:
		if p.terminal {
			fmt.Fprint(p.w, "\r")
		}
		if event.Path != "" {
			fmt.Fprintf(p.w, "received %s in %s\n", event.Path, event.Elapsed.Round(time.Millisecond))
		} else {
			fmt.Fprintf(p.w, "sent %s in %s\n", event.Name, event.Elapsed.Round(time.Millisecond))
		}
	case transfer.EventFailed:
		if p.terminal {
			fmt.Fprint(p.w, "\r")
		}
		fmt.Fprintf(p.w, "%s %s failed: %v\n", event.Direction, event.Name, event.Err)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exponent := int64(unit), 0
	for value := n / unit; value >= unit; value /= unit {
		div *= unit
		exponent++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exponent])
}
