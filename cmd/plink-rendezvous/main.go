// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

// plink-rendezvous is the coordinator plink peers use to find each
// other. It seats at most two members per room and relays their WebRTC
// negotiation; file data never passes through it.
//
// Peers connect over a CBOR stream (--listen, optionally --unix-socket)
// or over WebSocket at /ws on --http-listen, which also serves a JSON
// health report at /healthz. With --mdns the stream listener is
// advertised on the local network so peers can use --rendezvous mdns.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/Levi477/plink-revamp/lib/config"
	"github.com/Levi477/plink-revamp/lib/logging"
	"github.com/Levi477/plink-revamp/lib/process"
	"github.com/Levi477/plink-revamp/lib/version"
	"github.com/Levi477/plink-revamp/rendezvous"
)

// shutdownTimeout bounds the HTTP server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath string
		listen     string
		unixSocket string
		httpListen string
		mdns       bool
		logLevel   string
	)

	flagSet := pflag.NewFlagSet("plink-rendezvous", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "configuration file (default $"+config.EnvironmentVariable+")")
	flagSet.StringVar(&listen, "listen", "", "TCP address for the CBOR stream protocol (overrides rendezvous.listen)")
	flagSet.StringVar(&unixSocket, "unix-socket", "", "Unix socket path for the CBOR stream protocol")
	flagSet.StringVar(&httpListen, "http-listen", "", "HTTP address for /ws and /healthz (overrides rendezvous.http_listen)")
	flagSet.BoolVar(&mdns, "mdns", false, "advertise the stream listener over mDNS")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("plink-rendezvous")
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	logger, err := logging.New(logLevel)
	if err != nil {
		return err
	}

	var settings *config.Config
	if configPath != "" {
		settings, err = config.LoadFile(configPath)
	} else {
		settings, err = config.Load()
	}
	if err != nil {
		return err
	}
	if flagSet.Changed("listen") {
		settings.Rendezvous.Listen = listen
	}
	if flagSet.Changed("unix-socket") {
		settings.Rendezvous.UnixSocket = unixSocket
	}
	if flagSet.Changed("http-listen") {
		settings.Rendezvous.HTTPListen = httpListen
	}
	if flagSet.Changed("mdns") {
		settings.Rendezvous.MDNS = mdns
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listeners, err := openListeners(settings.Rendezvous)
	if err != nil {
		return err
	}
	coordinator := rendezvous.NewCoordinator(rendezvous.CoordinatorConfig{
		OutboxSize: settings.Rendezvous.OutboxSize,
		Logger:     logger,
	})
	logger.Info("plink-rendezvous starting", "version", version.Info())
	return serve(ctx, coordinator, listeners, settings.Rendezvous.MDNS, logger)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "plink-rendezvous: room coordinator for plink peers\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n  plink-rendezvous [flags]\n\nFlags:\n")
	flagSet.PrintDefaults()
}

// listenerSet holds everything the coordinator accepts connections on.
type listenerSet struct {
	stream []net.Listener
	http   net.Listener

	// unixPath is removed on shutdown.
	unixPath string
}

func (l *listenerSet) close() {
	for _, listener := range l.stream {
		listener.Close()
	}
	if l.http != nil {
		l.http.Close()
	}
}

// openListeners binds every configured address. It fails if none is
// configured.
func openListeners(settings config.RendezvousConfig) (*listenerSet, error) {
	result := &listenerSet{}
	fail := func(err error) (*listenerSet, error) {
		result.close()
		return nil, err
	}

	if settings.Listen != "" {
		listener, err := net.Listen("tcp", settings.Listen)
		if err != nil {
			return fail(fmt.Errorf("listening on %s: %w", settings.Listen, err))
		}
		result.stream = append(result.stream, listener)
	}
	if settings.UnixSocket != "" {
		// A socket file left by a crashed process blocks the bind.
		if err := os.Remove(settings.UnixSocket); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fail(fmt.Errorf("removing stale socket %s: %w", settings.UnixSocket, err))
		}
		listener, err := net.Listen("unix", settings.UnixSocket)
		if err != nil {
			return fail(fmt.Errorf("listening on %s: %w", settings.UnixSocket, err))
		}
		result.stream = append(result.stream, listener)
		result.unixPath = settings.UnixSocket
	}
	if settings.HTTPListen != "" {
		listener, err := net.Listen("tcp", settings.HTTPListen)
		if err != nil {
			return fail(fmt.Errorf("listening on %s: %w", settings.HTTPListen, err))
		}
		result.http = listener
	}

	if len(result.stream) == 0 && result.http == nil {
		return nil, errors.New("no listen address configured")
	}
	return result, nil
}

// serve runs the coordinator on listeners until ctx is cancelled and
// every connection has finished.
func serve(ctx context.Context, coordinator *rendezvous.Coordinator, listeners *listenerSet, advertise bool, logger *slog.Logger) error {
	server := rendezvous.NewServer(coordinator, logger)
	if listeners.unixPath != "" {
		defer os.Remove(listeners.unixPath)
	}

	if advertise {
		if port, ok := tcpPort(listeners.stream); ok {
			advertisement, err := rendezvous.Advertise("", port)
			if err != nil {
				logger.Warn("mDNS advertisement failed", "error", err)
			} else {
				defer advertisement.Close()
				logger.Info("advertising over mDNS", "service", rendezvous.ServiceType, "port", port)
			}
		} else {
			logger.Warn("mDNS needs a TCP stream listener; not advertising")
		}
	}

	var wait sync.WaitGroup
	errs := make(chan error, len(listeners.stream)+1)

	for _, listener := range listeners.stream {
		wait.Add(1)
		go func() {
			defer wait.Done()
			if err := server.Serve(ctx, listener); err != nil {
				errs <- err
			}
		}()
	}

	if listeners.http != nil {
		httpServer := &http.Server{
			Handler:           server.Handler(ctx),
			ReadHeaderTimeout: 10 * time.Second,
		}
		wait.Add(1)
		go func() {
			defer wait.Done()
			logger.Info("http listening", "address", listeners.http.Addr().String())
			if err := httpServer.Serve(listeners.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("http server: %w", err)
			}
		}()
		wait.Add(1)
		go func() {
			defer wait.Done()
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown incomplete", "error", err)
			}
		}()
	}

	wait.Wait()
	close(errs)
	logger.Info("plink-rendezvous stopped")
	return errors.Join(collect(errs)...)
}

func tcpPort(listeners []net.Listener) (int, bool) {
	for _, listener := range listeners {
		if address, ok := listener.Addr().(*net.TCPAddr); ok {
			return address.Port, true
		}
	}
	return 0, false
}

func collect(errs <-chan error) []error {
	var result []error
	for err := range errs {
		result = append(result, err)
	}
	return result
}
