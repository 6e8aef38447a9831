// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Levi477/plink-revamp/lib/config"
	"github.com/Levi477/plink-revamp/lib/testutil"
	"github.com/Levi477/plink-revamp/rendezvous"
	"github.com/Levi477/plink-revamp/transfer"
	"github.com/Levi477/plink-revamp/transport"
)

const testTimeout = 30 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// startRendezvous serves a coordinator on loopback TCP.
func startRendezvous(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	server := rendezvous.NewServer(rendezvous.NewCoordinator(rendezvous.CoordinatorConfig{Logger: testLogger()}), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		server.Serve(ctx, listener)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, served, testTimeout, "rendezvous shutdown")
	})
	return "tcp://" + listener.Addr().String()
}

type testPeer struct {
	*Peer
	chats     chan ChatMessage
	completed chan transfer.Event
	connected chan string
	ended     chan error
	runErr    chan error
	download  string
}

// startPeer runs a Peer in room until the test ends. Options adjust
// the Config before the Peer is created.
func startPeer(t *testing.T, address, room string, options ...func(*Config)) *testPeer {
	t.Helper()
	result := &testPeer{
		chats:     make(chan ChatMessage, 8),
		completed: make(chan transfer.Event, 8),
		connected: make(chan string, 8),
		ended:     make(chan error, 8),
		runErr:    make(chan error, 1),
		download:  t.TempDir(),
	}
	peerConfig := Config{
		Rendezvous: address,
		Room:       room,
		Secret:     "correct horse",
		Transfer: transfer.Config{
			DownloadDir: result.download,
			PartDir:     t.TempDir(),
			Observer: func(event transfer.Event) {
				if event.Kind == transfer.EventCompleted && event.Direction == transfer.Receiving {
					result.completed <- event
				}
			},
		},
		OnChat:         func(message ChatMessage) { result.chats <- message },
		OnConnected:    func(remote string) { result.connected <- remote },
		OnDisconnected: func(_ string, err error) { result.ended <- err },
		Logger:         testLogger(),
	}
	for _, option := range options {
		option(&peerConfig)
	}
	peer, err := New(peerConfig)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result.Peer = peer

	ctx, cancel := context.WithCancel(context.Background())
	go func() { result.runErr <- peer.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, peer.Done(), testTimeout, "peer shutdown")
	})
	return result
}

func waitJoined(t *testing.T, peer *testPeer) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for peer.Joined().Position == 0 {
		if time.Now().After(deadline) {
			t.Fatal("peer never joined")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPeer_ChatAndFileTransfer(t *testing.T) {
	address := startRendezvous(t)
	first := startPeer(t, address, "lab")
	// Seat the first member before the second joins so that positions
	// are deterministic.
	waitJoined(t, first)
	second := startPeer(t, address, "lab")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := first.WaitConnected(ctx); err != nil {
		t.Fatalf("first WaitConnected: %v", err)
	}
	if err := second.WaitConnected(ctx); err != nil {
		t.Fatalf("second WaitConnected: %v", err)
	}
	if got := second.Joined().Position; got != 2 {
		t.Errorf("second position = %d, want 2", got)
	}
	if remote := testutil.RequireReceive(t, first.connected, testTimeout); remote != second.Joined().MemberID {
		t.Errorf("first connected to %q, want %q", remote, second.Joined().MemberID)
	}

	if err := first.SendChat(ctx, "hello from the first seat"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	chat := testutil.RequireReceive(t, second.chats, testTimeout, "waiting for chat")
	if chat.Text != "hello from the first seat" {
		t.Errorf("chat text = %q", chat.Text)
	}
	if chat.SentAt.IsZero() {
		t.Error("chat SentAt is zero")
	}

	payload := bytes.Repeat([]byte("peer to peer payload\n"), 4096)
	result, err := second.SendFile(ctx, transfer.BytesSource("payload.txt", "text/plain", payload))
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if result.Size != int64(len(payload)) {
		t.Errorf("SendResult.Size = %d, want %d", result.Size, len(payload))
	}
	completed := testutil.RequireReceive(t, first.completed, testTimeout, "waiting for file")
	received, err := os.ReadFile(completed.Path)
	if err != nil {
		t.Fatalf("reading received file: %v", err)
	}
	if !bytes.Equal(received, payload) {
		t.Errorf("received %d bytes, want %d", len(received), len(payload))
	}
	if filepath.Dir(completed.Path) != first.download {
		t.Errorf("received into %s, want %s", filepath.Dir(completed.Path), first.download)
	}

	// The second peer leaving ends the first peer's session.
	if err := second.Leave(ctx); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := testutil.RequireReceive(t, second.runErr, testTimeout, "waiting for Run"); err != nil {
		t.Errorf("Run after Leave = %v, want nil", err)
	}
	testutil.RequireReceive(t, first.ended, testTimeout, "first session never ended")
}

func TestPeer_TransportLostMidTransfer(t *testing.T) {
	address := startRendezvous(t)
	receiver := startPeer(t, address, "flaky")
	waitJoined(t, receiver)

	sendProgress := make(chan transfer.Event, 1)
	sendCompleted := make(chan transfer.Event, 1)
	sender := startPeer(t, address, "flaky", func(config *Config) {
		config.Transfer.Mode = transfer.ModePush
		config.Transfer.Compression = transfer.CompressionNone
		config.Transfer.Observer = func(event transfer.Event) {
			if event.Direction != transfer.Sending {
				return
			}
			var target chan transfer.Event
			switch event.Kind {
			case transfer.EventProgress:
				target = sendProgress
			case transfer.EventCompleted:
				target = sendCompleted
			default:
				return
			}
			select {
			case target <- event:
			default:
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := sender.WaitConnected(ctx); err != nil {
		t.Fatalf("sender WaitConnected: %v", err)
	}
	if err := receiver.WaitConnected(ctx); err != nil {
		t.Fatalf("receiver WaitConnected: %v", err)
	}

	payload := bytes.Repeat([]byte{0x5a}, 32<<20)
	finished := make(chan error, 1)
	go func() {
		_, err := sender.SendFile(ctx, transfer.BytesSource("large.bin", "application/octet-stream", payload))
		finished <- err
	}()
	testutil.RequireReceive(t, sendProgress, testTimeout, "waiting for the first chunk")

	// Drop the receiver's session while it stays in the room, so the
	// sender sees the connection go rather than a peer leaving.
	receiver.closeLink()

	err := testutil.RequireReceive(t, finished, testTimeout, "waiting for SendFile")
	if !errors.Is(err, transport.ErrTransportLost) {
		t.Fatalf("SendFile error = %v, want ErrTransportLost", err)
	}
	testutil.RequireReceive(t, receiver.ended, testTimeout, "receiver session never ended")
	select {
	case event := <-sendCompleted:
		t.Errorf("sender reported completion: %+v", event)
	case event := <-receiver.completed:
		t.Errorf("receiver reported completion: %+v", event)
	default:
	}
}

func TestPeer_WrongSecret(t *testing.T) {
	address := startRendezvous(t)
	waitJoined(t, startPeer(t, address, "guarded"))

	peer, err := New(Config{
		Rendezvous: address,
		Room:       "guarded",
		Secret:     "wrong",
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if err := peer.Run(ctx); !errors.Is(err, rendezvous.ErrAuth) {
		t.Fatalf("Run error = %v, want ErrAuth", err)
	}
	testutil.RequireClosed(t, peer.Done(), testTimeout)
}

func TestNew_RequiresAddressAndRoom(t *testing.T) {
	if _, err := New(Config{Room: "r"}); err == nil {
		t.Error("New without rendezvous address succeeded")
	}
	if _, err := New(Config{Rendezvous: "tcp://127.0.0.1:1"}); err == nil {
		t.Error("New without room succeeded")
	}
}

func TestWaitConnected_StopsWithRun(t *testing.T) {
	peer, err := New(Config{Rendezvous: "tcp://127.0.0.1:1", Room: "r", Logger: testLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	waited := make(chan error, 1)
	go func() { waited <- peer.WaitConnected(ctx) }()

	// Nothing listens on port 1, so Run fails to dial.
	if err := peer.Run(ctx); err == nil {
		t.Fatal("Run succeeded without a coordinator")
	}
	if err := testutil.RequireReceive(t, waited, testTimeout); !errors.Is(err, ErrStopped) {
		t.Errorf("WaitConnected = %v, want ErrStopped", err)
	}
}

func TestConfigFromSettings(t *testing.T) {
	settings := config.Default()
	settings.Peer.Rendezvous = "ws://example.test/ws"
	settings.Peer.StateDir = "/var/lib/plink"
	settings.Peer.ICEServers = []config.ICEServer{{URLs: []string{"stun:stun.example.test:3478"}}}
	settings.Transfer.Mode = "push"

	converted, err := ConfigFromSettings(settings)
	if err != nil {
		t.Fatalf("ConfigFromSettings: %v", err)
	}
	if converted.Rendezvous != "ws://example.test/ws" {
		t.Errorf("Rendezvous = %q", converted.Rendezvous)
	}
	if converted.Transfer.PartDir != filepath.Join("/var/lib/plink", "parts") {
		t.Errorf("PartDir = %q", converted.Transfer.PartDir)
	}
	if converted.Transfer.Mode != transfer.ModePush {
		t.Errorf("Mode = %s, want push", converted.Transfer.Mode)
	}
	if len(converted.ICE.Servers) != 1 {
		t.Errorf("ICE servers = %d, want 1", len(converted.ICE.Servers))
	}
}
