// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/zeebo/blake3"

	"github.com/Levi477/plink-revamp/lib/chunkstore"
	"github.com/Levi477/plink-revamp/lib/clock"
	"github.com/Levi477/plink-revamp/lib/config"
	"github.com/Levi477/plink-revamp/lib/testutil"
)

const testTimeout = 10 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// testConfig uses 4-byte chunks so that small payloads span several
// chunks.
func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		ChunkSize:      4,
		LowWaterMark:   64,
		HighWaterMark:  1024,
		AckTimeout:     30 * time.Second,
		RequestTimeout: 5 * time.Second,
		StallTimeout:   time.Minute,
		DownloadDir:    filepath.Join(t.TempDir(), "downloads"),
		SpoolDir:       t.TempDir(),
		Logger:         testLogger(),
	}
}

func openTestStore(t *testing.T) *chunkstore.Store {
	t.Helper()
	store, err := chunkstore.Open(context.Background(), chunkstore.Config{
		Path:   filepath.Join(t.TempDir(), "chunks.db"),
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("chunkstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// eventRecorder collects engine events and surfaces the interesting
// ones on channels.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event

	started   chan Event
	progress  chan Event
	completed chan Event
	failed    chan Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{
		started:   make(chan Event, 16),
		progress:  make(chan Event, 1024),
		completed: make(chan Event, 16),
		failed:    make(chan Event, 16),
	}
}

func (r *eventRecorder) observe(event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()

	var target chan Event
	switch event.Kind {
	case EventStarted:
		target = r.started
	case EventProgress:
		target = r.progress
	case EventCompleted:
		target = r.completed
	case EventFailed:
		target = r.failed
	}
	select {
	case target <- event:
	default:
	}
}

func newTestEngine(t *testing.T, channel Channel, config Config) *Engine {
	t.Helper()
	engine, err := NewEngine(channel, config)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func newMemoryPair(t *testing.T) (*MemoryChannel, *MemoryChannel) {
	t.Helper()
	left, right := NewMemoryChannelPair()
	t.Cleanup(func() { left.Close() })
	return left, right
}

// rawPeer drives one end of a channel by hand, standing in for a
// misbehaving or scripted remote engine.
type rawPeer struct {
	t        *testing.T
	channel  *MemoryChannel
	frames   chan any
	payloads chan []byte
}

func newRawPeer(t *testing.T, channel *MemoryChannel) *rawPeer {
	peer := &rawPeer{
		t:        t,
		channel:  channel,
		frames:   make(chan any, 256),
		payloads: make(chan []byte, 256),
	}
	channel.OnMessage(func(binary bool, data []byte) {
		if binary {
			peer.payloads <- append([]byte(nil), data...)
			return
		}
		frame, err := decodeFrame(data)
		if err != nil {
			t.Errorf("raw peer received malformed frame %q: %v", data, err)
			return
		}
		peer.frames <- frame
	})
	return peer
}

func (p *rawPeer) send(frame any) {
	p.t.Helper()
	encoded, err := json.Marshal(frame)
	if err != nil {
		p.t.Fatalf("encoding %T: %v", frame, err)
	}
	if err := p.channel.SendText(string(encoded)); err != nil {
		p.t.Fatalf("SendText: %v", err)
	}
}

func (p *rawPeer) sendChunk(metadata fileMetadata, index int, data []byte) {
	p.t.Helper()
	p.send(chunkMeta{
		Type:       frameChunkMeta,
		TransferID: metadata.TransferID,
		ChunkIndex: index,
		IsLast:     index == metadata.Chunks-1,
		Length:     len(data),
	})
	if err := p.channel.Send(data); err != nil {
		p.t.Fatalf("Send: %v", err)
	}
}

func (p *rawPeer) nextFrame() any {
	p.t.Helper()
	return testutil.RequireReceive(p.t, p.frames, testTimeout, "waiting for control frame")
}

func checksumOf(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// rawMetadata announces data in 4-byte chunks.
func rawMetadata(id string, data []byte, mode Mode) fileMetadata {
	return fileMetadata{
		Type:       frameFileMetadata,
		TransferID: id,
		Name:       "notes.txt",
		Size:       int64(len(data)),
		MIMEType:   "text/plain",
		Chunks:     chunkCount(int64(len(data)), 4),
		ChunkSize:  4,
		Checksum:   checksumOf(data),
		Mode:       string(mode),
	}
}

func chunkOf(data []byte, index int) []byte {
	start := index * 4
	return data[start:min(start+4, len(data))]
}

func dirNames(t *testing.T, directory string) []string {
	t.Helper()
	entries, err := os.ReadDir(directory)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatalf("ReadDir(%s): %v", directory, err)
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func readArtifact(t *testing.T, event Event) []byte {
	t.Helper()
	if event.Path == "" {
		t.Fatalf("completed event has no path: %+v", event)
	}
	data, err := os.ReadFile(event.Path)
	if err != nil {
		t.Fatalf("reading artifact: %v", err)
	}
	return data
}

func TestSendFile_RoundTrip(t *testing.T) {
	text := bytes.Repeat([]byte("plink moves files between two peers. "), 80)
	tests := []struct {
		name        string
		compression Compression
		mode        Mode
		useStore    bool
	}{
		{"none pull disk", CompressionNone, ModePull, false},
		{"none push disk", CompressionNone, ModePush, false},
		{"deflate pull disk", CompressionDeflate, ModePull, false},
		{"zstd push store", CompressionZstd, ModePush, true},
		{"lz4 pull store", CompressionLZ4, ModePull, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			senderChannel, receiverChannel := newMemoryPair(t)

			senderConfig := testConfig(t)
			senderConfig.Compression = test.compression
			senderConfig.Mode = test.mode
			sender := newTestEngine(t, senderChannel, senderConfig)

			receiverEvents := newEventRecorder()
			receiverConfig := testConfig(t)
			receiverConfig.Observer = receiverEvents.observe
			var store *chunkstore.Store
			if test.useStore {
				store = openTestStore(t)
				receiverConfig.Store = store
			} else {
				receiverConfig.PartDir = t.TempDir()
			}
			newTestEngine(t, receiverChannel, receiverConfig)

			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			defer cancel()
			result, err := sender.SendFile(ctx, BytesSource("notes.txt", "text/plain", text))
			if err != nil {
				t.Fatalf("SendFile: %v", err)
			}

			if result.Compression != test.compression {
				t.Errorf("Compression = %s, want %s", result.Compression, test.compression)
			}
			if result.Size != int64(len(text)) {
				t.Errorf("Size = %d, want %d", result.Size, len(text))
			}
			if want := chunkCount(result.EffectiveSize, 4); result.Chunks != want {
				t.Errorf("Chunks = %d, want %d", result.Chunks, want)
			}
			if test.compression != CompressionNone && result.EffectiveSize >= result.Size {
				t.Errorf("EffectiveSize = %d, want less than %d", result.EffectiveSize, result.Size)
			}
			if result.Checksum != checksumOf(text) {
				t.Errorf("Checksum = %s, want %s", result.Checksum, checksumOf(text))
			}

			completed := testutil.RequireReceive(t, receiverEvents.completed, testTimeout, "waiting for receive to complete")
			if got := readArtifact(t, completed); !bytes.Equal(got, text) {
				t.Fatalf("artifact differs: got %d bytes, want %d", len(got), len(text))
			}
			if filepath.Base(completed.Path) != "notes.txt" {
				t.Errorf("artifact name = %s, want notes.txt", filepath.Base(completed.Path))
			}
			if names := dirNames(t, receiverConfig.DownloadDir); !slices.Equal(names, []string{"notes.txt"}) {
				t.Errorf("download directory = %v, want only notes.txt", names)
			}
			if store != nil {
				transfers, err := store.ListTransfers(context.Background())
				if err != nil {
					t.Fatalf("ListTransfers: %v", err)
				}
				if len(transfers) != 0 {
					t.Errorf("chunk store still holds %d transfers", len(transfers))
				}
			}
			if receiverConfig.PartDir != "" {
				if names := dirNames(t, receiverConfig.PartDir); len(names) != 0 {
					t.Errorf("part directory = %v, want empty", names)
				}
			}
		})
	}
}

func TestSendFile_LastChunkIsShort(t *testing.T) {
	senderChannel, receiverChannel := newMemoryPair(t)

	var mu sync.Mutex
	var lengths []int
	senderChannel.SetFilter(func(binary bool, data []byte) int {
		if binary {
			mu.Lock()
			lengths = append(lengths, len(data))
			mu.Unlock()
		}
		return 1
	})

	senderConfig := testConfig(t)
	senderConfig.Compression = CompressionNone
	sender := newTestEngine(t, senderChannel, senderConfig)

	receiverConfig := testConfig(t)
	receiverConfig.PartDir = t.TempDir()
	newTestEngine(t, receiverChannel, receiverConfig)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	result, err := sender.SendFile(ctx, BytesSource("ten.bin", "application/octet-stream", []byte("0123456789")))
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if result.Chunks != 3 {
		t.Errorf("Chunks = %d, want 3", result.Chunks)
	}

	mu.Lock()
	defer mu.Unlock()
	slices.Sort(lengths)
	if want := []int{2, 4, 4}; !slices.Equal(lengths, want) {
		t.Errorf("chunk lengths = %v, want %v", lengths, want)
	}
}

func TestSendFile_ZeroBytes(t *testing.T) {
	senderChannel, receiverChannel := newMemoryPair(t)
	sender := newTestEngine(t, senderChannel, testConfig(t))

	receiverEvents := newEventRecorder()
	receiverConfig := testConfig(t)
	receiverConfig.PartDir = t.TempDir()
	receiverConfig.Observer = receiverEvents.observe
	newTestEngine(t, receiverChannel, receiverConfig)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	result, err := sender.SendFile(ctx, BytesSource("empty", "", nil))
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if result.Chunks != 0 {
		t.Errorf("Chunks = %d, want 0", result.Chunks)
	}

	completed := testutil.RequireReceive(t, receiverEvents.completed, testTimeout, "waiting for receive to complete")
	if got := readArtifact(t, completed); len(got) != 0 {
		t.Errorf("artifact = %q, want empty", got)
	}
}

func TestSendFile_RespectsHighWaterMark(t *testing.T) {
	senderChannel, receiverChannel := newMemoryPair(t)

	senderConfig := testConfig(t)
	senderConfig.Compression = CompressionNone
	senderConfig.Mode = ModePush
	sender := newTestEngine(t, senderChannel, senderConfig)

	receiverEvents := newEventRecorder()
	receiverConfig := testConfig(t)
	receiverConfig.PartDir = t.TempDir()
	receiverConfig.Observer = receiverEvents.observe
	newTestEngine(t, receiverChannel, receiverConfig)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 125)
	senderChannel.Pause()

	type outcome struct {
		result SendResult
		err    error
	}
	finished := make(chan outcome, 1)
	go func() {
		result, err := sender.SendFile(context.Background(), BytesSource("payload.bin", "application/octet-stream", payload))
		finished <- outcome{result, err}
	}()

	// A blocked sender leaves less than one framed chunk of room.
	threshold := senderConfig.HighWaterMark - uint64(senderConfig.ChunkSize) - maxChunkMetaBytes
	deadline := time.Now().Add(testTimeout)
	for senderChannel.BufferedAmount() <= threshold {
		if time.Now().After(deadline) {
			t.Fatalf("buffered amount stuck at %d, want above %d", senderChannel.BufferedAmount(), threshold)
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case result := <-finished:
		t.Fatalf("SendFile returned while the channel was paused: %+v", result)
	default:
	}
	if buffered := senderChannel.BufferedAmount(); buffered > senderConfig.HighWaterMark {
		t.Fatalf("buffered amount %d exceeds high water mark %d", buffered, senderConfig.HighWaterMark)
	}

	senderChannel.Resume()
	result := testutil.RequireReceive(t, finished, testTimeout, "waiting for SendFile")
	if result.err != nil {
		t.Fatalf("SendFile: %v", result.err)
	}
	if peak := senderChannel.MaxBuffered(); peak > senderConfig.HighWaterMark {
		t.Errorf("peak buffered amount %d exceeds high water mark %d", peak, senderConfig.HighWaterMark)
	}

	completed := testutil.RequireReceive(t, receiverEvents.completed, testTimeout, "waiting for receive to complete")
	if got := readArtifact(t, completed); !bytes.Equal(got, payload) {
		t.Errorf("artifact differs from payload")
	}
}

func TestSendFile_AckTimeout(t *testing.T) {
	senderChannel, rawChannel := newMemoryPair(t)
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	senderConfig := testConfig(t)
	senderConfig.Compression = CompressionNone
	senderConfig.Mode = ModePush
	senderConfig.AckTimeout = 30 * time.Second
	senderConfig.Clock = fake
	sender := newTestEngine(t, senderChannel, senderConfig)
	raw := newRawPeer(t, rawChannel)

	type outcome struct {
		result SendResult
		err    error
	}
	finished := make(chan outcome, 1)
	go func() {
		result, err := sender.SendFile(context.Background(), BytesSource("ten.bin", "", []byte("0123456789")))
		finished <- outcome{result, err}
	}()

	// The ack timer is re-armed before each chunk, so once the last
	// chunk arrives only the final deadline is pending.
	for range 3 {
		testutil.RequireReceive(t, raw.payloads, testTimeout, "waiting for chunk")
	}
	fake.WaitForTimers(1)
	fake.Advance(senderConfig.AckTimeout)

	result := testutil.RequireReceive(t, finished, testTimeout, "waiting for SendFile")
	if !errors.Is(result.err, ErrAckTimeout) {
		t.Fatalf("SendFile error = %v, want ErrAckTimeout", result.err)
	}

	for {
		frame := raw.nextFrame()
		if failure, ok := frame.(*transferError); ok {
			if failure.Code != codeAckTimeout {
				t.Errorf("transfer-error code = %q, want %q", failure.Code, codeAckTimeout)
			}
			break
		}
	}
}

func TestReceive_DuplicateChunkFirstWriteWins(t *testing.T) {
	receiverChannel, rawChannel := newMemoryPair(t)
	receiverEvents := newEventRecorder()
	receiverConfig := testConfig(t)
	receiverConfig.PartDir = t.TempDir()
	receiverConfig.Observer = receiverEvents.observe
	newTestEngine(t, receiverChannel, receiverConfig)
	raw := newRawPeer(t, rawChannel)

	data := []byte("abcdefgh")
	metadata := rawMetadata("dup-1", data, ModePush)
	raw.send(metadata)
	raw.sendChunk(metadata, 0, data[:4])
	raw.sendChunk(metadata, 0, []byte("XXXX"))
	raw.sendChunk(metadata, 1, data[4:])

	ack, ok := raw.nextFrame().(*completeAck)
	if !ok || ack.TransferID != "dup-1" {
		t.Fatalf("want transfer-complete-ack for dup-1, got %+v", ack)
	}
	completed := testutil.RequireReceive(t, receiverEvents.completed, testTimeout, "waiting for receive to complete")
	if got := readArtifact(t, completed); !bytes.Equal(got, data) {
		t.Errorf("artifact = %q, want %q", got, data)
	}
}

func TestReceive_PushChecksumMismatchFails(t *testing.T) {
	receiverChannel, rawChannel := newMemoryPair(t)
	receiverEvents := newEventRecorder()
	receiverConfig := testConfig(t)
	receiverConfig.PartDir = t.TempDir()
	receiverConfig.Observer = receiverEvents.observe
	newTestEngine(t, receiverChannel, receiverConfig)
	raw := newRawPeer(t, rawChannel)

	data := []byte("abcdefgh")
	metadata := rawMetadata("bad-sum", data, ModePush)
	metadata.Checksum = checksumOf([]byte("something else"))
	raw.send(metadata)
	raw.sendChunk(metadata, 0, data[:4])
	raw.sendChunk(metadata, 1, data[4:])

	failure, ok := raw.nextFrame().(*transferError)
	if !ok {
		t.Fatalf("want transfer-error, got %+v", failure)
	}
	if failure.Code != codeValidation {
		t.Errorf("transfer-error code = %q, want %q", failure.Code, codeValidation)
	}

	failed := testutil.RequireReceive(t, receiverEvents.failed, testTimeout, "waiting for receive to fail")
	if !errors.Is(failed.Err, ErrValidation) {
		t.Errorf("failure = %v, want ErrValidation", failed.Err)
	}
	if names := dirNames(t, receiverConfig.DownloadDir); len(names) != 0 {
		t.Errorf("download directory = %v, want empty", names)
	}
	if names := dirNames(t, receiverConfig.PartDir); len(names) != 0 {
		t.Errorf("part directory = %v, want empty", names)
	}
}

func TestReceive_PullRecoversFromCorruption(t *testing.T) {
	receiverChannel, rawChannel := newMemoryPair(t)
	receiverEvents := newEventRecorder()
	receiverConfig := testConfig(t)
	receiverConfig.PartDir = t.TempDir()
	receiverConfig.MaxRecoveries = 1
	receiverConfig.Observer = receiverEvents.observe
	newTestEngine(t, receiverChannel, receiverConfig)
	raw := newRawPeer(t, rawChannel)

	data := []byte("abcdefgh")
	metadata := rawMetadata("recover-1", data, ModePull)
	raw.send(metadata)

	requests := make(map[int]int)
serve:
	for {
		switch frame := raw.nextFrame().(type) {
		case *requestChunk:
			requests[frame.ChunkIndex]++
			chunk := chunkOf(data, frame.ChunkIndex)
			if frame.ChunkIndex == 0 && requests[0] == 1 {
				chunk = []byte("XXXX")
			}
			raw.sendChunk(metadata, frame.ChunkIndex, chunk)
		case *completeAck:
			break serve
		default:
			t.Fatalf("unexpected frame %+v", frame)
		}
	}

	if requests[0] != 2 || requests[1] != 2 {
		t.Errorf("requests = %v, want each chunk requested twice", requests)
	}
	completed := testutil.RequireReceive(t, receiverEvents.completed, testTimeout, "waiting for receive to complete")
	if got := readArtifact(t, completed); !bytes.Equal(got, data) {
		t.Errorf("artifact = %q, want %q", got, data)
	}
}

func TestReceive_PullRetriesUnansweredRequest(t *testing.T) {
	receiverChannel, rawChannel := newMemoryPair(t)
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	receiverEvents := newEventRecorder()
	receiverConfig := testConfig(t)
	receiverConfig.PartDir = t.TempDir()
	receiverConfig.Clock = fake
	receiverConfig.Observer = receiverEvents.observe
	newTestEngine(t, receiverChannel, receiverConfig)
	raw := newRawPeer(t, rawChannel)

	data := []byte("abcdefgh")
	metadata := rawMetadata("retry-1", data, ModePull)
	raw.send(metadata)

	// Answer chunk 0, drop the first request for chunk 1.
	requests := make(map[int]int)
	for requests[0] == 0 || requests[1] == 0 {
		frame, ok := raw.nextFrame().(*requestChunk)
		if !ok {
			t.Fatalf("want request-chunk, got %+v", frame)
		}
		requests[frame.ChunkIndex]++
		if frame.ChunkIndex == 0 {
			raw.sendChunk(metadata, 0, chunkOf(data, 0))
		}
	}

	// Once chunk 0 is stored its timer is gone and only chunk 1's
	// request is pending.
	testutil.RequireReceive(t, receiverEvents.progress, testTimeout, "waiting for chunk 0")
	fake.WaitForTimers(1)
	fake.Advance(receiverConfig.RequestTimeout)

	frame, ok := raw.nextFrame().(*requestChunk)
	if !ok || frame.ChunkIndex != 1 {
		t.Fatalf("want re-request of chunk 1, got %+v", frame)
	}
	raw.sendChunk(metadata, 1, chunkOf(data, 1))

	if _, ok := raw.nextFrame().(*completeAck); !ok {
		t.Fatal("want transfer-complete-ack")
	}
	completed := testutil.RequireReceive(t, receiverEvents.completed, testTimeout, "waiting for receive to complete")
	if got := readArtifact(t, completed); !bytes.Equal(got, data) {
		t.Errorf("artifact = %q, want %q", got, data)
	}
}

func TestReceive_AbandonsAfterRetries(t *testing.T) {
	receiverChannel, rawChannel := newMemoryPair(t)
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	receiverEvents := newEventRecorder()
	receiverConfig := testConfig(t)
	receiverConfig.PartDir = t.TempDir()
	receiverConfig.MaxRequestRetries = 2
	receiverConfig.Clock = fake
	receiverConfig.Observer = receiverEvents.observe
	newTestEngine(t, receiverChannel, receiverConfig)
	raw := newRawPeer(t, rawChannel)

	metadata := rawMetadata("abandon-1", []byte("abcd"), ModePull)
	raw.send(metadata)

	requests := 0
	for {
		frame := raw.nextFrame()
		if failure, ok := frame.(*transferError); ok {
			if failure.Code != codeAbandoned {
				t.Errorf("transfer-error code = %q, want %q", failure.Code, codeAbandoned)
			}
			break
		}
		if _, ok := frame.(*requestChunk); !ok {
			t.Fatalf("unexpected frame %+v", frame)
		}
		requests++
		fake.WaitForTimers(1)
		fake.Advance(receiverConfig.RequestTimeout)
	}

	if requests != 3 {
		t.Errorf("requests = %d, want 3 (one plus two retries)", requests)
	}
	failed := testutil.RequireReceive(t, receiverEvents.failed, testTimeout, "waiting for receive to fail")
	if !errors.Is(failed.Err, ErrAbandoned) {
		t.Errorf("failure = %v, want ErrAbandoned", failed.Err)
	}
}

func TestReceive_PushStallFails(t *testing.T) {
	receiverChannel, rawChannel := newMemoryPair(t)
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	receiverEvents := newEventRecorder()
	receiverConfig := testConfig(t)
	receiverConfig.PartDir = t.TempDir()
	receiverConfig.Clock = fake
	receiverConfig.Observer = receiverEvents.observe
	newTestEngine(t, receiverChannel, receiverConfig)
	raw := newRawPeer(t, rawChannel)

	data := []byte("abcdefgh")
	metadata := rawMetadata("stall-1", data, ModePush)
	raw.send(metadata)
	raw.sendChunk(metadata, 0, data[:4])

	testutil.RequireReceive(t, receiverEvents.progress, testTimeout, "waiting for chunk 0")
	fake.WaitForTimers(1)
	fake.Advance(receiverConfig.StallTimeout)

	failure, ok := raw.nextFrame().(*transferError)
	if !ok || failure.Code != codeValidation {
		t.Fatalf("want validation transfer-error, got %+v", failure)
	}
	failed := testutil.RequireReceive(t, receiverEvents.failed, testTimeout, "waiting for receive to fail")
	if !errors.Is(failed.Err, ErrValidation) {
		t.Errorf("failure = %v, want ErrValidation", failed.Err)
	}
}

func TestReceive_FallsBackToChunkStore(t *testing.T) {
	senderChannel, receiverChannel := newMemoryPair(t)
	sender := newTestEngine(t, senderChannel, testConfig(t))

	// A part directory below a regular file cannot be created.
	blocker := filepath.Join(t.TempDir(), "not-a-directory")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	store := openTestStore(t)
	receiverEvents := newEventRecorder()
	receiverConfig := testConfig(t)
	receiverConfig.PartDir = filepath.Join(blocker, "parts")
	receiverConfig.Store = store
	receiverConfig.Observer = receiverEvents.observe
	newTestEngine(t, receiverChannel, receiverConfig)

	payload := bytes.Repeat([]byte("fallback "), 50)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if _, err := sender.SendFile(ctx, BytesSource("fallback.txt", "text/plain", payload)); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	completed := testutil.RequireReceive(t, receiverEvents.completed, testTimeout, "waiting for receive to complete")
	if got := readArtifact(t, completed); !bytes.Equal(got, payload) {
		t.Errorf("artifact differs from payload")
	}
	transfers, err := store.ListTransfers(context.Background())
	if err != nil {
		t.Fatalf("ListTransfers: %v", err)
	}
	if len(transfers) != 0 {
		t.Errorf("chunk store still holds %d transfers", len(transfers))
	}
}

func TestReceive_NoSinkFailsBothSides(t *testing.T) {
	senderChannel, receiverChannel := newMemoryPair(t)
	sender := newTestEngine(t, senderChannel, testConfig(t))

	receiverEvents := newEventRecorder()
	receiverConfig := testConfig(t)
	receiverConfig.Observer = receiverEvents.observe
	newTestEngine(t, receiverChannel, receiverConfig)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := sender.SendFile(ctx, BytesSource("nowhere.txt", "text/plain", []byte("no sink")))
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("SendFile error = %v, want ErrRemote", err)
	}

	failed := testutil.RequireReceive(t, receiverEvents.failed, testTimeout, "waiting for receive to fail")
	if !errors.Is(failed.Err, ErrStore) {
		t.Errorf("failure = %v, want ErrStore", failed.Err)
	}
}

func TestReceive_RejectsInconsistentMetadata(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*fileMetadata)
	}{
		{"chunk count", func(m *fileMetadata) { m.Chunks = 7 }},
		{"negative size", func(m *fileMetadata) { m.Size = -1 }},
		{"oversized chunks", func(m *fileMetadata) { m.ChunkSize = config.MaxChunkSize + 1 }},
		{"unknown mode", func(m *fileMetadata) { m.Mode = "sideways" }},
		{"unknown compression", func(m *fileMetadata) {
			m.Compressed = true
			m.Compression = "brotli"
			m.CompressedSize = 8
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			receiverChannel, rawChannel := newMemoryPair(t)
			receiverConfig := testConfig(t)
			receiverConfig.PartDir = t.TempDir()
			newTestEngine(t, receiverChannel, receiverConfig)
			raw := newRawPeer(t, rawChannel)

			metadata := rawMetadata("reject-1", []byte("abcdefgh"), ModePush)
			test.mutate(&metadata)
			raw.send(metadata)

			failure, ok := raw.nextFrame().(*transferError)
			if !ok || failure.Code != codeProtocol {
				t.Fatalf("want protocol transfer-error, got %+v", failure)
			}
		})
	}
}

func TestEngine_AbortFailsSend(t *testing.T) {
	senderChannel, receiverChannel := newMemoryPair(t)
	senderEvents := newEventRecorder()
	senderConfig := testConfig(t)
	senderConfig.Observer = senderEvents.observe
	sender := newTestEngine(t, senderChannel, senderConfig)

	receiverConfig := testConfig(t)
	receiverConfig.PartDir = t.TempDir()
	newTestEngine(t, receiverChannel, receiverConfig)

	senderChannel.Pause()
	finished := make(chan error, 1)
	go func() {
		_, err := sender.SendFile(context.Background(), BytesSource("abort.bin", "", bytes.Repeat([]byte{1}, 64)))
		finished <- err
	}()
	testutil.RequireReceive(t, senderEvents.started, testTimeout, "waiting for send to start")

	lost := errors.New("peer connection lost")
	sender.Abort(lost)

	err := testutil.RequireReceive(t, finished, testTimeout, "waiting for SendFile")
	if !errors.Is(err, lost) {
		t.Fatalf("SendFile error = %v, want it to wrap the abort cause", err)
	}
	testutil.RequireClosed(t, sender.Done(), testTimeout, "engine not done after Abort")

	_, err = sender.SendFile(context.Background(), BytesSource("late.bin", "", []byte("x")))
	if !errors.Is(err, lost) {
		t.Errorf("SendFile after Abort = %v, want the abort cause", err)
	}
}

// A push sender can finish streaming before the receiving side has
// bound its engine. Everything lands in the channel backlog, which is
// larger than the engine's inbound queue.
func TestNewEngine_LateReceiverDrainsBacklog(t *testing.T) {
	senderChannel, receiverChannel := newMemoryPair(t)
	senderConfig := testConfig(t)
	senderConfig.Mode = ModePush
	senderConfig.Compression = CompressionNone
	sender := newTestEngine(t, senderChannel, senderConfig)

	data := bytes.Repeat([]byte("late"), 100)
	finished := make(chan error, 1)
	go func() {
		_, err := sender.SendFile(context.Background(), BytesSource("late.txt", "text/plain", data))
		finished <- err
	}()

	// Metadata plus a chunk-meta and payload frame per chunk.
	want := 1 + 2*100
	deadline := time.Now().Add(testTimeout)
	for {
		receiverChannel.handlerMu.Lock()
		waiting := len(receiverChannel.backlog)
		receiverChannel.handlerMu.Unlock()
		if waiting >= want {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("backlog holds %d messages, want %d", waiting, want)
		}
		time.Sleep(10 * time.Millisecond)
	}

	receiverEvents := newEventRecorder()
	receiverConfig := testConfig(t)
	receiverConfig.PartDir = t.TempDir()
	receiverConfig.Observer = receiverEvents.observe
	bound := make(chan *Engine, 1)
	go func() {
		engine, err := NewEngine(receiverChannel, receiverConfig)
		if err != nil {
			t.Errorf("NewEngine: %v", err)
			close(bound)
			return
		}
		bound <- engine
	}()
	receiver := testutil.RequireReceive(t, bound, testTimeout, "NewEngine did not return with a backlog pending")
	t.Cleanup(func() { receiver.Close() })

	completed := testutil.RequireReceive(t, receiverEvents.completed, testTimeout, "waiting for receive to complete")
	if got := readArtifact(t, completed); !bytes.Equal(got, data) {
		t.Errorf("received %d bytes, want %d", len(got), len(data))
	}
	if err := testutil.RequireReceive(t, finished, testTimeout, "waiting for SendFile"); err != nil {
		t.Errorf("SendFile = %v, want nil", err)
	}
}

func TestSendFile_ClosedChannelIsErrChannel(t *testing.T) {
	senderChannel, _ := newMemoryPair(t)
	sender := newTestEngine(t, senderChannel, testConfig(t))
	senderChannel.Close()

	_, err := sender.SendFile(context.Background(), BytesSource("closed.txt", "text/plain", []byte("abcdefgh")))
	if !errors.Is(err, ErrChannel) || !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("SendFile error = %v, want ErrChannel wrapping ErrChannelClosed", err)
	}
}

func TestEngine_CloseAbortsIncoming(t *testing.T) {
	receiverChannel, rawChannel := newMemoryPair(t)
	receiverEvents := newEventRecorder()
	receiverConfig := testConfig(t)
	receiverConfig.PartDir = t.TempDir()
	receiverConfig.Observer = receiverEvents.observe
	receiver := newTestEngine(t, receiverChannel, receiverConfig)
	raw := newRawPeer(t, rawChannel)

	data := []byte("abcdefgh")
	metadata := rawMetadata("closing-1", data, ModePush)
	raw.send(metadata)
	raw.sendChunk(metadata, 0, data[:4])
	testutil.RequireReceive(t, receiverEvents.progress, testTimeout, "waiting for chunk 0")

	receiver.Close()

	failure, ok := raw.nextFrame().(*transferError)
	if !ok || failure.Code != codeAborted {
		t.Fatalf("want aborted transfer-error, got %+v", failure)
	}
	failed := testutil.RequireReceive(t, receiverEvents.failed, testTimeout, "waiting for receive to fail")
	if !errors.Is(failed.Err, ErrEngineClosed) {
		t.Errorf("failure = %v, want ErrEngineClosed", failed.Err)
	}
	if names := dirNames(t, receiverConfig.PartDir); len(names) != 0 {
		t.Errorf("part directory = %v, want empty", names)
	}
}

func TestNewEngine_ValidatesConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"chunk too large", func(c *Config) { c.ChunkSize = config.MaxChunkSize + 1 }},
		{"high water too low", func(c *Config) { c.HighWaterMark = c.LowWaterMark + 4 }},
		{"negative timeout", func(c *Config) { c.AckTimeout = -time.Second }},
		{"unknown mode", func(c *Config) { c.Mode = "sideways" }},
		{"unknown compression", func(c *Config) { c.Compression = "brotli" }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			channel, _ := newMemoryPair(t)
			engineConfig := testConfig(t)
			test.mutate(&engineConfig)
			if _, err := NewEngine(channel, engineConfig); err == nil {
				t.Fatal("NewEngine succeeded, want an error")
			}
		})
	}
}

func TestConfigFromSettings(t *testing.T) {
	settings := config.Default().Transfer
	settings.Mode = "push"
	settings.Compression = "zstd"

	converted, err := ConfigFromSettings(settings)
	if err != nil {
		t.Fatalf("ConfigFromSettings: %v", err)
	}
	if converted.Mode != ModePush || converted.Compression != CompressionZstd {
		t.Errorf("mode/compression = %s/%s, want push/zstd", converted.Mode, converted.Compression)
	}
	if converted.ChunkSize != settings.ChunkSize {
		t.Errorf("ChunkSize = %d, want %d", converted.ChunkSize, settings.ChunkSize)
	}

	settings.Mode = "sideways"
	if _, err := ConfigFromSettings(settings); err == nil {
		t.Error("ConfigFromSettings accepted an unknown mode")
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\notes.txt`, "notes.txt"},
		{"", "download"},
		{"..", "download"},
		{"bell\x07.txt", "bell.txt"},
	}
	for _, test := range tests {
		if got := sanitizeName(test.in); got != test.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", test.in, got, test.want)
		}
	}
}

func TestUniquePath(t *testing.T) {
	directory := t.TempDir()
	for _, name := range []string{"a.txt", "a (1).txt"} {
		if err := os.WriteFile(filepath.Join(directory, name), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	got, err := uniquePath(directory, "a.txt")
	if err != nil {
		t.Fatalf("uniquePath: %v", err)
	}
	if want := filepath.Join(directory, "a (2).txt"); got != want {
		t.Errorf("uniquePath = %s, want %s", got, want)
	}
	got, err = uniquePath(directory, "b")
	if err != nil {
		t.Fatalf("uniquePath: %v", err)
	}
	if want := filepath.Join(directory, "b"); got != want {
		t.Errorf("uniquePath = %s, want %s", got, want)
	}
}
