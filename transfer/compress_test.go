// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"bytes"
	"io"
	"testing"
)

func TestCompressorRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog\n"), 100)
	for _, compression := range []Compression{CompressionDeflate, CompressionZstd, CompressionLZ4} {
		t.Run(string(compression), func(t *testing.T) {
			var compressed bytes.Buffer
			compressor, err := newCompressor(&compressed, compression)
			if err != nil {
				t.Fatalf("newCompressor: %v", err)
			}
			if _, err := compressor.Write(original); err != nil {
				t.Fatalf("Write: %v", err)
			}
			if err := compressor.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if compressed.Len() >= len(original) {
				t.Errorf("compressed %d bytes into %d", len(original), compressed.Len())
			}

			decompressor, err := newDecompressor(&compressed, compression)
			if err != nil {
				t.Fatalf("newDecompressor: %v", err)
			}
			defer decompressor.Close()
			restored, err := io.ReadAll(decompressor)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if !bytes.Equal(restored, original) {
				t.Errorf("restored %d bytes, want the original %d", len(restored), len(original))
			}
		})
	}
}

func TestNewCompressor_RejectsNone(t *testing.T) {
	if _, err := newCompressor(io.Discard, CompressionNone); err == nil {
		t.Error("newCompressor(none) succeeded, want an error")
	}
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in      string
		want    Compression
		wantErr bool
	}{
		{"", CompressionDeflate, false},
		{"none", CompressionNone, false},
		{"zstd", CompressionZstd, false},
		{"lz4", CompressionLZ4, false},
		{"gzip", "", true},
	}
	for _, test := range tests {
		got, err := ParseCompression(test.in)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseCompression(%q) error = %v, wantErr %v", test.in, err, test.wantErr)
			continue
		}
		if got != test.want {
			t.Errorf("ParseCompression(%q) = %q, want %q", test.in, got, test.want)
		}
	}
}

func TestAlreadyCompressed(t *testing.T) {
	tests := []struct {
		mimeType string
		want     bool
	}{
		{"video/mp4", true},
		{"audio/mpeg", true},
		{"image/png", true},
		{"image/svg+xml", false},
		{"application/zip", true},
		{"application/gzip", true},
		{"Application/Zip; charset=binary", true},
		{"text/plain; charset=utf-8", false},
		{"application/json", false},
		{"", false},
	}
	for _, test := range tests {
		if got := alreadyCompressed(test.mimeType); got != test.want {
			t.Errorf("alreadyCompressed(%q) = %v, want %v", test.mimeType, got, test.want)
		}
	}
}
