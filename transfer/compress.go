// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression names the whole-payload compression applied before
// chunking. The names travel in file-metadata frames.
type Compression string

const (
	// CompressionNone sends the payload as is.
	CompressionNone Compression = "none"

	// CompressionDeflate is raw DEFLATE, the default. A peer that only
	// sets the compressed flag without naming an algorithm means this.
	CompressionDeflate Compression = "deflate"

	// CompressionZstd gives better ratios on text at similar speed.
	CompressionZstd Compression = "zstd"

	// CompressionLZ4 is the fastest option with the weakest ratio.
	CompressionLZ4 Compression = "lz4"
)

// ParseCompression parses a configured compression name. The empty
// string selects CompressionDeflate.
func ParseCompression(name string) (Compression, error) {
	switch Compression(name) {
	case "":
		return CompressionDeflate, nil
	case CompressionNone, CompressionDeflate, CompressionZstd, CompressionLZ4:
		return Compression(name), nil
	}
	return "", fmt.Errorf("unknown compression %q", name)
}

// newCompressor wraps destination in a streaming compressor. Close
// flushes the stream but does not close destination.
func newCompressor(destination io.Writer, compression Compression) (io.WriteCloser, error) {
	switch compression {
	case CompressionDeflate:
		return flate.NewWriter(destination, flate.DefaultCompression)
	case CompressionZstd:
		return zstd.NewWriter(destination, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case CompressionLZ4:
		return lz4.NewWriter(destination), nil
	}
	return nil, fmt.Errorf("no compressor for %q", compression)
}

// newDecompressor wraps source in the streaming decompressor for
// compression. CompressionNone returns source unchanged.
func newDecompressor(source io.Reader, compression Compression) (io.ReadCloser, error) {
	switch compression {
	case CompressionNone:
		return io.NopCloser(source), nil
	case CompressionDeflate:
		return flate.NewReader(source), nil
	case CompressionZstd:
		decoder, err := zstd.NewReader(source)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		return decoder.IOReadCloser(), nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(source)), nil
	}
	return nil, fmt.Errorf("%w: unknown compression %q", ErrProtocol, compression)
}

// alreadyCompressed reports whether a MIME type names a format that
// is compressed internally, where a second pass only costs CPU.
func alreadyCompressed(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if index := strings.IndexByte(mimeType, ';'); index >= 0 {
		mimeType = strings.TrimSpace(mimeType[:index])
	}

	switch {
	case strings.HasPrefix(mimeType, "video/"), strings.HasPrefix(mimeType, "audio/"):
		return true
	case strings.HasPrefix(mimeType, "image/"):
		switch mimeType {
		case "image/svg+xml", "image/bmp", "image/x-ms-bmp", "image/tiff", "image/x-portable-pixmap":
			return false
		}
		return true
	}

	switch mimeType {
	case "application/zip", "application/gzip", "application/x-gzip",
		"application/x-7z-compressed", "application/x-rar-compressed",
		"application/vnd.rar", "application/x-bzip2", "application/x-xz",
		"application/zstd", "application/x-zstd", "application/x-lz4",
		"application/java-archive", "application/epub+zip",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation",
		"application/vnd.android.package-archive", "font/woff", "font/woff2":
		return true
	}
	return false
}
