// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
)

// Payload is an opened source. Chunks are read with ReadAt so that
// re-requested indices can be served in any order.
type Payload interface {
	io.ReaderAt
	io.Closer
}

// Source describes one file to send.
type Source struct {
	// Name is the display name announced to the receiver.
	Name string

	// MIMEType decides whether compression is attempted.
	MIMEType string

	// Size is the number of bytes Open's payload holds.
	Size int64

	// Open is called once per SendFile.
	Open func() (Payload, error)
}

// FileSource describes the file at path. The MIME type comes from the
// extension, or from sniffing the first 512 bytes when the extension is
// unknown.
func FileSource(path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Source{}, err
	}
	if !info.Mode().IsRegular() {
		return Source{}, fmt.Errorf("%s is not a regular file", path)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType, err = sniffMIMEType(path)
		if err != nil {
			return Source{}, err
		}
	}

	return Source{
		Name:     filepath.Base(path),
		MIMEType: mimeType,
		Size:     info.Size(),
		Open: func() (Payload, error) {
			return os.Open(path)
		},
	}, nil
}

// BytesSource describes an in-memory payload.
func BytesSource(name, mimeType string, data []byte) Source {
	return Source{
		Name:     name,
		MIMEType: mimeType,
		Size:     int64(len(data)),
		Open: func() (Payload, error) {
			return bytesPayload{bytes.NewReader(data)}, nil
		},
	}
}

type bytesPayload struct {
	*bytes.Reader
}

func (bytesPayload) Close() error { return nil }

func sniffMIMEType(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	header := make([]byte, 512)
	count, err := io.ReadFull(file, header)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", err
	}
	return http.DetectContentType(header[:count]), nil
}
