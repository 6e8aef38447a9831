// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive packs files and directories into a single zip stream
// so that a folder can be sent as one transfer.
package archive

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// Write archives every path into w as a zip file. Directories are
// walked recursively; entries are named relative to the parent of each
// argument, so "photos/2026/a.jpg" keeps its "photos/" prefix.
// Symlinks are stored as the files they point to. Entries use Store
// when level is flate.NoCompression and Deflate otherwise.
func Write(w io.Writer, paths []string, level int) error {
	if len(paths) == 0 {
		return fmt.Errorf("archive: no paths")
	}
	writer := zip.NewWriter(w)
	writer.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})

	seen := make(map[string]bool)
	for _, root := range paths {
		root = filepath.Clean(root)
		base := filepath.Dir(root)
		err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			relative, err := filepath.Rel(base, path)
			if err != nil {
				return err
			}
			name := filepath.ToSlash(relative)
			if entry.IsDir() {
				name += "/"
			}
			if seen[name] {
				return fmt.Errorf("duplicate entry %s", name)
			}
			seen[name] = true
			return addEntry(writer, path, name, entry, level)
		})
		if err != nil {
			writer.Close()
			return fmt.Errorf("archive: %s: %w", root, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("archive: finishing zip: %w", err)
	}
	return nil
}

func addEntry(writer *zip.Writer, path, name string, entry fs.DirEntry, level int) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	if info.IsDir() {
		_, err := writer.CreateHeader(header)
		return err
	}
	header.Method = zip.Deflate
	if level == flate.NoCompression {
		header.Method = zip.Store
	}

	target, err := writer.CreateHeader(header)
	if err != nil {
		return err
	}
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(target, file)
	return err
}

// Extract unpacks a zip file into directory. Entries that would land
// outside directory are rejected.
func Extract(reader io.ReaderAt, size int64, directory string) error {
	archive, err := zip.NewReader(reader, size)
	if err != nil {
		return fmt.Errorf("archive: reading zip: %w", err)
	}
	root, err := filepath.Abs(directory)
	if err != nil {
		return err
	}
	for _, file := range archive.File {
		target := filepath.Join(root, filepath.FromSlash(file.Name))
		if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return fmt.Errorf("archive: entry %q escapes the destination", file.Name)
		}
		if strings.HasSuffix(file.Name, "/") {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(file, target); err != nil {
			return fmt.Errorf("archive: %s: %w", file.Name, err)
		}
	}
	return nil
}

func extractFile(file *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	source, err := file.Open()
	if err != nil {
		return err
	}
	defer source.Close()
	output, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, file.Mode().Perm()|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(output, source); err != nil {
		output.Close()
		return err
	}
	return output.Close()
}
