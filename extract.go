package main

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.cluttr.dev/dmdfetch/internal/metaerr"
)

type archiveFormat int

const (
	formatUnknown archiveFormat = iota
	formatZip
	formatTarGz
)

var (
	zipMagic      = []byte("PK\x03\x04")
	zipEmptyMagic = []byte("PK\x05\x06")
	gzipMagic     = []byte{0x1f, 0x8b}
)

// Extract unpacks the archive into dir, which must be empty or missing.
// The format is detected from the archive's leading bytes.
// It returns the slash separated paths of all extracted files, sorted.
func Extract(archive string, dir string) ([]string, error) {
	format, err := detectFormat(archive)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, metaerr.WithMetadata(fmt.Errorf("%w: create directory: %w", ErrWrite, err), "path", dir)
	}

	var files []string
	switch format {
	case formatZip:
		files, err = extractZip(archive, dir)
	case formatTarGz:
		files, err = extractTarGz(archive, dir)
	default:
		err = metaerr.WithMetadata(fmt.Errorf("%w: unsupported archive", ErrFormat), "path", archive)
	}
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

func detectFormat(archive string) (archiveFormat, error) {
	f, err := os.Open(archive)
	if err != nil {
		return formatUnknown, fmt.Errorf("open archive: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return formatUnknown, fmt.Errorf("read archive: %w", err)
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, zipMagic), bytes.HasPrefix(head, zipEmptyMagic):
		return formatZip, nil
	case bytes.HasPrefix(head, gzipMagic):
		return formatTarGz, nil
	}
	return formatUnknown, metaerr.WithMetadata(fmt.Errorf("%w: unrecognized archive format", ErrFormat), "path", archive)
}

func extractZip(archive string, dir string) ([]string, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, metaerr.WithMetadata(fmt.Errorf("%w: %w", ErrFormat, err), "path", archive)
	}
	defer func() {
		_ = zr.Close()
	}()

	var files []string
	for _, zf := range zr.File {
		target, err := entryPath(dir, zf.Name)
		if err != nil {
			return nil, err
		}

		if zf.FileInfo().IsDir() {
			if err := mkdir(target); err != nil {
				return nil, err
			}
			continue
		}
		if !zf.Mode().IsRegular() {
			slog.Warn("ignoring non-regular archive entry", "name", zf.Name)
			continue
		}

		rc, err := zf.Open()
		if err != nil {
			return nil, metaerr.WithMetadata(fmt.Errorf("%w: open entry: %w", ErrFormat, err), "entry", zf.Name)
		}
		err = writeEntry(target, rc, zf.Name)
		_ = rc.Close()
		if err != nil {
			return nil, err
		}
		files = append(files, relPath(dir, target))
	}
	return files, nil
}

func extractTarGz(archive string, dir string) ([]string, error) {
	f, err := os.Open(archive)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	gzr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, metaerr.WithMetadata(fmt.Errorf("%w: %w", ErrFormat, err), "path", archive)
	}
	defer func() {
		_ = gzr.Close()
	}()

	var files []string
	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, metaerr.WithMetadata(fmt.Errorf("%w: %w", ErrFormat, err), "path", archive)
		}

		target, err := entryPath(dir, header.Name)
		if err != nil {
			return nil, err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := mkdir(target); err != nil {
				return nil, err
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, header.Name); err != nil {
				return nil, err
			}
			files = append(files, relPath(dir, target))
		default:
			slog.Warn("ignoring unsupported archive entry", "name", header.Name, "type", string(header.Typeflag))
		}
	}
	return files, nil
}

// entryPath resolves an archive entry name below dir, rejecting names that
// would escape it.
func entryPath(dir string, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.VolumeName(clean) != "" {
		return "", metaerr.WithMetadata(fmt.Errorf("%w: invalid file path in archive", ErrFormat), "entry", name)
	}
	return filepath.Join(dir, clean), nil
}

func relPath(dir string, target string) string {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return filepath.ToSlash(target)
	}
	return filepath.ToSlash(rel)
}

func mkdir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return metaerr.WithMetadata(fmt.Errorf("%w: create directory: %w", ErrWrite, err), "path", path)
	}
	return nil
}

func writeEntry(target string, r io.Reader, name string) error {
	if err := mkdir(filepath.Dir(target)); err != nil {
		return err
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return metaerr.WithMetadata(fmt.Errorf("%w: create file: %w", ErrWrite, err), "path", target)
	}

	tw := &trackingWriter{w: out}
	_, err = io.Copy(tw, r)
	closeErr := out.Close()
	switch {
	case err != nil && tw.err != nil:
		return metaerr.WithMetadata(fmt.Errorf("%w: write file: %w", ErrWrite, err), "path", target)
	case err != nil:
		return metaerr.WithMetadata(fmt.Errorf("%w: read entry: %w", ErrFormat, err), "entry", name)
	case closeErr != nil:
		return metaerr.WithMetadata(fmt.Errorf("%w: write file: %w", ErrWrite, closeErr), "path", target)
	}
	return nil
}

// listFiles returns the slash separated paths of all regular files below dir,
// sorted.
func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
