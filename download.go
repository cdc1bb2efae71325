package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	_url "net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pterm/pterm"

	"go.cluttr.dev/dmdfetch/internal/metaerr"
)

// Fetcher downloads release files into a local directory.
type Fetcher struct {
	client   *TRUDClient
	dir      string
	progress bool
}

func NewFetcher(client *TRUDClient, dir string, progress bool) *Fetcher {
	return &Fetcher{
		client:   client,
		dir:      dir,
		progress: progress,
	}
}

// FetchArchive downloads the archive of the release unless an identical copy
// is already present. It returns the local path to the archive.
func (f *Fetcher) FetchArchive(ctx context.Context, rel Release) (string, error) {
	if rel.ArchiveFileURL == "" {
		return "", fmt.Errorf("%w: release %s has no archive", ErrNetwork, rel.ID)
	}

	dst := filepath.Join(f.dir, fileName(rel.ArchiveFileName, rel.ArchiveFileURL))
	if upToDate(dst, rel) {
		slog.Info("archive is already up to date, skipping download", "path", dst)
		return dst, nil
	}

	if err := f.download(ctx, rel.ArchiveFileURL, dst, rel.ArchiveFileSizeBytes); err != nil {
		return "", err
	}
	return dst, nil
}

// FetchFile downloads a small companion file (checksum, signature, key).
func (f *Fetcher) FetchFile(ctx context.Context, url string, name string) (string, error) {
	dst := filepath.Join(f.dir, fileName(name, url))
	if err := f.download(ctx, url, dst, 0); err != nil {
		return "", err
	}
	return dst, nil
}

// download retrieves url into dst. The body is written to a sibling `.part`
// file that only replaces dst once it was received completely.
func (f *Fetcher) download(ctx context.Context, url string, dst string, size int64) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return metaerr.WithMetadata(fmt.Errorf("%w: create download directory: %w", ErrWrite, err), "path", filepath.Dir(dst))
	}

	slog.Info("downloading", "file", filepath.Base(dst))

	resp, err := f.client.Open(ctx, url)
	if err != nil {
		return fmt.Errorf("download %s: %w", filepath.Base(dst), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if size <= 0 {
		size = resp.ContentLength
	}

	part := dst + ".part"
	out, err := os.Create(part)
	if err != nil {
		return metaerr.WithMetadata(fmt.Errorf("%w: create output file: %w", ErrWrite, err), "path", part)
	}
	defer func() {
		_ = out.Close()
		_ = os.Remove(part)
	}()

	var w io.Writer = out
	var bar *pterm.ProgressbarPrinter
	if f.progress && size > 0 {
		bar, _ = pterm.DefaultProgressbar.
			WithTotal(int(size)).
			WithTitle(filepath.Base(dst)).
			Start()
		if bar != nil {
			w = io.MultiWriter(out, &progressWriter{bar: bar})
		}
	}

	tw := &trackingWriter{w: w}
	n, err := io.Copy(tw, resp.Body)
	if bar != nil {
		_, _ = bar.Stop()
	}
	if err != nil {
		if tw.err != nil {
			return metaerr.WithMetadata(fmt.Errorf("%w: write output file: %w", ErrWrite, err), "path", part)
		}
		return fmt.Errorf("%w: download %s: %s", ErrNetwork, filepath.Base(dst), f.client.redact(err.Error()))
	}
	if size > 0 && n != size {
		return metaerr.WithMetadata(
			fmt.Errorf("%w: download %s: short body", ErrNetwork, filepath.Base(dst)),
			"expected", size, "received", n,
		)
	}

	if err := out.Close(); err != nil {
		return metaerr.WithMetadata(fmt.Errorf("%w: write output file: %w", ErrWrite, err), "path", part)
	}
	if err := os.Rename(part, dst); err != nil {
		return metaerr.WithMetadata(fmt.Errorf("%w: move output file: %w", ErrWrite, err), "path", dst)
	}

	slog.Info("downloaded", "path", dst, "bytes", n)
	return nil
}

// upToDate reports whether the file at path matches the release's published
// size and, if known, digest.
func upToDate(path string, rel Release) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if rel.ArchiveFileSizeBytes <= 0 && rel.ArchiveFileSha256 == "" {
		return false
	}
	if rel.ArchiveFileSizeBytes > 0 && info.Size() != rel.ArchiveFileSizeBytes {
		return false
	}
	if rel.ArchiveFileSha256 != "" {
		sum, _, err := sha256File(path)
		if err != nil || !strings.EqualFold(sum, rel.ArchiveFileSha256) {
			return false
		}
	}
	return true
}

// fileName picks a safe local file name, preferring the published name and
// falling back to the last element of the url path.
func fileName(name string, url string) string {
	if name != "" {
		name = filepath.Base(filepath.Clean("/" + name))
	}
	if name == "" || name == "/" || name == "." {
		u, err := _url.Parse(url)
		if err == nil {
			name = path.Base(u.Path)
		}
	}
	if name == "" || name == "/" || name == "." {
		name = "release.zip"
	}
	return name
}

type progressWriter struct {
	bar *pterm.ProgressbarPrinter
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.bar.Add(len(p))
	return len(p), nil
}

// trackingWriter remembers the error of the underlying writer so that copy
// failures can be told apart from read failures.
type trackingWriter struct {
	w   io.Writer
	err error
}

func (w *trackingWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if err != nil && w.err == nil {
		w.err = err
	}
	return n, err
}
