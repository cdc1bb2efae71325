package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.cluttr.dev/dmdfetch/internal/metaerr"
)

// Result summarizes a pipeline run.
type Result struct {
	Release Release
	Archive string
	Digest  string
	// Target is empty when extraction is disabled.
	Target string
	// Unchanged is set when the target already held the release.
	Unchanged bool
}

// Pipeline fetches a release and extracts it, in that order.
type Pipeline struct {
	cfg      Config
	client   *TRUDClient
	fetcher  *Fetcher
	verifier *Verifier
}

func NewPipeline(cfg Config, creds Credentials, progress bool) *Pipeline {
	client := NewTRUDClient(cfg, creds)
	return &Pipeline{
		cfg:      cfg,
		client:   client,
		fetcher:  NewFetcher(client, cfg.DownloadDir, progress),
		verifier: NewVerifier(),
	}
}

// Run executes the whole pipeline. Any error aborts the run.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	var res Result

	rel, err := SelectRelease(ctx, p.client, p.cfg.ItemID, p.cfg.Release)
	if err != nil {
		return res, fmt.Errorf("select release: %w", err)
	}
	res.Release = rel
	slog.Info("selected release",
		"id", rel.ID,
		"name", rel.Name,
		"date", rel.ReleaseDate,
		"archive", rel.ArchiveFileName,
	)

	res.Archive, err = p.fetcher.FetchArchive(ctx, rel)
	if err != nil {
		return res, metaerr.WithMetadata(fmt.Errorf("fetch archive: %w", err), "release", rel.ID)
	}

	res.Digest, _, err = sha256File(res.Archive)
	if err != nil {
		return res, fmt.Errorf("%w: hash archive: %w", ErrWrite, err)
	}

	if p.cfg.ChecksumEnabled() {
		if err := p.verifyChecksum(ctx, rel, res.Archive, res.Digest); err != nil {
			return res, metaerr.WithMetadata(fmt.Errorf("verify checksum: %w", err), "release", rel.ID)
		}
	}
	if p.cfg.Signature {
		if err := p.verifySignature(ctx, rel, res.Archive); err != nil {
			return res, metaerr.WithMetadata(fmt.Errorf("verify signature: %w", err), "release", rel.ID)
		}
	}

	if !p.cfg.ExtractEnabled() {
		return res, nil
	}

	res.Target = p.target(res.Archive)
	res.Unchanged, err = p.extract(res.Archive, res.Target, rel, res.Digest)
	if err != nil {
		return res, metaerr.WithMetadata(fmt.Errorf("extract archive: %w", err), "release", rel.ID)
	}
	return res, nil
}

func (p *Pipeline) target(archive string) string {
	if !p.cfg.Versioned {
		return p.cfg.OutputDir
	}
	name := filepath.Base(archive)
	return filepath.Join(p.cfg.OutputDir, strings.TrimSuffix(name, filepath.Ext(name)))
}

func (p *Pipeline) verifyChecksum(ctx context.Context, rel Release, archive string, digest string) error {
	if rel.ArchiveFileSha256 != "" {
		if err := VerifyDigest(archive, digest, rel.ArchiveFileSha256); err != nil {
			return err
		}
	}
	if rel.ChecksumFileURL == "" {
		return nil
	}

	path, err := p.fetcher.FetchFile(ctx, rel.ChecksumFileURL, rel.ChecksumFileName)
	if err != nil {
		return err
	}
	sums, err := ParseChecksumFile(path, filepath.Base(archive))
	if err != nil {
		return fmt.Errorf("%w: read checksum file: %w", ErrWrite, err)
	}
	if len(sums) == 0 {
		slog.Warn("checksum file holds no sha256 digest, skipping", "path", path)
		return nil
	}
	for _, sum := range sums {
		if err := VerifyDigest(archive, digest, sum); err == nil {
			slog.Debug("checksum verified", "path", archive, "digest", digest)
			return nil
		}
	}
	return VerifyDigest(archive, digest, sums[0])
}

func (p *Pipeline) verifySignature(ctx context.Context, rel Release, archive string) error {
	if rel.SignatureFileURL == "" {
		return fmt.Errorf("%w: release %s has no signature", ErrNetwork, rel.ID)
	}

	switch {
	case p.cfg.PublicKey != "":
		if err := p.verifier.ImportKeyFile(p.cfg.PublicKey); err != nil {
			return err
		}
	case rel.PublicKeyURL != "":
		keyPath, err := p.fetcher.FetchFile(ctx, rel.PublicKeyURL, "")
		if err != nil {
			return err
		}
		if err := p.verifier.ImportKeyFile(keyPath); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: no public key available", ErrFormat)
	}

	sigPath, err := p.fetcher.FetchFile(ctx, rel.SignatureFileURL, rel.SignatureFileName)
	if err != nil {
		return err
	}
	if err := p.verifier.VerifyFile(archive, sigPath); err != nil {
		return err
	}
	slog.Info("signature verified", "path", archive)
	return nil
}

// extract unpacks the archive into target unless target already holds the
// release. It reports whether extraction was skipped.
func (p *Pipeline) extract(archive string, target string, rel Release, digest string) (bool, error) {
	receipt, err := readReceipt(target)
	switch {
	case err == nil:
		if receipt.Matches(rel.ID, digest) && receipt.intact(target) {
			slog.Info("target is already up to date, skipping extraction", "path", target)
			return true, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		slog.Warn("ignoring unreadable receipt", "path", target, "error", err)
	}

	staging, err := newStagingDir(target)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = os.RemoveAll(staging)
	}()

	slog.Info("extracting", "archive", archive, "path", target)
	files, err := Extract(archive, staging)
	if err != nil {
		return false, err
	}

	// A receipt must never describe a target it does not match, so the old
	// one goes before the swap and the new one is written after it.
	if err := removeReceipt(target); err != nil {
		return false, err
	}
	if err := Install(staging, target); err != nil {
		return false, err
	}

	err = writeReceipt(target, Receipt{
		Generated: time.Now().UTC(),
		Release:   rel.ID,
		Archive:   filepath.Base(archive),
		Digest:    digest,
		Files:     files,
	})
	if err != nil {
		return false, err
	}
	slog.Info("extracted", "path", target, "files", len(files))
	return false, nil
}
