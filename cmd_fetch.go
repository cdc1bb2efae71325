package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"

	"github.com/cluttrdev/cli"
	"github.com/pterm/pterm"

	"go.cluttr.dev/dmdfetch/internal/metaerr"
)

func newFetchCmd() *cli.Command {
	cfg := fetchCmd{}

	fs := flag.NewFlagSet("dmdfetch fetch", flag.ContinueOnError)

	cfg.RegisterFlags(fs)

	return &cli.Command{
		Name:       "fetch",
		ShortHelp:  "Download and extract a release (the default command).",
		ShortUsage: "dmdfetch fetch [OPTION]...",
		Flags:      fs,
		Exec:       cfg.Exec,
	}
}

type fetchCmd struct {
	rootCmd

	OutputDir   string
	DownloadDir string
	Release     string
}

func (c *fetchCmd) RegisterFlags(fs *flag.FlagSet) {
	c.rootCmd.RegisterFlags(fs)

	fs.StringVar(&c.OutputDir, "output-dir", "", "The directory to extract the release into (default output).")
	fs.StringVar(&c.DownloadDir, "download-dir", "", "The directory to download the archive to (default downloads).")
	fs.StringVar(&c.Release, "release", "", "'latest', a release id, or a version constraint (default latest).")
}

func (c *fetchCmd) Exec(ctx context.Context, args []string) (err error) {
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %v", args)
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if c.OutputDir != "" {
		cfg.OutputDir = c.OutputDir
	}
	if c.DownloadDir != "" {
		cfg.DownloadDir = c.DownloadDir
	}
	if c.Release != "" {
		cfg.Release = c.Release
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	c.initLogging(cfg.location)
	defer c.closeLogging()

	defer func() {
		if err != nil {
			slog.With("error", err).
				With(metaerr.GetMetadata(err)...).
				Error("run failed")
			if c.logFile != nil {
				err = fmt.Errorf("%w\nSee %s for details", err, c.logFile.Name())
			}
		}
	}()

	creds, err := LoadCredentials(c.EnvFile)
	if err != nil {
		return err
	}

	if c.quiet {
		pterm.DisableOutput()
	}

	slog.Info("starting run", "item", cfg.ItemID, "release", cfg.Release)
	res, err := NewPipeline(cfg, creds, !c.quiet).Run(ctx)
	if err != nil {
		return err
	}

	switch {
	case res.Target == "":
		slog.Info("run completed", "release", res.Release.ID, "archive", res.Archive)
	case res.Unchanged:
		slog.Info("run completed, nothing changed", "release", res.Release.ID, "path", res.Target)
	default:
		slog.Info("run completed", "release", res.Release.ID, "path", res.Target)
	}
	return nil
}
