package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/cluttrdev/cli"
	"github.com/pterm/pterm"

	"go.cluttr.dev/dmdfetch/internal/metaerr"
)

func newReleasesCmd() *cli.Command {
	cfg := releasesCmd{}

	fs := flag.NewFlagSet("dmdfetch releases", flag.ContinueOnError)

	cfg.RegisterFlags(fs)

	return &cli.Command{
		Name:       "releases",
		ShortHelp:  "List the published releases of the item.",
		ShortUsage: "dmdfetch releases [OPTION]...",
		Flags:      fs,
		Exec:       cfg.Exec,
	}
}

type releasesCmd struct {
	rootCmd

	all bool
}

func (c *releasesCmd) RegisterFlags(fs *flag.FlagSet) {
	c.rootCmd.RegisterFlags(fs)

	fs.BoolVar(&c.all, "all", false, "List all releases instead of the latest only.")
}

func (c *releasesCmd) Exec(ctx context.Context, args []string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	c.initLogging(cfg.location)
	defer c.closeLogging()

	creds, err := LoadCredentials(c.EnvFile)
	if err != nil {
		return err
	}

	spinner, _ := pterm.DefaultSpinner.Start("Fetching releases")
	releases, err := NewTRUDClient(cfg, creds).ListReleases(ctx, cfg.ItemID, !c.all)
	if err != nil {
		slog.With("error", err).
			With(metaerr.GetMetadata(err)...).
			Error("failed to list releases")
		spinner.Fail()
		return err
	}
	spinner.Success()

	return pterm.DefaultTable.
		WithHasHeader().
		WithData(releaseTable(releases)).
		Render()
}

func releaseTable(releases []Release) pterm.TableData {
	data := pterm.TableData{
		{"ID", "Date", "Archive", "Size"},
	}
	for _, rel := range releases {
		data = append(data, []string{
			rel.ID,
			rel.ReleaseDate,
			rel.ArchiveFileName,
			strconv.FormatInt(rel.ArchiveFileSizeBytes, 10),
		})
	}
	return data
}
