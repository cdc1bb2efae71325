package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cluttrdev/cli"
)

const (
	defaultConfigFile = ".dmdfetch.yaml"
	defaultEnvFile    = ".env"
)

// execute configures the root command, parses args and then runs it with the
// given context.
func execute(ctx context.Context, args []string) error {
	cmd := configure()
	opts := []cli.ParseOption{
		cli.WithEnvVarPrefix("DMDFETCH"),
	}

	if err := cmd.Parse(args, opts...); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse arguments: %w", err)
	}

	return cmd.Run(ctx)
}

// configure returns the root command. Without a subcommand it runs the
// fetch pipeline, so that schedulers can invoke it without arguments.
func configure() *cli.Command {
	var cfg fetchCmd

	fs := flag.NewFlagSet("dmdfetch", flag.ContinueOnError)

	cfg.RegisterFlags(fs)

	return &cli.Command{
		Name:       "dmdfetch",
		ShortHelp:  "Download and extract the latest dm+d release from NHS TRUD.",
		ShortUsage: "dmdfetch [COMMAND] [OPTION]...",
		Subcommands: []*cli.Command{
			cli.DefaultVersionCommand(os.Stdout),
			newFetchCmd(),
			newReleasesCmd(),
		},
		Flags: fs,
		Exec:  cfg.Exec,
	}
}

func initLogging(w io.Writer, level string, format string, loc *time.Location) {
	if w == nil {
		w = os.Stderr
	}

	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := slog.HandlerOptions{
		Level: lvl,
	}
	if loc != nil {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
				a.Value = slog.TimeValue(a.Value.Time().In(loc))
			}
			return a
		}
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(w, &opts)
	case "json":
		handler = slog.NewJSONHandler(w, &opts)
	default:
		handler = slog.NewTextHandler(w, &opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
}

type rootCmd struct {
	ConfigFile string
	EnvFile    string
	ItemID     string

	logFile     *os.File
	logFilePath string
	logLevel    string
	logFormat   string
	debug       bool
	quiet       bool
}

func (c *rootCmd) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", defaultConfigFile, "The configuration file.")
	fs.StringVar(&c.EnvFile, "env-file", defaultEnvFile, "A dotenv file to read TRUD_API_KEY from.")
	fs.StringVar(&c.ItemID, "item", "", "The TRUD item id (default 24, dm+d).")

	fs.StringVar(&c.logFilePath, "log-file", "", "The log file (default $XDG_STATE_HOME/dmdfetch.log).")
	fs.StringVar(&c.logLevel, "log-level", "info", "The log level.")
	fs.StringVar(&c.logFormat, "log-format", "text", "The log format ('text' or 'json').")
	fs.BoolVar(&c.debug, "debug", false, "Enable debug mode.")
	fs.BoolVar(&c.quiet, "quiet", false, "Disable progress output.")
}

// loadConfig reads the configuration file, if any, and validates it.
// A missing default configuration file is not an error.
func (c *rootCmd) loadConfig() (Config, error) {
	var cfg Config
	if err := LoadConfigFile(c.ConfigFile, &cfg); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || c.ConfigFile != defaultConfigFile {
			return Config{}, fmt.Errorf("load configuration: %w", err)
		}
	}
	if c.ItemID != "" {
		cfg.ItemID = c.ItemID
	}
	return cfg, nil
}

func (c *rootCmd) initLogging(loc *time.Location) {
	path := c.logFilePath
	if path == "" {
		if stateDir, err := userStateDir(); err == nil {
			path = filepath.Join(stateDir, "dmdfetch.log")
		}
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
			c.logFile, _ = os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
		}
	}

	var w io.Writer = os.Stderr
	if c.logFile != nil {
		w = io.MultiWriter(os.Stderr, c.logFile)
	}

	level := c.logLevel
	if c.debug {
		level = "debug"
	}
	initLogging(w, level, c.logFormat, loc)
}

func (c *rootCmd) closeLogging() {
	if c.logFile != nil {
		_ = c.logFile.Close()
	}
}

func userStateDir() (string, error) {
	xdgStateHome, ok := os.LookupEnv("XDG_STATE_HOME")
	if !ok || xdgStateHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		xdgStateHome = filepath.Join(home, ".local", "state")
	}

	return xdgStateHome, nil
}
