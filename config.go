package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/subosito/gotenv"
)

const (
	apiKeyEnvVar = "TRUD_API_KEY"

	defaultBaseURL     = "https://isd.digital.nhs.uk/trud/api/v1"
	defaultItemID      = "24" // NHSBSA dm+d
	defaultRelease     = "latest"
	defaultDownloadDir = "downloads"
	defaultOutputDir   = "output"
	defaultTimeout     = 10 * time.Minute
	defaultRetries     = 2
)

// Config holds all applications configuration settings.
type Config struct {
	BaseURL     string `yaml:"baseUrl"`
	ItemID      string `yaml:"itemId"`
	Release     string `yaml:"release"`
	DownloadDir string `yaml:"downloadDir"`
	OutputDir   string `yaml:"outputDir"`

	// Versioned extracts each release into its own directory below OutputDir,
	// named after the archive.
	Versioned bool   `yaml:"versioned"`
	Extract   *bool  `yaml:"extract"`
	Checksum  *bool  `yaml:"checksum"`
	Signature bool   `yaml:"signature"`
	PublicKey string `yaml:"publicKey"`

	Timeout  string `yaml:"timeout"`
	Retries  *int   `yaml:"retries"`
	Timezone string `yaml:"timezone"`

	timeout  time.Duration
	location *time.Location
}

// Credentials holds the TRUD API key for the lifetime of the process.
type Credentials struct {
	APIKey string
}

// LoadConfig reads the configuration from a reader into `cfg`.
func LoadConfig(r io.Reader, cfg *Config) error {
	if r == nil {
		return nil
	}
	err := yaml.NewDecoder(r).Decode(cfg)
	if errors.Is(err, io.EOF) {
		// empty document
		return nil
	}
	return err
}

// LoadConfigFile reads the configuration a file into `cfg`.
func LoadConfigFile(name string, cfg *Config) error {
	file, err := os.Open(name)
	if err != nil {
		return err
	}
	defer func() {
		_ = file.Close()
	}()
	return LoadConfig(file, cfg)
}

// Validate fills in defaults and checks the settings for consistency.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")

	if c.ItemID == "" {
		c.ItemID = defaultItemID
	}
	if strings.ContainsAny(c.ItemID, "/?#") {
		return fmt.Errorf("invalid item id: %q", c.ItemID)
	}
	if c.Release == "" {
		c.Release = defaultRelease
	}
	if c.DownloadDir == "" {
		c.DownloadDir = defaultDownloadDir
	}
	if c.OutputDir == "" {
		c.OutputDir = defaultOutputDir
	}
	c.DownloadDir = expandPath(c.DownloadDir)
	c.OutputDir = expandPath(c.OutputDir)
	// Extraction replaces the target wholesale, which must not take the
	// downloaded archive with it. Versioned targets are subdirectories of
	// the output directory, so there only the output directory itself may
	// hold the downloads.
	if rel, ok := subpath(c.OutputDir, c.DownloadDir); ok && (!c.Versioned || rel != ".") {
		return fmt.Errorf("download directory must not be inside the output directory: %s", c.DownloadDir)
	}
	if c.PublicKey != "" {
		c.PublicKey = expandPath(c.PublicKey)
	}

	c.timeout = defaultTimeout
	if c.Timeout != "" {
		d, err := time.ParseDuration(c.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("invalid timeout: %s", c.Timeout)
		}
		c.timeout = d
	}

	if c.Retries == nil {
		n := defaultRetries
		c.Retries = &n
	} else if *c.Retries < 0 {
		return fmt.Errorf("invalid retries: %d", *c.Retries)
	}

	c.location = time.Local
	if c.Timezone != "" {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return fmt.Errorf("invalid timezone: %w", err)
		}
		c.location = loc
	}

	return nil
}

// subpath reports whether path is root or lies below it, and returns path
// relative to root.
func subpath(root string, path string) (string, bool) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

// ExtractEnabled reports whether the archive should be unpacked after download.
func (c *Config) ExtractEnabled() bool {
	return c.Extract == nil || *c.Extract
}

// ChecksumEnabled reports whether archive digests are verified.
func (c *Config) ChecksumEnabled() bool {
	return c.Checksum == nil || *c.Checksum
}

// LoadCredentials reads the API key from the environment. Variables from the
// optional env file are loaded first but never override the environment.
func LoadCredentials(envFile string) (Credentials, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := gotenv.Load(envFile); err != nil {
				return Credentials{}, fmt.Errorf("load env file: %w", err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return Credentials{}, fmt.Errorf("stat env file: %w", err)
		}
	}

	key := strings.ToLower(strings.TrimSpace(os.Getenv(apiKeyEnvVar)))
	if key == "" {
		return Credentials{}, fmt.Errorf("%w: %s is not set", ErrAuthentication, apiKeyEnvVar)
	}
	return Credentials{APIKey: key}, nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		path = filepath.Join("${HOME}", path[1:])
	}
	return os.ExpandEnv(path)
}
