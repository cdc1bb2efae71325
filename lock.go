package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/goccy/go-yaml"
)

// receiptSuffix names the file next to a target recording which release the
// target holds. The target itself only ever holds archive entries.
const receiptSuffix = ".dmdfetch.lock"

// Receipt records the release extracted into a target directory.
type Receipt struct {
	Generated time.Time `yaml:"generated"`
	Release   string    `yaml:"release"`
	Archive   string    `yaml:"archive"`
	Digest    string    `yaml:"digest"`
	Files     []string  `yaml:"files"`
}

// Matches reports whether the receipt describes the given release archive.
func (r Receipt) Matches(release string, digest string) bool {
	return r.Release == release && r.Digest == digest
}

// receiptPath returns the receipt file of the target directory dir.
func receiptPath(dir string) string {
	dir = filepath.Clean(dir)
	return filepath.Join(filepath.Dir(dir), "."+filepath.Base(dir)+receiptSuffix)
}

func readReceipt(dir string) (Receipt, error) {
	data, err := os.ReadFile(receiptPath(dir))
	if err != nil {
		return Receipt{}, err
	}
	var receipt Receipt
	if err := yaml.Unmarshal(data, &receipt); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

func writeReceipt(dir string, receipt Receipt) error {
	data, err := yaml.Marshal(receipt)
	if err != nil {
		return err
	}
	if err := os.WriteFile(receiptPath(dir), data, 0o644); err != nil {
		return fmt.Errorf("%w: write receipt: %w", ErrWrite, err)
	}
	return nil
}

func removeReceipt(dir string) error {
	if err := os.Remove(receiptPath(dir)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove receipt: %w", ErrWrite, err)
	}
	return nil
}

// intact reports whether dir still holds exactly the files of the receipt.
func (r Receipt) intact(dir string) bool {
	files, err := listFiles(dir)
	if err != nil {
		return false
	}
	return slices.Equal(files, r.Files)
}
