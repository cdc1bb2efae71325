package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"

	"go.cluttr.dev/dmdfetch/internal/metaerr"
)

var sha256Pattern = regexp.MustCompile(`\b[0-9a-fA-F]{64}\b`)

// sha256File returns the hex encoded sha256 digest and size of the file.
func sha256File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// VerifyDigest checks that digest equals expected, ignoring case.
func VerifyDigest(path string, digest string, expected string) error {
	if strings.EqualFold(digest, expected) {
		return nil
	}
	return metaerr.WithMetadata(
		fmt.Errorf("%w: checksum mismatch", ErrFormat),
		"path", path, "expected", strings.ToLower(expected), "actual", digest,
	)
}

// ParseChecksumFile returns every sha256 digest found in a checksum file.
// Files listing several entries are narrowed to the lines naming `target`
// when such lines exist.
func ParseChecksumFile(path string, target string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var all, named []string
	for _, line := range strings.Split(string(data), "\n") {
		sums := sha256Pattern.FindAllString(line, -1)
		all = append(all, sums...)
		if target != "" && strings.Contains(line, target) {
			named = append(named, sums...)
		}
	}
	if len(named) > 0 {
		return named, nil
	}
	return all, nil
}

// Verifier checks detached OpenPGP signatures against an imported keyring.
type Verifier struct {
	keyring openpgp.EntityList
}

func NewVerifier() *Verifier {
	return &Verifier{}
}

// ImportKey adds the armored or binary public keys read from r.
func (v *Verifier) ImportKey(r io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(r, 10<<20))
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}

	entities, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	if err != nil {
		entities, err = openpgp.ReadKeyRing(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("%w: parse key: %w", ErrFormat, err)
		}
	}
	if len(entities) == 0 {
		return fmt.Errorf("%w: no keys found", ErrFormat)
	}

	v.keyring = append(v.keyring, entities...)
	return nil
}

// ImportKeyFile adds the public keys stored in the file at path.
func (v *Verifier) ImportKeyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open key file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return v.ImportKey(f)
}

// VerifyFile checks the detached signature in sigPath over the file at dataPath.
func (v *Verifier) VerifyFile(dataPath string, sigPath string) error {
	if len(v.keyring) == 0 {
		return fmt.Errorf("%w: no public keys imported", ErrFormat)
	}

	sig, err := os.ReadFile(sigPath)
	if err != nil {
		return fmt.Errorf("read signature: %w", err)
	}

	data, err := os.Open(dataPath)
	if err != nil {
		return fmt.Errorf("open signed file: %w", err)
	}
	defer func() {
		_ = data.Close()
	}()

	if bytes.HasPrefix(bytes.TrimSpace(sig), []byte("-----BEGIN PGP SIGNATURE")) {
		_, err = openpgp.CheckArmoredDetachedSignature(v.keyring, data, bytes.NewReader(sig), nil)
	} else {
		_, err = openpgp.CheckDetachedSignature(v.keyring, data, bytes.NewReader(sig), nil)
	}
	if err != nil {
		return metaerr.WithMetadata(
			fmt.Errorf("%w: signature verification failed: %w", ErrFormat, err),
			"path", dataPath, "signature", sigPath,
		)
	}
	return nil
}
