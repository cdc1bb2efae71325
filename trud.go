package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.cluttr.dev/dmdfetch/internal/metaerr"
)

// maxEnvelopeSize bounds the release listing response.
const maxEnvelopeSize = 16 << 20

// Release describes one published version of a TRUD item.
type Release struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	ReleaseDate          string `json:"releaseDate"`
	ArchiveFileURL       string `json:"archiveFileUrl"`
	ArchiveFileName      string `json:"archiveFileName"`
	ArchiveFileSizeBytes int64  `json:"archiveFileSizeBytes"`
	ArchiveFileSha256    string `json:"archiveFileSha256,omitempty"`
	ChecksumFileURL      string `json:"checksumFileUrl,omitempty"`
	ChecksumFileName     string `json:"checksumFileName,omitempty"`
	SignatureFileURL     string `json:"signatureFileUrl,omitempty"`
	SignatureFileName    string `json:"signatureFileName,omitempty"`
	PublicKeyURL         string `json:"publicKeyUrl,omitempty"`
}

type releasesEnvelope struct {
	APIVersion string    `json:"apiVersion"`
	HTTPStatus int       `json:"httpStatus"`
	Message    string    `json:"message"`
	Releases   []Release `json:"releases"`
}

// TRUDClient talks to the TRUD release API on behalf of one API key.
type TRUDClient struct {
	baseURL string
	apiKey  string
	retries int
	client  *http.Client
}

func NewTRUDClient(cfg Config, creds Credentials) *TRUDClient {
	retries := defaultRetries
	if cfg.Retries != nil {
		retries = *cfg.Retries
	}
	timeout := cfg.timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &TRUDClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  creds.APIKey,
		retries: retries,
		client:  newClient(timeout),
	}
}

// ListReleases returns the releases of the given item, newest first as
// ordered by the service. With latestOnly only the latest release is asked for.
func (c *TRUDClient) ListReleases(ctx context.Context, itemID string, latestOnly bool) ([]Release, error) {
	env, _, err := c.releaseDocument(ctx, itemID, latestOnly)
	if err != nil {
		return nil, err
	}
	return env.Releases, nil
}

// releaseDocument fetches and validates the release listing. It returns the
// decoded envelope along with the raw JSON document.
func (c *TRUDClient) releaseDocument(ctx context.Context, itemID string, latestOnly bool) (releasesEnvelope, []byte, error) {
	u := fmt.Sprintf("%s/keys/%s/items/%s/releases", c.baseURL, url.PathEscape(c.apiKey), url.PathEscape(itemID))
	if latestOnly {
		u += "?latest"
	}

	resp, err := c.get(ctx, u)
	if err != nil {
		return releasesEnvelope{}, nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxEnvelopeSize))
	if err != nil {
		return releasesEnvelope{}, nil, c.withURL(fmt.Errorf("%w: read releases: %s", ErrNetwork, c.redact(err.Error())), u)
	}

	var env releasesEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return releasesEnvelope{}, nil, c.withURL(fmt.Errorf("%w: decode releases: %w", ErrNetwork, err), u)
	}
	if env.Message != "OK" {
		return releasesEnvelope{}, nil, c.withURL(fmt.Errorf("%w: api error: %s", ErrNetwork, env.Message), u)
	}
	return env, body, nil
}

// Open issues an authenticated GET for a release file. The caller must close
// the returned body.
func (c *TRUDClient) Open(ctx context.Context, fileURL string) (*http.Response, error) {
	return c.get(ctx, fileURL)
}

func (c *TRUDClient) get(ctx context.Context, u string) (*http.Response, error) {
	resp, err := doWithRetry(ctx, c.client, u, c.retries)
	if err != nil {
		return nil, c.withURL(fmt.Errorf("%w: %s", ErrNetwork, c.redact(err.Error())), u)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	msg := apiMessage(resp.Body)
	status := fmt.Sprintf("%d - %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if msg != "" {
		status += ": " + c.redact(msg)
	}

	category := ErrNetwork
	if isAuthFailure(resp.StatusCode, msg) {
		category = ErrAuthentication
	}
	return nil, metaerr.WithMetadata(
		c.withURL(fmt.Errorf("%w: %s", category, status), u),
		"status", resp.StatusCode,
	)
}

func (c *TRUDClient) withURL(err error, u string) error {
	return metaerr.WithMetadata(err, "url", c.redact(u))
}

func (c *TRUDClient) redact(s string) string {
	return redact(s, c.apiKey)
}

// apiMessage extracts the `message` of an error envelope, if any.
func apiMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return ""
	}
	var env releasesEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ""
	}
	return env.Message
}

func isAuthFailure(status int, msg string) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return true
	case http.StatusBadRequest, http.StatusNotFound:
		return strings.Contains(strings.ToLower(msg), "key")
	}
	return false
}

