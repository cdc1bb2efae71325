package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

const testArchiveName = "nhsbsa_dmd_10.1.0_20251013000001.zip"

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestPipelineRun(t *testing.T) {
	mux, srv := setupServer(t)
	trud := &fakeTRUD{
		key:         "abc123",
		archiveName: testArchiveName,
		archive: makeZip(t, map[string]string{
			"dmd/release.xml": "<RELEASE>10.1.0</RELEASE>",
			"dmd/f_vtm2.xml":  "<VTM/>",
		}),
	}
	trud.register(mux, srv)

	cfg := testConfig(t, srv.URL)
	res, err := NewPipeline(cfg, Credentials{APIKey: "abc123"}, false).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(cfg.OutputDir, "dmd", "release.xml"))
	if err != nil {
		t.Fatalf("release.xml missing: %v", err)
	}
	if info.Size() == 0 {
		t.Errorf("release.xml is empty")
	}

	if res.Target != cfg.OutputDir {
		t.Errorf("Run() target = %v, want %v", res.Target, cfg.OutputDir)
	}
	if res.Unchanged {
		t.Errorf("Run() unchanged = true on first run")
	}
	if got, want := res.Archive, filepath.Join(cfg.DownloadDir, testArchiveName); got != want {
		t.Errorf("Run() archive = %v, want %v", got, want)
	}

	receipt, err := readReceipt(cfg.OutputDir)
	if err != nil {
		t.Fatalf("readReceipt() failed: %v", err)
	}
	want := Receipt{
		Release: testArchiveName,
		Archive: testArchiveName,
		Digest:  sha256Hex(trud.archive),
		Files:   []string{"dmd/f_vtm2.xml", "dmd/release.xml"},
	}
	if d := cmp.Diff(want, receipt, cmpopts.IgnoreFields(Receipt{}, "Generated")); d != "" {
		t.Errorf("receipt mismatch (-want/+got): %v", d)
	}
}

func TestPipelineRunTwice(t *testing.T) {
	mux, srv := setupServer(t)
	trud := &fakeTRUD{
		key:         "abc123",
		archiveName: testArchiveName,
		archive:     makeZip(t, map[string]string{"dmd/release.xml": "<RELEASE/>"}),
	}
	trud.register(mux, srv)

	cfg := testConfig(t, srv.URL)
	pipeline := NewPipeline(cfg, Credentials{APIKey: "abc123"}, false)

	if _, err := pipeline.Run(context.Background()); err != nil {
		t.Fatalf("first Run() failed: %v", err)
	}
	first := snapshot(t, cfg.OutputDir)

	res, err := pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() failed: %v", err)
	}
	if !res.Unchanged {
		t.Errorf("second Run() unchanged = false, want true")
	}
	if got := trud.archiveCalls.Load(); got != 1 {
		t.Errorf("archive downloaded %d times, want 1", got)
	}
	if d := cmp.Diff(first, snapshot(t, cfg.OutputDir)); d != "" {
		t.Errorf("output changed between runs (-first/+second): %v", d)
	}

	// a damaged target is extracted again
	if err := os.Remove(filepath.Join(cfg.OutputDir, "dmd", "release.xml")); err != nil {
		t.Fatal(err)
	}
	res, err = pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("third Run() failed: %v", err)
	}
	if res.Unchanged {
		t.Errorf("third Run() unchanged = true, want false")
	}
	if d := cmp.Diff(first, snapshot(t, cfg.OutputDir)); d != "" {
		t.Errorf("output differs after repair (-want/+got): %v", d)
	}
}

func TestPipelineRunArchiveContents(t *testing.T) {
	files := map[string]string{
		"dmd/release.xml": "<RELEASE/>",
		".dmdfetch.lock":  "shipped with the release",
	}

	mux, srv := setupServer(t)
	trud := &fakeTRUD{
		key:         "abc123",
		archiveName: testArchiveName,
		archive:     makeZip(t, files),
	}
	trud.register(mux, srv)

	cfg := testConfig(t, srv.URL)
	pipeline := NewPipeline(cfg, Credentials{APIKey: "abc123"}, false)

	if _, err := pipeline.Run(context.Background()); err != nil {
		t.Fatalf("first Run() failed: %v", err)
	}
	if d := cmp.Diff(files, snapshot(t, cfg.OutputDir)); d != "" {
		t.Errorf("output differs from archive (-want/+got): %v", d)
	}

	res, err := pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() failed: %v", err)
	}
	if !res.Unchanged {
		t.Errorf("second Run() unchanged = false, want true")
	}
	if d := cmp.Diff(files, snapshot(t, cfg.OutputDir)); d != "" {
		t.Errorf("output differs from archive after second run (-want/+got): %v", d)
	}
}

// snapshot maps every file below dir to its contents.
func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()

	files, err := listFiles(dir)
	if err != nil {
		t.Fatalf("listFiles() failed: %v", err)
	}
	out := make(map[string]string, len(files))
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(f)))
		if err != nil {
			t.Fatal(err)
		}
		out[f] = string(data)
	}
	return out
}

func TestPipelineInvalidKey(t *testing.T) {
	mux, srv := setupServer(t)
	trud := &fakeTRUD{
		key:         "abc123",
		archiveName: testArchiveName,
		archive:     makeZip(t, map[string]string{"dmd/release.xml": "<RELEASE/>"}),
	}
	trud.register(mux, srv)

	cfg := testConfig(t, srv.URL)
	_, err := NewPipeline(cfg, Credentials{APIKey: "wrong"}, false).Run(context.Background())
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Run() error = %v, want %v", err, ErrAuthentication)
	}
	if exitCode(err) == 0 {
		t.Errorf("exitCode() = 0 for failed run")
	}
	if _, err := os.Stat(cfg.OutputDir); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("output directory exists after auth failure: %v", err)
	}
}

func TestPipelineNetworkFailure(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		_, srv := setupServer(t)
		cfg := testConfig(t, srv.URL)
		srv.Close()

		_, err := NewPipeline(cfg, Credentials{APIKey: "abc123"}, false).Run(context.Background())
		if !errors.Is(err, ErrNetwork) {
			t.Fatalf("Run() error = %v, want %v", err, ErrNetwork)
		}
		if bytes.Contains([]byte(err.Error()), []byte("abc123")) {
			t.Errorf("error leaks api key: %v", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		mux, srv := setupServer(t)
		mux.HandleFunc("GET /keys/{key}/items/24/releases", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		})

		cfg := testConfig(t, srv.URL)
		cfg.timeout = 50 * time.Millisecond

		_, err := NewPipeline(cfg, Credentials{APIKey: "abc123"}, false).Run(context.Background())
		if !errors.Is(err, ErrNetwork) {
			t.Fatalf("Run() error = %v, want %v", err, ErrNetwork)
		}
		if _, err := os.Stat(cfg.OutputDir); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("output directory exists after network failure: %v", err)
		}
	})
}

func TestPipelineNotAnArchive(t *testing.T) {
	mux, srv := setupServer(t)
	trud := &fakeTRUD{
		key:         "abc123",
		archiveName: testArchiveName,
		archive:     []byte("<html>maintenance</html>"),
	}
	trud.register(mux, srv)

	cfg := testConfig(t, srv.URL)
	writeFile(t, filepath.Join(cfg.OutputDir, "previous.xml"), []byte("<OLD/>"))

	_, err := NewPipeline(cfg, Credentials{APIKey: "abc123"}, false).Run(context.Background())
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("Run() error = %v, want %v", err, ErrFormat)
	}

	want := map[string]string{"previous.xml": "<OLD/>"}
	if d := cmp.Diff(want, snapshot(t, cfg.OutputDir)); d != "" {
		t.Errorf("output modified by failed run (-want/+got): %v", d)
	}

	entries, err := os.ReadDir(filepath.Dir(cfg.OutputDir))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "output" && e.Name() != "downloads" {
			t.Errorf("leftover entry %q", e.Name())
		}
	}
}

func TestPipelineChecksum(t *testing.T) {
	archive := makeZip(t, map[string]string{"dmd/release.xml": "<RELEASE/>"})

	tests := []struct {
		name     string
		sha256   string
		checksum []byte
		wantErr  error
	}{
		{
			name:   "published digest",
			sha256: sha256Hex(archive),
		},
		{
			name:     "checksum file",
			checksum: []byte(sha256Hex(archive) + "  " + testArchiveName + "\n"),
		},
		{
			name:    "published digest mismatch",
			sha256:  sha256Hex([]byte("other")),
			wantErr: ErrFormat,
		},
		{
			name:     "checksum file mismatch",
			checksum: []byte(sha256Hex([]byte("other")) + "  " + testArchiveName + "\n"),
			wantErr:  ErrFormat,
		},
		{
			name:     "checksum file without digest",
			checksum: []byte("nothing to see"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux, srv := setupServer(t)
			trud := &fakeTRUD{
				key:         "abc123",
				archiveName: testArchiveName,
				archive:     archive,
				sha256:      tt.sha256,
				checksum:    tt.checksum,
			}
			trud.register(mux, srv)

			cfg := testConfig(t, srv.URL)
			_, gotErr := NewPipeline(cfg, Credentials{APIKey: "abc123"}, false).Run(context.Background())
			if tt.wantErr != nil {
				if !errors.Is(gotErr, tt.wantErr) {
					t.Fatalf("Run() error = %v, want %v", gotErr, tt.wantErr)
				}
				if _, err := os.Stat(cfg.OutputDir); !errors.Is(err, fs.ErrNotExist) {
					t.Errorf("output directory exists after failed verification")
				}
				return
			}
			if gotErr != nil {
				t.Fatalf("Run() failed: %v", gotErr)
			}
		})
	}
}

func TestPipelineSignature(t *testing.T) {
	archive := makeZip(t, map[string]string{"dmd/release.xml": "<RELEASE/>"})

	entity, err := openpgp.NewEntity("TRUD", "test", "trud@example.com", &packet.Config{
		Algorithm: packet.PubKeyAlgoEdDSA,
	})
	if err != nil {
		t.Fatalf("NewEntity() failed: %v", err)
	}

	var pub bytes.Buffer
	w, err := armor.Encode(&pub, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := entity.Serialize(w); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	sign := func(data []byte) []byte {
		var sig bytes.Buffer
		if err := openpgp.ArmoredDetachSign(&sig, entity, bytes.NewReader(data), nil); err != nil {
			t.Fatalf("ArmoredDetachSign() failed: %v", err)
		}
		return sig.Bytes()
	}

	tests := []struct {
		name      string
		signature []byte
		wantErr   bool
	}{
		{name: "valid", signature: sign(archive)},
		{name: "other content", signature: sign([]byte("tampered")), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux, srv := setupServer(t)
			trud := &fakeTRUD{
				key:         "abc123",
				archiveName: testArchiveName,
				archive:     archive,
				signature:   tt.signature,
				publicKey:   pub.Bytes(),
			}
			trud.register(mux, srv)

			cfg := testConfig(t, srv.URL)
			cfg.Signature = true

			_, gotErr := NewPipeline(cfg, Credentials{APIKey: "abc123"}, false).Run(context.Background())
			if gotErr != nil {
				if !tt.wantErr {
					t.Errorf("Run() failed: %v", gotErr)
				}
				if !errors.Is(gotErr, ErrFormat) {
					t.Errorf("Run() error = %v, want %v", gotErr, ErrFormat)
				}
				return
			}
			if tt.wantErr {
				t.Fatal("Run() succeeded unexpectedly")
			}
		})
	}
}

func TestPipelineWithoutExtraction(t *testing.T) {
	mux, srv := setupServer(t)
	trud := &fakeTRUD{
		key:         "abc123",
		archiveName: testArchiveName,
		archive:     makeZip(t, map[string]string{"dmd/release.xml": "<RELEASE/>"}),
	}
	trud.register(mux, srv)

	cfg := testConfig(t, srv.URL)
	extract := false
	cfg.Extract = &extract

	res, err := NewPipeline(cfg, Credentials{APIKey: "abc123"}, false).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Target != "" {
		t.Errorf("Run() target = %q, want empty", res.Target)
	}
	if _, err := os.Stat(res.Archive); err != nil {
		t.Errorf("archive missing: %v", err)
	}
	if _, err := os.Stat(cfg.OutputDir); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("output directory exists with extraction disabled")
	}
}

func TestPipelineVersioned(t *testing.T) {
	mux, srv := setupServer(t)
	trud := &fakeTRUD{
		key:         "abc123",
		archiveName: testArchiveName,
		archive:     makeZip(t, map[string]string{"dmd/release.xml": "<RELEASE/>"}),
	}
	trud.register(mux, srv)

	cfg := testConfig(t, srv.URL)
	cfg.Versioned = true

	res, err := NewPipeline(cfg, Credentials{APIKey: "abc123"}, false).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	want := filepath.Join(cfg.OutputDir, "nhsbsa_dmd_10.1.0_20251013000001")
	if res.Target != want {
		t.Errorf("Run() target = %v, want %v", res.Target, want)
	}
	if _, err := os.Stat(filepath.Join(want, "dmd", "release.xml")); err != nil {
		t.Errorf("release.xml missing: %v", err)
	}
}
