package geolite

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func archive(t *testing.T, name string, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	if err := tw.WriteHeader(&tar.Header{Name: "GeoLite2-Country_20240601/" + name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatalf("write tar header: %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("write tar body: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func TestEnsureCountryDatabase(t *testing.T) {
	body := archive(t, countryFileName, []byte("mmdb-bytes"))
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Query().Get("license_key") != "key" || r.URL.Query().Get("edition_id") != countryEdition {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "geo", countryFileName)
	u := NewUpdater("key", path, WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))

	updated, err := u.EnsureCountryDatabase(context.Background())
	if err != nil {
		t.Fatalf("EnsureCountryDatabase returned error: %v", err)
	}
	if !updated {
		t.Fatal("EnsureCountryDatabase returned false on first run, want true")
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "mmdb-bytes" {
		t.Fatalf("database file = %q, %v, want mmdb-bytes", got, err)
	}

	updated, err = u.EnsureCountryDatabase(context.Background())
	if err != nil || updated {
		t.Fatalf("EnsureCountryDatabase on fresh file returned %v, %v, want false, nil", updated, err)
	}
	if hits.Load() != 1 {
		t.Fatalf("server hits = %d, want 1", hits.Load())
	}

	old := time.Now().Add(-8 * 24 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if updated, err := u.EnsureCountryDatabase(context.Background()); err != nil || !updated {
		t.Fatalf("EnsureCountryDatabase on stale file returned %v, %v, want true, nil", updated, err)
	}
}

func TestEnsureCountryDatabaseFailures(t *testing.T) {
	t.Run("missing key", func(t *testing.T) {
		u := NewUpdater("", filepath.Join(t.TempDir(), countryFileName))
		if _, err := u.EnsureCountryDatabase(context.Background()); !errors.Is(err, ErrNoAPIKey) {
			t.Fatalf("EnsureCountryDatabase returned %v, want ErrNoAPIKey", err)
		}
	})

	t.Run("archive without database", func(t *testing.T) {
		body := archive(t, "README.txt", []byte("hello"))
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(body)
		}))
		t.Cleanup(srv.Close)

		path := filepath.Join(t.TempDir(), countryFileName)
		u := NewUpdater("key", path, WithBaseURL(srv.URL))
		if _, err := u.EnsureCountryDatabase(context.Background()); err == nil {
			t.Fatal("EnsureCountryDatabase returned nil error for archive without mmdb")
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("database file exists after failed download: %v", err)
		}
	})

	t.Run("bad status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "invalid license key", http.StatusUnauthorized)
		}))
		t.Cleanup(srv.Close)

		u := NewUpdater("key", filepath.Join(t.TempDir(), countryFileName), WithBaseURL(srv.URL))
		if _, err := u.EnsureCountryDatabase(context.Background()); err == nil {
			t.Fatal("EnsureCountryDatabase returned nil error for 401")
		}
	})
}
