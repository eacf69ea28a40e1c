// Package geolite keeps a local copy of the MaxMind GeoLite2 country
// database used to enrich violation records.
package geolite

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

const (
	maxMindDownloadURL = "https://download.maxmind.com/app/geoip_download"
	userAgent          = "marzban-policy-geolite-updater/1.0"
	countryEdition     = "GeoLite2-Country"
	countryFileName    = "GeoLite2-Country.mmdb"
	DefaultMaxAge      = 7 * 24 * time.Hour
)

// ErrNoAPIKey indicates that no MaxMind license key is configured.
var ErrNoAPIKey = errors.New("geolite: api key is not configured")

type Updater struct {
	apiKey  string
	path    string
	maxAge  time.Duration
	baseURL string
	client  *http.Client
	group   singleflight.Group
	now     func() time.Time
}

type Option func(*Updater)

func WithHTTPClient(client *http.Client) Option {
	return func(u *Updater) {
		if client != nil {
			u.client = client
		}
	}
}

func WithBaseURL(url string) Option {
	return func(u *Updater) {
		u.baseURL = url
	}
}

func WithMaxAge(d time.Duration) Option {
	return func(u *Updater) {
		if d > 0 {
			u.maxAge = d
		}
	}
}

// NewUpdater manages the country database at path. An empty path puts it in
// the data directory.
func NewUpdater(apiKey, path string, opts ...Option) *Updater {
	if path == "" {
		path = filepath.Join("data", countryFileName)
	}
	u := &Updater{
		apiKey:  strings.TrimSpace(apiKey),
		path:    path,
		maxAge:  DefaultMaxAge,
		baseURL: maxMindDownloadURL,
		client:  &http.Client{Timeout: 2 * time.Minute},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *Updater) Path() string {
	return u.path
}

// EnsureCountryDatabase downloads the database when it is missing or older
// than the configured age. It reports whether a download happened.
func (u *Updater) EnsureCountryDatabase(ctx context.Context) (bool, error) {
	if info, err := os.Stat(u.path); err == nil && u.now().Sub(info.ModTime()) < u.maxAge {
		return false, nil
	}
	if u.apiKey == "" {
		return false, ErrNoAPIKey
	}

	_, err, _ := u.group.Do("update", func() (any, error) {
		if err := u.downloadEdition(ctx, countryEdition, countryFileName); err != nil {
			return nil, err
		}
		log.Info("GeoLite country database updated", "path", u.path)
		return nil, nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (u *Updater) downloadEdition(ctx context.Context, edition, fileName string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.buildDownloadURL(edition), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", edition, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("download %s: unexpected status %d: %s", edition, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	gzipReader, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: open gzip: %w", edition, err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: read tar: %w", edition, err)
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != fileName {
			continue
		}
		if err := writeToFile(u.path, tarReader); err != nil {
			return fmt.Errorf("%s: write file: %w", edition, err)
		}
		return nil
	}

	return fmt.Errorf("%s: mmdb file not found in archive", edition)
}

// writeToFile replaces destPath atomically so readers never see a partial file.
func writeToFile(destPath string, data io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "geolite-*.mmdb")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := io.Copy(tmpFile, data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("copy data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpFile.Name(), destPath); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}
	return nil
}

func (u *Updater) buildDownloadURL(edition string) string {
	return fmt.Sprintf("%s?edition_id=%s&license_key=%s&suffix=tar.gz", u.baseURL, edition, u.apiKey)
}
