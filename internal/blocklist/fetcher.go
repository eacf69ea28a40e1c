package blocklist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Kavis1/enhanced-marzban/internal/config"
	"github.com/Kavis1/enhanced-marzban/internal/domain"
	"github.com/Kavis1/enhanced-marzban/internal/metrics"

	"github.com/charmbracelet/log"
	"github.com/sony/gobreaker/v2"
)

const (
	maxResponseBytes = 10 << 20 // 10 MiB safety cap
	downloadTimeout  = 30 * time.Second
	probeTimeout     = 10 * time.Second
	userAgent        = "marzban-policy/1.0 (+subscription-list-updater)"
)

// Downloader fetches subscription list bodies.
type Downloader interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
	Probe(ctx context.Context, rawURL string) error
}

// Fetcher downloads lists over HTTP. Each source host gets its own circuit
// breaker so one dead mirror stops costing a 30s timeout on every update.
type Fetcher struct {
	client   *http.Client
	maxBytes int64

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[[]byte]
}

func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: downloadTimeout}
	}
	return &Fetcher{
		client:   client,
		maxBytes: maxResponseBytes,
		breakers: make(map[string]*gobreaker.CircuitBreaker[[]byte]),
	}
}

func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	host, err := sourceHost(rawURL)
	if err != nil {
		return nil, err
	}
	if config.IsSourceDenied(rawURL) {
		return nil, fmt.Errorf("%w: list source blocked: %s", domain.ErrValidation, host)
	}

	body, err := f.breaker(host).Execute(func() ([]byte, error) {
		return f.download(ctx, rawURL)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrTransient, host, err)
		}
		return nil, err
	}
	return body, nil
}

// Probe issues a HEAD request and fails unless the source answers 200.
func (f *Fetcher) Probe(ctx context.Context, rawURL string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: probe %s: %v", domain.ErrTransient, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: probe %s: unexpected status %d", domain.ErrTransient, rawURL, resp.StatusCode)
	}
	return nil
}

func (f *Fetcher) download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: execute request: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("%w: unexpected status %d: %s", domain.ErrTransient, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("%w: list is %d bytes, limit is %d", domain.ErrTransient, resp.ContentLength, f.maxBytes)
	}
	// One byte past the cap tells a full list apart from a cut one.
	content, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrTransient, err)
	}
	if int64(len(content)) > f.maxBytes {
		return nil, fmt.Errorf("%w: list exceeds %d bytes", domain.ErrTransient, f.maxBytes)
	}
	return content, nil
}

func (f *Fetcher) breaker(host string) *gobreaker.CircuitBreaker[[]byte] {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cb, ok := f.breakers[host]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    time.Hour,
		Timeout:     15 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("List source breaker state changed", "host", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})
	f.breakers[host] = cb
	return cb
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func sourceHost(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("%w: invalid list url %q", domain.ErrValidation, rawURL)
	}
	return strings.ToLower(parsed.Hostname()), nil
}
