// Package fetch retrieves feed documents over HTTP with a hardened policy:
// every URL passes an egress guard before any connection is made, each
// upstream host is rate limited, responses are capped in size, and successful
// bodies are cached with a TTL so repeated scoring runs do not hammer the
// sources.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/worldpam/worldpam/internal/config"
	"github.com/worldpam/worldpam/internal/metrics"
)

const (
	// UserAgent identifies the fetcher to upstream feed servers.
	UserAgent = "World-PAM/1.0 (Geopolitical Risk Analysis Tool)"

	// MaxResponseBytes caps response bodies. Anything larger is abandoned.
	MaxResponseBytes = 10 << 20

	cacheTTL      = 600 * time.Second
	cachePurge    = 5 * time.Minute
	hostWindow    = 60 * time.Second
	hostBurst     = 10
	readChunkSize = 8 << 10
)

var (
	// ErrBlockedURL means the URL failed the egress guard and no request
	// was attempted.
	ErrBlockedURL = errors.New("fetch: url blocked by egress policy")

	// ErrRateLimited means the per-host budget is exhausted.
	ErrRateLimited = errors.New("fetch: host rate limit exceeded")

	// ErrEmptyBody means the server answered 2xx with no content.
	ErrEmptyBody = errors.New("fetch: empty response body")

	// ErrTooLarge means the response exceeded MaxResponseBytes.
	ErrTooLarge = errors.New("fetch: response exceeds size cap")
)

// blockedHosts are never fetched, regardless of the allowlist.
var blockedHosts = map[string]struct{}{
	"localhost": {},
	"0.0.0.0":   {},
	"127.0.0.1": {},
}

// Fetcher retrieves feed documents subject to the egress policy.
type Fetcher struct {
	client  *http.Client
	cache   *gocache.Cache
	metrics *metrics.Collector
	logger  *slog.Logger

	allowed map[string]struct{}

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	// allowPrivate disables the blocklist so tests can target loopback
	// servers. Never set outside tests.
	allowPrivate bool
}

// New creates a Fetcher restricted to the given hostnames.
func New(allowedHosts []string, m *metrics.Collector, logger *slog.Logger) *Fetcher {
	allowed := make(map[string]struct{}, len(allowedHosts))
	for _, h := range allowedHosts {
		allowed[strings.ToLower(h)] = struct{}{}
	}
	return &Fetcher{
		client:   &http.Client{Timeout: 30 * time.Second},
		cache:    gocache.New(cacheTTL, cachePurge),
		metrics:  m,
		logger:   logger,
		allowed:  allowed,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Validate applies the egress guard to rawURL: scheme must be http or https,
// the host must not be loopback, unspecified, private, or link-local, and it
// must appear on the allowlist. It returns the normalized hostname.
func (f *Fetcher) Validate(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("fetch: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", ErrBlockedURL, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrBlockedURL)
	}

	if !f.allowPrivate {
		if _, bad := blockedHosts[host]; bad {
			return "", fmt.Errorf("%w: host %q", ErrBlockedURL, host)
		}
		if ip := net.ParseIP(host); ip != nil {
			if ip.IsLoopback() || ip.IsUnspecified() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
				return "", fmt.Errorf("%w: host %q", ErrBlockedURL, host)
			}
		}
	}

	if _, ok := f.allowed[host]; !ok {
		return "", fmt.Errorf("%w: host %q not on allowlist", ErrBlockedURL, host)
	}
	return host, nil
}

// Fetch retrieves the source's feed document. The policy order is fixed:
// egress guard, per-host rate limit, cache lookup, then the network.
func (f *Fetcher) Fetch(ctx context.Context, src config.Source) ([]byte, error) {
	host, err := f.Validate(src.URL)
	if err != nil {
		f.metrics.Increment("http_errors", map[string]string{"source": src.Name})
		return nil, err
	}

	if !f.limiter(host).Allow() {
		f.metrics.Increment("rate_limited", map[string]string{"host": host})
		return nil, fmt.Errorf("%w: host %q", ErrRateLimited, host)
	}

	cacheKey := "feed:" + src.URL
	if cached, ok := f.cache.Get(cacheKey); ok {
		f.metrics.Increment("cache_hits", map[string]string{"source": src.Name})
		return cached.([]byte), nil
	}
	f.metrics.Increment("cache_misses", map[string]string{"source": src.Name})

	done := f.metrics.StartTimer("feed_fetch", map[string]string{"source": src.Name})
	defer done()

	body, err := f.get(ctx, src)
	if err != nil {
		f.metrics.Increment("http_errors", map[string]string{"source": src.Name})
		f.logger.Warn("feed fetch failed",
			slog.String("source", src.Name),
			slog.String("url", src.URL),
			slog.Any("error", err))
		return nil, err
	}

	f.metrics.Increment("http_success", map[string]string{"source": src.Name})
	f.cache.Set(cacheKey, body, gocache.DefaultExpiration)
	return body, nil
}

func (f *Fetcher) get(ctx context.Context, src config.Source) ([]byte, error) {
	if timeout := src.TimeoutDuration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: get %s: %w", src.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch: get %s: unexpected status %d", src.URL, resp.StatusCode)
	}
	if resp.ContentLength > MaxResponseBytes {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrTooLarge, resp.ContentLength)
	}

	body, err := readCapped(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}
	return body, nil
}

// readCapped reads in chunks so an understated Content-Length cannot bypass
// the size cap.
func readCapped(r io.Reader) ([]byte, error) {
	var (
		body []byte
		buf  = make([]byte, readChunkSize)
	)
	for {
		n, err := r.Read(buf)
		body = append(body, buf[:n]...)
		if len(body) > MaxResponseBytes {
			return nil, ErrTooLarge
		}
		if err == io.EOF {
			return body, nil
		}
		if err != nil {
			return nil, fmt.Errorf("fetch: read body: %w", err)
		}
	}
}

func (f *Fetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Every(hostWindow/hostBurst), hostBurst)
		f.limiters[host] = lim
	}
	return lim
}

// Result pairs a source with its fetch outcome.
type Result struct {
	Source config.Source
	Body   []byte
	Err    error
}

// FetchAll fetches every source with bounded concurrency and returns one
// Result per input, in input order. Individual failures are reported in the
// Result, never as a group error.
func (f *Fetcher) FetchAll(ctx context.Context, sources []config.Source, maxConcurrent int) []Result {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	results := make([]Result, len(sources))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)
	for i, src := range sources {
		g.Go(func() error {
			body, err := f.Fetch(ctx, src)
			results[i] = Result{Source: src, Body: body, Err: err}
			return nil
		})
	}
	_ = g.Wait() // workers report failures through their Result
	return results
}
