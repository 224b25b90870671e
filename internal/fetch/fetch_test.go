package fetch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldpam/worldpam/internal/config"
	"github.com/worldpam/worldpam/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// testFetcher returns a fetcher allowed to talk to the given loopback server.
func testFetcher(t *testing.T, srv *httptest.Server) (*Fetcher, *metrics.Collector) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	m := metrics.New()
	f := New([]string{u.Hostname()}, m, testLogger())
	f.allowPrivate = true
	return f, m
}

func TestValidateBlocksNonHTTP(t *testing.T) {
	f := New([]string{"example.com"}, metrics.New(), testLogger())
	for _, raw := range []string{
		"ftp://example.com/feed",
		"file:///etc/passwd",
		"gopher://example.com",
		"://broken",
	} {
		_, err := f.Validate(raw)
		assert.Error(t, err, raw)
	}
}

func TestValidateBlocksInternalHosts(t *testing.T) {
	f := New([]string{
		"localhost", "127.0.0.1", "10.0.0.5", "192.168.1.1", "169.254.1.1",
	}, metrics.New(), testLogger())

	// Even allowlisted, internal addresses never pass the guard.
	for _, raw := range []string{
		"http://localhost/feed",
		"http://127.0.0.1:8080/feed",
		"http://0.0.0.0/feed",
		"http://10.0.0.5/feed",
		"http://172.16.0.1/feed",
		"http://192.168.1.1/feed",
		"http://169.254.1.1/feed",
	} {
		_, err := f.Validate(raw)
		assert.ErrorIs(t, err, ErrBlockedURL, raw)
	}
}

func TestValidateEnforcesAllowlist(t *testing.T) {
	f := New([]string{"feeds.example.com"}, metrics.New(), testLogger())

	host, err := f.Validate("https://feeds.example.com/world.rss")
	require.NoError(t, err)
	assert.Equal(t, "feeds.example.com", host)

	_, err = f.Validate("https://evil.example.net/world.rss")
	assert.ErrorIs(t, err, ErrBlockedURL)
}

func TestFetchSuccessAndCache(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, UserAgent, r.Header.Get("User-Agent"))
		w.Write([]byte("<rss></rss>"))
	}))
	defer srv.Close()

	f, m := testFetcher(t, srv)
	src := config.Source{Name: "test", URL: srv.URL + "/feed", Kind: "rss"}

	body, err := f.Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "<rss></rss>", string(body))
	assert.Equal(t, int64(1), m.Counter("http_success"))
	assert.Equal(t, int64(1), m.Counter("cache_misses"))

	// Second call is served from cache.
	body, err = f.Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "<rss></rss>", string(body))
	assert.Equal(t, int64(1), hits.Load())
	assert.Equal(t, int64(1), m.Counter("cache_hits"))
}

func TestFetchEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f, m := testFetcher(t, srv)
	_, err := f.Fetch(context.Background(), config.Source{Name: "test", URL: srv.URL})
	assert.ErrorIs(t, err, ErrEmptyBody)
	assert.Equal(t, int64(1), m.Counter("http_errors"))
}

func TestFetchNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	f, m := testFetcher(t, srv)
	_, err := f.Fetch(context.Background(), config.Source{Name: "test", URL: srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "410")
	assert.Equal(t, int64(1), m.Counter("http_errors"))
}

func TestFetchOversizeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunk := strings.Repeat("a", 1<<20)
		for i := 0; i < 11; i++ {
			if _, err := w.Write([]byte(chunk)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	f, _ := testFetcher(t, srv)
	_, err := f.Fetch(context.Background(), config.Source{Name: "test", URL: srv.URL})
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestFetchDeclaredOversize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "20971520")
		w.Write([]byte("tiny"))
	}))
	defer srv.Close()

	f, _ := testFetcher(t, srv)
	_, err := f.Fetch(context.Background(), config.Source{Name: "test", URL: srv.URL})
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestFetchHostRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Vary the body per path so the cache never answers.
		w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	f, m := testFetcher(t, srv)
	var limited bool
	for i := 0; i < hostBurst+1; i++ {
		src := config.Source{Name: "test", URL: srv.URL + "/feed/" + string(rune('a'+i))}
		_, err := f.Fetch(context.Background(), src)
		if errors.Is(err, ErrRateLimited) {
			limited = true
		}
	}
	assert.True(t, limited, "burst %d exceeded without a limit error", hostBurst)
	assert.GreaterOrEqual(t, m.Counter("rate_limited"), int64(1))
}

func TestFetchBlockedURLCounted(t *testing.T) {
	m := metrics.New()
	f := New([]string{"feeds.example.com"}, m, testLogger())
	_, err := f.Fetch(context.Background(), config.Source{Name: "test", URL: "http://other.example.com/feed"})
	assert.ErrorIs(t, err, ErrBlockedURL)
	assert.Equal(t, int64(1), m.Counter("http_errors"))
}

func TestFetchAllPreservesOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("body:" + r.URL.Path))
	}))
	defer srv.Close()

	f, _ := testFetcher(t, srv)
	sources := []config.Source{
		{Name: "a", URL: srv.URL + "/a"},
		{Name: "blocked", URL: "http://blocked.example.net/feed"},
		{Name: "c", URL: srv.URL + "/c"},
	}

	results := f.FetchAll(context.Background(), sources, 2)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].Source.Name)
	assert.Equal(t, "body:/a", string(results[0].Body))
	assert.ErrorIs(t, results[1].Err, ErrBlockedURL)
	assert.Equal(t, "body:/c", string(results[2].Body))
}
