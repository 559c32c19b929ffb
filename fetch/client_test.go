package fetch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/grimoire/internal/httpclient"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 200 * time.Millisecond
	cfg.BackoffBase = 5 * time.Millisecond
	cfg.RequestsPerMinute = 100
	return cfg
}

func testFetcher(t *testing.T, cfg Config, handler http.HandlerFunc) (*Fetcher, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewWithClient(cfg, httpclient.WrapClient(srv.Client())), srv
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	err := json.NewEncoder(w).Encode(map[string]string{
		"content":  base64.StdEncoding.EncodeToString([]byte(content)),
		"encoding": "base64",
	})
	require.NoError(t, err)
}

func TestFileSuccess(t *testing.T) {
	var gotAuth, gotAccept, gotPath, gotRef string
	fetcher, srv := testFetcher(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotPath = r.URL.Path
		gotRef = r.URL.Query().Get("ref")
		writeEnvelope(t, w, "You are a helpful assistant.")
	})

	out := fetcher.File(context.Background(), Request{
		GuildID:    "guild-1",
		SourceURL:  srv.URL + "/acme/prompts",
		Branch:     "main",
		Path:       "support/system.md",
		Credential: "tok-123",
	})

	require.Equal(t, KindSuccess, out.Kind)
	assert.Equal(t, "You are a helpful assistant.", out.Content)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, "/acme/prompts/contents/support/system.md", gotPath)
	assert.Equal(t, "main", gotRef)
}

func TestFileNoCredentialOmitsAuth(t *testing.T) {
	var gotAuth string
	fetcher, srv := testFetcher(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeEnvelope(t, w, "body")
	})

	out := fetcher.File(context.Background(), Request{
		GuildID:   "guild-1",
		SourceURL: srv.URL + "/acme/prompts",
		Branch:    "main",
		Path:      "chat/system.md",
	})

	require.Equal(t, KindSuccess, out.Kind)
	assert.Empty(t, gotAuth)
}

func TestFileBase64WithNewlines(t *testing.T) {
	// hosts wrap long base64 payloads at 60 columns
	encoded := base64.StdEncoding.EncodeToString([]byte("line one line two line three"))
	wrapped := encoded[:20] + "\n" + encoded[20:]

	fetcher, srv := testFetcher(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"content": wrapped, "encoding": "base64"})
	})

	out := fetcher.File(context.Background(), Request{
		GuildID:   "g",
		SourceURL: srv.URL + "/o/r",
		Path:      "p.md",
	})

	require.Equal(t, KindSuccess, out.Kind)
	assert.Equal(t, "line one line two line three", out.Content)
}

func TestFileStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   Kind
	}{
		{"not found", http.StatusNotFound, KindNotFound},
		{"unauthorized", http.StatusUnauthorized, KindAuthFailure},
		{"forbidden", http.StatusForbidden, KindAuthFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			fetcher, srv := testFetcher(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			})

			out := fetcher.File(context.Background(), Request{
				GuildID:   "g",
				SourceURL: srv.URL + "/o/r",
				Path:      "p.md",
			})

			assert.Equal(t, tt.kind, out.Kind)
			assert.Equal(t, tt.status, out.Status)
			assert.Equal(t, int32(1), calls.Load(), "deterministic statuses must not be retried")
		})
	}
}

func TestFileRateLimitedNotRetried(t *testing.T) {
	var calls atomic.Int32
	fetcher, srv := testFetcher(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	out := fetcher.File(context.Background(), Request{
		GuildID:   "g",
		SourceURL: srv.URL + "/o/r",
		Path:      "p.md",
	})

	require.Equal(t, KindRateLimited, out.Kind)
	assert.Equal(t, 7*time.Second, out.RetryAfter)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFileServerErrorRetriedToBudget(t *testing.T) {
	var calls atomic.Int32
	fetcher, srv := testFetcher(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	out := fetcher.File(context.Background(), Request{
		GuildID:   "g",
		SourceURL: srv.URL + "/o/r",
		Path:      "p.md",
	})

	assert.Equal(t, KindNetworkError, out.Kind)
	assert.Equal(t, http.StatusInternalServerError, out.Status)
	assert.Equal(t, int32(3), calls.Load(), "first attempt plus two retries")
}

func TestFileRecoversMidRetry(t *testing.T) {
	var calls atomic.Int32
	fetcher, srv := testFetcher(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeEnvelope(t, w, "recovered")
	})

	out := fetcher.File(context.Background(), Request{
		GuildID:   "g",
		SourceURL: srv.URL + "/o/r",
		Path:      "p.md",
	})

	require.Equal(t, KindSuccess, out.Kind)
	assert.Equal(t, "recovered", out.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFileTimeoutRetriedThenSurfaced(t *testing.T) {
	var calls atomic.Int32
	cfg := testConfig()
	cfg.Timeout = 30 * time.Millisecond

	fetcher, srv := testFetcher(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
	})

	out := fetcher.File(context.Background(), Request{
		GuildID:   "g",
		SourceURL: srv.URL + "/o/r",
		Path:      "p.md",
	})

	assert.Equal(t, KindTimeout, out.Kind)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFileParentCancelStopsRetries(t *testing.T) {
	var calls atomic.Int32
	fetcher, srv := testFetcher(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(2 * time.Millisecond)
		cancel()
	}()

	out := fetcher.File(ctx, Request{
		GuildID:   "g",
		SourceURL: srv.URL + "/o/r",
		Path:      "p.md",
	})

	assert.True(t, out.Kind == KindTimeout || out.Kind == KindNetworkError)
	assert.LessOrEqual(t, calls.Load(), int32(2), "cancellation must cut the retry loop short")
}

func TestFileTooLargeByContentLength(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBodyBytes = 64

	fetcher, srv := testFetcher(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		_, _ = w.Write(make([]byte, 4096))
	})

	out := fetcher.File(context.Background(), Request{
		GuildID:   "g",
		SourceURL: srv.URL + "/o/r",
		Path:      "p.md",
	})

	assert.Equal(t, KindTooLarge, out.Kind)
}

func TestFileTooLargeChunked(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBodyBytes = 64

	fetcher, srv := testFetcher(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		// no Content-Length: flush forces chunked transfer
		flusher := w.(http.Flusher)
		for i := 0; i < 8; i++ {
			_, _ = w.Write(make([]byte, 32))
			flusher.Flush()
		}
	})

	out := fetcher.File(context.Background(), Request{
		GuildID:   "g",
		SourceURL: srv.URL + "/o/r",
		Path:      "p.md",
	})

	assert.Equal(t, KindTooLarge, out.Kind)
}

func TestFileLocalBucketSpent(t *testing.T) {
	var calls atomic.Int32
	cfg := testConfig()
	cfg.RequestsPerMinute = 2

	fetcher, srv := testFetcher(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEnvelope(t, w, "ok")
	})

	req := Request{GuildID: "busy", SourceURL: srv.URL + "/o/r", Path: "p.md"}
	require.Equal(t, KindSuccess, fetcher.File(context.Background(), req).Kind)
	require.Equal(t, KindSuccess, fetcher.File(context.Background(), req).Kind)

	out := fetcher.File(context.Background(), req)
	require.Equal(t, KindRateLimited, out.Kind)
	assert.Greater(t, out.RetryAfter, time.Duration(0))
	assert.Equal(t, int32(2), calls.Load(), "spent bucket must not reach the wire")

	// a different guild has its own bucket
	other := req
	other.GuildID = "quiet"
	assert.Equal(t, KindSuccess, fetcher.File(context.Background(), other).Kind)
}

func TestFileBucketForgottenOnRemoval(t *testing.T) {
	cfg := testConfig()
	cfg.RequestsPerMinute = 1

	fetcher, srv := testFetcher(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, "ok")
	})

	req := Request{GuildID: "g", SourceURL: srv.URL + "/o/r", Path: "p.md"}
	require.Equal(t, KindSuccess, fetcher.File(context.Background(), req).Kind)
	require.Equal(t, KindRateLimited, fetcher.File(context.Background(), req).Kind)

	fetcher.Forget("g")
	assert.Equal(t, KindSuccess, fetcher.File(context.Background(), req).Kind)
}

func TestFileConcurrencyCapped(t *testing.T) {
	var inFlight, peak atomic.Int32
	cfg := testConfig()
	cfg.MaxConcurrent = 2

	fetcher, srv := testFetcher(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		writeEnvelope(t, w, "ok")
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out := fetcher.File(context.Background(), Request{
				GuildID:   "g",
				SourceURL: srv.URL + "/o/r",
				Path:      "p" + string(rune('a'+i)) + ".md",
			})
			assert.Equal(t, KindSuccess, out.Kind)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2), "in-flight fetches must respect the system-wide cap")
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		path    string
		branch  string
		want    string
		wantErr bool
	}{
		{
			name:   "plain",
			source: "https://api.example.com/acme/prompts",
			path:   "chat/system.md",
			branch: "main",
			want:   "https://api.example.com/acme/prompts/contents/chat/system.md?ref=main",
		},
		{
			name:   "trailing slash trimmed",
			source: "https://api.example.com/acme/prompts/",
			path:   "p.md",
			branch: "main",
			want:   "https://api.example.com/acme/prompts/contents/p.md?ref=main",
		},
		{
			name:   "segments escaped",
			source: "https://api.example.com/acme/prompts",
			path:   "with space/sys.md",
			branch: "release/v2",
			want:   "https://api.example.com/acme/prompts/contents/with%20space/sys.md?ref=release%2Fv2",
		},
		{
			name:   "empty branch omits ref",
			source: "https://api.example.com/acme/prompts",
			path:   "p.md",
			want:   "https://api.example.com/acme/prompts/contents/p.md",
		},
		{name: "empty source", path: "p.md", wantErr: true},
		{name: "empty path", source: "https://api.example.com/a/b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildURL(tt.source, tt.path, tt.branch)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"seconds", "30", 30 * time.Second},
		{"zero", "0", 0},
		{"absent", "", defaultRetryAfter},
		{"garbage", "soon", defaultRetryAfter},
		{"negative", "-5", defaultRetryAfter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRetryAfter(tt.value))
		})
	}

	t.Run("http date in the past", func(t *testing.T) {
		past := time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)
		assert.Equal(t, time.Duration(0), parseRetryAfter(past))
	})
}

func TestBackoffSchedule(t *testing.T) {
	assert.Equal(t, time.Second, backoff(time.Second, 2.0, 1))
	assert.Equal(t, 2*time.Second, backoff(time.Second, 2.0, 2))
	assert.Equal(t, 4*time.Second, backoff(time.Second, 2.0, 3))
}

func TestOutcomeKindStrings(t *testing.T) {
	tests := map[Kind]string{
		KindSuccess:      "success",
		KindNotFound:     "not_found",
		KindAuthFailure:  "auth_failure",
		KindRateLimited:  "rate_limited",
		KindTimeout:      "timeout",
		KindNetworkError: "network_error",
		KindTooLarge:     "too_large",
	}
	for kind, want := range tests {
		assert.Equal(t, want, kind.String())
	}
}
