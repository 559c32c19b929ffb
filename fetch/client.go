// Package fetch retrieves prompt files from guild-configured repositories
// over a GitHub-style contents API. Every call returns a closed Outcome
// instead of an error: callers switch on Kind and never see transport
// details. Transient failures are retried with exponential backoff inside
// the package; rate limiting is surfaced to the caller with a wait hint
// because retrying into a spent bucket only digs the hole deeper.
package fetch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/teranos/grimoire/config"
	"github.com/teranos/grimoire/errors"
	"github.com/teranos/grimoire/internal/httpclient"
	"github.com/teranos/grimoire/logger"
)

const defaultRetryAfter = 60 * time.Second

// Config bounds a Fetcher's outbound behavior
type Config struct {
	// Timeout is the hard deadline for a single attempt
	Timeout time.Duration
	// MaxRetries is the number of additional attempts after the first
	MaxRetries int
	// BackoffBase is the wait before the first retry
	BackoffBase time.Duration
	// BackoffFactor multiplies the wait for each subsequent retry
	BackoffFactor float64
	// RequestsPerMinute is the per-guild token bucket rate (burst equals the rate)
	RequestsPerMinute int
	// MaxBodyBytes caps the wire response; the JSON envelope and base64
	// padding sit above the content itself, so this runs larger than the
	// validator's content limit
	MaxBodyBytes int64
	// MaxConcurrent caps in-flight fetches across all guilds and all
	// callers, foreground and background alike
	MaxConcurrent int64
}

// DefaultConfig returns the stock limits: 5s per attempt, 2 retries at
// 1s/2s backoff, 10 requests per guild-minute, 128KiB wire cap.
func DefaultConfig() Config {
	return Config{
		Timeout:           5 * time.Second,
		MaxRetries:        2,
		BackoffBase:       time.Second,
		BackoffFactor:     2.0,
		RequestsPerMinute: 10,
		MaxBodyBytes:      128 * 1024,
		MaxConcurrent:     20,
	}
}

// ConfigFromApp maps the loaded application config onto fetch limits
func ConfigFromApp(c *config.Config) Config {
	cfg := DefaultConfig()
	if c == nil {
		return cfg
	}
	if c.Fetch.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(c.Fetch.TimeoutSeconds) * time.Second
	}
	if c.Fetch.MaxRetries >= 0 {
		cfg.MaxRetries = c.Fetch.MaxRetries
	}
	if c.Fetch.BackoffBaseMS > 0 {
		cfg.BackoffBase = time.Duration(c.Fetch.BackoffBaseMS) * time.Millisecond
	}
	if c.Fetch.BackoffFactor > 1 {
		cfg.BackoffFactor = c.Fetch.BackoffFactor
	}
	if c.Fetch.RequestsPerMinute > 0 {
		cfg.RequestsPerMinute = c.Fetch.RequestsPerMinute
	}
	if c.Fetch.MaxContentBytes > 0 {
		cfg.MaxBodyBytes = c.Fetch.MaxContentBytes
	}
	if c.Fetch.MaxConcurrent > 0 {
		cfg.MaxConcurrent = int64(c.Fetch.MaxConcurrent)
	}
	return cfg
}

// Request names one file in one guild's repository
type Request struct {
	GuildID string
	// SourceURL is the contents-API base, {host}/{owner}/{repo}
	SourceURL string
	Branch    string
	Path      string
	// Credential is sent as a bearer token when non-empty
	Credential string
}

// Fetcher retrieves files with per-guild rate limiting and bounded retries
type Fetcher struct {
	client   *httpclient.SaferClient
	limiters *limiterPool
	sem      *semaphore.Weighted
	cfg      Config
}

// New builds a Fetcher with SSRF protections on its transport
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return NewWithClient(cfg, httpclient.New(cfg.Timeout))
}

// NewWithClient builds a Fetcher on a caller-supplied client. Tests use
// this with httpclient.WrapClient to reach loopback servers.
func NewWithClient(cfg Config, client *httpclient.SaferClient) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = DefaultConfig().BackoffFactor
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	return &Fetcher{
		client:   client,
		limiters: newLimiterPool(cfg.RequestsPerMinute),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		cfg:      cfg,
	}
}

// Forget drops the guild's rate limiter state, for guild removal
func (f *Fetcher) Forget(guildID string) {
	f.limiters.forget(guildID)
}

// File fetches one file. The outcome is total: rate limiting, auth
// failures, missing paths, oversized bodies, and transport errors all
// come back as Outcome variants, never as Go errors.
func (f *Fetcher) File(ctx context.Context, req Request) Outcome {
	if wait, ok := f.limiters.reserve(req.GuildID); !ok {
		logger.FetchWarnw("request budget spent",
			logger.FieldGuildID, req.GuildID,
			logger.FieldPath, req.Path,
			logger.FieldRetryAfter, wait.String(),
		)
		return rateLimited(wait, 0)
	}

	target, err := buildURL(req.SourceURL, req.Path, req.Branch)
	if err != nil {
		return networkError(errors.Wrap(err, "building contents URL"))
	}

	// system-wide in-flight cap, shared by foreground fills and
	// background refreshes
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return timeout(err)
	}
	defer f.sem.Release(1)

	var out Outcome
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff(f.cfg.BackoffBase, f.cfg.BackoffFactor, attempt)
			logger.FetchDebugw("retrying after transient failure",
				logger.FieldGuildID, req.GuildID,
				logger.FieldPath, req.Path,
				logger.FieldAttempt, attempt,
				logger.FieldRetryAfter, wait.String(),
			)
			select {
			case <-ctx.Done():
				return timeout(ctx.Err())
			case <-time.After(wait):
			}
		}

		out = f.attempt(ctx, target, req.Credential)
		if !out.Transient() {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	f.logOutcome(req, out)
	return out
}

// attempt performs one HTTP round trip under the per-attempt deadline
func (f *Fetcher) attempt(ctx context.Context, target, credential string) Outcome {
	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target, nil)
	if err != nil {
		return networkError(errors.Wrap(err, "building request"))
	}
	httpReq.Header.Set("Accept", "application/json")
	if credential != "" {
		httpReq.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return f.decode(resp)
	case http.StatusNotFound:
		return Outcome{Kind: KindNotFound, Status: resp.StatusCode}
	case http.StatusUnauthorized, http.StatusForbidden:
		return Outcome{Kind: KindAuthFailure, Status: resp.StatusCode}
	case http.StatusTooManyRequests:
		return rateLimited(parseRetryAfter(resp.Header.Get("Retry-After")), resp.StatusCode)
	default:
		// 5xx and anything unexpected: treat as transient so the
		// retry budget gets a chance before the fallback chain does
		out := networkError(errors.Newf("unexpected status %d", resp.StatusCode))
		out.Status = resp.StatusCode
		return out
	}
}

// decode reads the contents-API envelope and returns the file body.
// The wire cap is enforced before buffering the whole response.
func (f *Fetcher) decode(resp *http.Response) Outcome {
	if resp.ContentLength > f.cfg.MaxBodyBytes {
		return Outcome{Kind: KindTooLarge, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return classifyTransport(err)
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return Outcome{Kind: KindTooLarge, Status: resp.StatusCode}
	}

	var envelope struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return networkError(errors.Wrap(err, "decoding contents envelope"))
	}

	switch envelope.Encoding {
	case "", "base64":
		// hosts chunk base64 with newlines
		raw := strings.ReplaceAll(envelope.Content, "\n", "")
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return networkError(errors.Wrap(err, "decoding base64 content"))
		}
		return success(string(decoded))
	case "none":
		return success(envelope.Content)
	default:
		return networkError(errors.Newf("unsupported content encoding %q", envelope.Encoding))
	}
}

func (f *Fetcher) logOutcome(req Request, out Outcome) {
	fields := []interface{}{
		logger.FieldGuildID, req.GuildID,
		logger.FieldPath, req.Path,
		logger.FieldBranch, req.Branch,
		logger.FieldOutcome, out.Kind.String(),
	}
	if out.Status != 0 {
		fields = append(fields, logger.FieldStatus, out.Status)
	}
	if out.Err != nil {
		fields = append(fields, logger.FieldError, out.Err.Error())
	}
	switch out.Kind {
	case KindSuccess:
		fields = append(fields, logger.FieldSize, len(out.Content))
		logger.FetchDebugw("fetched", fields...)
	case KindRateLimited:
		fields = append(fields, logger.FieldRetryAfter, out.RetryAfter.String())
		logger.FetchWarnw("rate limited", fields...)
	default:
		logger.FetchWarnw("fetch failed", fields...)
	}
}

// classifyTransport maps a transport error onto Timeout or NetworkError.
// Deadline overruns are timeouts; everything else on the wire, DNS and
// connection refusal included, is a network error.
func classifyTransport(err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return timeout(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return timeout(err)
	}
	if errors.Is(err, context.Canceled) {
		return timeout(err)
	}
	return networkError(err)
}

func backoff(base time.Duration, factor float64, attempt int) time.Duration {
	wait := float64(base)
	for i := 1; i < attempt; i++ {
		wait *= factor
	}
	return time.Duration(wait)
}

// buildURL assembles {source}/contents/{path}?ref={branch}, escaping
// each path segment while keeping the separators
func buildURL(sourceURL, path, branch string) (string, error) {
	base := strings.TrimRight(sourceURL, "/")
	if base == "" {
		return "", errors.New("empty source URL")
	}
	if path == "" {
		return "", errors.New("empty path")
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	target := base + "/contents/" + strings.Join(segments, "/")
	if branch != "" {
		target += "?ref=" + url.QueryEscape(branch)
	}
	return target, nil
}

// parseRetryAfter reads the Retry-After header as delta-seconds or an
// HTTP date, falling back to a minute when absent or malformed
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
		return 0
	}
	return defaultRetryAfter
}
