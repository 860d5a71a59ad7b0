// Package httpfetch is the production requestlist.Fetcher: it downloads a
// requestsFromUrl seed document over HTTP, the same User-Agent/status-code
// handling idiom the downloader worker uses, hardened with the SSRF-safe
// dialer from internal/utils and a binary-content guard so a crawl never
// regex-scans a multi-megabyte image or archive for links.
package httpfetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/h2non/filetype"
	"github.com/vfaronov/httpheader"

	"github.com/surgecrawl/surgecrawl/internal/config"
	"github.com/surgecrawl/surgecrawl/internal/crawl/types"
	"github.com/surgecrawl/surgecrawl/internal/crawlerr"
	"github.com/surgecrawl/surgecrawl/internal/utils"
)

// sniffWindow is how many leading bytes are read before the rest of the
// body, enough for filetype.Match to recognize common binary signatures.
const sniffWindow = 261

// RetryRecorder records client-error/rate-limit pressure observed during
// fetches, feeding Snapshotter's client-sampling dimension (spec §4.1
// "client sampling"). internal/storage/sqlitequeue.Client implements
// this by accumulating a retry-bucket histogram per queue.
type RetryRecorder interface {
	RecordRetryAfter(ctx context.Context, queueID string, bucket int) error
}

// Client fetches seed documents over HTTP. It satisfies
// requestlist.Fetcher.
type Client struct {
	cfg        config.FetchConfig
	httpClient *http.Client

	recorder RetryRecorder
	queueID  string
}

// Option configures a Client at construction.
type Option func(*Client)

// WithRetryRecorder wires rate-limit pressure observed on 429 responses
// into recorder's retry-bucket histogram under queueID. Without one, 429
// responses are still treated as failures but never reach the client
// sampler.
func WithRetryRecorder(queueID string, recorder RetryRecorder) Option {
	return func(c *Client) {
		c.queueID = queueID
		c.recorder = recorder
	}
}

// New builds a Client whose outbound dialer refuses private/loopback
// addresses unless SURGE_ALLOW_PRIVATE_IPS=true.
func New(cfg config.FetchConfig, opts ...Option) *Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext:           utils.SafeDialContext(dialer),
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
	}
	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RetryAfter reports how long the caller should wait before retrying url,
// derived from a prior response's Retry-After header. ok is false if no
// delay was communicated.
type RetryAfter struct {
	Delay time.Duration
	OK    bool
}

// Fetch downloads rawURL and returns its body, refusing to scan bodies
// whose sniffed content type is a known binary format (image, archive,
// executable, ...) for links: those can never plausibly be an HTML/text
// seed document.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	return c.fetch(ctx, rawURL, http.MethodGet, nil)
}

// FetchRequest downloads req.URL, carrying req.Headers and req.Method
// through to the outbound HTTP request the same way the teacher's
// DownloadRequest.Headers carry-through reaches its outbound fetch.
func (c *Client) FetchRequest(ctx context.Context, req *types.Request) ([]byte, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return c.fetch(ctx, req.URL, method, req.Headers)
}

func (c *Client) fetch(ctx context.Context, rawURL, method string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, &crawlerr.InvalidArgumentError{Reason: fmt.Sprintf("httpfetch: bad url %q: %v", rawURL, err)}
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpfetch: request %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		ra := ParseRetryAfter(resp.Header)
		c.recordRetryAfter(ctx, ra)
		return nil, fmt.Errorf("httpfetch: %s rate limited (429), retry-after ok=%v delay=%v", rawURL, ra.OK, ra.Delay)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("httpfetch: %s unexpected status: %d", rawURL, resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("httpfetch: reading body of %s: %w", rawURL, err)
	}
	if int64(len(body)) > c.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("httpfetch: %s exceeded max body size %d bytes", rawURL, c.cfg.MaxBodyBytes)
	}

	if isBinaryContent(body) {
		return nil, fmt.Errorf("httpfetch: %s looks like a binary document, refusing to scan for links", rawURL)
	}

	return body, nil
}

// recordRetryAfter reports a 429's retry-after pressure to the configured
// RetryRecorder, if any. A failure to record is logged and otherwise
// ignored: it must never turn a successful fetch's error path fatal.
func (c *Client) recordRetryAfter(ctx context.Context, ra RetryAfter) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordRetryAfter(ctx, c.queueID, RetryBucket(ra.Delay)); err != nil {
		utils.Warn("httpfetch: recording retry-after pressure: %v", err)
	}
}

// isBinaryContent sniffs the leading bytes of body for a known binary
// file signature (image, archive, audio/video, executable). Plain
// text/HTML bodies never match any registered filetype, so they pass
// through.
func isBinaryContent(body []byte) bool {
	n := len(body)
	if n > sniffWindow {
		n = sniffWindow
	}
	kind, err := filetype.Match(body[:n])
	if err != nil {
		return false
	}
	return kind != filetype.Unknown
}

// ParseRetryAfter reads the Retry-After response header (either
// delta-seconds or an HTTP-date) and reports how long the caller should
// wait before retrying.
func ParseRetryAfter(header http.Header) RetryAfter {
	t, ok := httpheader.RetryAfter(header)
	if !ok {
		return RetryAfter{}
	}
	delay := time.Until(t)
	if delay < 0 {
		delay = 0
	}
	return RetryAfter{Delay: delay, OK: true}
}

// RetryBucket maps a Retry-After delay into one of the eight histogram
// buckets the sqlite storage client and Snapshotter's client-sample
// dimension track, the same bucketing spirit as the worker pool's
// exponential retry backoff.
func RetryBucket(delay time.Duration) int {
	switch {
	case delay <= 0:
		return 0
	case delay < time.Second:
		return 1
	case delay < 5*time.Second:
		return 2
	case delay < 15*time.Second:
		return 3
	case delay < 30*time.Second:
		return 4
	case delay < time.Minute:
		return 5
	case delay < 5*time.Minute:
		return 6
	default:
		return 7
	}
}
