package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// MockServer is a small configurable HTTP server for crawler tests: it
// can serve a fixed body, inject latency, or fail a particular request
// number, without every test hand-rolling an httptest.Server.
type MockServer struct {
	*httptest.Server
	requestCount atomic.Int64
}

// RequestCount returns how many requests the server has received so far.
func (m *MockServer) RequestCount() int64 { return m.requestCount.Load() }

type mockServerConfig struct {
	body            []byte
	latency         time.Duration
	handler         http.HandlerFunc
	failOnNthReq    int
	contentType     string
}

// MockServerOption configures NewMockServerT.
type MockServerOption func(*mockServerConfig)

// WithBody sets the fixed response body served for every request (unless
// WithHandler overrides the handler entirely).
func WithBody(body []byte) MockServerOption {
	return func(c *mockServerConfig) { c.body = body }
}

// WithLatency delays every response by d.
func WithLatency(d time.Duration) MockServerOption {
	return func(c *mockServerConfig) { c.latency = d }
}

// WithHandler overrides the default body-serving handler entirely.
func WithHandler(h http.HandlerFunc) MockServerOption {
	return func(c *mockServerConfig) { c.handler = h }
}

// WithFailOnNthRequest makes the nth request (1-indexed) return 500.
func WithFailOnNthRequest(n int) MockServerOption {
	return func(c *mockServerConfig) { c.failOnNthReq = n }
}

// WithContentType sets the Content-Type header of the default handler's
// responses.
func WithContentType(ct string) MockServerOption {
	return func(c *mockServerConfig) { c.contentType = ct }
}

// NewMockServerT builds a MockServer, registering its Close with
// t.Cleanup so callers never forget to tear it down.
func NewMockServerT(t *testing.T, opts ...MockServerOption) *MockServer {
	t.Helper()
	cfg := mockServerConfig{contentType: "text/plain; charset=utf-8"}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &MockServer{}
	mux := cfg.handler
	if mux == nil {
		mux = func(w http.ResponseWriter, r *http.Request) {
			if cfg.latency > 0 {
				time.Sleep(cfg.latency)
			}
			n := m.requestCount.Load()
			if cfg.failOnNthReq > 0 && int(n) == cfg.failOnNthReq {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", cfg.contentType)
			w.Write(cfg.body)
		}
	}

	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.requestCount.Add(1)
		mux(w, r)
	}))
	t.Cleanup(m.Server.Close)
	return m
}
