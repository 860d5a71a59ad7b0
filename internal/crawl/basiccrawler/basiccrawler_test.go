package basiccrawler_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgecrawl/surgecrawl/internal/config"
	"github.com/surgecrawl/surgecrawl/internal/crawl/basiccrawler"
	"github.com/surgecrawl/surgecrawl/internal/crawl/requestlist"
	"github.com/surgecrawl/surgecrawl/internal/crawl/requestqueue"
	"github.com/surgecrawl/surgecrawl/internal/crawl/types"
	"github.com/surgecrawl/surgecrawl/internal/testutil"
)

func fastPoolCfg() config.PoolConfig {
	return config.PoolConfig{
		MinConcurrency:          1,
		MaxConcurrency:          1,
		DesiredConcurrencyRatio: 0.9,
		ScaleUpStepRatio:        0.05,
		ScaleDownStepRatio:      0.05,
		MaybeRunInterval:        5 * time.Millisecond,
		AutoscaleInterval:       time.Hour,
	}
}

func crawlerCfg(maxRetries int) config.CrawlerConfig {
	return config.CrawlerConfig{
		MaxRequestRetries:    maxRetries,
		HandleRequestTimeout: time.Second,
	}
}

type handledRecord struct {
	mu      sync.Mutex
	handled []string
	failed  []string
}

func (r *handledRecord) recordHandled(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled = append(r.handled, url)
}

func (r *handledRecord) recordFailed(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, url)
}

// TestBasicCrawler_RetryAccounting is the literal spec scenario 5: three
// URLs, only the middle one always fails, retries exhaust at
// maxRequestRetries and are reported exactly once.
func TestBasicCrawler_RetryAccounting(t *testing.T) {
	sources := []requestlist.Source{
		{Request: types.NewRequest("https://example.com/1")},
		{Request: types.NewRequest("https://example.com/2")},
		{Request: types.NewRequest("https://example.com/3")},
	}
	list := requestlist.New(sources)
	require.NoError(t, list.Initialize(context.Background()))

	rec := &handledRecord{}
	handle := func(ctx context.Context, req *types.Request) error {
		if req.URL == "https://example.com/2" {
			return fmt.Errorf("boom")
		}
		return nil
	}

	var failedReq *types.Request
	failedHandler := func(ctx context.Context, req *types.Request, err error) {
		failedReq = req.Clone()
		rec.recordFailed(req.URL)
	}

	crawler, err := basiccrawler.New(crawlerCfg(10), fastPoolCfg(), handle,
		basiccrawler.WithRequestList(list),
		basiccrawler.WithFailedHandler(failedHandler),
	)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- crawler.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err, "crawler.Run")
	case <-time.After(5 * time.Second):
		t.Fatal("crawler.Run did not finish in time")
	}

	require.NotNil(t, failedReq, "expected handleFailedRequestFunction to be invoked")
	assert.Equal(t, 10, failedReq.RetryCount, "expected /2.retryCount == 10")
	assert.Len(t, failedReq.ErrorMessages, 11, "expected /2.errorMessages.length == 11")
	assert.Len(t, rec.failed, 1, "expected handleFailedRequestFunction invoked exactly once")
}

// TestBasicCrawler_ListAndQueueCombined is the literal spec scenario 6:
// list-sourced requests are reinjected into the queue forefront-first and
// fetched from there; the always-failing middle request is retried through
// the queue and exhausts its budget, while the others succeed.
func TestBasicCrawler_ListAndQueueCombined(t *testing.T) {
	sources := []requestlist.Source{
		{Request: types.NewRequest("https://example.com/u0")},
		{Request: types.NewRequest("https://example.com/u1")},
		{Request: types.NewRequest("https://example.com/u2")},
	}
	list := requestlist.New(sources)
	require.NoError(t, list.Initialize(context.Background()))
	storage := testutil.NewMemoryStorageClient()
	queue := requestqueue.New("default", storage)

	var mu sync.Mutex
	handled := map[string]int{}
	handle := func(ctx context.Context, req *types.Request) error {
		mu.Lock()
		handled[req.URL]++
		mu.Unlock()
		if req.URL == "https://example.com/u1" {
			return fmt.Errorf("boom")
		}
		return nil
	}

	var failedCount int
	var failedReq *types.Request
	failedHandler := func(ctx context.Context, req *types.Request, err error) {
		failedCount++
		failedReq = req.Clone()
	}

	crawler, err := basiccrawler.New(crawlerCfg(3), fastPoolCfg(), handle,
		basiccrawler.WithRequestList(list),
		basiccrawler.WithRequestQueue(queue),
		basiccrawler.WithFailedHandler(failedHandler),
	)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- crawler.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err, "crawler.Run")
	case <-time.After(5 * time.Second):
		t.Fatal("crawler.Run did not finish in time")
	}

	assert.Equal(t, 1, handled["https://example.com/u0"], "expected u0 handled exactly once")
	assert.Equal(t, 1, handled["https://example.com/u2"], "expected u2 handled exactly once")
	assert.Equal(t, 4, handled["https://example.com/u1"], "expected u1 attempted 4 times (1 + 3 retries)")
	assert.Equal(t, 1, failedCount, "expected handleFailedRequestFunction invoked exactly once")
	if assert.NotNil(t, failedReq) {
		assert.Equal(t, 3, failedReq.RetryCount, "expected u1.retryCount == 3 at failure")
	}
}

// TestBasicCrawler_EmptySourcesFinishesImmediately is the boundary case:
// run() returns without invoking the handler.
func TestBasicCrawler_EmptySourcesFinishesImmediately(t *testing.T) {
	list := requestlist.New(nil)
	require.NoError(t, list.Initialize(context.Background()))

	called := false
	handle := func(ctx context.Context, req *types.Request) error {
		called = true
		return nil
	}

	crawler, err := basiccrawler.New(crawlerCfg(3), fastPoolCfg(), handle, basiccrawler.WithRequestList(list))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- crawler.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("crawler.Run did not finish in time")
	}
	assert.False(t, called, "expected handler never invoked for an empty source")
}

// TestBasicCrawler_RequestCapStopsEarly exercises maxRequestsPerCrawl: the
// crawl finishes once the cap is hit even with requests still available.
func TestBasicCrawler_RequestCapStopsEarly(t *testing.T) {
	sources := make([]requestlist.Source, 0, 5)
	for i := 0; i < 5; i++ {
		sources = append(sources, requestlist.Source{Request: types.NewRequest(fmt.Sprintf("https://example.com/%d", i))})
	}
	list := requestlist.New(sources)
	require.NoError(t, list.Initialize(context.Background()))

	var mu sync.Mutex
	count := 0
	handle := func(ctx context.Context, req *types.Request) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}

	cfg := crawlerCfg(3)
	cfg.MaxRequestsPerCrawl = 2
	crawler, err := basiccrawler.New(cfg, fastPoolCfg(), handle, basiccrawler.WithRequestList(list))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- crawler.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("crawler.Run did not finish in time")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count, "expected exactly 2 requests handled under the cap")
}

// TestBasicCrawler_HandlerTimeoutCountsAsFailure verifies a handler that
// ignores context cancellation still fails the request once
// handleRequestTimeoutSecs elapses.
func TestBasicCrawler_HandlerTimeoutCountsAsFailure(t *testing.T) {
	sources := []requestlist.Source{{Request: types.NewRequest("https://example.com/slow")}}
	list := requestlist.New(sources)
	require.NoError(t, list.Initialize(context.Background()))

	handle := func(ctx context.Context, req *types.Request) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}

	var failedReq *types.Request
	failedHandler := func(ctx context.Context, req *types.Request, err error) {
		failedReq = req.Clone()
	}

	cfg := config.CrawlerConfig{MaxRequestRetries: 0, HandleRequestTimeout: 20 * time.Millisecond}
	crawler, err := basiccrawler.New(cfg, fastPoolCfg(), handle,
		basiccrawler.WithRequestList(list),
		basiccrawler.WithFailedHandler(failedHandler),
	)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- crawler.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("crawler.Run did not finish in time")
	}

	assert.NotNil(t, failedReq, "expected the slow handler to exhaust its (zero-retry) budget via timeout")
}

// TestBasicCrawler_RequiresAtLeastOneSource exercises the InvalidArgument
// rejection for a crawler built with neither source.
func TestBasicCrawler_RequiresAtLeastOneSource(t *testing.T) {
	handle := func(ctx context.Context, req *types.Request) error { return nil }
	_, err := basiccrawler.New(crawlerCfg(3), fastPoolCfg(), handle)
	assert.Error(t, err, "expected an error when neither requestList nor requestQueue is configured")
}
