// Package basiccrawler implements BasicCrawler: it drives RequestList and
// RequestQueue through an AutoscaledPool by supplying the three predicates
// the pool needs (is-task-ready, is-finished, run-task), with per-request
// retry and failed-request reporting layered on top.
package basiccrawler

import (
	"context"
	"fmt"
	"sync"

	"github.com/surgecrawl/surgecrawl/internal/autoscale"
	"github.com/surgecrawl/surgecrawl/internal/config"
	"github.com/surgecrawl/surgecrawl/internal/crawl/requestlist"
	"github.com/surgecrawl/surgecrawl/internal/crawl/requestqueue"
	"github.com/surgecrawl/surgecrawl/internal/crawl/types"
	"github.com/surgecrawl/surgecrawl/internal/crawlerr"
)

// Handler processes one request. A returned error is recorded against the
// request and participates in retry accounting; it never tears down the
// crawl.
type Handler func(ctx context.Context, req *types.Request) error

// FailedHandler is invoked exactly once per request that has exhausted its
// retry budget (or was marked NoRetry), after the terminal failure.
type FailedHandler func(ctx context.Context, req *types.Request, err error)

// owner tracks which source fetched a request, so its outcome (handled
// or reclaimed) is reported back to the right place.
type owner int

const (
	ownerList owner = iota
	ownerQueue
)

// BasicCrawler wires RequestList and/or RequestQueue behind an
// AutoscaledPool.
type BasicCrawler struct {
	list  *requestlist.RequestList
	queue *requestqueue.RequestQueue

	handle       Handler
	handleFailed FailedHandler

	cfg     config.CrawlerConfig
	poolCfg config.PoolConfig
	poolOpt []autoscale.Option

	mu           sync.Mutex
	handledCount int
	// listOwned tracks uniqueKeys handed off from the list into the queue:
	// once a list request is reinjected, every subsequent retry is fetched
	// straight from the queue, but the list still needs MarkRequestHandled
	// on the eventual terminal outcome or its in-progress set never empties.
	listOwned map[string]bool

	pool *autoscale.AutoscaledPool
}

// Option configures a BasicCrawler at construction.
type Option func(*BasicCrawler)

// WithRequestList supplies the static seed source.
func WithRequestList(l *requestlist.RequestList) Option {
	return func(c *BasicCrawler) { c.list = l }
}

// WithRequestQueue supplies the dynamic, durable work queue.
func WithRequestQueue(q *requestqueue.RequestQueue) Option {
	return func(c *BasicCrawler) { c.queue = q }
}

// WithFailedHandler supplies handleFailedRequestFunction.
func WithFailedHandler(h FailedHandler) Option {
	return func(c *BasicCrawler) { c.handleFailed = h }
}

// WithPoolOptions forwards additional autoscale.Option values (e.g.
// WithSystemStatus) to the AutoscaledPool constructed by Run.
func WithPoolOptions(opts ...autoscale.Option) Option {
	return func(c *BasicCrawler) { c.poolOpt = append(c.poolOpt, opts...) }
}

// New builds a BasicCrawler. At least one of WithRequestList or
// WithRequestQueue is required.
func New(cfg config.CrawlerConfig, poolCfg config.PoolConfig, handle Handler, opts ...Option) (*BasicCrawler, error) {
	c := &BasicCrawler{
		cfg:       cfg,
		poolCfg:   poolCfg,
		handle:    handle,
		listOwned: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.list == nil && c.queue == nil {
		return nil, &crawlerr.InvalidArgumentError{Reason: "basiccrawler: at least one of requestList or requestQueue is required"}
	}
	return c, nil
}

// Run constructs the AutoscaledPool and blocks until the crawl finishes,
// is aborted, or a fatal error propagates.
func (c *BasicCrawler) Run(ctx context.Context) error {
	c.mu.Lock()
	c.pool = autoscale.New(c.poolCfg, c.runTask, c.isTaskReady, c.isFinished, c.poolOpt...)
	pool := c.pool
	c.mu.Unlock()
	return pool.Run(ctx)
}

// Abort forwards to the underlying pool, if Run has been called.
func (c *BasicCrawler) Abort() {
	c.mu.Lock()
	pool := c.pool
	c.mu.Unlock()
	if pool != nil {
		pool.Abort()
	}
}

// HandledCount returns how many requests have reached a terminal outcome
// (handled or permanently failed) so far.
func (c *BasicCrawler) HandledCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handledCount
}

func (c *BasicCrawler) capHit() bool {
	if c.cfg.MaxRequestsPerCrawl <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handledCount >= c.cfg.MaxRequestsPerCrawl
}

// isTaskReady is true iff either source has a request available right now
// and the request cap has not been hit.
func (c *BasicCrawler) isTaskReady(ctx context.Context) (bool, error) {
	if c.capHit() {
		return false, nil
	}
	if c.list != nil {
		empty, err := c.list.IsEmpty()
		if err != nil {
			return false, err
		}
		if !empty {
			return true, nil
		}
	}
	if c.queue != nil {
		empty, err := c.queue.IsEmpty(ctx)
		if err != nil {
			return false, err
		}
		if !empty {
			return true, nil
		}
	}
	return false, nil
}

// isFinished is true iff every configured source reports finished, or the
// request cap has been hit.
func (c *BasicCrawler) isFinished(ctx context.Context) (bool, error) {
	if c.capHit() {
		return true, nil
	}
	if c.list != nil {
		fin, err := c.list.IsFinished()
		if err != nil {
			return false, err
		}
		if !fin {
			return false, nil
		}
	}
	if c.queue != nil {
		fin, err := c.queue.IsFinished(ctx)
		if err != nil {
			return false, err
		}
		if !fin {
			return false, nil
		}
	}
	return true, nil
}

// runTask fetches the next request (list, reinjected through the queue,
// or queue alone), runs the handler under a deadline, and applies the
// handle/retry/fail outcome to whichever source(s) own the request.
func (c *BasicCrawler) runTask(ctx context.Context) (bool, error) {
	req, src, err := c.fetchNext(ctx)
	if err != nil {
		return false, err
	}
	if req == nil {
		return false, nil
	}

	handleCtx, cancel := context.WithTimeout(ctx, c.cfg.HandleRequestTimeout)
	handleErr := c.runHandler(handleCtx, req)
	cancel()

	if handleErr == nil {
		if err := c.markHandled(ctx, req, src); err != nil {
			return true, err
		}
		c.incrementHandled()
		return true, nil
	}

	req.ErrorMessages = append(req.ErrorMessages, handleErr.Error())
	terminal := req.NoRetry || req.RetryCount >= c.cfg.MaxRequestRetries
	if terminal {
		if c.handleFailed != nil {
			c.handleFailed(ctx, req, handleErr)
		}
		if err := c.markHandled(ctx, req, src); err != nil {
			return true, err
		}
		c.incrementHandled()
		return true, nil
	}

	req.RetryCount++
	if err := c.reclaim(ctx, req, src); err != nil {
		return true, err
	}
	return true, nil
}

func (c *BasicCrawler) incrementHandled() {
	c.mu.Lock()
	c.handledCount++
	c.mu.Unlock()
}

// runHandler invokes the user handler off the calling goroutine so a
// handler that ignores ctx cancellation still yields to the deadline.
func (c *BasicCrawler) runHandler(ctx context.Context, req *types.Request) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- c.handle(ctx, req)
	}()

	select {
	case err := <-done:
		if err != nil {
			return &crawlerr.HandlerFailureError{Err: err}
		}
		return nil
	case <-ctx.Done():
		return &crawlerr.TaskTimeoutError{After: c.cfg.HandleRequestTimeout.String()}
	}
}

// fetchNext implements the source-priority algorithm: when both sources
// exist, a list request is reinjected into the queue with forefront:true
// and re-fetched from there, so retries live in the durable store;
// otherwise the single configured source is fetched directly.
func (c *BasicCrawler) fetchNext(ctx context.Context) (*types.Request, owner, error) {
	if c.list != nil && c.queue != nil {
		listEmpty, err := c.list.IsEmpty()
		if err != nil {
			return nil, 0, err
		}
		if !listEmpty {
			listReq, err := c.list.FetchNextRequest()
			if err != nil {
				return nil, 0, err
			}
			if listReq != nil {
				c.mu.Lock()
				c.listOwned[listReq.UniqueKey] = true
				c.mu.Unlock()
				if _, err := c.queue.AddRequest(ctx, listReq, true); err != nil {
					return nil, 0, err
				}
				queued, err := c.queue.FetchNextRequest(ctx)
				if err != nil {
					return nil, 0, err
				}
				if queued != nil {
					return queued, ownerQueue, nil
				}
				return nil, 0, nil
			}
		}
		req, err := c.queue.FetchNextRequest(ctx)
		if err != nil {
			return nil, 0, err
		}
		if req == nil {
			return nil, 0, nil
		}
		return req, ownerQueue, nil
	}

	if c.list != nil {
		req, err := c.list.FetchNextRequest()
		if err != nil {
			return nil, 0, err
		}
		if req == nil {
			return nil, 0, nil
		}
		return req, ownerList, nil
	}

	req, err := c.queue.FetchNextRequest(ctx)
	if err != nil {
		return nil, 0, err
	}
	if req == nil {
		return nil, 0, nil
	}
	return req, ownerQueue, nil
}

// markHandled reports a terminal outcome to whichever source(s) own req. A
// queue-sourced request that was originally reinjected from the list (see
// listOwned above) notifies both, since the list still counts it as
// in-progress regardless of how many retries it made through the queue.
func (c *BasicCrawler) markHandled(ctx context.Context, req *types.Request, src owner) error {
	if src == ownerList {
		return c.list.MarkRequestHandled(req)
	}

	if err := c.queue.MarkRequestHandled(ctx, req); err != nil {
		return err
	}
	if c.list != nil {
		c.mu.Lock()
		owned := c.listOwned[req.UniqueKey]
		delete(c.listOwned, req.UniqueKey)
		c.mu.Unlock()
		if owned {
			if err := c.list.MarkRequestHandled(req); err != nil {
				return err
			}
		}
	}
	return nil
}

// reclaim returns req for another fetch. A request fetched from the queue
// always reclaims there, even if it originated in the list: once
// reinjected, the queue is the authoritative store for its retries.
func (c *BasicCrawler) reclaim(ctx context.Context, req *types.Request, src owner) error {
	if src == ownerList {
		return c.list.ReclaimRequest(req)
	}
	return c.queue.ReclaimRequest(ctx, req, false)
}
