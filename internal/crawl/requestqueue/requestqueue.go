// Package requestqueue implements RequestQueue: a durable, deduplicated
// work queue for dynamically discovered requests. It is a client of an
// external storage service (see StorageClient) plus a local dedup LRU and
// a bounded head-of-queue cache; it holds no durable state of its own.
package requestqueue

import (
	"context"
	"sync"

	"github.com/surgecrawl/surgecrawl/internal/crawl/types"
	"github.com/surgecrawl/surgecrawl/internal/crawlerr"
)

// defaultHeadLimit is QUERY_HEAD_MIN_LENGTH: how many head items are
// requested from storage on each cache refill.
const defaultHeadLimit = 100

// defaultDedupCapacity bounds the local dedup LRU.
const defaultDedupCapacity = 100_000

// HeadItem is one entry of a getHead response: an id/uniqueKey pair the
// client believes is next-to-process.
type HeadItem struct {
	ID        string
	UniqueKey string
}

// UpdateOptions modifies an UpdateRequest call: Forefront requests
// head-of-queue placement, Handled marks the request as terminally done.
type UpdateOptions struct {
	Forefront bool
	Handled   bool
}

// AddResult is the outcome of AddRequest/UpdateRequest.
type AddResult struct {
	RequestID         string
	WasAlreadyPresent bool
	WasAlreadyHandled bool
}

// StorageClient is the capability set a RequestQueue needs from its
// backing store (specification §6). internal/storage/sqlitequeue
// provides the production implementation; tests supply a fake or
// internal/testutil's in-memory one.
type StorageClient interface {
	AddRequest(ctx context.Context, queueID string, req *types.Request, forefront bool) (AddResult, error)
	GetRequest(ctx context.Context, queueID, requestID string) (*types.Request, error)
	UpdateRequest(ctx context.Context, queueID string, req *types.Request, opts UpdateOptions) (AddResult, error)
	GetHead(ctx context.Context, queueID string, limit int) ([]HeadItem, error)
	DeleteQueue(ctx context.Context, queueID string) error
	IsFinished(ctx context.Context, queueID string) (bool, error)
}

// RequestQueue is a durable work queue: addRequest/fetchNextRequest/
// markRequestHandled/reclaimRequest backed by a StorageClient, with a
// local dedup LRU and head cache layered on top.
type RequestQueue struct {
	queueID   string
	storage   StorageClient
	headLimit int

	mu              sync.Mutex
	dedup           *dedupLRU
	head            []HeadItem
	handled         map[string]bool
	inProgressCount int
}

// Option configures a RequestQueue at construction.
type Option func(*RequestQueue)

// WithHeadLimit overrides QUERY_HEAD_MIN_LENGTH.
func WithHeadLimit(n int) Option {
	return func(q *RequestQueue) { q.headLimit = n }
}

// WithDedupCapacity overrides the dedup LRU's bounded capacity.
func WithDedupCapacity(n int) Option {
	return func(q *RequestQueue) { q.dedup = newDedupLRU(n) }
}

// New builds a RequestQueue identified by queueID and backed by storage.
func New(queueID string, storage StorageClient, opts ...Option) *RequestQueue {
	q := &RequestQueue{
		queueID:   queueID,
		storage:   storage,
		headLimit: defaultHeadLimit,
		dedup:     newDedupLRU(defaultDedupCapacity),
		handled:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// AddRequest inserts req, or short-circuits against the local dedup
// cache if its UniqueKey is already known. forefront=true inserts at the
// head of the queue.
func (q *RequestQueue) AddRequest(ctx context.Context, req *types.Request, forefront bool) (AddResult, error) {
	q.mu.Lock()
	if entry, ok := q.dedup.get(req.UniqueKey); ok {
		q.mu.Unlock()
		return AddResult{RequestID: entry.id, WasAlreadyPresent: true, WasAlreadyHandled: entry.wasAlreadyHandled}, nil
	}
	q.mu.Unlock()

	result, err := q.storage.AddRequest(ctx, q.queueID, req, forefront)
	if err != nil {
		return AddResult{}, &crawlerr.StorageError{Op: "addRequest", Err: err}
	}

	q.mu.Lock()
	q.dedup.add(req.UniqueKey, dedupEntry{id: result.RequestID, wasAlreadyHandled: result.WasAlreadyHandled})
	if forefront && !result.WasAlreadyPresent {
		item := HeadItem{ID: result.RequestID, UniqueKey: req.UniqueKey}
		q.head = append([]HeadItem{item}, q.head...)
	}
	q.mu.Unlock()

	return result, nil
}

// FetchNextRequest returns the next request or nil if none is available.
func (q *RequestQueue) FetchNextRequest(ctx context.Context) (*types.Request, error) {
	refilled := false
	for {
		q.mu.Lock()
		if len(q.head) == 0 {
			if refilled {
				q.mu.Unlock()
				return nil, nil
			}
			q.mu.Unlock()
			items, err := q.storage.GetHead(ctx, q.queueID, q.headLimit)
			if err != nil {
				return nil, &crawlerr.StorageError{Op: "getHead", Err: err}
			}
			q.mu.Lock()
			q.head = items
			refilled = true
			if len(q.head) == 0 {
				q.mu.Unlock()
				return nil, nil
			}
		}

		item := q.head[0]
		q.head = q.head[1:]
		handled := q.handled[item.UniqueKey]
		q.mu.Unlock()
		if handled {
			continue
		}

		req, err := q.storage.GetRequest(ctx, q.queueID, item.ID)
		if err != nil {
			return nil, &crawlerr.StorageError{Op: "getRequest", Err: err}
		}
		if req == nil {
			continue
		}

		q.mu.Lock()
		q.inProgressCount++
		q.mu.Unlock()
		return req, nil
	}
}

// MarkRequestHandled records req as terminally done: it will never be
// returned by FetchNextRequest again.
func (q *RequestQueue) MarkRequestHandled(ctx context.Context, req *types.Request) error {
	if _, err := q.storage.UpdateRequest(ctx, q.queueID, req, UpdateOptions{Handled: true}); err != nil {
		return &crawlerr.StorageError{Op: "updateRequest", Err: err}
	}

	q.mu.Lock()
	q.inProgressCount--
	q.handled[req.UniqueKey] = true
	q.dedup.markHandled(req.UniqueKey)
	q.mu.Unlock()
	return nil
}

// ReclaimRequest returns req to the queue for another FetchNextRequest.
// forefront=true guarantees it surfaces before any non-forefront entry.
func (q *RequestQueue) ReclaimRequest(ctx context.Context, req *types.Request, forefront bool) error {
	if _, err := q.storage.UpdateRequest(ctx, q.queueID, req, UpdateOptions{Forefront: forefront}); err != nil {
		return &crawlerr.StorageError{Op: "updateRequest", Err: err}
	}

	q.mu.Lock()
	q.inProgressCount--
	item := HeadItem{ID: req.ID, UniqueKey: req.UniqueKey}
	if forefront {
		q.head = append([]HeadItem{item}, q.head...)
	} else {
		q.head = append(q.head, item)
	}
	q.mu.Unlock()
	return nil
}

// IsEmpty reports whether the queue has no request available right now.
// The local head cache is never authoritative for "true": an empty cache
// is always confirmed against storage before returning true.
func (q *RequestQueue) IsEmpty(ctx context.Context) (bool, error) {
	q.mu.Lock()
	if len(q.head) > 0 {
		q.mu.Unlock()
		return false, nil
	}
	q.mu.Unlock()

	items, err := q.storage.GetHead(ctx, q.queueID, q.headLimit)
	if err != nil {
		return false, &crawlerr.StorageError{Op: "getHead", Err: err}
	}
	q.mu.Lock()
	q.head = items
	q.mu.Unlock()
	return len(items) == 0, nil
}

// IsFinished reports whether the queue is empty, has no in-flight
// requests, and the storage agrees no more requests remain.
func (q *RequestQueue) IsFinished(ctx context.Context) (bool, error) {
	empty, err := q.IsEmpty(ctx)
	if err != nil {
		return false, err
	}
	q.mu.Lock()
	inProgress := q.inProgressCount
	q.mu.Unlock()
	if !empty || inProgress != 0 {
		return false, nil
	}
	done, err := q.storage.IsFinished(ctx, q.queueID)
	if err != nil {
		return false, &crawlerr.StorageError{Op: "isFinished", Err: err}
	}
	return done, nil
}

// Delete purges the queue's remote state.
func (q *RequestQueue) Delete(ctx context.Context) error {
	if err := q.storage.DeleteQueue(ctx, q.queueID); err != nil {
		return &crawlerr.StorageError{Op: "deleteQueue", Err: err}
	}
	return nil
}
