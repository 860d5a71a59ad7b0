// Package requestlist implements RequestList: a finite, ordered,
// deduplicated sequence of seed requests delivered exactly once each,
// modulo reclaims. It holds no external state; everything lives in
// memory for the lifetime of one crawl.
package requestlist

import (
	"context"
	"regexp"
	"sort"
	"sync"

	"github.com/surgecrawl/surgecrawl/internal/crawl/types"
	"github.com/surgecrawl/surgecrawl/internal/crawlerr"
)

// Fetcher resolves a RequestsFromURL source into a raw document body.
// internal/httpfetch provides the production implementation; tests
// supply a fake.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Source is one entry in a RequestList's construction input: either an
// inline Request, or an indirection that fetches a remote document and
// extracts URLs from it.
type Source struct {
	// Request is set for an inline source. Mutually exclusive with
	// RequestsFromURL.
	Request *types.Request

	// RequestsFromURL, when non-empty, marks this as a fetch source:
	// Fetcher.Fetch(RequestsFromURL) is called during Initialize and its
	// body is scanned with Regex (or the default absolute-URL pattern)
	// to produce one Request per match, in Method.
	RequestsFromURL string
	Regex           *regexp.Regexp
	Method          string
}

// State is a serializable snapshot of a RequestList's iteration position,
// produced by GetState and consumed by WithState for resumption.
type State struct {
	NextIndex  int
	InProgress []string
}

// RequestList delivers NewRequest's seed set exactly once each, modulo
// explicit reclaims. Every state-mutating operation fails with
// *crawlerr.NotInitializedError until Initialize has completed.
type RequestList struct {
	sources []Source
	fetcher Fetcher
	restore *State

	mu          sync.Mutex
	initialized bool
	all         []*types.Request
	byKey       map[string]*types.Request
	nextIndex   int
	inProgress  map[string]bool
	reclaimed   []string // FIFO queue of uniqueKeys
}

// Option configures a RequestList at construction.
type Option func(*RequestList)

// WithFetcher supplies the Fetcher used to resolve RequestsFromURL
// sources. Required if any source is a fetch source.
func WithFetcher(f Fetcher) Option {
	return func(l *RequestList) { l.fetcher = f }
}

// WithState resumes from a previously captured State.
func WithState(s State) Option {
	return func(l *RequestList) { l.restore = &s }
}

// New builds a RequestList. Call Initialize before any other operation.
func New(sources []Source, opts ...Option) *RequestList {
	l := &RequestList{sources: sources}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type fetchResult struct {
	requests []*types.Request
	err      error
}

// Initialize resolves every RequestsFromURL source (concurrently, but
// preserving source order in the flattened result), drops duplicates by
// UniqueKey (first occurrence wins), and restores iteration state if
// WithState was supplied.
func (l *RequestList) Initialize(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	results := make([]fetchResult, len(l.sources))
	var wg sync.WaitGroup
	for i, src := range l.sources {
		if src.RequestsFromURL == "" {
			results[i] = fetchResult{requests: []*types.Request{src.Request}}
			continue
		}
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			reqs, err := l.resolveFetchSource(ctx, src)
			results[i] = fetchResult{requests: reqs, err: err}
		}(i, src)
	}
	wg.Wait()

	l.all = nil
	l.byKey = make(map[string]*types.Request)
	for _, r := range results {
		if r.err != nil {
			return &crawlerr.StorageError{Op: "requestsFromUrl", Err: r.err}
		}
		for _, req := range r.requests {
			if req == nil {
				continue
			}
			if _, dup := l.byKey[req.UniqueKey]; dup {
				continue // later duplicate silently dropped
			}
			l.byKey[req.UniqueKey] = req
			l.all = append(l.all, req)
		}
	}

	l.inProgress = make(map[string]bool)
	l.reclaimed = nil
	l.nextIndex = 0

	if l.restore != nil {
		l.nextIndex = l.restore.NextIndex
		if l.nextIndex > len(l.all) {
			l.nextIndex = len(l.all)
		}
		// Requests still in-progress when state was captured are presumed
		// lost (the process handling them did not finish); resume them as
		// reclaims in their original source order, deterministically.
		idx := make(map[string]int, len(l.all))
		for i, req := range l.all {
			idx[req.UniqueKey] = i
		}
		restored := append([]string(nil), l.restore.InProgress...)
		sort.Slice(restored, func(a, b int) bool { return idx[restored[a]] < idx[restored[b]] })
		for _, key := range restored {
			l.inProgress[key] = true
			l.reclaimed = append(l.reclaimed, key)
		}
	}

	l.initialized = true
	return nil
}

func (l *RequestList) resolveFetchSource(ctx context.Context, src Source) ([]*types.Request, error) {
	if l.fetcher == nil {
		return nil, &crawlerr.InvalidArgumentError{Reason: "requestsFromUrl source given but no Fetcher configured"}
	}
	body, err := l.fetcher.Fetch(ctx, src.RequestsFromURL)
	if err != nil {
		return nil, err
	}
	pattern := src.Regex
	if pattern == nil {
		pattern = types.DefaultLinkPattern
	}
	method := src.Method
	if method == "" {
		method = "GET"
	}

	seen := make(map[string]bool)
	var out []*types.Request
	for _, match := range pattern.FindAll(body, -1) {
		u := string(match)
		if seen[u] { // duplicates within one source are collapsed
			continue
		}
		seen[u] = true
		req := types.NewRequest(u)
		req.Method = method
		out = append(out, req)
	}
	return out, nil
}

// IsEmpty reports whether no request is available right now: neither
// reclaimed nor beyond nextIndex.
func (l *RequestList) IsEmpty() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return false, &crawlerr.NotInitializedError{Op: "isEmpty"}
	}
	return len(l.reclaimed) == 0 && l.nextIndex >= len(l.all), nil
}

// IsFinished reports whether no more requests will ever be emitted.
func (l *RequestList) IsFinished() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return false, &crawlerr.NotInitializedError{Op: "isFinished"}
	}
	return l.nextIndex >= len(l.all) && len(l.inProgress) == 0, nil
}

// FetchNextRequest returns the next request, preferring the oldest
// reclaim, and adds its UniqueKey to the in-progress set. Returns nil,
// nil if nothing is available.
func (l *RequestList) FetchNextRequest() (*types.Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return nil, &crawlerr.NotInitializedError{Op: "fetchNextRequest"}
	}

	if len(l.reclaimed) > 0 {
		key := l.reclaimed[0]
		l.reclaimed = l.reclaimed[1:]
		return l.byKey[key].Clone(), nil
	}

	if l.nextIndex >= len(l.all) {
		return nil, nil
	}
	req := l.all[l.nextIndex]
	l.nextIndex++
	l.inProgress[req.UniqueKey] = true
	return req.Clone(), nil
}

// MarkRequestHandled removes req from the in-progress set permanently.
func (l *RequestList) MarkRequestHandled(req *types.Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return &crawlerr.NotInitializedError{Op: "markRequestHandled"}
	}
	delete(l.inProgress, req.UniqueKey)
	return nil
}

// ReclaimRequest re-queues req for another FetchNextRequest call. It
// remains in the in-progress set until MarkRequestHandled is called.
// req's mutated fields (RetryCount, ErrorMessages, NoRetry) are persisted
// back into the list's stored copy first, so the next fetch carries the
// accumulated retry state instead of handing out a pristine clone.
func (l *RequestList) ReclaimRequest(req *types.Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return &crawlerr.NotInitializedError{Op: "reclaimRequest"}
	}
	if stored, ok := l.byKey[req.UniqueKey]; ok {
		stored.RetryCount = req.RetryCount
		stored.ErrorMessages = append([]string(nil), req.ErrorMessages...)
		stored.NoRetry = req.NoRetry
	}
	l.reclaimed = append(l.reclaimed, req.UniqueKey)
	return nil
}

// GetState returns a serializable snapshot for resumption.
func (l *RequestList) GetState() (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return State{}, &crawlerr.NotInitializedError{Op: "getState"}
	}
	keys := make([]string, 0, len(l.inProgress))
	for k := range l.inProgress {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return State{NextIndex: l.nextIndex, InProgress: keys}, nil
}
