package testutil

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/surgecrawl/surgecrawl/internal/crawl/requestqueue"
	"github.com/surgecrawl/surgecrawl/internal/crawl/types"
)

// MemoryStorageClient is an in-memory implementation of
// requestqueue.StorageClient, for fast unit tests that don't need a real
// SQLite-backed queue. Ordering of GetHead matches insertion order,
// honoring forefront placement the same way the durable implementation
// does.
type MemoryStorageClient struct {
	mu       sync.Mutex
	byID     map[string]*types.Request
	byKey    map[string]string // uniqueKey -> id
	handled  map[string]bool   // id -> handled
	order    []string          // ids, head-of-queue first
}

// NewMemoryStorageClient builds an empty MemoryStorageClient.
func NewMemoryStorageClient() *MemoryStorageClient {
	return &MemoryStorageClient{
		byID:    make(map[string]*types.Request),
		byKey:   make(map[string]string),
		handled: make(map[string]bool),
	}
}

func (m *MemoryStorageClient) AddRequest(_ context.Context, _ string, req *types.Request, forefront bool) (requestqueue.AddResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[req.UniqueKey]; ok {
		return requestqueue.AddResult{RequestID: id, WasAlreadyPresent: true, WasAlreadyHandled: m.handled[id]}, nil
	}

	id := uuid.NewString()
	stored := req.Clone()
	stored.ID = id
	m.byID[id] = stored
	m.byKey[req.UniqueKey] = id
	if forefront {
		m.order = append([]string{id}, m.order...)
	} else {
		m.order = append(m.order, id)
	}
	return requestqueue.AddResult{RequestID: id, WasAlreadyPresent: false}, nil
}

func (m *MemoryStorageClient) GetRequest(_ context.Context, _ string, requestID string) (*types.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.byID[requestID]
	if !ok {
		return nil, nil
	}
	return req.Clone(), nil
}

func (m *MemoryStorageClient) UpdateRequest(_ context.Context, _ string, req *types.Request, opts requestqueue.UpdateOptions) (requestqueue.AddResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := req.ID
	if id == "" {
		id = m.byKey[req.UniqueKey]
	}
	stored, ok := m.byID[id]
	if !ok {
		id = uuid.NewString()
		stored = req.Clone()
		stored.ID = id
		m.byID[id] = stored
		m.byKey[req.UniqueKey] = id
	} else {
		*stored = *req.Clone()
		stored.ID = id
	}

	if opts.Handled {
		m.handled[id] = true
	} else {
		if opts.Forefront {
			m.order = append([]string{id}, m.order...)
		} else {
			m.order = append(m.order, id)
		}
	}
	return requestqueue.AddResult{RequestID: id, WasAlreadyPresent: true, WasAlreadyHandled: m.handled[id]}, nil
}

func (m *MemoryStorageClient) GetHead(_ context.Context, _ string, limit int) ([]requestqueue.HeadItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []requestqueue.HeadItem
	var remaining []string
	for _, id := range m.order {
		if m.handled[id] {
			continue
		}
		if len(items) < limit {
			req := m.byID[id]
			items = append(items, requestqueue.HeadItem{ID: id, UniqueKey: req.UniqueKey})
		} else {
			remaining = append(remaining, id)
		}
	}
	// Items returned by getHead are immediately considered in-flight by
	// the caller, so they are dropped from `order` here; ReclaimRequest's
	// UpdateRequest call re-adds them if they are reclaimed.
	m.order = remaining
	return items, nil
}

func (m *MemoryStorageClient) DeleteQueue(_ context.Context, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID = make(map[string]*types.Request)
	m.byKey = make(map[string]string)
	m.handled = make(map[string]bool)
	m.order = nil
	return nil
}

func (m *MemoryStorageClient) IsFinished(_ context.Context, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order) == 0, nil
}
