package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ordinal-bus/internal/domain"
)

// MemoryStore is a volatile store holding the bus in process-local maps. It
// is safe for concurrent access and suited to tests and single-process use.
// Records are copied on the way in and out.
type MemoryStore struct {
	mu        sync.RWMutex
	requests  map[string]domain.Request
	responses map[string]domain.Response
	history   []domain.Exchange
	now       func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[string]domain.Request),
		responses: make(map[string]domain.Response),
		now:       time.Now,
	}
}

func (s *MemoryStore) PutRequest(_ context.Context, req domain.Request) error {
	if err := domain.ValidateID(req.ID); err != nil {
		return fmt.Errorf("repository: PutRequest: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
	return nil
}

func (s *MemoryStore) GetRequest(_ context.Context, id string) (domain.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return domain.Request{}, domain.ErrNotFound
	}
	return req, nil
}

func (s *MemoryStore) GetResponse(_ context.Context, id string) (domain.Response, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resp, ok := s.responses[id]
	return resp, ok, nil
}

func (s *MemoryStore) PutResponse(_ context.Context, resp domain.Response) error {
	if err := domain.ValidateID(resp.ID); err != nil {
		return fmt.Errorf("repository: PutResponse: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[resp.ID]; !ok {
		return domain.ErrNotFound
	}
	s.responses[resp.ID] = resp
	return nil
}

// Archive moves both records into history under the write lock, so readers
// see either the open records or the archived exchange, never a mix. The
// request leaves with status answered when a response goes with it and with
// unanswered otherwise. It returns the recorded status, or "" when id was not
// open.
func (s *MemoryStore) Archive(_ context.Context, id string, unanswered domain.Status) (domain.Status, error) {
	if err := checkUnanswered(unanswered); err != nil {
		return "", fmt.Errorf("repository: Archive: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return "", nil
	}
	ex := domain.Exchange{Request: req, ArchivedAt: s.now().UTC()}
	resp, answered := s.responses[id]
	if answered {
		ex.Response = &resp
	}
	ex.Request.Status = settledStatus(answered, unanswered)
	ex.Container = ex.ArchivedAt.Format(containerTimeLayout) + "Z_" + id
	delete(s.requests, id)
	delete(s.responses, id)
	s.history = append(s.history, ex)
	return ex.Request.Status, nil
}

func (s *MemoryStore) ListOpenRequests(_ context.Context) ([]domain.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Request, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) ListHistory(_ context.Context, limit int) ([]domain.Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Exchange, 0, len(s.history))
	for i := len(s.history) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		ex := s.history[i]
		if ex.Response != nil {
			resp := *ex.Response
			ex.Response = &resp
		}
		out = append(out, ex)
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context) (domain.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.Stats{
		OpenRequests:  len(s.requests),
		OpenResponses: len(s.responses),
		History:       len(s.history),
	}, nil
}
