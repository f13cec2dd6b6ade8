package scoring

import (
	"context"
	"sync"

	"spoken-eval-platform/internal/datastore"
)

// MockScorer is a scripted scorer for tests: queued responses first, then
// the fixed response, recording every request.
type MockScorer struct {
	Fixed *ScorerResponse
	Err   error

	mu       sync.Mutex
	queue    []*ScorerResponse
	errs     []error
	Calls    int
	Requests []*ScoreRequest
}

// Enqueue schedules a one-shot response (and optional error).
func (m *MockScorer) Enqueue(r *ScorerResponse, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, r)
	m.errs = append(m.errs, err)
}

func (m *MockScorer) Score(_ context.Context, req *ScoreRequest, _ *datastore.Credential) (*ScorerResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	reqCopy := *req
	m.Requests = append(m.Requests, &reqCopy)

	if len(m.queue) > 0 {
		r, err := m.queue[0], m.errs[0]
		m.queue = m.queue[1:]
		m.errs = m.errs[1:]
		return r, err
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Fixed, nil
}
