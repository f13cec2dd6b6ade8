package asr

import (
	"context"
	"sync"

	"spoken-eval-platform/internal/datastore"
)

// MockEngine is a scripted engine for tests: it returns queued results or a
// fixed response, and records every call it receives.
type MockEngine struct {
	EngineName string
	Fixed      *Result
	Err        error

	mu     sync.Mutex
	queue  []*Result
	errs   []error
	Calls  int
	Audios [][]byte
}

// NewMockEngine returns a mock with the given name and fixed transcript.
func NewMockEngine(name, text string) *MockEngine {
	return &MockEngine{
		EngineName: name,
		Fixed:      &Result{Engine: name, Text: text, AvgConfidence: 0.9},
	}
}

func (m *MockEngine) Name() string { return m.EngineName }

// Enqueue schedules a one-shot result (and optional error) to return before
// falling back to the fixed response.
func (m *MockEngine) Enqueue(r *Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, r)
	m.errs = append(m.errs, err)
}

func (m *MockEngine) Transcribe(_ context.Context, audio []byte, _ string, _ *datastore.Credential) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	m.Audios = append(m.Audios, audio)

	if len(m.queue) > 0 {
		r, err := m.queue[0], m.errs[0]
		m.queue = m.queue[1:]
		m.errs = m.errs[1:]
		return r, err
	}
	if m.Err != nil {
		return nil, m.Err
	}
	out := *m.Fixed
	return &out, nil
}
