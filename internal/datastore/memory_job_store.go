package datastore

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryJobStore is a mutex-guarded in-memory JobStore for tests and local
// runs without Postgres.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*EvaluationJob
}

// NewMemoryJobStore returns an empty in-memory job store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: map[string]*EvaluationJob{}}
}

func (s *MemoryJobStore) CreateJob(job *EvaluationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.HeartbeatAt.IsZero() {
		job.HeartbeatAt = now
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryJobStore) GetJob(id string) (*EvaluationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	return cloneJob(job), nil
}

func (s *MemoryJobStore) UpdateJob(job *EvaluationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrJobNotFound)
	}
	job.UpdatedAt = time.Now()
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryJobStore) UpdateJobIfActive(job *EvaluationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrJobNotFound)
	}
	if stored.Status.Terminal() {
		return fmt.Errorf("job %s: %w", job.ID, ErrJobNotActive)
	}
	job.UpdatedAt = time.Now()
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryJobStore) TouchHeartbeat(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	if job.Status.Terminal() {
		return nil
	}
	job.HeartbeatAt = at
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryJobStore) ActiveJobsForTest(testID string) ([]*EvaluationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*EvaluationJob{}
	for _, job := range s.jobs {
		if job.TestID == testID && !job.Status.Terminal() {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryJobStore) ListJobs(status JobStatus) ([]*EvaluationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*EvaluationJob{}
	for _, job := range s.jobs {
		if status == "" || job.Status == status {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryJobStore) StaleProcessingJobs(cutoff time.Time) ([]*EvaluationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*EvaluationJob{}
	for _, job := range s.jobs {
		if job.Status == JobStatusProcessing && job.HeartbeatAt.Before(cutoff) {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HeartbeatAt.Before(out[j].HeartbeatAt) })
	return out, nil
}

func cloneJob(job *EvaluationJob) *EvaluationJob {
	out := *job
	if job.FilePaths != nil {
		out.FilePaths = make(map[string]string, len(job.FilePaths))
		for k, v := range job.FilePaths {
			out.FilePaths[k] = v
		}
	}
	if job.Transcription != nil {
		out.Transcription = append([]byte(nil), job.Transcription...)
	}
	if job.PartialResults != nil {
		out.PartialResults = append([]byte(nil), job.PartialResults...)
	}
	return &out
}
