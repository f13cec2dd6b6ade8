package datastore

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// PostgresResultStore implements ResultStore on the evaluation_results table.
type PostgresResultStore struct {
	db *sql.DB
}

// NewPostgresResultStore wraps an initialized database handle.
func NewPostgresResultStore(db *sql.DB) *PostgresResultStore {
	return &PostgresResultStore{db: db}
}

// CreateResult inserts a final evaluation result.
func (s *PostgresResultStore) CreateResult(r *StoredResult) error {
	if s.db == nil {
		return errors.New("database connection not initialized")
	}
	r.CreatedAt = time.Now()

	query := `
		INSERT INTO evaluation_results (id, job_id, test_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.Exec(query, r.ID, r.JobID, r.TestID, nullableJSON(r.Payload), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create evaluation result: %w", err)
	}
	return nil
}

// GetResult retrieves a result by ID.
func (s *PostgresResultStore) GetResult(id string) (*StoredResult, error) {
	if s.db == nil {
		return nil, errors.New("database connection not initialized")
	}

	query := "SELECT id, job_id, test_id, payload, created_at FROM evaluation_results WHERE id = $1"
	return s.scanResultRow(s.db.QueryRow(query, id), id)
}

// GetResultForJob retrieves the result persisted for a job, if any.
func (s *PostgresResultStore) GetResultForJob(jobID string) (*StoredResult, error) {
	if s.db == nil {
		return nil, errors.New("database connection not initialized")
	}

	query := "SELECT id, job_id, test_id, payload, created_at FROM evaluation_results WHERE job_id = $1"
	return s.scanResultRow(s.db.QueryRow(query, jobID), jobID)
}

func (s *PostgresResultStore) scanResultRow(row rowScanner, key string) (*StoredResult, error) {
	r := &StoredResult{}
	var payload []byte
	err := row.Scan(&r.ID, &r.JobID, &r.TestID, &payload, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("result for %s: %w", key, ErrResultNotFound)
		}
		return nil, fmt.Errorf("failed to get evaluation result for %s: %w", key, err)
	}
	r.Payload = fromNullableJSON(payload)
	return r, nil
}

// MemoryResultStore is a mutex-guarded in-memory ResultStore.
type MemoryResultStore struct {
	mu      sync.RWMutex
	results map[string]*StoredResult
	byJob   map[string]string
}

// NewMemoryResultStore returns an empty in-memory result store.
func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{
		results: map[string]*StoredResult{},
		byJob:   map[string]string{},
	}
}

func (s *MemoryResultStore) CreateResult(r *StoredResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.results[r.ID]; exists {
		return fmt.Errorf("result %s already exists", r.ID)
	}
	r.CreatedAt = time.Now()
	clone := *r
	s.results[r.ID] = &clone
	s.byJob[r.JobID] = r.ID
	return nil
}

func (s *MemoryResultStore) GetResult(id string) (*StoredResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	if !ok {
		return nil, fmt.Errorf("result for %s: %w", id, ErrResultNotFound)
	}
	clone := *r
	return &clone, nil
}

func (s *MemoryResultStore) GetResultForJob(jobID string) (*StoredResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byJob[jobID]
	if !ok {
		return nil, fmt.Errorf("result for %s: %w", jobID, ErrResultNotFound)
	}
	clone := *s.results[id]
	return &clone, nil
}
