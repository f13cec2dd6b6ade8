package datastore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresJobStore implements JobStore on top of the evaluation_jobs table.
type PostgresJobStore struct {
	db *sql.DB
}

// NewPostgresJobStore wraps an initialized database handle.
func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

const jobColumns = `id, test_id, user_id, status, stage, file_paths, transcription, partial_results,
	result_id, retry_count, max_retries, last_error, heartbeat_at, created_at, updated_at, completed_at`

// CreateJob inserts a new evaluation job.
func (s *PostgresJobStore) CreateJob(job *EvaluationJob) error {
	if s.db == nil {
		return errors.New("database connection not initialized")
	}

	filePathsJSON, err := json.Marshal(job.FilePaths)
	if err != nil {
		return fmt.Errorf("failed to marshal file_paths: %w", err)
	}

	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.HeartbeatAt.IsZero() {
		job.HeartbeatAt = now
	}

	query := `
		INSERT INTO evaluation_jobs (id, test_id, user_id, status, stage, file_paths, transcription, partial_results,
			result_id, retry_count, max_retries, last_error, heartbeat_at, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = s.db.Exec(query,
		job.ID,
		job.TestID,
		job.UserID,
		string(job.Status),
		string(job.Stage),
		filePathsJSON,
		nullableJSON(job.Transcription),
		nullableJSON(job.PartialResults),
		job.ResultID,
		job.RetryCount,
		job.MaxRetries,
		job.LastError,
		job.HeartbeatAt,
		job.CreatedAt,
		job.UpdatedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create evaluation job: %w", err)
	}
	return nil
}

// GetJob retrieves an evaluation job by ID.
func (s *PostgresJobStore) GetJob(id string) (*EvaluationJob, error) {
	if s.db == nil {
		return nil, errors.New("database connection not initialized")
	}

	query := fmt.Sprintf("SELECT %s FROM evaluation_jobs WHERE id = $1", jobColumns)
	job, err := scanJob(s.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
		}
		return nil, fmt.Errorf("failed to get evaluation job %s: %w", id, err)
	}
	return job, nil
}

// UpdateJob persists all mutable fields of a job.
func (s *PostgresJobStore) UpdateJob(job *EvaluationJob) error {
	if s.db == nil {
		return errors.New("database connection not initialized")
	}

	filePathsJSON, err := json.Marshal(job.FilePaths)
	if err != nil {
		return fmt.Errorf("failed to marshal file_paths: %w", err)
	}
	job.UpdatedAt = time.Now()

	query := `
		UPDATE evaluation_jobs
		SET status = $1, stage = $2, file_paths = $3, transcription = $4, partial_results = $5,
			result_id = $6, retry_count = $7, last_error = $8, heartbeat_at = $9,
			updated_at = $10, completed_at = $11
		WHERE id = $12
	`
	result, err := s.db.Exec(query,
		string(job.Status),
		string(job.Stage),
		filePathsJSON,
		nullableJSON(job.Transcription),
		nullableJSON(job.PartialResults),
		job.ResultID,
		job.RetryCount,
		job.LastError,
		job.HeartbeatAt,
		job.UpdatedAt,
		job.CompletedAt,
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update evaluation job %s: %w", job.ID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for job %s update: %w", job.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("job %s: %w", job.ID, ErrJobNotFound)
	}
	return nil
}

// UpdateJobIfActive persists the job only while the stored row is still
// non-terminal. A pipeline that lost a race against Cancel gets
// ErrJobNotActive instead of silently resurrecting the failed row.
func (s *PostgresJobStore) UpdateJobIfActive(job *EvaluationJob) error {
	if s.db == nil {
		return errors.New("database connection not initialized")
	}

	filePathsJSON, err := json.Marshal(job.FilePaths)
	if err != nil {
		return fmt.Errorf("failed to marshal file_paths: %w", err)
	}
	job.UpdatedAt = time.Now()

	query := `
		UPDATE evaluation_jobs
		SET status = $1, stage = $2, file_paths = $3, transcription = $4, partial_results = $5,
			result_id = $6, retry_count = $7, last_error = $8, heartbeat_at = $9,
			updated_at = $10, completed_at = $11
		WHERE id = $12 AND status NOT IN ($13, $14)
	`
	result, err := s.db.Exec(query,
		string(job.Status),
		string(job.Stage),
		filePathsJSON,
		nullableJSON(job.Transcription),
		nullableJSON(job.PartialResults),
		job.ResultID,
		job.RetryCount,
		job.LastError,
		job.HeartbeatAt,
		job.UpdatedAt,
		job.CompletedAt,
		job.ID,
		string(JobStatusCompleted),
		string(JobStatusFailed),
	)
	if err != nil {
		return fmt.Errorf("failed to update evaluation job %s: %w", job.ID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for job %s update: %w", job.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("job %s: %w", job.ID, ErrJobNotActive)
	}
	return nil
}

// TouchHeartbeat bumps heartbeat_at unless the job is already terminal.
// The status guard keeps a late watchdog write from resurrecting a
// completed or failed job.
func (s *PostgresJobStore) TouchHeartbeat(id string, at time.Time) error {
	if s.db == nil {
		return errors.New("database connection not initialized")
	}

	query := `
		UPDATE evaluation_jobs
		SET heartbeat_at = $1, updated_at = $2
		WHERE id = $3 AND status NOT IN ($4, $5)
	`
	_, err := s.db.Exec(query, at, time.Now(), id, string(JobStatusCompleted), string(JobStatusFailed))
	if err != nil {
		return fmt.Errorf("failed to touch heartbeat for job %s: %w", id, err)
	}
	return nil
}

// ActiveJobsForTest returns all non-terminal jobs for a test submission.
func (s *PostgresJobStore) ActiveJobsForTest(testID string) ([]*EvaluationJob, error) {
	if s.db == nil {
		return nil, errors.New("database connection not initialized")
	}

	query := fmt.Sprintf(`SELECT %s FROM evaluation_jobs
		WHERE test_id = $1 AND status NOT IN ($2, $3) ORDER BY created_at ASC`, jobColumns)
	rows, err := s.db.Query(query, testID, string(JobStatusCompleted), string(JobStatusFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs for test %s: %w", testID, err)
	}
	return collectJobs(rows)
}

// ListJobs lists jobs, optionally filtered by status.
func (s *PostgresJobStore) ListJobs(status JobStatus) ([]*EvaluationJob, error) {
	if s.db == nil {
		return nil, errors.New("database connection not initialized")
	}

	var rows *sql.Rows
	var err error
	baseQuery := fmt.Sprintf("SELECT %s FROM evaluation_jobs", jobColumns)
	if status != "" {
		rows, err = s.db.Query(baseQuery+" WHERE status = $1 ORDER BY created_at DESC", string(status))
	} else {
		rows, err = s.db.Query(baseQuery + " ORDER BY created_at DESC")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluation jobs: %w", err)
	}
	return collectJobs(rows)
}

// StaleProcessingJobs returns processing jobs with heartbeats older than cutoff.
func (s *PostgresJobStore) StaleProcessingJobs(cutoff time.Time) ([]*EvaluationJob, error) {
	if s.db == nil {
		return nil, errors.New("database connection not initialized")
	}

	query := fmt.Sprintf(`SELECT %s FROM evaluation_jobs
		WHERE status = $1 AND heartbeat_at < $2 ORDER BY heartbeat_at ASC`, jobColumns)
	rows, err := s.db.Query(query, string(JobStatusProcessing), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	return collectJobs(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*EvaluationJob, error) {
	job := &EvaluationJob{}
	var status, stage string
	var filePathsJSON, transcriptionJSON, partialJSON []byte

	err := row.Scan(
		&job.ID,
		&job.TestID,
		&job.UserID,
		&status,
		&stage,
		&filePathsJSON,
		&transcriptionJSON,
		&partialJSON,
		&job.ResultID,
		&job.RetryCount,
		&job.MaxRetries,
		&job.LastError,
		&job.HeartbeatAt,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = JobStatus(status)
	job.Stage = JobStage(stage)
	if len(filePathsJSON) > 0 {
		if err := json.Unmarshal(filePathsJSON, &job.FilePaths); err != nil {
			return nil, fmt.Errorf("failed to unmarshal file_paths: %w", err)
		}
	}
	job.Transcription = fromNullableJSON(transcriptionJSON)
	job.PartialResults = fromNullableJSON(partialJSON)
	return job, nil
}

func collectJobs(rows *sql.Rows) ([]*EvaluationJob, error) {
	defer rows.Close()

	jobs := []*EvaluationJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan evaluation job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for evaluation jobs: %w", err)
	}
	return jobs, nil
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

func fromNullableJSON(data []byte) json.RawMessage {
	if data == nil || string(data) == "null" {
		return nil
	}
	return json.RawMessage(data)
}
