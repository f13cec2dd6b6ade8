package datastore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Sentinel errors shared by all store implementations.
var (
	ErrJobNotFound        = errors.New("evaluation job not found")
	ErrJobNotActive       = errors.New("evaluation job is no longer active")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrResultNotFound     = errors.New("evaluation result not found")
)

// JobStore is the durable record of evaluation jobs.
type JobStore interface {
	CreateJob(job *EvaluationJob) error
	GetJob(id string) (*EvaluationJob, error)
	// UpdateJob persists every mutable field of the job. Last writer wins;
	// callers serialize their own writes (only the orchestrator goroutine
	// owning a job calls this).
	UpdateJob(job *EvaluationJob) error
	// UpdateJobIfActive is UpdateJob guarded on the stored status: it
	// returns ErrJobNotActive instead of writing over a row that has
	// already reached completed or failed. Pipeline progress writes use
	// this so a cancelled job is never resurrected by in-flight work.
	UpdateJobIfActive(job *EvaluationJob) error
	// TouchHeartbeat updates heartbeat_at only, and never on a job that has
	// already reached a terminal status.
	TouchHeartbeat(id string, at time.Time) error
	// ActiveJobsForTest returns non-terminal jobs for a test submission.
	ActiveJobsForTest(testID string) ([]*EvaluationJob, error)
	ListJobs(status JobStatus) ([]*EvaluationJob, error)
	// StaleProcessingJobs returns processing jobs whose heartbeat is older
	// than the cutoff.
	StaleProcessingJobs(cutoff time.Time) ([]*EvaluationJob, error)
}

// CredentialStore persists API credentials and their quota accounting.
type CredentialStore interface {
	CreateCredential(c *Credential) error
	GetCredential(id string) (*Credential, error)
	UpdateCredential(c *Credential) error
	DeleteCredential(id string) error
	ListCredentials(capability string) ([]*Credential, error)
}

// ResultStore persists final evaluation results.
type ResultStore interface {
	CreateResult(r *StoredResult) error
	GetResult(id string) (*StoredResult, error)
	GetResultForJob(jobID string) (*StoredResult, error)
}

// InitDB opens and pings a Postgres connection.
func InitDB(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}
