package datastore

import (
	"database/sql"
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of an evaluation job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusStale      JobStatus = "stale"
	JobStatusRetrying   JobStatus = "retrying"
)

// Terminal reports whether a job in this status may never transition again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobStage is the sub-phase a processing job is currently in.
type JobStage string

const (
	StageNone       JobStage = ""
	StageDownload   JobStage = "download"
	StagePreprocess JobStage = "preprocess"
	StageTranscribe JobStage = "transcribe"
	StageEvaluate   JobStage = "evaluate"
	StagePersist    JobStage = "persist"
)

// EvaluationJob maps to the evaluation_jobs table. One row is one evaluation
// attempt for one test submission. Only the orchestrator mutates a job;
// the watchdog touches heartbeat_at alone.
type EvaluationJob struct {
	ID             string            `json:"id"`
	TestID         string            `json:"test_id"`
	UserID         string            `json:"user_id"`
	Status         JobStatus         `json:"status"`
	Stage          JobStage          `json:"stage"`
	FilePaths      map[string]string `json:"file_paths"` // segment key -> storage reference
	Transcription  json.RawMessage   `json:"transcription,omitempty"`
	PartialResults json.RawMessage   `json:"partial_results,omitempty"`
	ResultID       sql.NullString    `json:"result_id,omitempty"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	LastError      sql.NullString    `json:"last_error,omitempty"`
	HeartbeatAt    time.Time         `json:"heartbeat_at"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CompletedAt    sql.NullTime      `json:"completed_at,omitempty"`
}

// Capabilities a credential can serve.
const (
	CapabilitySpeech  = "speech"
	CapabilityScoring = "scoring"
)

// Credential maps to the credentials table: one API key for one external
// capability, with its quota accounting and lock/cooldown state.
type Credential struct {
	ID          string          `json:"id"`
	Capability  string          `json:"capability"` // "speech" or "scoring"
	Provider    string          `json:"provider"`   // engine name, e.g. "google", "deepgram", "openai"
	APIKey      string          `json:"-"`
	APISecret   sql.NullString  `json:"-"`
	Endpoint    sql.NullString  `json:"endpoint,omitempty"`
	ExtraConfig json.RawMessage `json:"extra_config,omitempty"`

	// Disabled marks permanent exhaustion (billing/plan limits); cleared
	// only by manual reactivation.
	Disabled      bool         `json:"disabled"`
	CooldownUntil sql.NullTime `json:"cooldown_until,omitempty"`
	LockedBy      sql.NullString `json:"locked_by,omitempty"`
	LockedUntil   sql.NullTime `json:"locked_until,omitempty"`

	MinuteLimit       int       `json:"minute_limit"` // requests per minute, 0 = unlimited
	DayLimit          float64   `json:"day_limit"`    // usage units per day, 0 = unlimited
	MinuteCount       int       `json:"minute_count"`
	MinuteWindowStart time.Time `json:"minute_window_start"`
	DayUnits          float64   `json:"day_units"`
	DayWindowStart    time.Time `json:"day_window_start"`

	LastUsedAt sql.NullTime `json:"last_used_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// RemainingDaily returns how many usage units are left in the current day
// window. Unlimited credentials report a large constant so they sort first.
func (c *Credential) RemainingDaily(now time.Time) float64 {
	if c.DayLimit <= 0 {
		return 1e12
	}
	if now.Sub(c.DayWindowStart) >= 24*time.Hour {
		return c.DayLimit
	}
	return c.DayLimit - c.DayUnits
}

// StoredResult maps to the evaluation_results table: the final persisted
// payload for a completed job. The payload is the canonical result schema
// serialized as JSON.
type StoredResult struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	TestID    string          `json:"test_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
