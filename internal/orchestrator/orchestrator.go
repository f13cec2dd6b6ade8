// Package orchestrator drives evaluation jobs through their stages:
// download, preprocess, transcribe, evaluate, persist. It owns the job
// state machine, retries, cancellation and the heartbeat/watchdog loop;
// callers interact with jobs only through this package.
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"spoken-eval-platform/internal/datastore"
	"spoken-eval-platform/internal/logging"
	"spoken-eval-platform/internal/objectstore"
	"spoken-eval-platform/internal/preprocess"
	"spoken-eval-platform/internal/reconciler"
	"spoken-eval-platform/internal/scoring"
)

var (
	// ErrInvalidInput rejects a submission before a job is created.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotRetryable rejects a retry of a job that is not in a retryable
	// state or has exhausted its retry budget.
	ErrNotRetryable = errors.New("job is not retryable")

	// errNoAudioCaptured fails a job without retrying: every submitted
	// segment downloaded empty, so retrying cannot help.
	errNoAudioCaptured = errors.New("no audio captured")
)

// Transcriber is the reconciler as the orchestrator sees it.
type Transcriber interface {
	TranscribeSegment(ctx context.Context, jobID string, seg reconciler.AudioSegment, audio []byte, languageHint string) (*reconciler.MergedSegment, error)
}

// Evaluator is the score calibrator as the orchestrator sees it.
type Evaluator interface {
	Evaluate(ctx context.Context, jobID string, segments []reconciler.MergedSegment) (*scoring.EvaluationResult, error)
}

// Config tunes the orchestrator.
type Config struct {
	MaxRetries        int
	MaxConcurrentJobs int
	// StageTimeout bounds each external call (download, upload, ASR,
	// scoring).
	StageTimeout time.Duration
	// HeartbeatInterval is how often a running job refreshes its heartbeat;
	// HeartbeatTimeout is how old a heartbeat may get before the watchdog
	// declares the job stale.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WatchdogInterval  time.Duration
	// RetryBackoffBase is the first retry delay; it doubles per attempt.
	RetryBackoffBase time.Duration
	// AutoRetryStale re-enqueues stale jobs with remaining retry budget.
	AutoRetryStale bool
	LanguageHint   string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		MaxConcurrentJobs: 4,
		StageTimeout:      3 * time.Minute,
		HeartbeatInterval: 20 * time.Second,
		HeartbeatTimeout:  120 * time.Second,
		WatchdogInterval:  30 * time.Second,
		RetryBackoffBase:  5 * time.Second,
		AutoRetryStale:    true,
		LanguageHint:      "en",
	}
}

// SubmitRequest is one evaluation submission.
type SubmitRequest struct {
	TestID   string
	UserID   string
	Segments []reconciler.AudioSegment
}

// trimStat is the per-segment preprocessing record kept for observability.
type trimStat struct {
	LeadingMsTrimmed   int `json:"leading_ms_trimmed"`
	TrailingMsTrimmed  int `json:"trailing_ms_trimmed"`
	OriginalDurationMs int `json:"original_duration_ms"`
	DurationMs         int `json:"duration_ms"`
}

// jobPartials is the resumable intermediate state stored on the job row.
// Each stage checks its own markers here, which is what makes advance
// idempotent.
type jobPartials struct {
	Segments     []reconciler.AudioSegment  `json:"segments"`
	Preprocessed map[string]string          `json:"preprocessed,omitempty"` // segment key -> trimmed audio ref
	TrimStats    map[string]trimStat        `json:"trim_stats,omitempty"`
	Merged       []reconciler.MergedSegment `json:"merged,omitempty"`
}

// Orchestrator is the job pipeline driver.
type Orchestrator struct {
	jobs        datastore.JobStore
	results     datastore.ResultStore
	storage     objectstore.Storage
	trimmer     *preprocess.Trimmer
	transcriber Transcriber
	evaluator   Evaluator
	notifier    *Notifier
	cfg         Config
	log         zerolog.Logger

	sem     chan struct{}
	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup

	baseCtx context.Context
	stop    context.CancelFunc

	// now is swappable for tests.
	now func() time.Time
}

// New wires an orchestrator. Call Start to begin the watchdog and resume
// interrupted jobs.
func New(jobs datastore.JobStore, results datastore.ResultStore, storage objectstore.Storage,
	trimmer *preprocess.Trimmer, transcriber Transcriber, evaluator Evaluator,
	notifier *Notifier, cfg Config) *Orchestrator {

	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		jobs:        jobs,
		results:     results,
		storage:     storage,
		trimmer:     trimmer,
		transcriber: transcriber,
		evaluator:   evaluator,
		notifier:    notifier,
		cfg:         cfg,
		log:         logging.New("orchestrator"),
		sem:         make(chan struct{}, cfg.MaxConcurrentJobs),
		running:     map[string]context.CancelFunc{},
		baseCtx:     ctx,
		stop:        cancel,
		now:         time.Now,
	}
}

// Notifier exposes the event stream for API subscribers.
func (o *Orchestrator) Notifier() *Notifier { return o.notifier }

// Start launches the watchdog and re-enqueues jobs left non-terminal by a
// previous process.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.watchdog()
	}()

	for _, status := range []datastore.JobStatus{datastore.JobStatusPending, datastore.JobStatusRetrying, datastore.JobStatusProcessing} {
		jobs, err := o.jobs.ListJobs(status)
		if err != nil {
			o.log.Error().Err(err).Str("status", string(status)).Msg("failed to list jobs for resume")
			continue
		}
		for _, job := range jobs {
			o.log.Info().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("resuming interrupted job")
			o.schedule(job.ID, 0)
		}
	}
}

// Shutdown cancels all running jobs and waits for workers to drain, bounded
// by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit validates a submission, supersedes older in-flight jobs for the
// same test, creates the job and enqueues it.
func (o *Orchestrator) Submit(req SubmitRequest) (*datastore.EvaluationJob, error) {
	if req.TestID == "" {
		return nil, fmt.Errorf("%w: test id is required", ErrInvalidInput)
	}
	if len(req.Segments) == 0 {
		return nil, fmt.Errorf("%w: at least one audio segment is required", ErrInvalidInput)
	}
	for i := range req.Segments {
		seg := &req.Segments[i]
		if seg.StorageRef == "" {
			return nil, fmt.Errorf("%w: segment %d has no storage reference", ErrInvalidInput, i)
		}
		if seg.SegmentKey == "" {
			seg.SegmentKey = reconciler.SegmentKey(seg.PartNumber, seg.QuestionNumber, seg.QuestionID)
		}
	}
	reconciler.SortSegments(req.Segments)

	// A newer submission for the same test supersedes anything in flight.
	if active, err := o.jobs.ActiveJobsForTest(req.TestID); err != nil {
		o.log.Error().Err(err).Str("test_id", req.TestID).Msg("failed to look up in-flight jobs")
	} else {
		for _, old := range active {
			if err := o.Cancel(old.ID, "superseded by newer submission"); err != nil {
				o.log.Warn().Err(err).Str("job_id", old.ID).Msg("failed to cancel superseded job")
			}
		}
	}

	now := o.now()
	filePaths := make(map[string]string, len(req.Segments))
	for _, seg := range req.Segments {
		filePaths[seg.SegmentKey] = seg.StorageRef
	}
	partials, err := json.Marshal(jobPartials{Segments: req.Segments})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job partials: %w", err)
	}

	job := &datastore.EvaluationJob{
		ID:             uuid.NewString(),
		TestID:         req.TestID,
		UserID:         req.UserID,
		Status:         datastore.JobStatusPending,
		Stage:          datastore.StageNone,
		FilePaths:      filePaths,
		PartialResults: partials,
		MaxRetries:     o.cfg.MaxRetries,
		HeartbeatAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.jobs.CreateJob(job); err != nil {
		return nil, fmt.Errorf("failed to create evaluation job: %w", err)
	}

	o.log.Info().Str("job_id", job.ID).Str("test_id", req.TestID).
		Int("segments", len(req.Segments)).Msg("job submitted")
	o.publish(job, 0, "")
	o.schedule(job.ID, 0)
	return job, nil
}

// GetJob returns the current job record.
func (o *Orchestrator) GetJob(jobID string) (*datastore.EvaluationJob, error) {
	return o.jobs.GetJob(jobID)
}

// GetResult returns the persisted result for a completed job. Resolution
// goes through the job's attached result reference: a result row whose
// attachment lost a race against cancellation is never served.
func (o *Orchestrator) GetResult(jobID string) (*datastore.StoredResult, error) {
	job, err := o.jobs.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if !job.ResultID.Valid {
		return nil, fmt.Errorf("job %s: %w", jobID, datastore.ErrResultNotFound)
	}
	return o.results.GetResult(job.ResultID.String)
}

// Advance nudges a job forward. It is idempotent: a job already running, or
// already terminal, is left alone. Every call refreshes the heartbeat.
func (o *Orchestrator) Advance(jobID string) error {
	job, err := o.jobs.GetJob(jobID)
	if err != nil {
		return err
	}
	if err := o.jobs.TouchHeartbeat(jobID, o.now()); err != nil {
		o.log.Warn().Err(err).Str("job_id", jobID).Msg("failed to touch heartbeat")
	}
	if job.Status.Terminal() || job.Status == datastore.JobStatusStale {
		return nil
	}
	o.schedule(jobID, 0)
	return nil
}

// Cancel stops a job and marks it failed with a distinguishable cancelled
// reason. Already-computed partial results are kept on the job row.
func (o *Orchestrator) Cancel(jobID, reason string) error {
	o.mu.Lock()
	cancel := o.running[jobID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	job, err := o.jobs.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	now := o.now()
	job.Status = datastore.JobStatusFailed
	job.LastError = nullString("cancelled: " + reason)
	job.CompletedAt = nullTime(now)
	job.UpdatedAt = now
	if err := o.jobs.UpdateJob(job); err != nil {
		return fmt.Errorf("failed to persist cancellation: %w", err)
	}
	o.log.Info().Str("job_id", jobID).Str("reason", reason).Msg("job cancelled")
	o.publish(job, stageProgress(job.Stage, 0), "cancelled: "+reason)
	return nil
}

// Retry re-enqueues a stale or failed job with remaining retry budget.
func (o *Orchestrator) Retry(jobID string) error {
	job, err := o.jobs.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status != datastore.JobStatusStale && job.Status != datastore.JobStatusFailed {
		return fmt.Errorf("%w: status is %s", ErrNotRetryable, job.Status)
	}
	if job.RetryCount >= job.MaxRetries {
		return fmt.Errorf("%w: retry budget exhausted (%d/%d)", ErrNotRetryable, job.RetryCount, job.MaxRetries)
	}

	now := o.now()
	job.RetryCount++
	job.Status = datastore.JobStatusRetrying
	job.HeartbeatAt = now
	job.UpdatedAt = now
	job.CompletedAt = nullTime(time.Time{})
	if err := o.jobs.UpdateJob(job); err != nil {
		return fmt.Errorf("failed to persist retry: %w", err)
	}
	o.log.Info().Str("job_id", jobID).Int("retry", job.RetryCount).Msg("job retrying")
	o.publish(job, stageProgress(job.Stage, 0), "")
	o.schedule(jobID, 0)
	return nil
}

// schedule enqueues a pipeline run for the job after an optional delay.
func (o *Orchestrator) schedule(jobID string, delay time.Duration) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-o.baseCtx.Done():
				return
			case <-t.C:
			}
		}
		select {
		case o.sem <- struct{}{}:
		case <-o.baseCtx.Done():
			return
		}
		defer func() { <-o.sem }()
		o.run(jobID)
	}()
}

// run executes the pipeline for one job, owning its state transitions.
func (o *Orchestrator) run(jobID string) {
	// Register the cancel hook before reading the job so a concurrent
	// Cancel either finds the hook or has already written terminal state.
	ctx, cancel := context.WithCancel(o.baseCtx)
	defer cancel()
	o.mu.Lock()
	if _, already := o.running[jobID]; already {
		o.mu.Unlock()
		return
	}
	o.running[jobID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, jobID)
		o.mu.Unlock()
	}()

	job, err := o.jobs.GetJob(jobID)
	if err != nil {
		o.log.Error().Err(err).Str("job_id", jobID).Msg("failed to load job")
		return
	}
	if job.Status.Terminal() || job.Status == datastore.JobStatusStale || ctx.Err() != nil {
		return
	}

	now := o.now()
	job.Status = datastore.JobStatusProcessing
	job.HeartbeatAt = now
	job.UpdatedAt = now
	if err := o.jobs.UpdateJobIfActive(job); err != nil {
		// A cancel that raced the start of this run already owns the row.
		if !errors.Is(err, datastore.ErrJobNotActive) {
			o.log.Error().Err(err).Str("job_id", jobID).Msg("failed to mark job processing")
		}
		return
	}
	o.publish(job, stageProgress(job.Stage, 0), "")

	hbDone := make(chan struct{})
	go o.heartbeatLoop(ctx, jobID, hbDone)
	err = o.pipeline(ctx, job)
	cancel()
	<-hbDone

	if err != nil {
		o.handleFailure(job, err)
	}
}

// heartbeatLoop refreshes the job heartbeat while the pipeline runs.
func (o *Orchestrator) heartbeatLoop(ctx context.Context, jobID string, done chan<- struct{}) {
	defer close(done)
	interval := o.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.jobs.TouchHeartbeat(jobID, o.now()); err != nil {
				o.log.Warn().Err(err).Str("job_id", jobID).Msg("heartbeat update failed")
			}
		}
	}
}

// handleFailure routes a pipeline error: cancellation is already recorded,
// non-retryable errors fail immediately, everything else retries with
// exponential backoff until the budget runs out.
func (o *Orchestrator) handleFailure(job *datastore.EvaluationJob, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, datastore.ErrJobNotActive) {
		// Cancel (or shutdown) already owns the job state; a write that
		// bounced off a terminal row means the same thing.
		return
	}

	fresh, gerr := o.jobs.GetJob(job.ID)
	if gerr != nil {
		o.log.Error().Err(gerr).Str("job_id", job.ID).Msg("failed to reload job after error")
		return
	}
	if fresh.Status.Terminal() {
		return
	}
	now := o.now()
	fresh.UpdatedAt = now

	if errors.Is(err, errNoAudioCaptured) {
		fresh.Status = datastore.JobStatusFailed
		fresh.LastError = nullString("no audio captured: every submitted segment was empty")
		fresh.CompletedAt = nullTime(now)
		if uerr := o.jobs.UpdateJob(fresh); uerr != nil {
			o.log.Error().Err(uerr).Str("job_id", job.ID).Msg("failed to persist failure")
		}
		o.publish(fresh, stageProgress(fresh.Stage, 0), fresh.LastError.String)
		return
	}

	fresh.LastError = nullString(err.Error())
	if fresh.RetryCount >= fresh.MaxRetries {
		fresh.Status = datastore.JobStatusFailed
		fresh.LastError = nullString(fmt.Sprintf("exhausted retries (%d/%d): %v", fresh.RetryCount, fresh.MaxRetries, err))
		fresh.CompletedAt = nullTime(now)
		if uerr := o.jobs.UpdateJob(fresh); uerr != nil {
			o.log.Error().Err(uerr).Str("job_id", job.ID).Msg("failed to persist failure")
		}
		o.log.Error().Err(err).Str("job_id", job.ID).Msg("job failed, retries exhausted")
		o.publish(fresh, stageProgress(fresh.Stage, 0), fresh.LastError.String)
		return
	}

	fresh.RetryCount++
	fresh.Status = datastore.JobStatusRetrying
	if uerr := o.jobs.UpdateJob(fresh); uerr != nil {
		o.log.Error().Err(uerr).Str("job_id", job.ID).Msg("failed to persist retry state")
		return
	}
	backoff := o.cfg.RetryBackoffBase << (fresh.RetryCount - 1)
	o.log.Warn().Err(err).Str("job_id", job.ID).Int("retry", fresh.RetryCount).
		Dur("backoff", backoff).Msg("job stage failed, retrying")
	o.publish(fresh, stageProgress(fresh.Stage, 0), err.Error())
	o.schedule(job.ID, backoff)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
