package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"spoken-eval-platform/internal/datastore"
	"spoken-eval-platform/internal/objectstore"
	"spoken-eval-platform/internal/preprocess"
	"spoken-eval-platform/internal/reconciler"
	"spoken-eval-platform/internal/scoring"
)

// fakeTranscriber returns a deterministic merged segment per call, with
// optional scripted failure and blocking.
type fakeTranscriber struct {
	mu      sync.Mutex
	calls   int
	err     error
	release chan struct{} // when set, every call blocks until closed
	started chan struct{} // signalled once on first call
	once    sync.Once
}

func (f *fakeTranscriber) TranscribeSegment(_ context.Context, _ string, seg reconciler.AudioSegment, _ []byte, _ string) (*reconciler.MergedSegment, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	release := f.release
	f.mu.Unlock()
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	return &reconciler.MergedSegment{
		SegmentKey:     seg.SegmentKey,
		PartNumber:     seg.PartNumber,
		QuestionNumber: seg.QuestionNumber,
		QuestionID:     seg.QuestionID,
		FinalText:      "transcript for " + seg.SegmentKey,
		WordCount:      4,
		AvgConfidence:  0.9,
		Method:         reconciler.MethodConsensus,
		Confidence:     reconciler.ConfidenceHigh,
		DurationSec:    seg.DurationSec,
	}, nil
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeEvaluator returns a fixed result, with optional blocking to exercise
// cancellation while a scoring call is in flight.
type fakeEvaluator struct {
	mu      sync.Mutex
	calls   int
	err     error
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func (f *fakeEvaluator) Evaluate(_ context.Context, _ string, segments []reconciler.MergedSegment) (*scoring.EvaluationResult, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	release := f.release
	f.mu.Unlock()
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	byQuestion := map[string]string{}
	for _, s := range segments {
		byQuestion[s.SegmentKey] = s.FinalText
	}
	return &scoring.EvaluationResult{
		OverallBand: 6.5,
		Criteria: map[string]scoring.CriterionScore{
			scoring.CriterionFluency:       {Band: 6.5, Justification: "ok"},
			scoring.CriterionLexical:       {Band: 6.5, Justification: "ok"},
			scoring.CriterionGrammar:       {Band: 6.5, Justification: "ok"},
			scoring.CriterionPronunciation: {Band: 6.5, Justification: "ok"},
		},
		TranscriptsByQuestion: byQuestion,
	}, nil
}

func (f *fakeEvaluator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testHarness struct {
	orch        *Orchestrator
	jobs        *datastore.MemoryJobStore
	results     *datastore.MemoryResultStore
	storage     *objectstore.MemoryStorage
	transcriber *fakeTranscriber
	evaluator   *fakeEvaluator
}

func newHarness(t *testing.T, mutate func(*Config)) *testHarness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxConcurrentJobs = 4
	cfg.RetryBackoffBase = time.Millisecond
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.StageTimeout = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	h := &testHarness{
		jobs:        datastore.NewMemoryJobStore(),
		results:     datastore.NewMemoryResultStore(),
		storage:     objectstore.NewMemoryStorage(),
		transcriber: &fakeTranscriber{},
		evaluator:   &fakeEvaluator{},
	}
	h.orch = New(h.jobs, h.results, h.storage, preprocess.NewTrimmer(preprocess.DefaultConfig()),
		h.transcriber, h.evaluator, NewNotifier(), cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.orch.Shutdown(ctx)
	})
	return h
}

func (h *testHarness) seedSegments(n int) []reconciler.AudioSegment {
	segs := make([]reconciler.AudioSegment, 0, n)
	for i := 1; i <= n; i++ {
		ref := fmt.Sprintf("audio/seg-%d.wav", i)
		h.storage.Seed(ref, []byte("not-a-real-wav-payload"))
		segs = append(segs, reconciler.AudioSegment{
			PartNumber:     1,
			QuestionNumber: i,
			QuestionID:     fmt.Sprintf("q%d", i),
			StorageRef:     ref,
			DurationSec:    10,
		})
	}
	return segs
}

func waitForStatus(t *testing.T, h *testHarness, jobID string, want datastore.JobStatus) *datastore.EvaluationJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := h.jobs.GetJob(jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := h.jobs.GetJob(jobID)
	t.Fatalf("job %s never reached %s (now %s, err %q)", jobID, want, job.Status, job.LastError.String)
	return nil
}

func TestSubmitRunsFullPipeline(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	job, err := h.orch.Submit(SubmitRequest{TestID: "test-1", UserID: "user-1", Segments: h.seedSegments(3)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForStatus(t, h, job.ID, datastore.JobStatusCompleted)
	if !final.ResultID.Valid {
		t.Fatal("completed job has no result reference")
	}
	if got := h.transcriber.callCount(); got != 3 {
		t.Fatalf("transcriber calls = %d, want 3", got)
	}
	if got := h.evaluator.callCount(); got != 1 {
		t.Fatalf("evaluator calls = %d, want 1", got)
	}

	stored, err := h.results.GetResultForJob(job.ID)
	if err != nil {
		t.Fatalf("GetResultForJob: %v", err)
	}
	if !strings.Contains(string(stored.Payload), "p1_q1_q1") {
		t.Fatalf("result payload missing segment transcript: %s", stored.Payload)
	}
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	cases := []SubmitRequest{
		{TestID: "", Segments: h.seedSegments(1)},
		{TestID: "test-1"},
		{TestID: "test-1", Segments: []reconciler.AudioSegment{{PartNumber: 1, QuestionNumber: 1, QuestionID: "q1"}}},
	}
	for i, req := range cases {
		if _, err := h.orch.Submit(req); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: err = %v, want ErrInvalidInput", i, err)
		}
	}
}

func TestSubmitSupersedesInFlightJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	firstRelease := make(chan struct{})
	h.transcriber.release = firstRelease
	h.transcriber.started = make(chan struct{})

	first, err := h.orch.Submit(SubmitRequest{TestID: "test-1", Segments: h.seedSegments(1)})
	if err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	<-h.transcriber.started

	h.transcriber.mu.Lock()
	h.transcriber.release = nil
	h.transcriber.mu.Unlock()
	second, err := h.orch.Submit(SubmitRequest{TestID: "test-1", Segments: h.seedSegments(1)})
	if err != nil {
		t.Fatalf("Submit second: %v", err)
	}

	superseded := waitForStatus(t, h, first.ID, datastore.JobStatusFailed)
	if !strings.Contains(superseded.LastError.String, "superseded") {
		t.Fatalf("last error = %q, want a superseded marker", superseded.LastError.String)
	}

	close(firstRelease)
	waitForStatus(t, h, second.ID, datastore.JobStatusCompleted)
}

func TestCancelDiscardsLateResult(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.evaluator.release = make(chan struct{})
	h.evaluator.started = make(chan struct{})

	job, err := h.orch.Submit(SubmitRequest{TestID: "test-1", Segments: h.seedSegments(1)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-h.evaluator.started

	if err := h.orch.Cancel(job.ID, "user request"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(h.evaluator.release)

	cancelled := waitForStatus(t, h, job.ID, datastore.JobStatusFailed)
	if !strings.Contains(cancelled.LastError.String, "cancelled: user request") {
		t.Fatalf("last error = %q, want the cancellation reason", cancelled.LastError.String)
	}
	// The scoring call was allowed to finish, but its result must not be
	// persisted over the cancellation.
	time.Sleep(50 * time.Millisecond)
	if _, err := h.results.GetResultForJob(job.ID); !errors.Is(err, datastore.ErrResultNotFound) {
		t.Fatalf("err = %v, want ErrResultNotFound", err)
	}
	// Partial transcription survives the cancel.
	final, _ := h.jobs.GetJob(job.ID)
	if len(final.Transcription) == 0 {
		t.Fatal("cancellation dropped the partial transcription")
	}
}

func TestCancelDuringTranscribeStaysFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.transcriber.release = make(chan struct{})
	h.transcriber.started = make(chan struct{})

	job, err := h.orch.Submit(SubmitRequest{TestID: "test-1", Segments: h.seedSegments(1)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-h.transcriber.started

	if err := h.orch.Cancel(job.ID, "user request"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(h.transcriber.release)

	cancelled := waitForStatus(t, h, job.ID, datastore.JobStatusFailed)
	if !strings.Contains(cancelled.LastError.String, "cancelled: user request") {
		t.Fatalf("last error = %q, want the cancellation reason", cancelled.LastError.String)
	}

	// The in-flight transcription finishes after the cancel; its progress
	// writes must bounce off the terminal row, not resurrect it.
	time.Sleep(50 * time.Millisecond)
	final, err := h.jobs.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Status != datastore.JobStatusFailed {
		t.Fatalf("cancelled job resurrected: status = %s", final.Status)
	}
	if !strings.Contains(final.LastError.String, "cancelled: user request") {
		t.Fatalf("cancellation reason overwritten: %q", final.LastError.String)
	}
	if n := h.evaluator.callCount(); n != 0 {
		t.Fatalf("evaluator called %d times after cancellation, want 0", n)
	}
	if _, err := h.orch.GetResult(job.ID); !errors.Is(err, datastore.ErrResultNotFound) {
		t.Fatalf("GetResult err = %v, want ErrResultNotFound", err)
	}
}

func TestTransientFailureRetriesThenFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) { cfg.MaxRetries = 2 })
	h.transcriber.err = errors.New("upstream timeout")

	job, err := h.orch.Submit(SubmitRequest{TestID: "test-1", Segments: h.seedSegments(1)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, h, job.ID, datastore.JobStatusFailed)
	if failed.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", failed.RetryCount)
	}
	if !strings.Contains(failed.LastError.String, "exhausted retries") {
		t.Fatalf("last error = %q, want an exhausted-retries marker", failed.LastError.String)
	}

	// A failed job at its retry ceiling can never re-enter processing.
	if err := h.orch.Retry(job.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("Retry after exhaustion = %v, want ErrNotRetryable", err)
	}
	current, _ := h.jobs.GetJob(job.ID)
	if current.Status != datastore.JobStatusFailed {
		t.Fatalf("status = %s, want failed to stick", current.Status)
	}
}

func TestRetryRecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) {
		cfg.MaxRetries = 5
		// Large backoff so the automatic retry does not race the manual one.
		cfg.RetryBackoffBase = time.Hour
	})
	h.transcriber.err = errors.New("upstream timeout")

	job, err := h.orch.Submit(SubmitRequest{TestID: "test-1", Segments: h.seedSegments(1)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, h, job.ID, datastore.JobStatusRetrying)

	h.transcriber.mu.Lock()
	h.transcriber.err = nil
	h.transcriber.mu.Unlock()

	// Manual retry is rejected while the job waits in retrying...
	if err := h.orch.Retry(job.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("Retry on retrying job = %v, want ErrNotRetryable", err)
	}
	// ...but Advance pushes it forward immediately.
	if err := h.orch.Advance(job.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	waitForStatus(t, h, job.ID, datastore.JobStatusCompleted)
}

func TestWatchdogMarksQuietJobsStale(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) {
		cfg.AutoRetryStale = false
		cfg.HeartbeatTimeout = time.Minute
	})

	// A processing job abandoned by a dead process: old heartbeat, no local
	// worker.
	job := &datastore.EvaluationJob{
		ID:          "orphan-1",
		TestID:      "test-9",
		Status:      datastore.JobStatusProcessing,
		Stage:       datastore.StageTranscribe,
		MaxRetries:  3,
		HeartbeatAt: time.Now().Add(-10 * time.Minute),
		CreatedAt:   time.Now().Add(-11 * time.Minute),
		UpdatedAt:   time.Now().Add(-10 * time.Minute),
	}
	if err := h.jobs.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	h.orch.sweep()

	got, _ := h.jobs.GetJob(job.ID)
	if got.Status != datastore.JobStatusStale {
		t.Fatalf("status = %s, want stale", got.Status)
	}

	// Stale jobs are retryable by the user.
	h.storage.Seed("audio/orphan.wav", []byte("payload"))
	got.FilePaths = map[string]string{"p1_q1_q1": "audio/orphan.wav"}
	if err := h.jobs.UpdateJob(got); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if err := h.orch.Retry(job.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	final := waitForStatus(t, h, job.ID, datastore.JobStatusCompleted)
	if final.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", final.RetryCount)
	}
}

func TestWatchdogNeverResurrectsTerminalJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	job, err := h.orch.Submit(SubmitRequest{TestID: "test-1", Segments: h.seedSegments(1)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, h, job.ID, datastore.JobStatusCompleted)

	// A late heartbeat touch must not bring the job back.
	if err := h.jobs.TouchHeartbeat(job.ID, time.Now()); err != nil {
		t.Fatalf("TouchHeartbeat: %v", err)
	}
	h.orch.sweep()
	got, _ := h.jobs.GetJob(job.ID)
	if got.Status != datastore.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}

func TestAdvanceIsIdempotentOnTerminalJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	job, err := h.orch.Submit(SubmitRequest{TestID: "test-1", Segments: h.seedSegments(2)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, h, job.ID, datastore.JobStatusCompleted)

	callsBefore := h.transcriber.callCount()
	for i := 0; i < 3; i++ {
		if err := h.orch.Advance(job.ID); err != nil {
			t.Fatalf("Advance: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if got := h.transcriber.callCount(); got != callsBefore {
		t.Fatalf("transcriber calls grew from %d to %d on a completed job", callsBefore, got)
	}
	if got := h.evaluator.callCount(); got != 1 {
		t.Fatalf("evaluator calls = %d, want 1", got)
	}
}

func TestNoAudioCapturedFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.storage.Seed("audio/empty.wav", []byte{})
	job, err := h.orch.Submit(SubmitRequest{TestID: "test-1", Segments: []reconciler.AudioSegment{{
		PartNumber: 1, QuestionNumber: 1, QuestionID: "q1", StorageRef: "audio/empty.wav",
	}}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, h, job.ID, datastore.JobStatusFailed)
	if !strings.Contains(failed.LastError.String, "no audio captured") {
		t.Fatalf("last error = %q, want a no-audio marker", failed.LastError.String)
	}
	if failed.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0 for a non-retryable failure", failed.RetryCount)
	}
}

func TestNotifierStreamsJobLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	events, unsubscribe := h.orch.Notifier().Subscribe("")
	defer unsubscribe()

	job, err := h.orch.Submit(SubmitRequest{TestID: "test-1", Segments: h.seedSegments(1)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.After(5 * time.Second)
	sawProcessing := false
	for {
		select {
		case e := <-events:
			if e.JobID != job.ID {
				continue
			}
			if e.Status == datastore.JobStatusProcessing {
				sawProcessing = true
			}
			if e.Status == datastore.JobStatusCompleted {
				if !sawProcessing {
					t.Fatal("completed event arrived without any processing event")
				}
				if e.Progress != 1.0 {
					t.Fatalf("completion progress = %.2f, want 1.0", e.Progress)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for lifecycle events")
		}
	}
}
