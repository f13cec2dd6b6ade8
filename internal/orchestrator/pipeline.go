package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"spoken-eval-platform/internal/datastore"
	"spoken-eval-platform/internal/reconciler"
)

// pipeline runs the remaining stages for a job. Each stage checks its own
// completion marker first, so re-running a partially finished job only does
// the missing work.
func (o *Orchestrator) pipeline(ctx context.Context, job *datastore.EvaluationJob) error {
	var partials jobPartials
	if len(job.PartialResults) > 0 {
		if err := json.Unmarshal(job.PartialResults, &partials); err != nil {
			return fmt.Errorf("failed to decode job partials: %w", err)
		}
	}
	if len(partials.Segments) == 0 {
		// Older rows carry only the file-path map; rebuild segment metadata
		// from the keys.
		for key, ref := range job.FilePaths {
			part, q, qid, err := reconciler.ParseSegmentKey(key)
			if err != nil {
				return fmt.Errorf("job %s: %w", job.ID, err)
			}
			partials.Segments = append(partials.Segments, reconciler.AudioSegment{
				SegmentKey:     key,
				PartNumber:     part,
				QuestionNumber: q,
				QuestionID:     qid,
				StorageRef:     ref,
			})
		}
		reconciler.SortSegments(partials.Segments)
	}

	if err := o.preprocessStage(ctx, job, &partials); err != nil {
		return err
	}
	if err := o.transcribeStage(ctx, job, &partials); err != nil {
		return err
	}
	if err := o.evaluateStage(ctx, job, &partials); err != nil {
		return err
	}
	return o.finalize(job)
}

// preprocessStage downloads each segment, trims silence, and stores the
// trimmed audio back. Marker: a trimmed-audio reference per segment key.
func (o *Orchestrator) preprocessStage(ctx context.Context, job *datastore.EvaluationJob, partials *jobPartials) error {
	if partials.Preprocessed == nil {
		partials.Preprocessed = map[string]string{}
	}
	if partials.TrimStats == nil {
		partials.TrimStats = map[string]trimStat{}
	}
	total := len(partials.Segments)
	if len(partials.Preprocessed) >= total {
		return nil
	}

	processed, empties := 0, 0
	for i := range partials.Segments {
		seg := &partials.Segments[i]
		if _, done := partials.Preprocessed[seg.SegmentKey]; done {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		o.setStage(job, datastore.StageDownload, float64(i)/float64(total))
		dctx, dcancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		raw, err := o.storage.Get(dctx, seg.StorageRef)
		dcancel()
		if err != nil {
			return fmt.Errorf("download segment %s: %w", seg.SegmentKey, err)
		}
		processed++
		if len(raw) == 0 {
			empties++
			partials.Preprocessed[seg.SegmentKey] = seg.StorageRef
			if err := o.savePartials(job, partials); err != nil {
				return err
			}
			continue
		}

		o.setStage(job, datastore.StagePreprocess, float64(i)/float64(total))
		trimmed := o.trimmer.Trim(raw)
		pctx, pcancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		ref, err := o.storage.Put(pctx, seg.SegmentKey+".wav", trimmed.Audio, "audio/wav")
		pcancel()
		if err != nil {
			return fmt.Errorf("store trimmed segment %s: %w", seg.SegmentKey, err)
		}

		partials.Preprocessed[seg.SegmentKey] = ref
		partials.TrimStats[seg.SegmentKey] = trimStat{
			LeadingMsTrimmed:   trimmed.LeadingMsTrimmed,
			TrailingMsTrimmed:  trimmed.TrailingMsTrimmed,
			OriginalDurationMs: trimmed.OriginalDurationMs,
			DurationMs:         trimmed.DurationMs,
		}
		if seg.DurationSec == 0 {
			seg.DurationSec = float64(trimmed.DurationMs) / 1000
		}
		if err := o.savePartials(job, partials); err != nil {
			return err
		}
	}

	if processed == total && empties == total {
		return errNoAudioCaptured
	}
	return nil
}

// transcribeStage runs the dual-engine reconciler per segment, in the
// stable part/question order. Marker: the job's transcription payload.
func (o *Orchestrator) transcribeStage(ctx context.Context, job *datastore.EvaluationJob, partials *jobPartials) error {
	if len(job.Transcription) > 0 {
		return nil
	}

	done := make(map[string]bool, len(partials.Merged))
	for _, m := range partials.Merged {
		done[m.SegmentKey] = true
	}

	total := len(partials.Segments)
	for i, seg := range partials.Segments {
		if done[seg.SegmentKey] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		o.setStage(job, datastore.StageTranscribe, float64(i)/float64(total))

		ref := partials.Preprocessed[seg.SegmentKey]
		if ref == "" {
			ref = seg.StorageRef
		}
		gctx, gcancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		audio, err := o.storage.Get(gctx, ref)
		gcancel()
		if err != nil {
			return fmt.Errorf("load trimmed segment %s: %w", seg.SegmentKey, err)
		}

		tctx, tcancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		merged, err := o.transcriber.TranscribeSegment(tctx, job.ID, seg, audio, o.cfg.LanguageHint)
		tcancel()
		if err != nil {
			return fmt.Errorf("transcribe segment %s: %w", seg.SegmentKey, err)
		}

		partials.Merged = append(partials.Merged, *merged)
		if err := o.savePartials(job, partials); err != nil {
			return err
		}
	}

	reconciler.SortMerged(partials.Merged)
	transcription, err := json.Marshal(partials.Merged)
	if err != nil {
		return fmt.Errorf("failed to marshal merged transcription: %w", err)
	}
	job.Transcription = transcription
	job.UpdatedAt = o.now()
	if err := o.jobs.UpdateJobIfActive(job); err != nil {
		return fmt.Errorf("failed to persist transcription: %w", err)
	}
	return nil
}

// evaluateStage scores the merged transcripts and persists the result.
// Marker: the job's result reference.
func (o *Orchestrator) evaluateStage(ctx context.Context, job *datastore.EvaluationJob, partials *jobPartials) error {
	if job.ResultID.Valid {
		return nil
	}

	var merged []reconciler.MergedSegment
	if err := json.Unmarshal(job.Transcription, &merged); err != nil {
		return fmt.Errorf("failed to decode merged transcription: %w", err)
	}

	o.setStage(job, datastore.StageEvaluate, 0)
	ectx, ecancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	result, err := o.evaluator.Evaluate(ectx, job.ID, merged)
	ecancel()
	if err != nil {
		return fmt.Errorf("evaluate job %s: %w", job.ID, err)
	}
	// A result computed after cancellation is discarded, never persisted
	// over the cancelled state.
	if err := ctx.Err(); err != nil {
		return err
	}

	o.setStage(job, datastore.StagePersist, 0)
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal evaluation result: %w", err)
	}
	fresh, err := o.jobs.GetJob(job.ID)
	if err != nil {
		return err
	}
	if fresh.Status.Terminal() {
		return context.Canceled
	}

	stored := &datastore.StoredResult{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		TestID:    job.TestID,
		Payload:   payload,
		CreatedAt: o.now(),
	}
	if err := o.results.CreateResult(stored); err != nil {
		return fmt.Errorf("failed to persist evaluation result: %w", err)
	}
	job.ResultID = nullString(stored.ID)
	job.UpdatedAt = o.now()
	if err := o.jobs.UpdateJobIfActive(job); err != nil {
		return fmt.Errorf("failed to attach result to job: %w", err)
	}
	return nil
}

// finalize marks the job completed.
func (o *Orchestrator) finalize(job *datastore.EvaluationJob) error {
	now := o.now()
	job.Status = datastore.JobStatusCompleted
	job.Stage = datastore.StagePersist
	job.CompletedAt = nullTime(now)
	job.UpdatedAt = now
	if err := o.jobs.UpdateJobIfActive(job); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	o.log.Info().Str("job_id", job.ID).Str("test_id", job.TestID).Msg("job completed")
	o.publish(job, 1.0, "")
	return nil
}

// setStage records the current sub-stage and pushes a progress event. Store
// failures here are logged, not fatal: progress bookkeeping must not sink a
// healthy pipeline. A job that has gone terminal underneath us gets no
// stage write and no event; the next persisting call aborts the pipeline.
func (o *Orchestrator) setStage(job *datastore.EvaluationJob, stage datastore.JobStage, frac float64) {
	job.Stage = stage
	job.UpdatedAt = o.now()
	if err := o.jobs.UpdateJobIfActive(job); err != nil {
		if errors.Is(err, datastore.ErrJobNotActive) {
			return
		}
		o.log.Warn().Err(err).Str("job_id", job.ID).Str("stage", string(stage)).Msg("failed to persist stage")
	}
	o.publish(job, stageProgress(stage, frac), "")
}

// savePartials persists the resumable intermediate state.
func (o *Orchestrator) savePartials(job *datastore.EvaluationJob, partials *jobPartials) error {
	data, err := json.Marshal(partials)
	if err != nil {
		return fmt.Errorf("failed to marshal job partials: %w", err)
	}
	job.PartialResults = data
	job.UpdatedAt = o.now()
	if err := o.jobs.UpdateJobIfActive(job); err != nil {
		return fmt.Errorf("failed to persist job partials: %w", err)
	}
	return nil
}

func (o *Orchestrator) publish(job *datastore.EvaluationJob, progress float64, message string) {
	if o.notifier == nil {
		return
	}
	o.notifier.Publish(Event{
		JobID:    job.ID,
		Status:   job.Status,
		Stage:    job.Stage,
		Progress: progress,
		Message:  message,
	})
}

// stageProgress maps a stage plus its internal fraction onto the 0..1 job
// progress scale.
func stageProgress(stage datastore.JobStage, frac float64) float64 {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	switch stage {
	case datastore.StageDownload:
		return 0.05 + 0.05*frac
	case datastore.StagePreprocess:
		return 0.10 + 0.15*frac
	case datastore.StageTranscribe:
		return 0.25 + 0.50*frac
	case datastore.StageEvaluate:
		return 0.75 + 0.20*frac
	case datastore.StagePersist:
		return 0.95
	default:
		return 0.02
	}
}
