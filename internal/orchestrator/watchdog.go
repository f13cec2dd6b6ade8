package orchestrator

import (
	"time"

	"spoken-eval-platform/internal/datastore"
)

// watchdog periodically sweeps for processing jobs whose heartbeat went
// quiet and transitions them to stale.
func (o *Orchestrator) watchdog() {
	interval := o.cfg.WatchdogInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.baseCtx.Done():
			return
		case <-ticker.C:
			o.sweep()
		}
	}
}

// sweep marks heartbeat-expired processing jobs stale and, when configured,
// retries the ones with remaining budget. Jobs actively running in this
// process are skipped; their heartbeat loop keeps them fresh.
func (o *Orchestrator) sweep() {
	cutoff := o.now().Add(-o.cfg.HeartbeatTimeout)
	stale, err := o.jobs.StaleProcessingJobs(cutoff)
	if err != nil {
		o.log.Error().Err(err).Msg("watchdog scan failed")
		return
	}
	for _, job := range stale {
		o.mu.Lock()
		_, active := o.running[job.ID]
		o.mu.Unlock()
		if active {
			continue
		}

		job.Status = datastore.JobStatusStale
		job.UpdatedAt = o.now()
		if err := o.jobs.UpdateJob(job); err != nil {
			o.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark job stale")
			continue
		}
		o.log.Warn().Str("job_id", job.ID).Time("heartbeat_at", job.HeartbeatAt).
			Msg("job heartbeat expired, marked stale")
		o.publish(job, stageProgress(job.Stage, 0), "heartbeat expired")

		if o.cfg.AutoRetryStale && job.RetryCount < job.MaxRetries {
			if err := o.Retry(job.ID); err != nil {
				o.log.Warn().Err(err).Str("job_id", job.ID).Msg("auto-retry of stale job failed")
			}
		}
	}
}
