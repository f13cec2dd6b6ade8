package apigateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"spoken-eval-platform/internal/datastore"
	"spoken-eval-platform/internal/logging"
	"spoken-eval-platform/internal/orchestrator"
	"spoken-eval-platform/internal/quotapool"
	"spoken-eval-platform/internal/reconciler"
)

// API holds the handler dependencies.
type API struct {
	orch *orchestrator.Orchestrator
	pool *quotapool.Pool
	log  zerolog.Logger
}

// NewAPI wires the handlers.
func NewAPI(orch *orchestrator.Orchestrator, pool *quotapool.Pool) *API {
	return &API{orch: orch, pool: pool, log: logging.New("apigateway")}
}

// Health reports liveness.
func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// SubmitJobRequest is the job submission payload.
type SubmitJobRequest struct {
	TestID   string `json:"test_id" binding:"required"`
	UserID   string `json:"user_id"`
	Segments []struct {
		PartNumber     int     `json:"part_number" binding:"required"`
		QuestionNumber int     `json:"question_number" binding:"required"`
		QuestionID     string  `json:"question_id" binding:"required"`
		StorageRef     string  `json:"storage_ref" binding:"required"`
		DurationSec    float64 `json:"duration_sec"`
	} `json:"segments" binding:"required,min=1"`
}

// SubmitJob enqueues an evaluation job for a test submission.
func (a *API) SubmitJob(c *gin.Context) {
	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload: " + err.Error()})
		return
	}

	submit := orchestrator.SubmitRequest{TestID: req.TestID, UserID: req.UserID}
	for _, s := range req.Segments {
		submit.Segments = append(submit.Segments, reconciler.AudioSegment{
			PartNumber:     s.PartNumber,
			QuestionNumber: s.QuestionNumber,
			QuestionID:     s.QuestionID,
			StorageRef:     s.StorageRef,
			DurationSec:    s.DurationSec,
		})
	}

	job, err := a.orch.Submit(submit)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		a.log.Error().Err(err).Str("test_id", req.TestID).Msg("job submission failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit job"})
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// GetJob returns the current job record.
func (a *API) GetJob(c *gin.Context) {
	job, err := a.orch.GetJob(c.Param("id"))
	if err != nil {
		if errors.Is(err, datastore.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// GetJobResult returns the persisted evaluation result of a completed job.
func (a *API) GetJobResult(c *gin.Context) {
	jobID := c.Param("id")
	result, err := a.orch.GetResult(jobID)
	if err != nil {
		switch {
		case errors.Is(err, datastore.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		case errors.Is(err, datastore.ErrResultNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "result not available yet"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":  result.JobID,
		"test_id": result.TestID,
		"result":  json.RawMessage(result.Payload),
	})
}

// CancelJobRequest carries the optional cancellation reason.
type CancelJobRequest struct {
	Reason string `json:"reason"`
}

// CancelJob stops an in-flight job.
func (a *API) CancelJob(c *gin.Context) {
	var req CancelJobRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "requested by caller"
	}

	if err := a.orch.Cancel(c.Param("id"), req.Reason); err != nil {
		if errors.Is(err, datastore.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel job"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// RetryJob re-enqueues a stale or failed job.
func (a *API) RetryJob(c *gin.Context) {
	err := a.orch.Retry(c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "retrying"})
	case errors.Is(err, datastore.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, orchestrator.ErrNotRetryable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retry job"})
	}
}

// StreamJobEvents pushes job status changes as server-sent events until the
// job reaches a terminal state or the client disconnects.
func (a *API) StreamJobEvents(c *gin.Context) {
	jobID := c.Param("id")
	job, err := a.orch.GetJob(jobID)
	if err != nil {
		if errors.Is(err, datastore.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}

	events, unsubscribe := a.orch.Notifier().Subscribe(jobID)
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// Send the current state first so a late subscriber is never blind.
	initial := orchestrator.Event{JobID: job.ID, Status: job.Status, Stage: job.Stage}
	c.SSEvent("status", initial)
	c.Writer.Flush()
	if job.Status.Terminal() {
		return
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case e, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("status", e)
			return !e.Status.Terminal()
		case <-c.Request.Context().Done():
			return false
		}
	})
}
