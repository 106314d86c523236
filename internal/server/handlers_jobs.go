package server

import (
	"net/http"

	"github.com/ashita-ai/xray/internal/model"
	"github.com/ashita-ai/xray/internal/queue"
)

const defaultDeadLetterLimit = 50

// HandleListDeadLetters handles GET /v1/jobs/dead.
func (h *Handlers) HandleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultDeadLetterLimit)
	if err != nil {
		h.writeServiceError(w, r, "invalid request", err)
		return
	}
	limit = min(max(limit, 1), 1000)
	f := queue.DeadLetterFilter{
		Type:  model.JobType(r.URL.Query().Get("type")),
		Limit: limit,
	}
	jobs, err := h.queue.DeadLetters(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, r, "list dead letters", err)
		return
	}
	writeList(w, r, jobs, len(jobs), limit)
}

// HandleRetryJob handles POST /v1/jobs/{job_id}/retry.
func (h *Handlers) HandleRetryJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathID(r, "job_id")
	if err != nil {
		h.writeServiceError(w, r, "invalid request", err)
		return
	}
	if err := h.queue.Retry(r.Context(), jobID); err != nil {
		h.writeServiceError(w, r, "dead job "+jobID, err)
		return
	}
	h.logger.Info("dead job requeued", "job_id", jobID, "request_id", RequestIDFromContext(r.Context()))
	writeJSON(w, r, http.StatusOK, map[string]string{
		"job_id": jobID,
		"status": string(queue.StatusPending),
	})
}

// HandleJobStats handles GET /v1/jobs/stats.
func (h *Handlers) HandleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "job stats", err)
		return
	}
	out := make(map[string]int, 4)
	for _, s := range []queue.Status{queue.StatusPending, queue.StatusActive, queue.StatusCompleted, queue.StatusDead} {
		out[string(s)] = stats[s]
	}
	writeJSON(w, r, http.StatusOK, out)
}
