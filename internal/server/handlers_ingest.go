package server

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/xray/internal/model"
)

// Every write endpoint validates its body, enqueues exactly one job and
// answers 202. Nothing here touches the entity store.

// HandleCreateRun handles POST /v1/runs.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req model.CreateRunRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("xray.run_id", req.ID),
		attribute.String("xray.pipeline", req.PipelineName),
	)
	h.accept(w, r, model.JobCreateRun, req.ToRun(h.now().UTC()))
}

// HandleEndRun handles POST /v1/runs/{run_id}/end.
func (h *Handlers) HandleEndRun(w http.ResponseWriter, r *http.Request) {
	runID, err := pathID(r, "run_id")
	if err != nil {
		h.writeServiceError(w, r, "invalid request", err)
		return
	}
	var req model.EndRunRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	end := model.RunEnd{RunID: runID, Status: req.Status, EndedAt: h.now().UTC()}
	if req.EndedAt != nil {
		end.EndedAt = *req.EndedAt
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("xray.run_id", runID))
	h.accept(w, r, model.JobUpdateRun, end)
}

// HandleCreateStep handles POST /v1/steps.
func (h *Handlers) HandleCreateStep(w http.ResponseWriter, r *http.Request) {
	var req model.CreateStepRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("xray.run_id", req.RunID),
		attribute.String("xray.step_id", req.ID),
	)
	h.accept(w, r, model.JobCreateStep, req.ToStepWrite())
}

// HandleStepSummary handles POST /v1/steps/{step_id}/summary.
func (h *Handlers) HandleStepSummary(w http.ResponseWriter, r *http.Request) {
	stepID, err := pathID(r, "step_id")
	if err != nil {
		h.writeServiceError(w, r, "invalid request", err)
		return
	}
	var req model.StepSummaryRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("xray.step_id", stepID))
	h.accept(w, r, model.JobUpdateStepSummary, req.ToSummaryWrite(stepID))
}

// HandleCreateCandidate handles POST /v1/steps/{step_id}/candidates.
func (h *Handlers) HandleCreateCandidate(w http.ResponseWriter, r *http.Request) {
	stepID, err := pathID(r, "step_id")
	if err != nil {
		h.writeServiceError(w, r, "invalid request", err)
		return
	}
	var req model.CreateCandidateRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	h.accept(w, r, model.JobCreateCandidate, model.CandidateWrite{
		Candidate: req.ToCandidate(stepID),
		RunID:     req.RunID,
	})
}

// HandleCreateCandidatesBulk handles POST /v1/steps/{step_id}/candidates/bulk.
// A single invalid entry rejects the whole batch; the error details name
// each offending index.
func (h *Handlers) HandleCreateCandidatesBulk(w http.ResponseWriter, r *http.Request) {
	stepID, err := pathID(r, "step_id")
	if err != nil {
		h.writeServiceError(w, r, "invalid request", err)
		return
	}
	var req model.CreateCandidatesBulkRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("xray.step_id", stepID),
		attribute.Int("xray.candidates", len(req.Candidates)),
	)
	h.accept(w, r, model.JobCreateCandidatesBulk, req.ToCandidateBatch(stepID))
}

// decodeAndValidate decodes the body into req and runs struct validation,
// writing the 4xx response itself on failure.
func (h *Handlers) decodeAndValidate(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := decodeJSON(w, r, req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return false
	}
	if err := h.validator.Struct(req); err != nil {
		h.writeServiceError(w, r, "invalid request", err)
		return false
	}
	return true
}

// accept enqueues one job and answers 202.
func (h *Handlers) accept(w http.ResponseWriter, r *http.Request, jobType model.JobType, payload any) {
	job, err := h.queue.Enqueue(r.Context(), jobType, payload)
	if err != nil {
		h.writeServiceError(w, r, "enqueue "+string(jobType), err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("xray.job_id", job.ID),
		attribute.String("xray.job_type", string(jobType)),
	)
	writeJSON(w, r, http.StatusAccepted, model.AcceptedResponse{
		JobID:   job.ID,
		JobType: jobType,
		Status:  "accepted",
	})
}
