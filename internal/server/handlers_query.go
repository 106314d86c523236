package server

import (
	"net/http"

	"github.com/ashita-ai/xray/internal/model"
	"github.com/ashita-ai/xray/internal/service/query"
)

// HandleHighRejection handles GET /v1/query/high-rejection.
func (h *Handlers) HandleHighRejection(w http.ResponseWriter, r *http.Request) {
	threshold, err := queryFloat(r, "threshold", model.DefaultRejectionThreshold)
	if err != nil {
		h.writeServiceError(w, r, "invalid request", err)
		return
	}
	limit, err := queryInt(r, "limit", query.DefaultLimit)
	if err != nil {
		h.writeServiceError(w, r, "invalid request", err)
		return
	}
	limit = query.ClampLimit(limit)

	rows, err := h.querier.HighRejectionSteps(r.Context(), threshold, limit)
	if err != nil {
		h.writeServiceError(w, r, "high rejection query", err)
		return
	}
	writeList(w, r, rows, len(rows), limit)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := pathID(r, "run_id")
	if err != nil {
		h.writeServiceError(w, r, "invalid request", err)
		return
	}
	run, err := h.querier.GetRun(r.Context(), runID)
	if err != nil {
		h.writeServiceError(w, r, "run "+runID, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", query.DefaultLimit)
	if err != nil {
		h.writeServiceError(w, r, "invalid request", err)
		return
	}
	f := model.RunFilter{
		PipelineName: r.URL.Query().Get("pipeline"),
		Status:       model.RunStatus(r.URL.Query().Get("status")),
		Limit:        query.ClampLimit(limit),
	}
	switch f.Status {
	case "", model.RunStatusRunning, model.RunStatusSuccess, model.RunStatusError:
	default:
		h.writeServiceError(w, r, "invalid request",
			invalidParam("status", "status must be one of [running success error]"))
		return
	}

	runs, err := h.querier.ListRuns(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, r, "list runs", err)
		return
	}
	writeList(w, r, runs, len(runs), f.Limit)
}

// HandleGetStep handles GET /v1/steps/{step_id}.
func (h *Handlers) HandleGetStep(w http.ResponseWriter, r *http.Request) {
	stepID, err := pathID(r, "step_id")
	if err != nil {
		h.writeServiceError(w, r, "invalid request", err)
		return
	}
	step, err := h.querier.GetStep(r.Context(), stepID)
	if err != nil {
		h.writeServiceError(w, r, "step "+stepID, err)
		return
	}
	writeJSON(w, r, http.StatusOK, step)
}

// HandleListSteps handles GET /v1/steps.
func (h *Handlers) HandleListSteps(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", query.DefaultLimit)
	if err != nil {
		h.writeServiceError(w, r, "invalid request", err)
		return
	}
	q := r.URL.Query()
	f := model.StepFilter{
		RunID: q.Get("run_id"),
		Type:  model.StepType(q.Get("type")),
		Name:  q.Get("name"),
		Limit: query.ClampLimit(limit),
	}
	if f.Type != "" && !f.Type.Valid() {
		h.writeServiceError(w, r, "invalid request",
			invalidParam("type", "type must be one of [generate filter rank select]"))
		return
	}

	steps, err := h.querier.ListSteps(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, r, "list steps", err)
		return
	}
	writeList(w, r, steps, len(steps), f.Limit)
}
