package mcp

import (
	"context"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/xray/internal/model"
	"github.com/ashita-ai/xray/internal/service/query"
	"github.com/ashita-ai/xray/internal/storage"
)

func (s *Server) registerTools() {
	// xray_high_rejection: the cross-pipeline filter question.
	s.mcpServer.AddTool(
		mcplib.NewTool("xray_high_rejection",
			mcplib.WithDescription(`Find filter steps, in any pipeline, that rejected more than a given share of their candidates.

WHEN TO USE: When a pipeline returns poor or empty results and you suspect
an over-aggressive filter. Works across every pipeline at once because all
filter steps report the same rejected/accepted summary.

WHAT YOU GET BACK: one row per filter step with its pipeline name, step
name, rejected and accepted counts and rejection_rate, highest rate first.

EXAMPLE: threshold=0.9 lists filters that dropped more than 90% of inputs.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("threshold",
				mcplib.Description("Rejection rate a step must exceed, between 0 and 1"),
				mcplib.Min(0),
				mcplib.Max(1),
				mcplib.DefaultNumber(model.DefaultRejectionThreshold),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of steps to return"),
				mcplib.Min(1),
				mcplib.Max(query.MaxLimit),
				mcplib.DefaultNumber(query.DefaultLimit),
			),
		),
		s.handleHighRejection,
	)

	// xray_get_run: one run with its steps.
	s.mcpServer.AddTool(
		mcplib.NewTool("xray_get_run",
			mcplib.WithDescription("Fetch a pipeline run with every step recorded for it, including each step's summary."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run identifier"), mcplib.Required()),
		),
		s.handleGetRun,
	)

	// xray_get_step: one step with its candidates.
	s.mcpServer.AddTool(
		mcplib.NewTool("xray_get_step",
			mcplib.WithDescription("Fetch a step with its summary and the per-candidate decisions recorded for it."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("step_id", mcplib.Description("Step identifier"), mcplib.Required()),
		),
		s.handleGetStep,
	)

	// xray_list_steps: filtered step listing.
	s.mcpServer.AddTool(
		mcplib.NewTool("xray_list_steps",
			mcplib.WithDescription("List steps, optionally narrowed to one run, one step type or one step name."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Only steps of this run")),
			mcplib.WithString("type",
				mcplib.Description("Only steps of this type"),
				mcplib.Enum(string(model.StepTypeGenerate), string(model.StepTypeFilter), string(model.StepTypeRank), string(model.StepTypeSelect)),
			),
			mcplib.WithString("name", mcplib.Description("Only steps with this name")),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of steps to return"),
				mcplib.Min(1),
				mcplib.Max(query.MaxLimit),
				mcplib.DefaultNumber(query.DefaultLimit),
			),
		),
		s.handleListSteps,
	)
}

func (s *Server) handleHighRejection(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	threshold := request.GetFloat("threshold", model.DefaultRejectionThreshold)
	limit := request.GetInt("limit", query.DefaultLimit)

	rows, err := s.querier.HighRejectionSteps(ctx, threshold, limit)
	if err != nil {
		return s.queryError("high rejection query", err), nil
	}
	return jsonResult(map[string]any{
		"steps":     rows,
		"threshold": threshold,
		"total":     len(rows),
	})
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	if runID == "" {
		return errorResult("run_id is required"), nil
	}
	run, err := s.querier.GetRun(ctx, runID)
	if err != nil {
		return s.queryError("run "+runID, err), nil
	}
	return jsonResult(run)
}

func (s *Server) handleGetStep(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	stepID := request.GetString("step_id", "")
	if stepID == "" {
		return errorResult("step_id is required"), nil
	}
	step, err := s.querier.GetStep(ctx, stepID)
	if err != nil {
		return s.queryError("step "+stepID, err), nil
	}
	return jsonResult(step)
}

func (s *Server) handleListSteps(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	f := model.StepFilter{
		RunID: request.GetString("run_id", ""),
		Type:  model.StepType(request.GetString("type", "")),
		Name:  request.GetString("name", ""),
		Limit: request.GetInt("limit", query.DefaultLimit),
	}
	if f.Type != "" && !f.Type.Valid() {
		return errorResult(fmt.Sprintf("unknown step type %q", f.Type)), nil
	}
	steps, err := s.querier.ListSteps(ctx, f)
	if err != nil {
		return s.queryError("list steps", err), nil
	}
	return jsonResult(map[string]any{
		"steps": steps,
		"total": len(steps),
	})
}

// queryError turns a query failure into a tool error the agent can read.
// Unexpected errors are logged and reported without their internals.
func (s *Server) queryError(what string, err error) *mcplib.CallToolResult {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		return errorResult(verr.Error())
	case errors.Is(err, storage.ErrNotFound):
		return errorResult(what + ": not found")
	case errors.Is(err, storage.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return errorResult(what + ": store unavailable, try again")
	default:
		s.logger.Error("mcp query failed", "query", what, "error", err)
		return errorResult(what + ": internal error")
	}
}
