package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kinetiq/flowline/internal/store"
	"github.com/kinetiq/flowline/pkg/schema"
)

// handleExecute starts a workflow execution and returns its initial record.
// The execution itself runs on the worker pool; poll flowline.status for
// completion.
func (s *FlowlineServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := s.resolveDefinition(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	input := mcp.ParseStringMap(req, "input", nil)
	if input == nil {
		input = map[string]any{}
	}

	if inputErr := s.validator.ValidateInput(def, input); inputErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("input validation failed: %v", inputErr)), nil
	}

	var opts schema.ExecuteOptions
	if raw := mcp.ParseStringMap(req, "options", nil); raw != nil {
		if err := remarshal(raw, &opts); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid options: %v", err)), nil
		}
	}

	exec, execErr := s.executor.Execute(ctx, def, input, opts)
	if execErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execute failed: %v", execErr)), nil
	}

	return marshalResult(exec)
}

// handleStatus returns the execution record together with its step records.
func (s *FlowlineServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, steps, statusErr := s.executor.Status(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	return marshalResult(map[string]any{
		"execution": exec,
		"steps":     steps,
	})
}

// handleCancel flags a live execution for cancellation.
func (s *FlowlineServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if cancelErr := s.executor.Cancel(ctx, executionID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
	})
}

// handleEstimate prices a run without invoking any capability.
func (s *FlowlineServer) handleEstimate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := s.resolveDefinition(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	input := mcp.ParseStringMap(req, "input", nil)
	estimate, estErr := s.estimator.Estimate(def, input)
	if estErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("estimate failed: %v", estErr)), nil
	}

	return marshalResult(estimate)
}

// handleDefine validates and registers a workflow definition. Re-defining an
// existing ID replaces it.
func (s *FlowlineServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	var def schema.WorkflowDefinition
	if err := remarshal(raw, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	if valErr := s.validator.ValidateDefinition(&def); valErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition validation failed: %v", valErr)), nil
	}

	now := time.Now().UTC()
	record := &store.Definition{
		ID:         def.ID,
		Name:       def.Name,
		Definition: def,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if saveErr := s.definitions.SaveDefinition(ctx, record); saveErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save definition: %v", saveErr)), nil
	}

	s.logger.Info("definition registered", "workflow_id", def.ID)
	return marshalResult(map[string]any{
		"id":   def.ID,
		"name": def.Name,
	})
}

// resolveDefinition loads a registered definition by workflow_id or parses
// the inline definition object. Exactly one of the two must be supplied.
func (s *FlowlineServer) resolveDefinition(ctx context.Context, req mcp.CallToolRequest) (*schema.WorkflowDefinition, error) {
	workflowID := req.GetString("workflow_id", "")
	inline := mcp.ParseStringMap(req, "definition", nil)

	switch {
	case workflowID != "" && inline != nil:
		return nil, fmt.Errorf("provide workflow_id or definition, not both")

	case workflowID != "":
		record, err := s.definitions.GetDefinition(ctx, workflowID)
		if err != nil {
			return nil, fmt.Errorf("definition lookup failed: %w", err)
		}
		return &record.Definition, nil

	case inline != nil:
		var def schema.WorkflowDefinition
		if err := remarshal(inline, &def); err != nil {
			return nil, fmt.Errorf("invalid definition: %w", err)
		}
		if err := s.validator.ValidateDefinition(&def); err != nil {
			return nil, fmt.Errorf("definition validation failed: %w", err)
		}
		return &def, nil

	default:
		return nil, fmt.Errorf("workflow_id or definition is required")
	}
}

// remarshal converts a loosely typed map into a concrete struct.
func remarshal(src any, dst any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
