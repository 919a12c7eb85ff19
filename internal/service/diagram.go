package service

import (
	"context"

	"github.com/rendis/chainflow/internal/diagram"
	"github.com/rendis/chainflow/pkg/schema"
)

// DiagramRequest selects the workflow revision to draw. With ExecutionID set,
// the revision comes from that execution and its step states are overlaid.
type DiagramRequest struct {
	WorkflowID  string
	Revision    int
	ExecutionID string
}

// Diagram builds the drawable model of a stored workflow.
func (s *Service) Diagram(ctx context.Context, req DiagramRequest) (*diagram.DiagramModel, error) {
	if req.ExecutionID == "" {
		def, err := s.Workflow(ctx, req.WorkflowID, req.Revision)
		if err != nil {
			return nil, err
		}
		return diagram.Build(def, nil)
	}

	exec, err := s.Execution(ctx, req.ExecutionID)
	if err != nil {
		return nil, err
	}
	if exec.WorkflowID != req.WorkflowID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"execution %s does not belong to workflow %s", req.ExecutionID, req.WorkflowID)
	}
	def, err := s.Workflow(ctx, exec.WorkflowID, exec.Revision)
	if err != nil {
		return nil, err
	}
	states, err := s.eventLog.ReplaySteps(ctx, exec.ID)
	if err != nil {
		return nil, storeError("replay steps", err)
	}
	return diagram.Build(def, states)
}
