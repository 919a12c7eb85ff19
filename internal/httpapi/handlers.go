package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rendis/chainflow/internal/diagram"
	"github.com/rendis/chainflow/internal/service"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// handleDefine validates and stores a new workflow revision.
func (s *Server) handleDefine(c echo.Context) error {
	var def schema.WorkflowDefinition
	if err := json.NewDecoder(c.Request().Body).Decode(&def); err != nil {
		return badRequest("invalid workflow JSON", err)
	}
	res, err := s.svc.Define(c.Request().Context(), &def)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

func (s *Server) handleListWorkflows(c echo.Context) error {
	var filter store.WorkflowFilter
	err := echo.QueryParamsBinder(c).
		String("organization_id", &filter.OrganizationID).
		Int("limit", &filter.Limit).
		Int("offset", &filter.Offset).
		BindError()
	if err != nil {
		return badRequest("invalid query", err)
	}
	list, err := s.svc.Workflows(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"workflows": list})
}

func (s *Server) handleGetWorkflow(c echo.Context) error {
	revision, err := revisionParam(c)
	if err != nil {
		return err
	}
	def, err := s.svc.Workflow(c.Request().Context(), c.Param("id"), revision)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

func (s *Server) handleEstimate(c echo.Context) error {
	revision, err := revisionParam(c)
	if err != nil {
		return err
	}
	cost, err := s.svc.Estimate(c.Request().Context(), c.Param("id"), revision)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cost)
}

func (s *Server) handleListActions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"actions": s.svc.Actions()})
}

// handleDiagram draws a workflow revision as Mermaid text (default), PNG or
// SVG. execution_id overlays that execution's step states.
func (s *Server) handleDiagram(c echo.Context) error {
	revision, err := revisionParam(c)
	if err != nil {
		return err
	}
	model, err := s.svc.Diagram(c.Request().Context(), service.DiagramRequest{
		WorkflowID:  c.Param("id"),
		Revision:    revision,
		ExecutionID: c.QueryParam("execution_id"),
	})
	if err != nil {
		return err
	}

	switch format := c.QueryParam("format"); format {
	case "", "mermaid":
		return c.String(http.StatusOK, diagram.RenderMermaid(model))
	case string(diagram.FormatPNG), string(diagram.FormatSVG):
		img, err := diagram.RenderImage(c.Request().Context(), model, diagram.ImageFormat(format))
		if err != nil {
			return err
		}
		return c.Blob(http.StatusOK, diagram.ImageFormat(format).ContentType(), img)
	default:
		return badRequest("format must be mermaid, png or svg", nil)
	}
}

// runRequest is the body of a manual run.
type runRequest struct {
	Revision int            `json:"revision"`
	Input    map[string]any `json:"input"`
	Async    bool           `json:"async"`
}

// handleRun starts a manual execution.
func (s *Server) handleRun(c echo.Context) error {
	var body runRequest
	if err := decodeOptional(c.Request().Body, &body); err != nil {
		return badRequest("invalid run request", err)
	}
	res, err := s.svc.Trigger(c.Request().Context(), service.TriggerRequest{
		WorkflowID: c.Param("id"),
		Revision:   body.Revision,
		Input:      body.Input,
		Source:     schema.TriggerManual,
		Async:      body.Async,
	})
	return s.triggered(c, res, err, body.Async)
}

// handleWebhook starts an execution with the request body as trigger input.
// The execution runs in the background unless ?wait=true.
func (s *Server) handleWebhook(c echo.Context) error {
	wait := false
	if err := echo.QueryParamsBinder(c).Bool("wait", &wait).BindError(); err != nil {
		return badRequest("invalid query", err)
	}
	var input map[string]any
	if err := decodeOptional(c.Request().Body, &input); err != nil {
		return badRequest("webhook body must be a JSON object", err)
	}
	res, err := s.svc.Trigger(c.Request().Context(), service.TriggerRequest{
		WorkflowID: c.Param("workflowID"),
		Input:      input,
		Source:     schema.TriggerWebhook,
		Async:      !wait,
	})
	return s.triggered(c, res, err, !wait)
}

// insufficientBody reports a denied reservation with its balance details.
type insufficientBody struct {
	errorBody
	Execution   *schema.Execution     `json:"execution"`
	Reservation *schema.ReserveResult `json:"reservation"`
}

func (s *Server) triggered(c echo.Context, res *service.TriggerResult, err error, async bool) error {
	if err != nil {
		if res != nil && schema.HasCode(err, schema.ErrCodeInsufficientCredits) {
			return c.JSON(http.StatusPaymentRequired, insufficientBody{
				errorBody:   errorBody{Error: errorDetail{Code: schema.ErrCodeInsufficientCredits, Message: err.Error()}},
				Execution:   res.Execution,
				Reservation: res.Reservation,
			})
		}
		return err
	}
	if async {
		return c.JSON(http.StatusAccepted, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleListExecutions(c echo.Context) error {
	var filter store.ExecutionFilter
	var status string
	err := echo.QueryParamsBinder(c).
		String("workflow_id", &filter.WorkflowID).
		String("organization_id", &filter.OrganizationID).
		String("status", &status).
		Int("limit", &filter.Limit).
		Int("offset", &filter.Offset).
		BindError()
	if err != nil {
		return badRequest("invalid query", err)
	}
	if status != "" {
		st := schema.ExecutionStatus(status)
		filter.Status = &st
	}
	list, err := s.svc.Executions(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"executions": list})
}

func (s *Server) handleStatus(c echo.Context) error {
	report, err := s.svc.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleEvents(c echo.Context) error {
	var since int64
	if err := echo.QueryParamsBinder(c).Int64("since", &since).BindError(); err != nil {
		return badRequest("invalid query", err)
	}
	events, err := s.svc.Events(c.Request().Context(), c.Param("id"), since)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleCancel(c echo.Context) error {
	exec, err := s.svc.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exec)
}

type balanceBody struct {
	OrganizationID string `json:"organization_id"`
	Balance        int64  `json:"balance"`
}

func (s *Server) handleBalance(c echo.Context) error {
	org := c.Param("org")
	balance, err := s.svc.Balance(c.Request().Context(), org)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, balanceBody{OrganizationID: org, Balance: balance})
}

func (s *Server) handleDeposit(c echo.Context) error {
	var body struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return badRequest("invalid deposit request", err)
	}
	org := c.Param("org")
	balance, err := s.svc.Deposit(c.Request().Context(), org, body.Amount)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, balanceBody{OrganizationID: org, Balance: balance})
}

func revisionParam(c echo.Context) (int, error) {
	var revision int
	if err := echo.QueryParamsBinder(c).Int("revision", &revision).BindError(); err != nil {
		return 0, badRequest("invalid revision", err)
	}
	return revision, nil
}

// decodeOptional decodes a JSON body into v; an empty body leaves v unchanged.
func decodeOptional(body io.Reader, v any) error {
	err := json.NewDecoder(body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
