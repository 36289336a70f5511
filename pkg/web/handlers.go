package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// APIHandlers serves the workflow and run API. Reads go through the query
// service; writes through the workflow and run command services.
type APIHandlers struct {
	workflows *services.Workflow
	query     *services.Query
	runs      *services.Run
	validator *validator.Validate
	checks    map[string]services.HealthChecker
	now       func() time.Time
}

type APIOption func(*APIHandlers)

// WithHealthCheck adds a dependency reported by GET /health.
func WithHealthCheck(name string, checker services.HealthChecker) APIOption {
	return func(h *APIHandlers) {
		h.checks[name] = checker
	}
}

func NewAPIHandlers(
	workflows *services.Workflow,
	query *services.Query,
	runs *services.Run,
	validator *validator.Validate,
	opts ...APIOption,
) *APIHandlers {
	h := &APIHandlers{
		workflows: workflows,
		query:     query,
		runs:      runs,
		validator: validator,
		checks:    map[string]services.HealthChecker{},
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	req := services.ListWorkflowsRequest{
		Owner:  c.Query("owner"),
		Status: models.WorkflowStatus(c.Query("status")),
	}

	workflows, err := h.query.ListWorkflows(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(listResponse(workflows))
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.query.GetWorkflow(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) GetWorkflowVersion(c fiber.Ctx) error {
	version, err := strconv.Atoi(c.Params("version"))
	if err != nil {
		return badRequest(c, "version must be an integer")
	}

	workflow, err := h.query.GetWorkflowVersion(c.Context(), c.Params("id"), version)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req WorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.workflows.Create(c.Context(), req.Workflow())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateWorkflow(c fiber.Ctx) error {
	id := c.Params("id")

	var req UpdateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	existing, err := h.query.GetWorkflow(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	updated, err := h.workflows.Update(c.Context(), id, req.Apply(existing))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) ActivateWorkflow(c fiber.Ctx) error {
	workflow, err := h.workflows.Activate(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) ArchiveWorkflow(c fiber.Ctx) error {
	workflow, err := h.workflows.Archive(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	if err := h.workflows.Delete(c.Context(), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetRuns(c fiber.Ctx) error {
	req := services.ListRunsRequest{
		WorkflowID: c.Query("workflow_id"),
		Status:     models.RunStatus(c.Query("status")),
	}

	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return badRequest(c, "limit must be an integer")
		}

		req.Limit = n
	}

	runs, err := h.query.ListRuns(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(listResponse(runs))
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	run, err := h.query.GetRun(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) GetRunEvents(c fiber.Ctx) error {
	events, err := h.query.RunEvents(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(listResponse(events))
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	var req CancelRunRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}

		if err := h.validator.Struct(req); err != nil {
			return badRequest(c, err.Error())
		}
	}

	run, err := h.runs.Cancel(c.Context(), c.Params("id"), req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	message, healthy := h.query.HealthCheck(c.Context())
	checkers := fiber.Map{"persistence": message}

	for name, checker := range h.checks {
		if err := checker.HealthCheck(c.Context()); err != nil {
			checkers[name] = err.Error()
			healthy = false

			continue
		}

		checkers[name] = "ok"
	}

	status := "unhealthy"
	httpStatus := http.StatusServiceUnavailable

	if healthy {
		status = "healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"checkers":  checkers,
		"timestamp": h.now().UTC(),
	})
}
