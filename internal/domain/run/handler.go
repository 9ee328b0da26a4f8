package run

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicore/clinicore/internal/platform/auth"
	"github.com/clinicore/clinicore/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	role := auth.RequireRole("admin", "physician", "care_coordinator")

	g := api.Group("", role)
	g.POST("/runs", h.CreateRun, auth.RequireScope("runs", "write"))
	g.GET("/runs", h.ListRuns, auth.RequireScope("runs", "read"))
	g.GET("/runs/:id", h.GetRun, auth.RequireScope("runs", "read"))
}

type createRunRequest struct {
	SubjectID uuid.UUID      `json:"subject_id"`
	Inputs    map[string]any `json:"inputs"`
}

type createRunResponse struct {
	RunID       uuid.UUID  `json:"run_id"`
	Status      Status     `json:"status"`
	JobID       *uuid.UUID `json:"job_id,omitempty"`
	IsDuplicate bool       `json:"is_duplicate"`
	Reason      string     `json:"reason,omitempty"`
}

func (h *Handler) CreateRun(c echo.Context) error {
	var req createRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SubjectID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "subject_id is required")
	}
	if len(req.Inputs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "inputs are required")
	}

	rn, check, err := h.svc.CreateRun(c.Request().Context(), req.SubjectID, req.Inputs)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "run creation failed")
	}

	status := http.StatusCreated
	if check.IsDuplicate {
		status = http.StatusOK
	}
	return c.JSON(status, createRunResponse{
		RunID:       rn.ID,
		Status:      rn.Status,
		JobID:       rn.JobID,
		IsDuplicate: check.IsDuplicate,
		Reason:      check.Reason,
	})
}

func (h *Handler) GetRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	rn, err := h.svc.GetRun(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "run query failed")
	}
	return c.JSON(http.StatusOK, rn)
}

func (h *Handler) ListRuns(c echo.Context) error {
	subjectID, err := uuid.Parse(c.QueryParam("subject_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "subject_id query parameter is required")
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListBySubject(c.Request().Context(), subjectID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "run list failed")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
