package job

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
	g.POST("/jobs", h.CreateJob, auth.RequireScope("jobs", "write"))
	g.GET("/jobs", h.ListJobs, auth.RequireScope("jobs", "read"))
	g.GET("/jobs/:id", h.GetStatus, auth.RequireScope("jobs", "read"))
	g.POST("/jobs/:id/advance", h.AdvanceJob, auth.RequireScope("jobs", "advance"))
}

type createJobRequest struct {
	SubjectID     uuid.UUID `json:"subject_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

type createJobResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status Status    `json:"status"`
	IsNew  bool      `json:"is_new"`
}

func (h *Handler) CreateJob(c echo.Context) error {
	var req createJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SubjectID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "subject_id is required")
	}

	j, isNew, err := h.svc.CreateJob(c.Request().Context(), req.SubjectID, req.CorrelationID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "job creation failed")
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	return c.JSON(status, createJobResponse{JobID: j.ID, Status: j.Status, IsNew: isNew})
}

func (h *Handler) GetStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	snap, err := h.svc.GetStatus(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "job not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "status query failed")
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) AdvanceJob(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	j, err := h.svc.Advance(c.Request().Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "job not found")
		case errors.Is(err, ErrAttemptsExhausted):
			return echo.NewHTTPError(http.StatusBadRequest, ErrAttemptsExhausted.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "stage invocation failed")
		}
	}

	return c.JSON(http.StatusOK, StatusSnapshot{
		JobID:   j.ID,
		Status:  j.Status,
		Attempt: j.Attempt,
		Errors:  j.Errors,
	})
}

func (h *Handler) ListJobs(c echo.Context) error {
	subjectID, err := uuid.Parse(c.QueryParam("subject_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "subject_id query parameter is required")
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListBySubject(c.Request().Context(), subjectID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "job list failed")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
