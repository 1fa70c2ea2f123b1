package httpapi

import (
	"errors"
	"net/http"

	"github.com/davarch/ci-promoter/internal/application"
	"github.com/davarch/ci-promoter/internal/domain"
	"github.com/labstack/echo/v4"
)

func SetupRunRoutes(g *echo.Group, svc RunService, cfg application.PipelineConfig) {
	h := NewRunHandler(svc, cfg)
	runs := g.Group("/runs")
	runs.POST("", h.PostRun)
	runs.GET("", h.GetRuns)
	runs.GET("/:run_id", h.GetRun)
	runs.POST("/:run_id/cancel", h.PostCancel)
	runs.POST("/:run_id/resume", h.PostResume)
}

type RunHandler struct {
	svc RunService
	cfg application.PipelineConfig
}

func NewRunHandler(svc RunService, cfg application.PipelineConfig) *RunHandler {
	return &RunHandler{svc: svc, cfg: cfg}
}

type runAccepted struct {
	RunID string `json:"run_id"`
}

func (h *RunHandler) PostRun(c echo.Context) error {
	p := new(StartRunParams)
	if err := c.Bind(p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run request")
	}
	if !domain.IsBuildCounter(p.BuildNumber) {
		return echo.NewHTTPError(http.StatusBadRequest, "build_number must be a positive integer without leading zeros")
	}
	id := h.svc.Start(c.Request().Context(), domain.SourceRef{
		Repository:  p.Repository,
		Revision:    p.Revision,
		BuildNumber: p.BuildNumber,
	}, h.cfg)
	return c.JSON(http.StatusAccepted, runAccepted{RunID: id})
}

func (h *RunHandler) GetRuns(c echo.Context) error {
	p := new(ListRunsParams)
	if err := c.Bind(p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
	}
	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = 20
	}
	runs, err := h.svc.ListRuns(c.Request().Context(), p.Limit)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, runs)
}

func (h *RunHandler) GetRun(c echo.Context) error {
	p := new(RunParams)
	if err := c.Bind(p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	run, err := h.svc.GetRunStatus(c.Request().Context(), p.RunID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, run)
}

func (h *RunHandler) PostCancel(c echo.Context) error {
	p := new(RunParams)
	if err := c.Bind(p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	if err := h.svc.Cancel(p.RunID); err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			return toHTTPError(err)
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *RunHandler) PostResume(c echo.Context) error {
	p := new(RunParams)
	if err := c.Bind(p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	id, err := h.svc.StartResume(c.Request().Context(), p.RunID, h.cfg)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, runAccepted{RunID: id})
}

func toHTTPError(err error) error {
	var ve *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
	}
}
