// pkg/api/schedules_endpoint.go
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/parcelpoint/syncd/pkg/model"
)

type createScheduleRequest struct {
	Name       string            `json:"name"`
	Cron       string            `json:"cron,omitempty"`
	IntervalMS int64             `json:"interval_ms,omitempty"`
	Template   model.JobTemplate `json:"template"`
	Missed     string            `json:"missed_fire_policy,omitempty"`
}

func (s *Server) addScheduleEndpoints(g *echo.Group) {
	g.GET("/schedules", s.listSchedules)
	g.POST("/schedules", s.createSchedule)
}

func (s *Server) listSchedules(c echo.Context) error {
	schedules, err := s.store.ListActiveSchedules(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "list_failed", "details": err.Error()})
	}
	return c.JSON(http.StatusOK, schedules)
}

func (s *Server) createSchedule(c echo.Context) error {
	var req createScheduleRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_payload", "details": err.Error()})
	}
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "name_required"})
	}

	sched, err := model.NewSchedule(
		req.Name,
		req.Cron,
		time.Duration(req.IntervalMS)*time.Millisecond,
		req.Template,
		principal(c),
	)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_schedule", "details": err.Error()})
	}
	if req.Missed != "" {
		sched.MissedPolicy = model.MissedFirePolicy(req.Missed)
	}

	if err := s.sched.Add(c.Request().Context(), sched); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "create_failed", "details": err.Error()})
	}
	return c.JSON(http.StatusCreated, echo.Map{"id": sched.ID, "next_run": sched.NextRun})
}
