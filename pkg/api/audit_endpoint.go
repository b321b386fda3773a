// pkg/api/audit_endpoint.go
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/parcelpoint/syncd/pkg/audit"
	"github.com/parcelpoint/syncd/pkg/schema"
)

func (s *Server) addAuditEndpoints(g *echo.Group) {
	g.GET("/audit/:job_id", s.auditEvents)
	g.GET("/audit/:job_id/report", s.auditReport)
}

func (s *Server) addValidationEndpoints(g *echo.Group) {
	g.GET("/validate/:job_id/:table", s.validateTable)
}

func (s *Server) auditEvents(c echo.Context) error {
	events, err := s.audit.EventsForJob(c.Param("job_id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "audit_read_failed", "details": err.Error()})
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) auditReport(c echo.Context) error {
	jobID := c.Param("job_id")
	events, err := s.audit.EventsForJob(jobID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "audit_read_failed", "details": err.Error()})
	}

	chainErr := audit.VerifyDir(s.auditDir())
	report := audit.BuildReport(jobID, events, chainErr)
	return c.JSON(http.StatusOK, report)
}

func (s *Server) validateTable(c echo.Context) error {
	job, err := s.store.GetJob(c.Request().Context(), c.Param("job_id"))
	if err != nil {
		return jobError(c, err)
	}

	table := c.Param("table")
	found := false
	for _, op := range job.Plan {
		if op.Table == table {
			found = true
			break
		}
	}
	if !found {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "table_not_in_job"})
	}

	result, err := s.validator().ValidateTable(c.Request().Context(), table)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "validation_failed", "details": err.Error()})
	}
	return c.JSON(http.StatusOK, result)
}

// validator and auditDir are provided by the orchestrator's wiring so the
// API carries no engine configuration of its own.
func (s *Server) validator() *schema.Validator {
	return s.orch.Validator()
}

func (s *Server) auditDir() string {
	return s.orch.AuditDir()
}
