// pkg/api/jobs_endpoint.go
package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/parcelpoint/syncd/pkg/model"
	"github.com/parcelpoint/syncd/pkg/store"
)

type startJobRequest struct {
	Source string   `json:"source"`
	Target string   `json:"target"`
	Tables []string `json:"tables,omitempty"`
}

func (s *Server) addJobEndpoints(g *echo.Group) {
	g.POST("/full", s.startJob(model.JobKindFull))
	g.POST("/incremental", s.startJob(model.JobKindIncremental))
	g.POST("/selective", s.startJob(model.JobKindSelective))
	g.GET("/status/:job_id", s.jobStatus)
	g.POST("/stop/:job_id", s.stopJob)
	g.POST("/resume/:job_id", s.resumeJob)
	g.POST("/cancel/:job_id", s.cancelJob)
}

func (s *Server) startJob(kind model.JobKind) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req startJobRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_payload", "details": err.Error()})
		}
		if kind == model.JobKindSelective && len(req.Tables) == 0 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "no_tables_specified"})
		}
		// The engine syncs one configured pair; a request naming a different
		// endpoint is a caller mistake, not a routing instruction.
		if req.Source != "" && req.Source != s.orch.SourceRef() {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "source_mismatch", "configured": s.orch.SourceRef()})
		}
		if req.Target != "" && req.Target != s.orch.TargetRef() {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "target_mismatch", "configured": s.orch.TargetRef()})
		}

		job, err := s.orch.SubmitJob(c.Request().Context(), kind, req.Tables, principal(c))
		if err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "submit_failed", "details": err.Error()})
		}
		return c.JSON(http.StatusAccepted, echo.Map{"job_id": job.ID})
	}
}

func (s *Server) jobStatus(c echo.Context) error {
	job, err := s.store.GetJob(c.Request().Context(), c.Param("job_id"))
	if err != nil {
		return jobError(c, err)
	}

	resp := echo.Map{
		"state":          string(job.Status),
		"progress":       job.Progress,
		"conflicts_open": job.Progress.ConflictsOpen,
	}
	if job.LastError != "" {
		resp["last_error"] = job.LastError
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) stopJob(c echo.Context) error {
	job, err := s.orch.Pause(c.Request().Context(), c.Param("job_id"))
	if err != nil {
		return jobError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"state": string(job.Status)})
}

func (s *Server) resumeJob(c echo.Context) error {
	job, err := s.orch.Resume(c.Request().Context(), c.Param("job_id"))
	if err != nil {
		return jobError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"state": string(job.Status)})
}

func (s *Server) cancelJob(c echo.Context) error {
	job, err := s.orch.Cancel(c.Request().Context(), c.Param("job_id"))
	if err != nil {
		return jobError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"state": string(job.Status)})
}

func jobError(c echo.Context, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not_found"})
	}
	return c.JSON(http.StatusConflict, echo.Map{"error": "operation_failed", "details": err.Error()})
}
