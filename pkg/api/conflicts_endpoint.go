// pkg/api/conflicts_endpoint.go
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/parcelpoint/syncd/pkg/model"
)

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

func (s *Server) addConflictEndpoints(g *echo.Group) {
	g.GET("/conflicts/:job_id", s.listConflicts)
	g.POST("/conflicts/:job_id/:conflict_id/resolve", s.resolveConflict)
	g.POST("/conflicts/:job_id/resolve-all", s.resolveAllConflicts)
}

func (s *Server) listConflicts(c echo.Context) error {
	conflicts, err := s.store.ListConflicts(c.Request().Context(), c.Param("job_id"), "")
	if err != nil {
		return jobError(c, err)
	}

	out := make([]echo.Map, 0, len(conflicts))
	for _, cf := range conflicts {
		out = append(out, echo.Map{
			"id":     cf.ID,
			"table":  cf.Table,
			"pk":     cf.PKDisplay,
			"source": cf.SourceValues,
			"target": cf.TargetValues,
			"state":  string(cf.State),
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) resolveConflict(c echo.Context) error {
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_payload", "details": err.Error()})
	}
	resolution := model.Resolution(req.Resolution)
	if !resolution.IsValid() {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_resolution"})
	}

	cf, err := s.orch.ResolveConflict(
		c.Request().Context(),
		c.Param("job_id"),
		c.Param("conflict_id"),
		resolution,
		principal(c),
	)
	if err != nil {
		return jobError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"id":         cf.ID,
		"state":      string(cf.State),
		"resolution": string(cf.Resolution),
	})
}

func (s *Server) resolveAllConflicts(c echo.Context) error {
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_payload", "details": err.Error()})
	}
	resolution := model.Resolution(req.Resolution)
	if !resolution.IsValid() {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_resolution"})
	}

	resolved, err := s.orch.ResolveAllConflicts(
		c.Request().Context(),
		c.Param("job_id"),
		resolution,
		principal(c),
	)
	if err != nil {
		return jobError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"resolved": resolved})
}
