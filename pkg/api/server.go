// pkg/api/server.go
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/parcelpoint/syncd/pkg/audit"
	"github.com/parcelpoint/syncd/pkg/orchestrator"
	"github.com/parcelpoint/syncd/pkg/scheduler"
	"github.com/parcelpoint/syncd/pkg/store"
)

// Server is the JSON/HTTP control surface of the sync engine.
type Server struct {
	echo   *echo.Echo
	orch   *orchestrator.Orchestrator
	sched  *scheduler.Scheduler
	store  *store.Store
	audit  *audit.Writer
	tokens map[string]string
	logger *zap.Logger
}

// NewServer wires the routes. tokens maps bearer tokens to principals;
// every mutating endpoint requires one.
func NewServer(
	orch *orchestrator.Orchestrator,
	sched *scheduler.Scheduler,
	st *store.Store,
	auditWriter *audit.Writer,
	tokens map[string]string,
	logger *zap.Logger,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:   e,
		orch:   orch,
		sched:  sched,
		store:  st,
		audit:  auditWriter,
		tokens: tokens,
		logger: logger,
	}

	g := e.Group("/sync", s.authMiddleware)
	s.addJobEndpoints(g)
	s.addConflictEndpoints(g)
	s.addAuditEndpoints(g)
	s.addValidationEndpoints(g)
	s.addScheduleEndpoints(g)

	// Health is unauthenticated so load balancers can poll it.
	e.GET("/sync/health", s.health)

	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("Control API listening", zap.String("addr", addr))
	err := s.echo.Start(addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	components := s.orch.Health(ctx)
	status := "ok"
	for _, comp := range components {
		if comp.Status == "down" {
			status = "down"
			break
		}
		if comp.Status == "degraded" {
			status = "degraded"
		}
	}

	code := http.StatusOK
	if status == "down" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, echo.Map{
		"status":     status,
		"components": components,
	})
}
